package filterdispatch

import (
	"strings"
	"testing"
)

func TestParseMultiDocument(t *testing.T) {
	d, err := Parse(strings.NewReader(ExampleYAML()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rules := d.Rules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Consumer != "wideband-archiver" {
		t.Fatalf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].QueueCapacity != 512 {
		t.Fatalf("expected queueCapacity 512, got %d", rules[1].QueueCapacity)
	}
}

func TestParseNoDocuments(t *testing.T) {
	_, err := Parse(strings.NewReader("---\n---\n"))
	if err == nil {
		t.Fatal("expected error for a document set with no named consumers")
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	s := &ConsumerSpec{}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestValidateRejectsInvertedFreqRange(t *testing.T) {
	s := &ConsumerSpec{Name: "x", FreqMinHz: 2e9, FreqMaxHz: 1e9}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for freqMinHz > freqMaxHz")
	}
}

func TestValidateRejectsNegativeQueueCapacity(t *testing.T) {
	s := &ConsumerSpec{Name: "x", QueueCapacity: -1}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for negative queueCapacity")
	}
}

func TestToRuleDefaultsQueueCapacity(t *testing.T) {
	s := &ConsumerSpec{Name: "x"}
	r := s.toRule()
	if r.QueueCapacity != 256 {
		t.Fatalf("expected default queueCapacity 256, got %d", r.QueueCapacity)
	}
}

func TestConsumersForFrequencyRange(t *testing.T) {
	d, err := Parse(strings.NewReader(ExampleYAML()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := d.ConsumersFor("10.0.9.9:18515", 1.5e9)
	if len(got) != 1 || got[0] != "wideband-archiver" {
		t.Fatalf("expected only wideband-archiver in range, got %v", got)
	}

	got = d.ConsumersFor("10.0.9.9:18515", 5e9)
	if len(got) != 0 {
		t.Fatalf("expected no consumers out of range, got %v", got)
	}
}

func TestConsumersForServerAllowList(t *testing.T) {
	d, err := Parse(strings.NewReader(ExampleYAML()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := d.ConsumersFor("10.0.1.10:18515", 5e9)
	if len(got) != 1 || got[0] != "pulsar-search" {
		t.Fatalf("expected only pulsar-search for allow-listed server, got %v", got)
	}

	got = d.ConsumersFor("10.0.1.11:18515", 5e9)
	if len(got) != 0 {
		t.Fatalf("expected no consumers for non-allow-listed server, got %v", got)
	}
}

func TestConsumersForStableOrder(t *testing.T) {
	d, err := Parse(strings.NewReader(`
name: a
---
name: b
---
name: c
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for i := 0; i < 5; i++ {
		got := d.ConsumersFor("any:0", 0)
		if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
			t.Fatalf("expected stable declaration order, got %v", got)
		}
	}
}
