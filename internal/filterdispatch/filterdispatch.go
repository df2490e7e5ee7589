// Package filterdispatch computes, for each advertised spectrum, the set of
// registered consumers that want it. Filter rules are declarative YAML
// documents, one per consumer, in the style of oriys-nova's
// internal/spec.FunctionSpec: a thin typed unmarshal target plus a
// Validate/ToXxx conversion step, parsed with gopkg.in/yaml.v3.
package filterdispatch

import (
	"fmt"
	"io"
	"os"

	"github.com/oriys/spectrumreader/internal/domain"
	"gopkg.in/yaml.v3"
)

// ConsumerSpec is the YAML specification for one consumer's filter rules.
type ConsumerSpec struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	Name string `yaml:"name"`

	// FreqMinHz/FreqMaxHz bound the sky-frequency range this consumer
	// wants; zero values on both sides mean "no frequency filter".
	FreqMinHz float64 `yaml:"freqMinHz,omitempty"`
	FreqMaxHz float64 `yaml:"freqMaxHz,omitempty"`

	// Servers, if non-empty, restricts this consumer to spectra
	// advertised by one of these server addresses ("ip:port"). An empty
	// list means "any server".
	Servers []string `yaml:"servers,omitempty"`

	// QueueCapacity is parsed and validated with the rest of the rule, but
	// consumer queues are not sized from it: cmd/spectrumreader gives every
	// consumer queue the same registry-wide capacity.
	QueueCapacity int `yaml:"queueCapacity,omitempty"`
}

// Validate checks a ConsumerSpec for internal consistency.
func (s *ConsumerSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("filterdispatch: consumer name is required")
	}
	if s.FreqMinHz != 0 && s.FreqMaxHz != 0 && s.FreqMinHz > s.FreqMaxHz {
		return fmt.Errorf("filterdispatch: consumer %q has freqMinHz > freqMaxHz", s.Name)
	}
	if s.QueueCapacity < 0 {
		return fmt.Errorf("filterdispatch: consumer %q has negative queueCapacity", s.Name)
	}
	return nil
}

// Rule is the compiled, runtime-evaluable form of a ConsumerSpec.
type Rule struct {
	Consumer      domain.ConsumerID
	FreqMinHz     float64
	FreqMaxHz     float64
	Servers       map[string]struct{} // nil means "any server"
	QueueCapacity int
}

func (s *ConsumerSpec) toRule() *Rule {
	r := &Rule{
		Consumer:      domain.ConsumerID(s.Name),
		FreqMinHz:     s.FreqMinHz,
		FreqMaxHz:     s.FreqMaxHz,
		QueueCapacity: s.QueueCapacity,
	}
	if len(s.Servers) > 0 {
		r.Servers = make(map[string]struct{}, len(s.Servers))
		for _, addr := range s.Servers {
			r.Servers[addr] = struct{}{}
		}
	}
	if r.QueueCapacity == 0 {
		r.QueueCapacity = 256
	}
	return r
}

// Dispatch holds the compiled rule set every signal is matched against.
type Dispatch struct {
	rules []*Rule
}

// ParseFile loads consumer filter specs from a multi-document YAML file.
func ParseFile(path string) (*Dispatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filterdispatch: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes one or more ConsumerSpec YAML documents from r.
func Parse(r io.Reader) (*Dispatch, error) {
	decoder := yaml.NewDecoder(r)
	var rules []*Rule

	for {
		var spec ConsumerSpec
		err := decoder.Decode(&spec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("filterdispatch: decode yaml: %w", err)
		}
		if spec.Name == "" {
			continue
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, spec.toRule())
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("filterdispatch: no consumer specs found")
	}
	return &Dispatch{rules: rules}, nil
}

// Rules returns the compiled rule set, for queue provisioning at startup.
func (d *Dispatch) Rules() []*Rule {
	return d.rules
}

// ConsumersFor computes the consumer set wanting a spectrum advertised by
// server at freqHz, per §4.5's "find-or-open only for non-empty consumer
// sets" contract. Order is stable (rule declaration order) so repeated
// calls with identical input produce identical slices, which matters for
// the no-reordering test harness.
func (d *Dispatch) ConsumersFor(serverAddr string, freqHz float64) []domain.ConsumerID {
	var out []domain.ConsumerID
	for _, r := range d.rules {
		if r.Servers != nil {
			if _, ok := r.Servers[serverAddr]; !ok {
				continue
			}
		}
		if r.FreqMinHz != 0 && freqHz < r.FreqMinHz {
			continue
		}
		if r.FreqMaxHz != 0 && freqHz > r.FreqMaxHz {
			continue
		}
		out = append(out, r.Consumer)
	}
	return out
}

// ExampleYAML returns a sample multi-document consumer filter file.
func ExampleYAML() string {
	return `# Spectrum reader consumer filter specification
apiVersion: spectrumreader/v1
kind: Consumer

name: wideband-archiver
freqMinHz: 1.0e9
freqMaxHz: 2.0e9
queueCapacity: 1024
---
apiVersion: spectrumreader/v1
kind: Consumer

name: pulsar-search
servers:
  - 10.0.1.10:18515
queueCapacity: 512
`
}
