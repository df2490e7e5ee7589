package bufferpool

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	p, err := New(4096, 1<<20, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	buf, id, err := p.Get(65536)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(buf) != 65536 {
		t.Fatalf("expected len 65536, got %d", len(buf))
	}

	p.Put(buf, id)
	buf2, id2, err := p.Get(65536)
	if err != nil {
		t.Fatalf("Get (reuse): %v", err)
	}
	if id2 != id {
		t.Fatalf("expected reused bucket %d, got %d", id, id2)
	}
	p.Put(buf2, id2)

	stats := p.Stats()
	if stats.Borrowed != 2 || stats.Returned != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetExceedsMaximum(t *testing.T) {
	p, err := New(4096, 1<<16, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, _, err := p.Get(1 << 20); err == nil {
		t.Fatal("expected error for oversized request")
	}
}

func TestBucketIDStableAcrossSizes(t *testing.T) {
	p, err := New(4096, 1<<20, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.BucketID(1000) != p.BucketID(4000) {
		t.Fatal("expected sizes within the same page-rounded bucket to share an id")
	}
}

func TestBucketExhaustion(t *testing.T) {
	p, err := New(4096, 1<<16, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, _, err := p.Get(4096); err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	if _, _, err := p.Get(4096); err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if _, _, err := p.Get(4096); err == nil {
		t.Fatal("expected exhaustion error on third Get with only 2 slots")
	}
}

func TestArenaStableAcrossAllocations(t *testing.T) {
	p, err := New(4096, 1<<16, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	id := p.BucketID(4096)
	arena, err := p.Arena(id)
	if err != nil {
		t.Fatalf("Arena: %v", err)
	}

	buf, gotID, err := p.Get(4096)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotID != id {
		t.Fatalf("expected bucket %d, got %d", id, gotID)
	}
	if len(arena) == 0 || len(arena)%len(buf) != 0 {
		t.Fatalf("expected arena to be a whole multiple of the slot size, arena=%d buf=%d", len(arena), len(buf))
	}
	p.Put(buf, gotID)
}
