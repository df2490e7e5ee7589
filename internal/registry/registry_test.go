package registry

import (
	"testing"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/rdma"
)

func addr(last byte, port uint16) domain.ServerAddr {
	return domain.NewServerAddr([]byte{10, 0, 0, last}, port)
}

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	a := addr(1, 18515)
	c := conn.New(a, rdma.ConnID(1), 4)

	r.Insert(c)
	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}

	got, ok := r.Lookup(a)
	if !ok || got != c {
		t.Fatal("expected to find inserted connection")
	}

	r.Remove(c)
	if r.Len() != 0 {
		t.Fatalf("expected len 0 after remove, got %d", r.Len())
	}
	if _, ok := r.Lookup(a); ok {
		t.Fatal("expected connection gone after remove")
	}
}

func TestFDIndexOrderedLookup(t *testing.T) {
	r := New()
	conns := []*conn.Connection{
		conn.New(addr(1, 1), rdma.ConnID(1), 4),
		conn.New(addr(2, 1), rdma.ConnID(2), 4),
		conn.New(addr(3, 1), rdma.ConnID(3), 4),
	}
	conns[0].SetCompFD(30)
	conns[1].SetCompFD(10)
	conns[2].SetCompFD(20)

	for _, c := range conns {
		r.Insert(c)
		r.AddToFDIndex(c)
	}

	for _, tc := range []struct {
		fd   int
		want *conn.Connection
	}{
		{10, conns[1]},
		{20, conns[2]},
		{30, conns[0]},
	} {
		got, ok := r.LookupByFD(tc.fd)
		if !ok || got != tc.want {
			t.Fatalf("LookupByFD(%d): got %v ok=%v, want %v", tc.fd, got, ok, tc.want)
		}
	}

	if _, ok := r.LookupByFD(999); ok {
		t.Fatal("expected no match for unindexed fd")
	}

	r.RemoveFromFDIndex(conns[1])
	if _, ok := r.LookupByFD(10); ok {
		t.Fatal("expected fd 10 gone after RemoveFromFDIndex")
	}
	if _, ok := r.LookupByFD(20); !ok {
		t.Fatal("expected fd 20 to remain after removing a different entry")
	}
}

func TestAllSnapshotsCurrentConnections(t *testing.T) {
	r := New()
	r.Insert(conn.New(addr(1, 1), rdma.ConnID(1), 4))
	r.Insert(conn.New(addr(2, 1), rdma.ConnID(2), 4))

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(all))
	}
}
