package consumerqueue

import (
	"testing"

	"github.com/oriys/spectrumreader/internal/domain"
)

func TestDeliverAndReceive(t *testing.T) {
	r := NewRegistry(4)
	q := r.Register("alice")

	msg := &domain.OutputMessage{Kind: domain.OutputValidBuffer}
	r.Deliver([]domain.ConsumerID{"alice"}, msg)

	select {
	case got := <-q.Recv():
		if got.Kind != domain.OutputValidBuffer {
			t.Fatalf("unexpected message: %+v", got)
		}
	default:
		t.Fatal("expected a message to be queued")
	}
}

func TestOverflowAccounting(t *testing.T) {
	r := NewRegistry(1)
	q := r.Register("bob")

	r.Deliver([]domain.ConsumerID{"bob"}, &domain.OutputMessage{Kind: domain.OutputValidBuffer})
	r.Deliver([]domain.ConsumerID{"bob"}, &domain.OutputMessage{Kind: domain.OutputValidBuffer})

	if q.Overflow() != 1 {
		t.Fatalf("expected 1 overflow, got %d", q.Overflow())
	}
}

func TestBroadcastReachesEveryConsumer(t *testing.T) {
	r := NewRegistry(2)
	q1 := r.Register("alice")
	q2 := r.Register("bob")

	end := &domain.OutputMessage{Kind: domain.OutputEnd}
	r.Broadcast(end)

	for _, q := range []*Queue{q1, q2} {
		select {
		case got := <-q.Recv():
			if got.Kind != domain.OutputEnd {
				t.Fatalf("expected end message, got %+v", got)
			}
		default:
			t.Fatal("expected end message on every consumer queue")
		}
	}
}
