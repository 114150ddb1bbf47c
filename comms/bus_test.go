package comms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/GoCodeAlone/relay/event"
)

func stepEvent(seq uint64) event.Event {
	return event.New(event.Step{Iteration: int(seq)}).ForTask("task-1", "sess-1", "researcher").WithSequence(seq)
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus(nil)
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("counter", func(_ context.Context, _ event.Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	if err := bus.Publish(ctx, stepEvent(1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	unsub()
	if err := bus.Publish(ctx, stepEvent(2)); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_SubscriptionOrder(t *testing.T) {
	bus := NewInMemoryBus(nil)
	var order []string
	for _, name := range []string{"sessions", "status", "hub"} {
		n := name
		bus.Subscribe(n, func(_ context.Context, _ event.Event) error {
			order = append(order, n)
			return nil
		})
	}
	bus.Publish(context.Background(), stepEvent(1))
	if len(order) != 3 || order[0] != "sessions" || order[1] != "status" || order[2] != "hub" {
		t.Errorf("order = %v", order)
	}
}

func TestInMemoryBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewInMemoryBus(nil)
	boom := errors.New("boom")
	var delivered bool
	bus.Subscribe("bad", func(_ context.Context, _ event.Event) error { return boom })
	bus.Subscribe("good", func(_ context.Context, _ event.Event) error {
		delivered = true
		return nil
	})

	err := bus.Publish(context.Background(), stepEvent(1))
	if !errors.Is(err, boom) {
		t.Errorf("Publish err = %v, want wrapped boom", err)
	}
	if !delivered {
		t.Error("second handler not called")
	}
}

func TestInMemoryBus_PreservesPerPublisherOrder(t *testing.T) {
	bus := NewInMemoryBus(nil)
	var mu sync.Mutex
	var seqs []uint64
	bus.Subscribe("record", func(_ context.Context, ev event.Event) error {
		mu.Lock()
		seqs = append(seqs, ev.Sequence)
		mu.Unlock()
		return nil
	})
	for i := uint64(1); i <= 20; i++ {
		bus.Publish(context.Background(), stepEvent(i))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("position %d has sequence %d", i, s)
		}
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus(nil)
	bus.maxHist = 3
	for i := uint64(1); i <= 5; i++ {
		bus.Publish(context.Background(), stepEvent(i))
	}

	all := bus.History(0)
	if len(all) != 3 || all[0].Sequence != 3 || all[2].Sequence != 5 {
		t.Errorf("History(0) = %v", seqsOf(all))
	}
	last := bus.History(2)
	if len(last) != 2 || last[0].Sequence != 4 {
		t.Errorf("History(2) = %v", seqsOf(last))
	}
}

func seqsOf(evs []event.Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, e := range evs {
		out[i] = e.Sequence
	}
	return out
}
