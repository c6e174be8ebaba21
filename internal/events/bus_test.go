package events

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestBus_DeliversToSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(context.Background(), "INC-1", TypeAnalysisComplete, map[string]string{"summary": "ok"})

	select {
	case ev := <-ch:
		if ev.IncidentID != "INC-1" {
			t.Errorf("incident = %q, want INC-1", ev.IncidentID)
		}
		if ev.Type != TypeAnalysisComplete {
			t.Errorf("type = %q, want %q", ev.Type, TypeAnalysisComplete)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	ch1, cancel1 := b.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(1)
	defer cancel2()

	b.Publish(context.Background(), "INC-2", TypePatternUpdated, nil)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive", i)
		}
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Buffer of one; the second publish must be dropped, not block.
		b.Publish(context.Background(), "INC-3", TypeAnalysisComplete, nil)
		b.Publish(context.Background(), "INC-3", TypeAnalysisFailed, nil)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := b.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	ch, cancel := b.Subscribe(1)
	cancel()

	if _, open := <-ch; open {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(context.Background(), "INC-4", TypeIncidentUpdated, nil)

	// Double cancel is safe.
	cancel()
}

func TestNopPublisher(t *testing.T) {
	t.Parallel()

	var p Publisher = NopPublisher{}
	p.Publish(context.Background(), "INC-5", TypeAnalysisComplete, nil)
}
