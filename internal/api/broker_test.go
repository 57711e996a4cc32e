package api

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("run_1")

	evt := SSEEvent{Type: "run.progress", Data: map[string]any{"tripsProcessed": 10}}
	b.Publish("run_1", evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("run_1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("run_a")
	defer b.Unsubscribe("run_a", ch)
	b.Publish("run_b", SSEEvent{Type: "run.progress"})
	select {
	case evt := <-ch:
		t.Fatalf("received event for another run: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDropsWhenSubscriberSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("run_1")
	defer b.Unsubscribe("run_1", ch)
	// Fill past the buffer without a reader; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("run_1", SSEEvent{Type: "run.progress"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
