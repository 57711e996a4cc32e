package api

import (
	"testing"

	redis "github.com/redis/go-redis/v9"
)

// Unsubscribe must never close the subscriber channel itself: the pubsub
// goroutine owns the close, so a concurrent delivery cannot send on a closed
// channel.
func TestRedisBrokerUnsubscribeLeavesChannelToGoroutine(t *testing.T) {
	b := &RedisBroker{subs: map[chan SSEEvent]*redis.PubSub{}}
	ch := make(chan SSEEvent, 1)
	b.Unsubscribe("run_1", ch)
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("Unsubscribe closed the subscriber channel")
		}
		t.Fatal("unexpected event on fresh channel")
	default:
	}
	// Still writable by the delivery goroutine.
	ch <- SSEEvent{Type: "run.progress"}
}
