package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"predictioncore/internal/events"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestWatcherForwardsSubscribedTopicsToSink(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	w := NewWatcher(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	bus.Publish(events.EventOrderRejected, "order-1 rejected: insufficient balance")
	bus.Publish(events.EventBalanceDrift, "user alice drifted")
	bus.Publish(events.EventOrderFilled, "should not be forwarded")

	deadline := time.Now().Add(time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("sink received %d messages, want 2 (order rejected + balance drift only)", got)
	}
}

func TestWatcherWithoutSinkIsANoop(t *testing.T) {
	w := NewWatcher(events.NewBus(), nil)
	w.Start(context.Background())
}
