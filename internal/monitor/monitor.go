package monitor

import (
	"context"

	"github.com/rs/zerolog/log"

	"predictioncore/internal/events"
)

// Watcher subscribes to domain events and forwards notable ones to an
// AlertSink. It exists so operational signals (rejected orders,
// balance drift) reach an external channel without every
// producer needing to know about alerting.
type Watcher struct {
	Bus  *events.Bus
	Sink AlertSink
}

// NewWatcher builds a Watcher over bus, delivering to sink.
func NewWatcher(bus *events.Bus, sink AlertSink) *Watcher {
	return &Watcher{Bus: bus, Sink: sink}
}

// Start subscribes to the events worth alerting on and runs until ctx
// is cancelled. Safe to call once per Watcher.
func (w *Watcher) Start(ctx context.Context) {
	if w.Bus == nil || w.Sink == nil {
		log.Warn().Msg("monitor watcher not fully configured; skipping")
		return
	}

	topics := []events.Event{
		events.EventOrderRejected,
		events.EventBalanceDrift,
	}

	for _, topic := range topics {
		stream, unsub := w.Bus.Subscribe(topic, 50)
		go w.drain(ctx, topic, stream, unsub)
	}
}

func (w *Watcher) drain(ctx context.Context, topic events.Event, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			if err := w.Sink.Send(formatAlert(topic, payload)); err != nil {
				log.Error().Err(err).Str("topic", string(topic)).Msg("alert sink delivery failed")
			}
		}
	}
}

func formatAlert(topic events.Event, payload any) string {
	return string(topic) + ": " + toString(payload)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return "event fired"
	}
}
