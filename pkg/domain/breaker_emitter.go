package domain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/journal"
)

// NewBreakerEmitter returns the registry transition callback: every breaker
// state change becomes a journal event on the circuit's stream, which the
// SSE hub then fans out. Emission is best-effort; a lost event never blocks
// the breaker itself.
func NewBreakerEmitter(j journal.Store, log *slog.Logger) func(breaker.Transition) {
	if log == nil {
		log = slog.Default()
	}
	return func(tr breaker.Transition) {
		var eventType string
		switch tr.To {
		case breaker.Open:
			eventType = EvBreakerOpened
		case breaker.Closed:
			eventType = EvBreakerClosed
		case breaker.HalfOpen:
			eventType = EvBreakerHalfOpened
		default:
			return
		}
		payload := BreakerTransitioned{
			CircuitID: tr.CircuitID,
			Kind:      tr.Kind,
			SourceID:  tr.SourceID,
			Reason:    tr.Reason,
			ClosedBy:  tr.ClosedBy,
		}
		event := journal.Event{Type: eventType, Payload: journal.Marshal(payload)}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream := BreakerStream(tr.CircuitID)
		for attempt := 0; attempt < commandRetries; attempt++ {
			events, err := j.Read(ctx, stream, 0)
			if err != nil {
				log.Warn("breaker_event_append_failed", "circuit", tr.CircuitID, "error", err)
				return
			}
			var version uint64
			if len(events) > 0 {
				version = events[len(events)-1].Sequence
			}
			_, err = j.Append(ctx, stream, version, []journal.Event{event})
			if err == nil {
				return
			}
			if !errors.Is(err, journal.ErrConcurrency) {
				log.Warn("breaker_event_append_failed", "circuit", tr.CircuitID, "error", err)
				return
			}
		}
		log.Warn("breaker_event_append_failed", "circuit", tr.CircuitID, "error", journal.ErrConcurrency)
	}
}
