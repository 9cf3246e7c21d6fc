// Package journal is the append-only event log that is the system's
// durable source of truth. Appends are atomic and linearizable per stream;
// sequences are contiguous per stream; a global checkpoint orders the tail
// for subscribers.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConcurrency is returned when the expected stream version does not
// match the journal head. Callers retry with a reloaded aggregate.
var ErrConcurrency = errors.New("journal: concurrency conflict")

// Event is one journal entry. StreamID, Sequence and OccurredAt are
// assigned by the store on append.
type Event struct {
	StreamID      string          `json:"stream_id"`
	Sequence      uint64          `json:"sequence"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Envelope pairs an event with its position in the global journal order.
type Envelope struct {
	Event
	Checkpoint uint64 `json:"checkpoint"`
}

// Store is the event journal contract.
type Store interface {
	// Append writes events to a stream iff the stream head equals
	// expectedVersion. Returns the new version or ErrConcurrency.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events []Event) (uint64, error)

	// Read returns the events of a stream with sequence > from, in order.
	// A missing stream yields an empty slice, never an error.
	Read(ctx context.Context, streamID string, from uint64) ([]Event, error)

	// ReadGlobal returns up to limit events after the given checkpoint in
	// global order.
	ReadGlobal(ctx context.Context, after uint64, limit int) ([]Envelope, error)

	// Subscribe replays the global journal after the checkpoint and then
	// streams live appends. The returned cancel func detaches the
	// subscriber; the channel is closed afterwards.
	Subscribe(ctx context.Context, after uint64) (<-chan Envelope, func())
}

// Marshal encodes a payload for an event, panicking only on unmarshalable
// program values (a programming error, not input).
func Marshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("journal: unmarshalable event payload: " + err.Error())
	}
	return raw
}
