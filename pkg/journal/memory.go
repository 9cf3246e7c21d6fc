package journal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process journal backend. It keeps the global log in
// a slice and wakes subscribers on append. Used by tests and single-node
// development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	global   []Envelope
	versions map[string]uint64
	wake     map[chan struct{}]struct{}
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]uint64),
		wake:     make(map[chan struct{}]struct{}),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []Event) (uint64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	current := s.versions[streamID]
	if current != expectedVersion {
		s.mu.Unlock()
		return 0, ErrConcurrency
	}

	now := s.clock()
	for i := range events {
		e := events[i]
		e.StreamID = streamID
		e.Sequence = current + uint64(i) + 1
		e.OccurredAt = now
		s.global = append(s.global, Envelope{Event: e, Checkpoint: uint64(len(s.global)) + 1})
	}
	newVersion := current + uint64(len(events))
	s.versions[streamID] = newVersion

	wake := make([]chan struct{}, 0, len(s.wake))
	for ch := range s.wake {
		wake = append(wake, ch)
	}
	s.mu.Unlock()

	for _, ch := range wake {
		select {
		case ch <- struct{}{}:
		default: // already pending a wakeup
		}
	}
	return newVersion, nil
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, streamID string, from uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, env := range s.global {
		if env.StreamID == streamID && env.Sequence > from {
			out = append(out, env.Event)
		}
	}
	return out, nil
}

// ReadGlobal implements Store.
func (s *MemoryStore) ReadGlobal(ctx context.Context, after uint64, limit int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after >= uint64(len(s.global)) {
		return nil, nil
	}
	end := len(s.global)
	if limit > 0 && int(after)+limit < end {
		end = int(after) + limit
	}
	out := make([]Envelope, end-int(after))
	copy(out, s.global[after:end])
	return out, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, after uint64) (<-chan Envelope, func()) {
	out := make(chan Envelope, 16)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	s.mu.Lock()
	s.wake[wake] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.wake, wake)
			s.mu.Unlock()
			close(out)
		}()

		pos := after
		for {
			batch, _ := s.ReadGlobal(ctx, pos, 256)
			for _, env := range batch {
				select {
				case out <- env:
					pos = env.Checkpoint
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				continue // drain before sleeping
			}
			select {
			case <-wake:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}
