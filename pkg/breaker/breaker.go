// Package breaker implements the two-tier circuit breakers guarding
// upstream calls: one breaker per source plus a shared one for the token
// exchange endpoint. Counting uses a sliding window of failure timestamps.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	Closed   = "closed"
	Open     = "open"
	HalfOpen = "half_open"
)

// Breaker kinds.
const (
	KindSource        = "source"
	KindTokenExchange = "token_exchange"
)

// ErrOpen is returned by Allow when the circuit rejects the call.
var ErrOpen = errors.New("circuit open")

// OpenError carries the remaining cool-down for the Retry-After header.
type OpenError struct {
	CircuitID  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry in %s", e.CircuitID, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Settings tune a breaker.
type Settings struct {
	FailureThreshold int
	RollingWindow    time.Duration
	RecoveryTimeout  time.Duration
}

// DefaultSettings match the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RollingWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Transition describes a state change, delivered to the registry callback
// outside the breaker lock.
type Transition struct {
	CircuitID string
	Kind      string
	SourceID  string
	From      string
	To        string
	Reason    string
	ClosedBy  string
}

// Info is a point-in-time snapshot for the admin listing.
type Info struct {
	CircuitID    string        `json:"circuit_id"`
	Kind         string        `json:"kind"`
	SourceID     string        `json:"source_id,omitempty"`
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	RetryAfter   time.Duration `json:"-"`
}

// Breaker is a single circuit. All methods are safe for concurrent use.
type Breaker struct {
	id       string
	kind     string
	sourceID string
	settings Settings
	notify   func(Transition)
	clock    func() time.Time

	mu            sync.Mutex
	state         string
	failures      []time.Time
	openedAt      time.Time
	trialInFlight bool
}

func newBreaker(id, kind, sourceID string, settings Settings, notify func(Transition), clock func() time.Time) *Breaker {
	return &Breaker{
		id:       id,
		kind:     kind,
		sourceID: sourceID,
		settings: settings,
		notify:   notify,
		clock:    clock,
		state:    Closed,
	}
}

// Allow reports whether a call may proceed. An open circuit whose recovery
// timeout has elapsed moves to half-open and admits exactly one trial call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.clock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil

	case Open:
		remaining := b.settings.RecoveryTimeout - now.Sub(b.openedAt)
		if remaining > 0 {
			id := b.id
			b.mu.Unlock()
			return &OpenError{CircuitID: id, RetryAfter: remaining}
		}
		tr := b.transitionLocked(HalfOpen, "recovery timeout elapsed", "")
		b.trialInFlight = true
		b.mu.Unlock()
		b.emit(tr)
		return nil

	case HalfOpen:
		if b.trialInFlight {
			id := b.id
			b.mu.Unlock()
			return &OpenError{CircuitID: id, RetryAfter: time.Second}
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful call. It closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var tr *Transition
	if b.state == HalfOpen {
		tr = b.transitionLocked(Closed, "trial call succeeded", "")
		b.failures = nil
		b.trialInFlight = false
	}
	b.mu.Unlock()
	b.emit(tr)
}

// RecordFailure reports a failed call. A closed circuit opens once the
// failure count within the rolling window reaches the threshold; a
// half-open trial failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock()
	var tr *Transition

	switch b.state {
	case HalfOpen:
		tr = b.transitionLocked(Open, "trial call failed", "")
		b.openedAt = now
		b.trialInFlight = false
		b.failures = nil
	case Closed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.settings.FailureThreshold {
			tr = b.transitionLocked(Open,
				fmt.Sprintf("%d failures within %s", len(b.failures), b.settings.RollingWindow), "")
			b.openedAt = now
			b.failures = nil
		}
	}
	b.mu.Unlock()
	b.emit(tr)
}

// Reset forces the circuit closed. by names the operator for the audit
// trail.
func (b *Breaker) Reset(by string) {
	b.mu.Lock()
	var tr *Transition
	if b.state != Closed {
		tr = b.transitionLocked(Closed, "manual reset", by)
	}
	b.failures = nil
	b.trialInFlight = false
	b.mu.Unlock()
	b.emit(tr)
}

// Snapshot returns the current state for the admin listing.
func (b *Breaker) Snapshot() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	b.pruneLocked(now)
	info := Info{
		CircuitID:    b.id,
		Kind:         b.kind,
		SourceID:     b.sourceID,
		State:        b.state,
		FailureCount: len(b.failures),
	}
	if b.state == Open {
		if remaining := b.settings.RecoveryTimeout - now.Sub(b.openedAt); remaining > 0 {
			info.RetryAfter = remaining
		}
	}
	return info
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.settings.RollingWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to, reason, by string) *Transition {
	tr := &Transition{
		CircuitID: b.id,
		Kind:      b.kind,
		SourceID:  b.sourceID,
		From:      b.state,
		To:        to,
		Reason:    reason,
		ClosedBy:  by,
	}
	b.state = to
	return tr
}

func (b *Breaker) emit(tr *Transition) {
	if tr != nil && b.notify != nil {
		b.notify(*tr)
	}
}
