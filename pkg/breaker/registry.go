package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnknownCircuit is returned by Reset for a circuit id never seen.
var ErrUnknownCircuit = errors.New("unknown circuit")

// Registry owns all circuits: one per upstream source, created lazily,
// plus the shared token exchange circuit.
type Registry struct {
	settings    Settings
	clock       func() time.Time
	transitions metric.Int64Counter

	mu       sync.Mutex
	breakers map[string]*Breaker
	notify   func(Transition)
}

// NewRegistry creates a registry with the given settings.
func NewRegistry(settings Settings) *Registry {
	transitions, _ := otel.Meter("toolgate/breaker").Int64Counter("toolgate.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	return &Registry{
		settings:    settings,
		clock:       time.Now,
		transitions: transitions,
		breakers:    make(map[string]*Breaker),
	}
}

// WithClock overrides the time source, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// OnTransition registers the state-change callback. The callback runs
// outside breaker locks and must be set before circuits are created.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

const tokenExchangeID = "token_exchange"

// ForSource returns the circuit guarding one upstream source.
func (r *Registry) ForSource(sourceID string) *Breaker {
	return r.get("source:"+sourceID, KindSource, sourceID)
}

// ForTokenExchange returns the shared token exchange circuit.
func (r *Registry) ForTokenExchange() *Breaker {
	return r.get(tokenExchangeID, KindTokenExchange, "")
}

func (r *Registry) get(id, kind, sourceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b := newBreaker(id, kind, sourceID, r.settings, r.dispatch, r.clock)
	r.breakers[id] = b
	return b
}

func (r *Registry) dispatch(tr Transition) {
	r.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", tr.Kind),
		attribute.String("to", tr.To)))
	r.mu.Lock()
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(tr)
	}
}

// Reset forces a circuit closed by id.
func (r *Registry) Reset(circuitID, by string) error {
	r.mu.Lock()
	b, ok := r.breakers[circuitID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownCircuit
	}
	b.Reset(by)
	return nil
}

// Remove drops the circuit of an unregistered source.
func (r *Registry) Remove(sourceID string) {
	r.mu.Lock()
	delete(r.breakers, "source:"+sourceID)
	r.mu.Unlock()
}

// Snapshot lists all circuits sorted by id.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(breakers))
	for _, b := range breakers {
		infos = append(infos, b.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CircuitID < infos[j].CircuitID })
	return infos
}
