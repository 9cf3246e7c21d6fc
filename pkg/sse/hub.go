// Package sse streams domain events to connected clients. The hub tails
// the journal and fans out over bounded per-subscriber channels; a
// subscriber that cannot keep up is disconnected rather than allowed to
// stall the tail. There is no replay: a reconnecting client sees only
// events appended after it attached.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/journal"
)

// Event is one wire-level SSE message.
type Event struct {
	ID   uint64
	Name string
	Data []byte
}

const defaultMaxPending = 64

// Hub fans journal events out to SSE subscribers.
type Hub struct {
	journal    journal.Store
	log        *slog.Logger
	maxPending int
	heartbeat  time.Duration
	drops      metric.Int64Counter

	mu     sync.Mutex
	subs   map[*subscriber]bool
	closed bool
}

type subscriber struct {
	ch    chan Event
	admin bool
}

// NewHub creates a hub. maxPending bounds each subscriber's queue.
func NewHub(j journal.Store, maxPending int, log *slog.Logger) *Hub {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	if log == nil {
		log = slog.Default()
	}
	drops, _ := otel.Meter("toolgate/sse").Int64Counter("toolgate.sse.drops",
		metric.WithDescription("SSE subscribers dropped for falling behind"))
	return &Hub{
		journal:    j,
		log:        log,
		maxPending: maxPending,
		heartbeat:  30 * time.Second,
		drops:      drops,
		subs:       make(map[*subscriber]bool),
	}
}

// Run tails the journal starting after the given checkpoint until ctx is
// cancelled, then tells every subscriber to shut down.
func (h *Hub) Run(ctx context.Context, after uint64) error {
	events, cancel := h.journal.Subscribe(ctx, after)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				h.shutdown()
				return ctx.Err()
			}
			h.publish(env)
		}
	}
}

// SubscriberCount reports the number of attached clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(env journal.Envelope) {
	name, adminOnly := wireName(env.Type)
	if name == "" {
		return
	}
	ev := Event{ID: env.Checkpoint, Name: name, Data: env.Payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if adminOnly && !sub.admin {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: the client is too slow, cut it loose.
			delete(h.subs, sub)
			close(sub.ch)
			h.drops.Add(context.Background(), 1)
			h.log.Warn("sse_subscriber_dropped", "pending", h.maxPending)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		select {
		case sub.ch <- Event{Name: "shutdown", Data: []byte(`{}`)}:
		default:
		}
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) attach(admin bool) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{ch: make(chan Event, h.maxPending), admin: admin}
	h.subs[sub] = true
	return sub, true
}

func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Handler serves one SSE connection. Admin connections receive the full
// event stream; others only tool availability changes.
func (h *Hub) Handler(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub, ok := h.attach(admin)
		if !ok {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer h.detach(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				writeEvent(w, Event{Name: "heartbeat", Data: heartbeatPayload()})
				flusher.Flush()
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				writeEvent(w, ev)
				flusher.Flush()
				if ev.Name == "shutdown" {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	if ev.ID > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Name)
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

func heartbeatPayload() []byte {
	raw, _ := json.Marshal(map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
	return raw
}

// wireName maps a journal event type to its SSE event name. Empty means
// the event is internal and never streamed. Group, policy, maintenance
// and circuit events are admin-only.
func wireName(eventType string) (name string, adminOnly bool) {
	switch eventType {
	case domain.EvSourceRegistered:
		return "source_registered", false
	case domain.EvSourceInventoryRefreshed:
		return "source_inventory_updated", false
	case domain.EvSourceUnregistered:
		return "source_deleted", false
	case domain.EvToolEnabled:
		return "tool_enabled", false
	case domain.EvToolDisabled:
		return "tool_disabled", false
	case domain.EvSourceRefreshFailed:
		return "source_refresh_failed", true
	case domain.EvToolsCleaned:
		return "tools_cleaned", true
	case domain.EvBreakerOpened:
		return "circuit_breaker.opened", true
	case domain.EvBreakerClosed:
		return "circuit_breaker.closed", true
	case domain.EvBreakerHalfOpened:
		return "circuit_breaker.half_opened", true
	case domain.EvGroupCreated:
		return "group_created", true
	case domain.EvGroupDeleted:
		return "group_deleted", true
	case domain.EvPolicyDefined:
		return "policy_defined", true
	case domain.EvPolicyActivated:
		return "policy_activated", true
	case domain.EvPolicyDeleted:
		return "policy_deleted", true
	}
	// Intermediate mutations (selector/tool edits, matcher or priority
	// changes, activation flips) collapse into a generic update per
	// aggregate; subscribers re-fetch the document.
	switch {
	case strings.HasPrefix(eventType, "group."):
		return "group_updated", true
	case strings.HasPrefix(eventType, "policy."):
		return "policy_updated", true
	}
	return "", false
}
