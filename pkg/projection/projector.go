// Package projection folds the event journal into the read model. A single
// projector tails the global journal from its durable checkpoint and applies
// each event exactly once in effect: every handler is idempotent, guarded by
// the document's state version, so redelivery after a crash is harmless.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/readmodel"
)

// Name is the checkpoint key of the read-model projection.
const Name = "readmodel"

const maxApplyRetries = 5

// Projector consumes the journal and maintains the read model.
type Projector struct {
	journal journal.Store
	read    readmodel.Store
	log     *slog.Logger
	stalled atomic.Bool
}

// New creates a projector over the given journal and read model.
func New(j journal.Store, read readmodel.Store, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{journal: j, read: read, log: log}
}

// Stalled reports whether the projector gave up after repeated apply
// failures. A stalled projector stops consuming; readiness probes use this.
func (p *Projector) Stalled() bool { return p.stalled.Load() }

// Run tails the journal until ctx is cancelled or the projector stalls.
// It resumes from the durable checkpoint, so restarts never skip events.
func (p *Projector) Run(ctx context.Context) error {
	checkpoint, err := p.read.GetCheckpoint(ctx, Name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	events, cancel := p.journal.Subscribe(ctx, checkpoint)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if err := p.applyWithRetry(ctx, env); err != nil {
				p.stalled.Store(true)
				p.log.Error("projection_stalled",
					"checkpoint", env.Checkpoint,
					"stream_id", env.StreamID,
					"event_type", env.Type,
					"error", err)
				return fmt.Errorf("apply %s at %d: %w", env.Type, env.Checkpoint, err)
			}
			if err := p.read.SetCheckpoint(ctx, Name, env.Checkpoint); err != nil {
				p.stalled.Store(true)
				p.log.Error("projection_stalled", "checkpoint", env.Checkpoint, "error", err)
				return fmt.Errorf("save checkpoint %d: %w", env.Checkpoint, err)
			}
		}
	}
}

func (p *Projector) applyWithRetry(ctx context.Context, env journal.Envelope) error {
	var last error
	for attempt := 1; attempt <= maxApplyRetries; attempt++ {
		last = p.Apply(ctx, env)
		if last == nil {
			return nil
		}
		p.log.Warn("projection_apply_retry",
			"event_type", env.Type, "attempt", attempt, "error", last)
		backoff := time.Duration(attempt) * 50 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(25 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return last
}

// Apply folds a single event into the read model. Unknown event types are
// skipped so older binaries tolerate newer journals.
func (p *Projector) Apply(ctx context.Context, env journal.Envelope) error {
	switch {
	case strings.HasPrefix(env.Type, "source."):
		return p.applySource(ctx, env)
	case strings.HasPrefix(env.Type, "group."):
		return p.applyGroup(ctx, env)
	case strings.HasPrefix(env.Type, "policy."):
		return p.applyPolicy(ctx, env)
	}
	return nil
}

func (p *Projector) applySource(ctx context.Context, env journal.Envelope) error {
	switch env.Type {
	case domain.EvSourceRegistered:
		var payload domain.SourceRegistered
		if err := decode(env, &payload); err != nil {
			return err
		}
		doc, err := p.read.GetSource(ctx, payload.ID)
		if err != nil && !errors.Is(err, readmodel.ErrNotFound) {
			return err
		}
		if env.Sequence <= doc.StateVersion {
			return nil
		}
		return p.read.UpsertSource(ctx, readmodel.SourceDoc{
			ID:              payload.ID,
			Name:            payload.Name,
			SpecURL:         payload.SpecURL,
			AuthMode:        payload.AuthMode,
			DefaultAudience: payload.DefaultAudience,
			Status:          readmodel.SourceActive,
			StateVersion:    env.Sequence,
		})

	case domain.EvSourceInventoryRefreshed:
		var payload domain.SourceInventoryRefreshed
		if err := decode(env, &payload); err != nil {
			return err
		}
		doc, err := p.read.GetSource(ctx, payload.SourceID)
		if err != nil {
			if errors.Is(err, readmodel.ErrNotFound) {
				return nil // source projected away already
			}
			return err
		}
		if env.Sequence <= doc.StateVersion {
			return nil
		}
		doc.InventoryVersion = payload.InventoryVersion
		doc.BaseURL = payload.BaseURL
		doc.LastRefreshedAt = payload.RefreshedAt
		doc.Status = readmodel.SourceActive
		doc.StateVersion = env.Sequence
		if err := p.read.UpsertSource(ctx, doc); err != nil {
			return err
		}
		for _, tool := range payload.Tools {
			tool.StateVersion = env.Sequence
			if err := p.read.UpsertTool(ctx, tool); err != nil {
				return err
			}
		}
		for _, toolID := range payload.RemovedToolIDs {
			if err := p.read.DeleteTool(ctx, toolID); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
				return err
			}
		}
		return nil

	case domain.EvSourceRefreshFailed:
		var payload domain.SourceRefreshFailed
		if err := decode(env, &payload); err != nil {
			return err
		}
		doc, err := p.read.GetSource(ctx, payload.SourceID)
		if err != nil {
			if errors.Is(err, readmodel.ErrNotFound) {
				return nil
			}
			return err
		}
		if env.Sequence <= doc.StateVersion {
			return nil
		}
		doc.Status = readmodel.SourceFailed
		doc.StateVersion = env.Sequence
		return p.read.UpsertSource(ctx, doc)

	case domain.EvSourceUnregistered:
		var payload domain.SourceUnregistered
		if err := decode(env, &payload); err != nil {
			return err
		}
		if err := p.read.DeleteSource(ctx, payload.SourceID); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
			return err
		}
		return p.read.DeleteToolsBySource(ctx, payload.SourceID)

	case domain.EvToolEnabled, domain.EvToolDisabled:
		var payload domain.ToolToggled
		if err := decode(env, &payload); err != nil {
			return err
		}
		tool, err := p.read.GetTool(ctx, payload.ToolID)
		if err != nil {
			if errors.Is(err, readmodel.ErrNotFound) {
				return nil
			}
			return err
		}
		if env.Sequence <= tool.StateVersion {
			return nil
		}
		tool.Enabled = env.Type == domain.EvToolEnabled
		tool.StateVersion = env.Sequence
		return p.read.UpsertTool(ctx, tool)

	case domain.EvToolsCleaned:
		var payload domain.ToolsCleaned
		if err := decode(env, &payload); err != nil {
			return err
		}
		for _, toolID := range payload.RemovedToolIDs {
			if err := p.read.DeleteTool(ctx, toolID); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
				return err
			}
		}
		return nil
	}
	return nil
}

func (p *Projector) applyGroup(ctx context.Context, env journal.Envelope) error {
	id := streamAggregateID(env.StreamID)
	if id == "" {
		return nil
	}
	doc, err := p.read.GetGroup(ctx, id)
	if err != nil && !errors.Is(err, readmodel.ErrNotFound) {
		return err
	}
	if env.Sequence <= doc.StateVersion {
		return nil
	}
	if env.Type == domain.EvGroupDeleted {
		if err := p.read.DeleteGroup(ctx, id); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
			return err
		}
		return nil
	}
	group := domain.GroupFromDoc(doc)
	if err := group.Apply(env.Event); err != nil {
		return err
	}
	group.ID = id
	return p.read.UpsertGroup(ctx, group.Doc())
}

func (p *Projector) applyPolicy(ctx context.Context, env journal.Envelope) error {
	id := streamAggregateID(env.StreamID)
	if id == "" {
		return nil
	}
	doc, err := p.read.GetPolicy(ctx, id)
	if err != nil && !errors.Is(err, readmodel.ErrNotFound) {
		return err
	}
	if env.Sequence <= doc.StateVersion {
		return nil
	}
	if env.Type == domain.EvPolicyDeleted {
		if err := p.read.DeletePolicy(ctx, id); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
			return err
		}
		return nil
	}
	policy := domain.PolicyFromDoc(doc)
	if err := policy.Apply(env.Event); err != nil {
		return err
	}
	policy.ID = id
	return p.read.UpsertPolicy(ctx, policy.Doc())
}

func decode(env journal.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}

// streamAggregateID strips the "kind:" prefix from a stream id.
func streamAggregateID(streamID string) string {
	_, id, ok := strings.Cut(streamID, ":")
	if !ok {
		return ""
	}
	return id
}
