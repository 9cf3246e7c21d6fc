package domain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/openapi"
	"github.com/toolgate/core/pkg/readmodel"
)

// SpecFetcher retrieves an OpenAPI document from a source's spec URL.
type SpecFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ErrFetch marks a spec URL that could not be retrieved.
var ErrFetch = errors.New("spec fetch failed")

// commandRetries bounds optimistic-concurrency retries per command.
const commandRetries = 3

// Handler owns all aggregate mutation: it loads the aggregate by replaying
// its stream, applies the command, and appends the produced events with the
// expected version, retrying conflicts with jitter.
type Handler struct {
	journal   journal.Store
	read      readmodel.Store
	fetcher   SpecFetcher
	normalize func(spec []byte, sourceID string) (openapi.Inventory, error)
	clock     func() time.Time
	newID     func() string
}

// NewHandler wires a command handler. read is used only by
// CleanupOrphanedTools.
func NewHandler(j journal.Store, read readmodel.Store, fetcher SpecFetcher) *Handler {
	return &Handler{
		journal:   j,
		read:      read,
		fetcher:   fetcher,
		normalize: openapi.Normalize,
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// WithIDs overrides id generation for tests.
func (h *Handler) WithIDs(newID func() string) *Handler {
	h.newID = newID
	return h
}

// withRetry runs exec (which reloads state and decides events), appends,
// and retries on concurrency conflicts up to commandRetries times.
func (h *Handler) withRetry(ctx context.Context, stream string, exec func(ctx context.Context) ([]journal.Event, uint64, error)) error {
	var lastErr error
	for attempt := 0; attempt <= commandRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Intn(40)+10) * time.Millisecond * time.Duration(attempt)
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		events, version, err := exec(ctx)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if _, err = h.journal.Append(ctx, stream, version, events); err == nil {
			return nil
		} else if !errors.Is(err, journal.ErrConcurrency) {
			return err
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("command retries exhausted: %w", lastErr)
}

func (h *Handler) loadSource(ctx context.Context, id string) (*Source, error) {
	events, err := h.journal.Read(ctx, SourceStream(id), 0)
	if err != nil {
		return nil, err
	}
	src, err := foldSource(events)
	if err != nil {
		return nil, err
	}
	if src == nil || src.Deleted {
		return nil, fmt.Errorf("%w: source %q", ErrNotFound, id)
	}
	return src, nil
}

func (h *Handler) loadGroup(ctx context.Context, id string) (*Group, error) {
	events, err := h.journal.Read(ctx, GroupStream(id), 0)
	if err != nil {
		return nil, err
	}
	g, err := foldGroup(events)
	if err != nil {
		return nil, err
	}
	if g == nil || g.Deleted {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, id)
	}
	return g, nil
}

func (h *Handler) loadPolicy(ctx context.Context, id string) (*Policy, error) {
	events, err := h.journal.Read(ctx, PolicyStream(id), 0)
	if err != nil {
		return nil, err
	}
	p, err := foldPolicy(events)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Deleted {
		return nil, fmt.Errorf("%w: policy %q", ErrNotFound, id)
	}
	return p, nil
}

// ── Source commands ──────────────────────────────────────────────

// RegisterSource creates a new UpstreamSource and returns its id.
func (h *Handler) RegisterSource(ctx context.Context, cmd RegisterSource) (string, error) {
	id := h.newID()
	events, err := registerSource(id, cmd)
	if err != nil {
		return "", err
	}
	if _, err := h.journal.Append(ctx, SourceStream(id), 0, events); err != nil {
		return "", err
	}
	return id, nil
}

// RefreshInventory fetches the source's OpenAPI document, normalizes it,
// and reconciles the tool inventory. Returns the new inventory version.
func (h *Handler) RefreshInventory(ctx context.Context, sourceID string) (int, error) {
	src, err := h.loadSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}

	specBytes, err := h.fetcher.Fetch(ctx, src.SpecURL)
	if err != nil {
		h.markRefreshFailed(ctx, src, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	inv, err := h.normalize(specBytes, sourceID)
	if err != nil {
		h.markRefreshFailed(ctx, src, err.Error())
		return 0, err
	}

	var newVersion int
	err = h.withRetry(ctx, SourceStream(sourceID), func(ctx context.Context) ([]journal.Event, uint64, error) {
		src, err := h.loadSource(ctx, sourceID)
		if err != nil {
			return nil, 0, err
		}
		newVersion = src.InventoryVersion + 1
		return src.refreshed(inv.Tools, inv.BaseURL, h.clock()), src.Version, nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// markRefreshFailed best-effort flips the source to failed; the original
// refresh error is what the caller sees.
func (h *Handler) markRefreshFailed(ctx context.Context, src *Source, reason string) {
	_ = h.withRetry(ctx, SourceStream(src.ID), func(ctx context.Context) ([]journal.Event, uint64, error) {
		src, err := h.loadSource(ctx, src.ID)
		if err != nil {
			return nil, 0, err
		}
		return src.refreshFailed(reason), src.Version, nil
	})
}

// UnregisterSource removes a source; the projector removes its tools.
func (h *Handler) UnregisterSource(ctx context.Context, id string) error {
	return h.withRetry(ctx, SourceStream(id), func(ctx context.Context) ([]journal.Event, uint64, error) {
		src, err := h.loadSource(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		return src.unregister(), src.Version, nil
	})
}

// EnableTool re-enables a tool by its "{source_id}/{operation_id}" id.
func (h *Handler) EnableTool(ctx context.Context, toolID string) error {
	return h.toggleTool(ctx, toolID, true)
}

// DisableTool soft-disables a tool. The flag survives inventory refreshes.
func (h *Handler) DisableTool(ctx context.Context, toolID string) error {
	return h.toggleTool(ctx, toolID, false)
}

func (h *Handler) toggleTool(ctx context.Context, toolID string, enabled bool) error {
	sourceID, operationID, ok := SplitToolID(toolID)
	if !ok {
		return fmt.Errorf("%w: malformed tool id %q", ErrRule, toolID)
	}
	return h.withRetry(ctx, SourceStream(sourceID), func(ctx context.Context) ([]journal.Event, uint64, error) {
		src, err := h.loadSource(ctx, sourceID)
		if err != nil {
			return nil, 0, err
		}
		events, err := src.setToolEnabled(operationID, enabled)
		if err != nil {
			return nil, 0, err
		}
		return events, src.Version, nil
	})
}

// CleanupOrphanedTools removes read-model tools whose source is gone and
// returns the removed tool ids.
func (h *Handler) CleanupOrphanedTools(ctx context.Context) ([]string, error) {
	var orphans []string
	page := readmodel.Page{Page: 1, PageSize: readmodel.MaxPageSize}
	missingSources := make(map[string]bool)
	for {
		tools, total, err := h.read.ListTools(ctx, readmodel.ToolFilter{Page: page})
		if err != nil {
			return nil, err
		}
		for _, tool := range tools {
			missing, seen := missingSources[tool.SourceID]
			if !seen {
				_, err := h.read.GetSource(ctx, tool.SourceID)
				missing = errors.Is(err, readmodel.ErrNotFound)
				if err != nil && !missing {
					return nil, err
				}
				missingSources[tool.SourceID] = missing
			}
			if missing {
				orphans = append(orphans, tool.ToolID)
			}
		}
		if page.Page*page.PageSize >= total {
			break
		}
		page.Page++
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	err := h.withRetry(ctx, MaintenanceStream, func(ctx context.Context) ([]journal.Event, uint64, error) {
		version, err := h.streamVersion(ctx, MaintenanceStream)
		if err != nil {
			return nil, 0, err
		}
		payload := ToolsCleaned{RemovedToolIDs: orphans}
		return []journal.Event{{Type: EvToolsCleaned, Payload: journal.Marshal(payload)}}, version, nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

func (h *Handler) streamVersion(ctx context.Context, stream string) (uint64, error) {
	events, err := h.journal.Read(ctx, stream, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}

// ── Group commands ───────────────────────────────────────────────

// CreateToolGroup creates a group and returns its id.
func (h *Handler) CreateToolGroup(ctx context.Context, cmd CreateToolGroup) (string, error) {
	id := h.newID()
	events, err := createGroup(id, cmd)
	if err != nil {
		return "", err
	}
	if _, err := h.journal.Append(ctx, GroupStream(id), 0, events); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateToolGroup replaces the provided group fields atomically.
func (h *Handler) UpdateToolGroup(ctx context.Context, id string, cmd UpdateToolGroup) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.update(cmd) })
}

// AddSelector appends a membership rule to a group.
func (h *Handler) AddSelector(ctx context.Context, id string, sel readmodel.Selector) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.addSelector(sel) })
}

// RemoveSelector drops a membership rule from a group.
func (h *Handler) RemoveSelector(ctx context.Context, id string, sel readmodel.Selector) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.removeSelector(sel) })
}

// AddExplicitTool pins a tool into a group.
func (h *Handler) AddExplicitTool(ctx context.Context, id, toolID string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.addExplicitTool(toolID) })
}

// RemoveExplicitTool unpins a tool from a group.
func (h *Handler) RemoveExplicitTool(ctx context.Context, id, toolID string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.removeExplicitTool(toolID) })
}

// ExcludeTool blocks a tool from group membership.
func (h *Handler) ExcludeTool(ctx context.Context, id, toolID string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.excludeTool(toolID) })
}

// IncludeTool lifts a tool exclusion.
func (h *Handler) IncludeTool(ctx context.Context, id, toolID string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.includeTool(toolID) })
}

// ActivateGroup makes the group visible to the access resolver.
func (h *Handler) ActivateGroup(ctx context.Context, id string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.activate() })
}

// DeactivateGroup hides the group from the access resolver.
func (h *Handler) DeactivateGroup(ctx context.Context, id string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.deactivate() })
}

// DeleteGroup removes the group.
func (h *Handler) DeleteGroup(ctx context.Context, id string) error {
	return h.groupCommand(ctx, id, func(g *Group) ([]journal.Event, error) { return g.delete(), nil })
}

func (h *Handler) groupCommand(ctx context.Context, id string, fn func(*Group) ([]journal.Event, error)) error {
	return h.withRetry(ctx, GroupStream(id), func(ctx context.Context) ([]journal.Event, uint64, error) {
		g, err := h.loadGroup(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		events, err := fn(g)
		if err != nil {
			return nil, 0, err
		}
		return events, g.Version, nil
	})
}

// ── Policy commands ──────────────────────────────────────────────

// DefineAccessPolicy creates a policy and returns its id.
func (h *Handler) DefineAccessPolicy(ctx context.Context, cmd DefineAccessPolicy) (string, error) {
	id := h.newID()
	events, err := definePolicy(id, cmd)
	if err != nil {
		return "", err
	}
	if _, err := h.journal.Append(ctx, PolicyStream(id), 0, events); err != nil {
		return "", err
	}
	return id, nil
}

// UpdatePolicyMatchers replaces a policy's matcher set.
func (h *Handler) UpdatePolicyMatchers(ctx context.Context, id string, matchers []readmodel.Matcher) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.updateMatchers(matchers) })
}

// UpdatePolicyGroups replaces a policy's group binding.
func (h *Handler) UpdatePolicyGroups(ctx context.Context, id string, groupIDs []string) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.updateGroups(groupIDs) })
}

// ChangePolicyPriority sets a policy's priority.
func (h *Handler) ChangePolicyPriority(ctx context.Context, id string, priority int) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.changePriority(priority) })
}

// ActivatePolicy enables a policy for access resolution.
func (h *Handler) ActivatePolicy(ctx context.Context, id string) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.activate() })
}

// DeactivatePolicy disables a policy.
func (h *Handler) DeactivatePolicy(ctx context.Context, id string) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.deactivate() })
}

// DeletePolicy removes the policy.
func (h *Handler) DeletePolicy(ctx context.Context, id string) error {
	return h.policyCommand(ctx, id, func(p *Policy) ([]journal.Event, error) { return p.delete(), nil })
}

func (h *Handler) policyCommand(ctx context.Context, id string, fn func(*Policy) ([]journal.Event, error)) error {
	return h.withRetry(ctx, PolicyStream(id), func(ctx context.Context) ([]journal.Event, uint64, error) {
		p, err := h.loadPolicy(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		events, err := fn(p)
		if err != nil {
			return nil, 0, err
		}
		return events, p.Version, nil
	})
}

// SplitToolID splits "{source_id}/{operation_id}".
func SplitToolID(toolID string) (sourceID, operationID string, ok bool) {
	i := strings.Index(toolID, "/")
	if i <= 0 || i == len(toolID)-1 {
		return "", "", false
	}
	return toolID[:i], toolID[i+1:], true
}
