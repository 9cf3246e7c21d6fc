package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/openapi"
	"github.com/toolgate/core/pkg/readmodel"
)

type stubFetcher struct {
	payload []byte
	err     error
}

func (f stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	return f.payload, f.err
}

// newTestHandler wires a handler over an in-memory journal with normalize
// replaced by a canned inventory, so tests control tool sets directly.
func newTestHandler(t *testing.T, inv openapi.Inventory, fetchErr error) (*Handler, journal.Store) {
	t.Helper()
	j := journal.NewMemoryStore()
	read := readmodel.NewMemoryStore()
	ids := 0
	h := NewHandler(j, read, stubFetcher{payload: []byte("{}"), err: fetchErr}).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }).
		WithIDs(func() string { ids++; return fmt.Sprintf("id-%d", ids) })
	h.normalize = func([]byte, string) (openapi.Inventory, error) { return inv, nil }
	return h, j
}

func tool(sourceID, opID string) readmodel.ToolDoc {
	return readmodel.ToolDoc{
		ToolID:       sourceID + "/" + opID,
		SourceID:     sourceID,
		OperationID:  opID,
		HTTPMethod:   "GET",
		PathTemplate: "/" + opID,
	}
}

func validRegister() RegisterSource {
	return RegisterSource{
		Name:     "Pizzeria",
		SpecURL:  "https://pizzeria.test/openapi.json",
		AuthMode: readmodel.AuthBearerPassthrough,
	}
}

func TestRegisterSourceValidation(t *testing.T) {
	h, _ := newTestHandler(t, openapi.Inventory{}, nil)

	cases := []struct {
		name string
		mut  func(*RegisterSource)
	}{
		{"missing name", func(c *RegisterSource) { c.Name = "" }},
		{"missing spec url", func(c *RegisterSource) { c.SpecURL = "" }},
		{"bad auth mode", func(c *RegisterSource) { c.AuthMode = "mtls" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := validRegister()
			tc.mut(&cmd)
			_, err := h.RegisterSource(t.Context(), cmd)
			assert.ErrorIs(t, err, ErrRule)
		})
	}
}

func TestRegisterSourceAppendsEvent(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{}, nil)

	id, err := h.RegisterSource(t.Context(), validRegister())
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	events, err := j.Read(t.Context(), SourceStream(id), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EvSourceRegistered, events[0].Type)
}

func TestRefreshInventoryReconciles(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{
		BaseURL: "https://pizzeria.test",
		Tools:   []readmodel.ToolDoc{tool("id-1", "get_menu"), tool("id-1", "create_order")},
	}, nil)
	ctx := t.Context()

	id, err := h.RegisterSource(ctx, validRegister())
	require.NoError(t, err)

	version, err := h.RefreshInventory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Operator disables create_order; the flag must survive the next
	// refresh even though the operation is re-discovered.
	require.NoError(t, h.DisableTool(ctx, id+"/create_order"))

	h.normalize = func([]byte, string) (openapi.Inventory, error) {
		return openapi.Inventory{
			BaseURL: "https://pizzeria.test",
			Tools:   []readmodel.ToolDoc{tool("id-1", "create_order"), tool("id-1", "cancel_order")},
		}, nil
	}
	version, err = h.RefreshInventory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	events, err := j.Read(ctx, SourceStream(id), 0)
	require.NoError(t, err)
	var refreshed SourceInventoryRefreshed
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &refreshed))

	assert.Equal(t, []string{id + "/get_menu"}, refreshed.RemovedToolIDs)
	byOp := make(map[string]readmodel.ToolDoc)
	for _, doc := range refreshed.Tools {
		byOp[doc.OperationID] = doc
	}
	assert.False(t, byOp["create_order"].Enabled, "disabled flag survives refresh")
	assert.True(t, byOp["cancel_order"].Enabled, "new operations start enabled")
}

func TestRefreshInventoryFetchFailure(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{}, errors.New("connection refused"))
	ctx := t.Context()

	id, err := h.RegisterSource(ctx, validRegister())
	require.NoError(t, err)

	_, err = h.RefreshInventory(ctx, id)
	assert.ErrorIs(t, err, ErrFetch)

	events, err := j.Read(ctx, SourceStream(id), 0)
	require.NoError(t, err)
	src, err := foldSource(events)
	require.NoError(t, err)
	assert.Equal(t, readmodel.SourceFailed, src.Status)
}

func TestToggleTool(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{
		Tools: []readmodel.ToolDoc{tool("id-1", "get_menu")},
	}, nil)
	ctx := t.Context()

	id, err := h.RegisterSource(ctx, validRegister())
	require.NoError(t, err)
	_, err = h.RefreshInventory(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.DisableTool(ctx, id+"/get_menu"))
	before, err := j.Read(ctx, SourceStream(id), 0)
	require.NoError(t, err)

	// Disabling an already-disabled tool appends nothing.
	require.NoError(t, h.DisableTool(ctx, id+"/get_menu"))
	after, err := j.Read(ctx, SourceStream(id), 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	assert.ErrorIs(t, h.EnableTool(ctx, id+"/no_such_op"), ErrNotFound)
	assert.ErrorIs(t, h.EnableTool(ctx, "malformed"), ErrRule)
}

func TestUnregisterSource(t *testing.T) {
	h, _ := newTestHandler(t, openapi.Inventory{}, nil)
	ctx := t.Context()

	id, err := h.RegisterSource(ctx, validRegister())
	require.NoError(t, err)
	require.NoError(t, h.UnregisterSource(ctx, id))

	_, err = h.RefreshInventory(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.UnregisterSource(ctx, id), ErrNotFound)
}

func TestGroupRules(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{}, nil)
	ctx := t.Context()

	_, err := h.CreateToolGroup(ctx, CreateToolGroup{Name: ""})
	assert.ErrorIs(t, err, ErrRule)

	_, err = h.CreateToolGroup(ctx, CreateToolGroup{
		Name:            "overlap",
		ExplicitToolIDs: []string{"s/a"},
		ExcludedToolIDs: []string{"s/a"},
	})
	assert.ErrorIs(t, err, ErrRule)

	id, err := h.CreateToolGroup(ctx, CreateToolGroup{
		Name:      "orders",
		Selectors: []readmodel.Selector{{Kind: readmodel.SelectorTag, Pattern: "orders"}},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h.AddSelector(ctx, id, readmodel.Selector{Kind: "glob", Pattern: "*"}), ErrRule)

	require.NoError(t, h.ExcludeTool(ctx, id, "s/legacy"))
	assert.ErrorIs(t, h.AddExplicitTool(ctx, id, "s/legacy"), ErrRule,
		"an excluded tool cannot be pinned")
	require.NoError(t, h.AddExplicitTool(ctx, id, "s/extra"))
	assert.ErrorIs(t, h.ExcludeTool(ctx, id, "s/extra"), ErrRule,
		"a pinned tool cannot be excluded")

	require.NoError(t, h.ActivateGroup(ctx, id))
	before, err := j.Read(ctx, GroupStream(id), 0)
	require.NoError(t, err)
	require.NoError(t, h.ActivateGroup(ctx, id), "activation is idempotent")
	after, err := j.Read(ctx, GroupStream(id), 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	require.NoError(t, h.DeleteGroup(ctx, id))
	assert.ErrorIs(t, h.ActivateGroup(ctx, id), ErrNotFound)
}

func TestGroupUpdateKeepsUnsetFields(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{}, nil)
	ctx := t.Context()

	id, err := h.CreateToolGroup(ctx, CreateToolGroup{
		Name:      "orders",
		Selectors: []readmodel.Selector{{Kind: readmodel.SelectorTag, Pattern: "orders"}},
	})
	require.NoError(t, err)

	name := "renamed"
	require.NoError(t, h.UpdateToolGroup(ctx, id, UpdateToolGroup{Name: &name}))

	events, err := j.Read(ctx, GroupStream(id), 0)
	require.NoError(t, err)
	g, err := foldGroup(events)
	require.NoError(t, err)
	assert.Equal(t, "renamed", g.Name)
	assert.Len(t, g.Selectors, 1, "selectors untouched by a name-only update")
}

func TestPolicyRules(t *testing.T) {
	h, j := newTestHandler(t, openapi.Inventory{}, nil)
	ctx := t.Context()

	_, err := h.DefineAccessPolicy(ctx, DefineAccessPolicy{Name: ""})
	assert.ErrorIs(t, err, ErrRule)

	_, err = h.DefineAccessPolicy(ctx, DefineAccessPolicy{
		Name:     "bad matcher",
		Matchers: []readmodel.Matcher{{ClaimPath: "sub", Op: readmodel.OpIn, Value: "not-a-list"}},
	})
	assert.ErrorIs(t, err, ErrRule, "in requires a list value")

	id, err := h.DefineAccessPolicy(ctx, DefineAccessPolicy{
		Name:     "customers",
		Matchers: []readmodel.Matcher{{ClaimPath: "realm_access.roles", Op: readmodel.OpContains, Value: "customer"}},
		Priority: 10,
	})
	require.NoError(t, err)

	require.NoError(t, h.ChangePolicyPriority(ctx, id, 20))
	before, err := j.Read(ctx, PolicyStream(id), 0)
	require.NoError(t, err)
	require.NoError(t, h.ChangePolicyPriority(ctx, id, 20), "same priority appends nothing")
	after, err := j.Read(ctx, PolicyStream(id), 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	require.NoError(t, h.ActivatePolicy(ctx, id))
	events, err := j.Read(ctx, PolicyStream(id), 0)
	require.NoError(t, err)
	p, err := foldPolicy(events)
	require.NoError(t, err)
	assert.Equal(t, readmodel.PolicyActive, p.Status)
	assert.Equal(t, 20, p.Priority)

	require.NoError(t, h.DeletePolicy(ctx, id))
	assert.ErrorIs(t, h.ActivatePolicy(ctx, id), ErrNotFound)
}

func TestCleanupOrphanedTools(t *testing.T) {
	j := journal.NewMemoryStore()
	read := readmodel.NewMemoryStore()
	h := NewHandler(j, read, stubFetcher{})
	ctx := t.Context()

	require.NoError(t, read.UpsertSource(ctx, readmodel.SourceDoc{ID: "S1", Name: "alive"}))
	require.NoError(t, read.UpsertTool(ctx, tool("S1", "get_menu")))
	require.NoError(t, read.UpsertTool(ctx, tool("S2", "ghost_op")))

	removed, err := h.CleanupOrphanedTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2/ghost_op"}, removed)

	events, err := j.Read(ctx, MaintenanceStream, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EvToolsCleaned, events[0].Type)

	// Nothing orphaned on the second pass: no event appended.
	removed, err = h.CleanupOrphanedTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	events, err = j.Read(ctx, MaintenanceStream, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBreakerEmitter(t *testing.T) {
	j := journal.NewMemoryStore()
	emit := NewBreakerEmitter(j, nil)

	emit(breaker.Transition{
		CircuitID: "source:S1",
		Kind:      breaker.KindSource,
		SourceID:  "S1",
		From:      breaker.Closed,
		To:        breaker.Open,
		Reason:    "5 failures within 1m0s",
	})
	emit(breaker.Transition{
		CircuitID: "source:S1",
		Kind:      breaker.KindSource,
		SourceID:  "S1",
		From:      breaker.Open,
		To:        breaker.Closed,
		Reason:    "manual reset",
		ClosedBy:  "ops",
	})

	events, err := j.Read(t.Context(), BreakerStream("source:S1"), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EvBreakerOpened, events[0].Type)
	assert.Equal(t, EvBreakerClosed, events[1].Type)

	var closed BreakerTransitioned
	require.NoError(t, json.Unmarshal(events[1].Payload, &closed))
	assert.Equal(t, "ops", closed.ClosedBy)
	assert.Equal(t, "S1", closed.SourceID)
}
