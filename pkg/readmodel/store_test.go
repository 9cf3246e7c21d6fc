package readmodel

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// Both backends must satisfy the same behavior; run the suite against each.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sqlStore := NewSQLStore(db)
	require.NoError(t, sqlStore.Init(context.Background()))

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sql":    sqlStore,
	}
}

func TestSourceRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetSource(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.UpsertSource(ctx, SourceDoc{ID: "s1", Name: "pizzeria", Status: SourceActive}))
			doc, err := s.GetSource(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "pizzeria", doc.Name)

			require.NoError(t, s.DeleteSource(ctx, "s1"))
			_, err = s.GetSource(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListToolsFilters(t *testing.T) {
	enabled := true
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s1/get_menu", SourceID: "s1", Tags: []string{"menu"}, Enabled: true}))
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s1/create_order", SourceID: "s1", Tags: []string{"orders"}, Enabled: false}))
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s2/get_menu", SourceID: "s2", Tags: []string{"Menu"}, Enabled: true}))

			items, total, err := s.ListTools(ctx, ToolFilter{SourceID: "s1"})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			assert.Len(t, items, 2)

			items, total, err = s.ListTools(ctx, ToolFilter{Tag: "menu"})
			require.NoError(t, err)
			assert.Equal(t, 2, total) // tag match is case-insensitive

			items, total, err = s.ListTools(ctx, ToolFilter{Enabled: &enabled})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			for _, item := range items {
				assert.True(t, item.Enabled)
			}
		})
	}
}

func TestListToolsPagination(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"s1/a", "s1/b", "s1/c", "s1/d", "s1/e"} {
				require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: id, SourceID: "s1", Enabled: true}))
			}

			items, total, err := s.ListTools(ctx, ToolFilter{Page: Page{Page: 2, PageSize: 2}})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, items, 2)
			assert.Equal(t, "s1/c", items[0].ToolID)
			assert.Equal(t, "s1/d", items[1].ToolID)

			// Page beyond the end is empty, total preserved.
			items, total, err = s.ListTools(ctx, ToolFilter{Page: Page{Page: 9, PageSize: 2}})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			assert.Empty(t, items)
		})
	}
}

func TestDeleteToolsBySource(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s1/a", SourceID: "s1"}))
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s1/b", SourceID: "s1"}))
			require.NoError(t, s.UpsertTool(ctx, ToolDoc{ToolID: "s2/a", SourceID: "s2"}))

			require.NoError(t, s.DeleteToolsBySource(ctx, "s1"))

			_, total, err := s.ListTools(ctx, ToolFilter{})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
		})
	}
}

func TestListPoliciesSortAndFilter(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertPolicy(ctx, PolicyDoc{ID: "p-b", Priority: 10, Status: PolicyActive}))
			require.NoError(t, s.UpsertPolicy(ctx, PolicyDoc{ID: "p-a", Priority: 10, Status: PolicyActive}))
			require.NoError(t, s.UpsertPolicy(ctx, PolicyDoc{ID: "p-c", Priority: 99, Status: PolicyInactive}))

			all, _, err := s.ListPolicies(ctx, false, Page{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			// priority desc, ties by id asc
			assert.Equal(t, "p-c", all[0].ID)
			assert.Equal(t, "p-a", all[1].ID)
			assert.Equal(t, "p-b", all[2].ID)

			active, _, err := s.ListPolicies(ctx, true, Page{})
			require.NoError(t, err)
			assert.Len(t, active, 2)
		})
	}
}

func TestCheckpoints(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp, err := s.GetCheckpoint(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), cp)

			require.NoError(t, s.SetCheckpoint(ctx, "main", 42))
			cp, err = s.GetCheckpoint(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, uint64(42), cp)

			require.NoError(t, s.SetCheckpoint(ctx, "main", 43))
			cp, _ = s.GetCheckpoint(ctx, "main")
			assert.Equal(t, uint64(43), cp)
		})
	}
}

func TestPageClamp(t *testing.T) {
	p := Page{Page: 0, PageSize: 1000}.Clamp()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, MaxPageSize, p.PageSize)
}
