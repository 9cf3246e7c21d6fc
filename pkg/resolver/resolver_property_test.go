//go:build property

package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/readmodel"
)

// Grants must always be a subset of enabled tools of active sources, and
// an exclusion must always win over any selector or explicit inclusion.
func TestResolveGrantProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("grants only enabled tools of active sources, never excluded ones", prop.ForAll(
		func(enabledBits, activeBits, excludedBits []bool) bool {
			store := readmodel.NewMemoryStore()
			ctx := context.Background()

			excluded := map[string]bool{}
			for i := 0; i < len(enabledBits); i++ {
				sourceID := fmt.Sprintf("S%d", i)
				status := readmodel.SourceInactive
				if activeBits[i] {
					status = readmodel.SourceActive
				}
				require.NoError(t, store.UpsertSource(ctx, readmodel.SourceDoc{ID: sourceID, Name: sourceID, Status: status}))

				toolID := fmt.Sprintf("%s/op", sourceID)
				require.NoError(t, store.UpsertTool(ctx, readmodel.ToolDoc{
					ToolID: toolID, SourceID: sourceID, OperationID: "op",
					HTTPMethod: "GET", PathTemplate: "/x", Enabled: enabledBits[i],
				}))
				if excludedBits[i] {
					excluded[toolID] = true
				}
			}

			var excludedIDs []string
			for id := range excluded {
				excludedIDs = append(excludedIDs, id)
			}
			require.NoError(t, store.UpsertGroup(ctx, readmodel.GroupDoc{
				ID: "G", Name: "all",
				Selectors:       []readmodel.Selector{{Kind: readmodel.SelectorName, Pattern: "*"}},
				ExcludedToolIDs: excludedIDs,
				Status:          readmodel.GroupActive,
			}))
			require.NoError(t, store.UpsertPolicy(ctx, readmodel.PolicyDoc{
				ID: "P", Name: "all", GroupIDs: []string{"G"}, Status: readmodel.PolicyActive,
			}))

			r := New(store, time.Minute, nil)
			granted, err := r.Resolve(ctx, identity.Claims{"sub": "anyone"})
			require.NoError(t, err)

			grantedSet := map[string]bool{}
			for _, tool := range granted {
				grantedSet[tool.ToolID] = true
			}
			for i := 0; i < len(enabledBits); i++ {
				toolID := fmt.Sprintf("S%d/op", i)
				want := enabledBits[i] && activeBits[i] && !excludedBits[i]
				if grantedSet[toolID] != want {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.Bool()),
		gen.SliceOfN(10, gen.Bool()),
		gen.SliceOfN(10, gen.Bool()),
	))

	properties.Property("multi-selector groups grant only tools matching every selector", prop.ForAll(
		func(getBits, menuBits []bool) bool {
			store := readmodel.NewMemoryStore()
			ctx := context.Background()
			require.NoError(t, store.UpsertSource(ctx, readmodel.SourceDoc{
				ID: "S", Name: "S", Status: readmodel.SourceActive,
			}))
			for i := range getBits {
				method := "POST"
				if getBits[i] {
					method = "GET"
				}
				var tags []string
				if menuBits[i] {
					tags = []string{"menu"}
				}
				require.NoError(t, store.UpsertTool(ctx, readmodel.ToolDoc{
					ToolID: fmt.Sprintf("S/op%d", i), SourceID: "S", OperationID: fmt.Sprintf("op%d", i),
					HTTPMethod: method, PathTemplate: "/x", Tags: tags, Enabled: true,
				}))
			}
			require.NoError(t, store.UpsertGroup(ctx, readmodel.GroupDoc{
				ID: "G", Name: "get menu",
				Selectors: []readmodel.Selector{
					{Kind: readmodel.SelectorMethod, Pattern: "GET"},
					{Kind: readmodel.SelectorTag, Pattern: "menu"},
				},
				Status: readmodel.GroupActive,
			}))
			require.NoError(t, store.UpsertPolicy(ctx, readmodel.PolicyDoc{
				ID: "P", Name: "all", GroupIDs: []string{"G"}, Status: readmodel.PolicyActive,
			}))

			r := New(store, time.Minute, nil)
			granted, err := r.Resolve(ctx, identity.Claims{"sub": "anyone"})
			require.NoError(t, err)

			grantedSet := map[string]bool{}
			for _, tool := range granted {
				grantedSet[tool.ToolID] = true
			}
			for i := range getBits {
				want := getBits[i] && menuBits[i]
				if grantedSet[fmt.Sprintf("S/op%d", i)] != want {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Bool()),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
