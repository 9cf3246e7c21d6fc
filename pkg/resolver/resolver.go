// Package resolver computes the tool set a caller may use: active policies
// are matched against the verified claims, matched policies name tool
// groups, and groups expand to concrete tools through selectors and
// explicit lists. Results are cached per claims fingerprint.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/readmodel"
)

// ErrTransient is returned when the read model cannot be queried; the
// caller should answer 503, never an empty tool set.
var ErrTransient = errors.New("resolver: read model unavailable")

const cacheSize = 4096

// Resolver answers "which tools may this caller use".
type Resolver struct {
	read  readmodel.Store
	cache *expirable.LRU[string, []readmodel.ToolDoc]
	log   *slog.Logger
}

// New creates a resolver whose result cache expires after ttl.
func New(read readmodel.Store, ttl time.Duration, log *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		read:  read,
		cache: expirable.NewLRU[string, []readmodel.ToolDoc](cacheSize, nil, ttl),
		log:   log,
	}
}

// Purge drops all cached results. Admin mutations may call this to make
// policy changes visible before the TTL lapses.
func (r *Resolver) Purge() { r.cache.Purge() }

// Resolve returns the tools the caller may use, sorted by tool id.
func (r *Resolver) Resolve(ctx context.Context, claims identity.Claims) ([]readmodel.ToolDoc, error) {
	policies, err := r.activePolicies(ctx)
	if err != nil {
		return nil, err
	}

	key, err := fingerprint(policies, claims)
	if err != nil {
		return nil, fmt.Errorf("claims fingerprint: %w", err)
	}
	if tools, ok := r.cache.Get(key); ok {
		return tools, nil
	}

	tools, err := r.resolve(ctx, policies, claims)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, tools)
	return tools, nil
}

// Authorize reports whether the caller may invoke toolID.
func (r *Resolver) Authorize(ctx context.Context, claims identity.Claims, toolID string) (readmodel.ToolDoc, bool, error) {
	tools, err := r.Resolve(ctx, claims)
	if err != nil {
		return readmodel.ToolDoc{}, false, err
	}
	for _, tool := range tools {
		if tool.ToolID == toolID {
			return tool, true, nil
		}
	}
	return readmodel.ToolDoc{}, false, nil
}

func (r *Resolver) resolve(ctx context.Context, policies []readmodel.PolicyDoc, claims identity.Claims) ([]readmodel.ToolDoc, error) {
	groupIDs := map[string]bool{}
	for _, policy := range policies {
		if policyMatches(policy, claims) {
			for _, id := range policy.GroupIDs {
				groupIDs[id] = true
			}
		}
	}
	if len(groupIDs) == 0 {
		return []readmodel.ToolDoc{}, nil
	}

	eligible, byID, err := r.eligibleTools(ctx)
	if err != nil {
		return nil, err
	}

	granted := map[string]readmodel.ToolDoc{}
	for groupID := range groupIDs {
		group, err := r.read.GetGroup(ctx, groupID)
		if err != nil {
			if errors.Is(err, readmodel.ErrNotFound) {
				continue // dangling reference, policy outlived the group
			}
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if group.Status != readmodel.GroupActive {
			continue
		}
		for _, tool := range groupTools(group, eligible, byID) {
			granted[tool.ToolID] = tool
		}
	}

	out := make([]readmodel.ToolDoc, 0, len(granted))
	for _, tool := range granted {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

// policyMatches applies AND semantics; a policy with no matchers matches
// every caller.
func policyMatches(policy readmodel.PolicyDoc, claims identity.Claims) bool {
	for _, m := range policy.Matchers {
		if !Match(m, claims) {
			return false
		}
	}
	return true
}

// groupTools expands one group against the eligible tool universe:
// selector matches plus explicit inclusions, minus exclusions. A tool
// joins via selectors only when EVERY selector matches it; a group with
// no selectors contributes only its explicit list.
func groupTools(group readmodel.GroupDoc, eligible []readmodel.ToolDoc, byID map[string]readmodel.ToolDoc) []readmodel.ToolDoc {
	excluded := map[string]bool{}
	for _, id := range group.ExcludedToolIDs {
		excluded[id] = true
	}

	picked := map[string]readmodel.ToolDoc{}
	if len(group.Selectors) > 0 {
		for _, tool := range eligible {
			if excluded[tool.ToolID] {
				continue
			}
			matched := true
			for _, sel := range group.Selectors {
				if !MatchSelector(sel, tool) {
					matched = false
					break
				}
			}
			if matched {
				picked[tool.ToolID] = tool
			}
		}
	}
	for _, id := range group.ExplicitToolIDs {
		if excluded[id] {
			continue
		}
		if tool, ok := byID[id]; ok {
			picked[tool.ToolID] = tool
		}
	}

	out := make([]readmodel.ToolDoc, 0, len(picked))
	for _, tool := range picked {
		out = append(out, tool)
	}
	return out
}

// eligibleTools lists enabled tools of active sources.
func (r *Resolver) eligibleTools(ctx context.Context) ([]readmodel.ToolDoc, map[string]readmodel.ToolDoc, error) {
	active := map[string]bool{}
	for page := 1; ; page++ {
		sources, total, err := r.read.ListSources(ctx, readmodel.Page{Page: page, PageSize: readmodel.MaxPageSize})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		for _, src := range sources {
			if src.Status == readmodel.SourceActive {
				active[src.ID] = true
			}
		}
		if page*readmodel.MaxPageSize >= total {
			break
		}
	}

	enabled := true
	var eligible []readmodel.ToolDoc
	byID := map[string]readmodel.ToolDoc{}
	for page := 1; ; page++ {
		tools, total, err := r.read.ListTools(ctx, readmodel.ToolFilter{
			Enabled: &enabled,
			Page:    readmodel.Page{Page: page, PageSize: readmodel.MaxPageSize},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		for _, tool := range tools {
			if !active[tool.SourceID] {
				continue
			}
			eligible = append(eligible, tool)
			byID[tool.ToolID] = tool
		}
		if page*readmodel.MaxPageSize >= total {
			break
		}
	}
	return eligible, byID, nil
}

func (r *Resolver) activePolicies(ctx context.Context) ([]readmodel.PolicyDoc, error) {
	var out []readmodel.PolicyDoc
	for page := 1; ; page++ {
		policies, total, err := r.read.ListPolicies(ctx, true, readmodel.Page{Page: page, PageSize: readmodel.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		out = append(out, policies...)
		if page*readmodel.MaxPageSize >= total {
			break
		}
	}
	return out, nil
}

// fingerprint hashes the subset of claims any active policy looks at,
// JCS-canonicalized so key order never changes the digest. Two callers
// with the same relevant claims share a cache entry.
func fingerprint(policies []readmodel.PolicyDoc, claims identity.Claims) (string, error) {
	paths := map[string]bool{}
	for _, policy := range policies {
		for _, m := range policy.Matchers {
			paths[m.ClaimPath] = true
		}
	}

	subset := map[string]any{}
	for path := range paths {
		if value, ok := claims.Path(path); ok {
			subset[path] = value
		}
	}

	// Policy revisions are folded in so a redefined policy invalidates
	// cached results immediately rather than after the TTL.
	revisions := make([]string, 0, len(policies))
	for _, policy := range policies {
		revisions = append(revisions, fmt.Sprintf("%s@%d", policy.ID, policy.StateVersion))
	}
	subset["__policies"] = revisions

	raw, err := json.Marshal(subset)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
