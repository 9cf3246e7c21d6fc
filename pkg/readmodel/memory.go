package readmodel

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is the in-process read-model backend.
type MemoryStore struct {
	mu          sync.RWMutex
	sources     map[string]SourceDoc
	tools       map[string]ToolDoc
	groups      map[string]GroupDoc
	policies    map[string]PolicyDoc
	checkpoints map[string]uint64
}

// NewMemoryStore creates an empty in-memory read model.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:     make(map[string]SourceDoc),
		tools:       make(map[string]ToolDoc),
		groups:      make(map[string]GroupDoc),
		policies:    make(map[string]PolicyDoc),
		checkpoints: make(map[string]uint64),
	}
}

func (s *MemoryStore) UpsertSource(ctx context.Context, doc SourceDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[doc.ID] = doc
	return nil
}

func (s *MemoryStore) DeleteSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
	return nil
}

func (s *MemoryStore) GetSource(ctx context.Context, id string) (SourceDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sources[id]
	if !ok {
		return SourceDoc{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) ListSources(ctx context.Context, page Page) ([]SourceDoc, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]SourceDoc, 0, len(s.sources))
	for _, doc := range s.sources {
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	items, total := paginate(all, page)
	return items, total, nil
}

func (s *MemoryStore) UpsertTool(ctx context.Context, doc ToolDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[doc.ToolID] = doc
	return nil
}

func (s *MemoryStore) DeleteTool(ctx context.Context, toolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tools, toolID)
	return nil
}

func (s *MemoryStore) DeleteToolsBySource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, doc := range s.tools {
		if doc.SourceID == sourceID {
			delete(s.tools, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetTool(ctx context.Context, toolID string) (ToolDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.tools[toolID]
	if !ok {
		return ToolDoc{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) ListTools(ctx context.Context, filter ToolFilter) ([]ToolDoc, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []ToolDoc
	for _, doc := range s.tools {
		if !matchTool(doc, filter) {
			continue
		}
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ToolID < all[j].ToolID })
	items, total := paginate(all, filter.Page)
	return items, total, nil
}

func matchTool(doc ToolDoc, filter ToolFilter) bool {
	if filter.SourceID != "" && doc.SourceID != filter.SourceID {
		return false
	}
	if filter.Enabled != nil && doc.Enabled != *filter.Enabled {
		return false
	}
	if filter.Tag != "" {
		found := false
		for _, tag := range doc.Tags {
			if strings.EqualFold(tag, filter.Tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) UpsertGroup(ctx context.Context, doc GroupDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[doc.ID] = doc
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, id string) (GroupDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.groups[id]
	if !ok {
		return GroupDoc{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) ListGroups(ctx context.Context, page Page) ([]GroupDoc, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]GroupDoc, 0, len(s.groups))
	for _, doc := range s.groups {
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	items, total := paginate(all, page)
	return items, total, nil
}

func (s *MemoryStore) UpsertPolicy(ctx context.Context, doc PolicyDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[doc.ID] = doc
	return nil
}

func (s *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (PolicyDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.policies[id]
	if !ok {
		return PolicyDoc{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context, activeOnly bool, page Page) ([]PolicyDoc, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []PolicyDoc
	for _, doc := range s.policies {
		if activeOnly && doc.Status != PolicyActive {
			continue
		}
		all = append(all, doc)
	}
	SortPolicies(all)
	items, total := paginate(all, page)
	return items, total, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, projection string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[projection], nil
}

func (s *MemoryStore) SetCheckpoint(ctx context.Context, projection string, checkpoint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[projection] = checkpoint
	return nil
}

// SortPolicies orders by priority descending, ties broken by id ascending.
func SortPolicies(policies []PolicyDoc) {
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

func paginate[T any](all []T, page Page) ([]T, int) {
	page = page.Clamp()
	total := len(all)
	start := (page.Page - 1) * page.PageSize
	if start >= total {
		return []T{}, total
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}
