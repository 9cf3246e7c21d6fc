package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/readmodel"
)

// ErrRule marks a business-rule violation. Wrapped errors carry the detail.
var ErrRule = errors.New("business rule violated")

// ErrNotFound marks a command against a missing or deleted aggregate.
var ErrNotFound = errors.New("aggregate not found")

// Source is the UpstreamSource aggregate: the fold of its event stream.
type Source struct {
	ID               string
	Name             string
	SpecURL          string
	BaseURL          string
	AuthMode         string
	DefaultAudience  string
	Status           string
	InventoryVersion int
	LastRefreshedAt  time.Time
	Tools            map[string]readmodel.ToolDoc // keyed by operation_id
	Version          uint64
	Deleted          bool
}

func foldSource(events []journal.Event) (*Source, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s := &Source{Tools: make(map[string]readmodel.ToolDoc)}
	for _, e := range events {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Source) Apply(e journal.Event) error {
	switch e.Type {
	case EvSourceRegistered:
		var p SourceRegistered
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		s.ID = p.ID
		s.Name = p.Name
		s.SpecURL = p.SpecURL
		s.AuthMode = p.AuthMode
		s.DefaultAudience = p.DefaultAudience
		s.Status = readmodel.SourceActive
	case EvSourceInventoryRefreshed:
		var p SourceInventoryRefreshed
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		s.InventoryVersion = p.InventoryVersion
		s.BaseURL = p.BaseURL
		s.LastRefreshedAt = p.RefreshedAt
		s.Status = readmodel.SourceActive
		s.Tools = make(map[string]readmodel.ToolDoc, len(p.Tools))
		for _, tool := range p.Tools {
			s.Tools[tool.OperationID] = tool
		}
	case EvSourceRefreshFailed:
		s.Status = readmodel.SourceFailed
	case EvSourceUnregistered:
		s.Deleted = true
	case EvToolEnabled:
		var p ToolToggled
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		if tool, ok := s.Tools[p.OperationID]; ok {
			tool.Enabled = true
			s.Tools[p.OperationID] = tool
		}
	case EvToolDisabled:
		var p ToolToggled
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		if tool, ok := s.Tools[p.OperationID]; ok {
			tool.Enabled = false
			s.Tools[p.OperationID] = tool
		}
	}
	s.Version = e.Sequence
	return nil
}

func validAuthMode(mode string) bool {
	switch mode {
	case readmodel.AuthNone, readmodel.AuthBearerPassthrough, readmodel.AuthTokenExchange:
		return true
	}
	return false
}

// register validates a RegisterSource command for a fresh stream.
func registerSource(id string, cmd RegisterSource) ([]journal.Event, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: source name is required", ErrRule)
	}
	if cmd.SpecURL == "" {
		return nil, fmt.Errorf("%w: spec_url is required", ErrRule)
	}
	if !validAuthMode(cmd.AuthMode) {
		return nil, fmt.Errorf("%w: invalid auth_mode %q", ErrRule, cmd.AuthMode)
	}
	payload := SourceRegistered{
		ID:              id,
		Name:            cmd.Name,
		SpecURL:         cmd.SpecURL,
		AuthMode:        cmd.AuthMode,
		DefaultAudience: cmd.DefaultAudience,
	}
	return []journal.Event{{Type: EvSourceRegistered, Payload: journal.Marshal(payload)}}, nil
}

// refreshed reconciles a freshly normalized inventory against the current
// one. The disabled flag is preserved for re-discovered operations, keyed
// on (source_id, operation_id).
func (s *Source) refreshed(tools []readmodel.ToolDoc, baseURL string, now time.Time) []journal.Event {
	next := make([]readmodel.ToolDoc, 0, len(tools))
	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if prev, ok := s.Tools[tool.OperationID]; ok {
			tool.Enabled = prev.Enabled
		} else {
			tool.Enabled = true
		}
		seen[tool.OperationID] = true
		next = append(next, tool)
	}

	var removed []string
	for opID, tool := range s.Tools {
		if !seen[opID] {
			removed = append(removed, tool.ToolID)
		}
	}

	payload := SourceInventoryRefreshed{
		SourceID:         s.ID,
		InventoryVersion: s.InventoryVersion + 1,
		BaseURL:          baseURL,
		Tools:            next,
		RemovedToolIDs:   removed,
		RefreshedAt:      now,
	}
	return []journal.Event{{Type: EvSourceInventoryRefreshed, Payload: journal.Marshal(payload)}}
}

func (s *Source) refreshFailed(reason string) []journal.Event {
	payload := SourceRefreshFailed{SourceID: s.ID, Reason: reason}
	return []journal.Event{{Type: EvSourceRefreshFailed, Payload: journal.Marshal(payload)}}
}

func (s *Source) unregister() []journal.Event {
	payload := SourceUnregistered{SourceID: s.ID}
	return []journal.Event{{Type: EvSourceUnregistered, Payload: journal.Marshal(payload)}}
}

func (s *Source) setToolEnabled(operationID string, enabled bool) ([]journal.Event, error) {
	tool, ok := s.Tools[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: operation %q", ErrNotFound, operationID)
	}
	if tool.Enabled == enabled {
		return nil, nil // idempotent
	}
	eventType := EvToolDisabled
	if enabled {
		eventType = EvToolEnabled
	}
	payload := ToolToggled{SourceID: s.ID, OperationID: operationID, ToolID: tool.ToolID}
	return []journal.Event{{Type: eventType, Payload: journal.Marshal(payload)}}, nil
}
