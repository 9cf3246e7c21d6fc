package domain

import (
	"encoding/json"
	"fmt"

	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/readmodel"
)

// Group is the ToolGroup aggregate.
type Group struct {
	ID              string
	Name            string
	Selectors       []readmodel.Selector
	ExplicitToolIDs []string
	ExcludedToolIDs []string
	Status          string
	Version         uint64
	Deleted         bool
}

func foldGroup(events []journal.Event) (*Group, error) {
	if len(events) == 0 {
		return nil, nil
	}
	g := &Group{}
	for _, e := range events {
		if err := g.Apply(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Group) Apply(e journal.Event) error {
	decode := func(v any) error {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return nil
	}

	switch e.Type {
	case EvGroupCreated:
		var p GroupCreated
		if err := decode(&p); err != nil {
			return err
		}
		g.ID = p.ID
		g.Name = p.Name
		g.Selectors = p.Selectors
		g.ExplicitToolIDs = p.ExplicitToolIDs
		g.ExcludedToolIDs = p.ExcludedToolIDs
		g.Status = readmodel.GroupInactive
	case EvGroupUpdated:
		var p GroupUpdated
		if err := decode(&p); err != nil {
			return err
		}
		if p.Name != nil {
			g.Name = *p.Name
		}
		if p.Selectors != nil {
			g.Selectors = *p.Selectors
		}
		if p.ExplicitToolIDs != nil {
			g.ExplicitToolIDs = *p.ExplicitToolIDs
		}
		if p.ExcludedToolIDs != nil {
			g.ExcludedToolIDs = *p.ExcludedToolIDs
		}
	case EvSelectorAdded:
		var p SelectorChange
		if err := decode(&p); err != nil {
			return err
		}
		g.Selectors = append(g.Selectors, p.Selector)
	case EvSelectorRemoved:
		var p SelectorChange
		if err := decode(&p); err != nil {
			return err
		}
		out := g.Selectors[:0]
		for _, sel := range g.Selectors {
			if sel != p.Selector {
				out = append(out, sel)
			}
		}
		g.Selectors = out
	case EvGroupToolAdded:
		var p GroupToolChange
		if err := decode(&p); err != nil {
			return err
		}
		g.ExplicitToolIDs = appendUnique(g.ExplicitToolIDs, p.ToolID)
	case EvGroupToolRemoved:
		var p GroupToolChange
		if err := decode(&p); err != nil {
			return err
		}
		g.ExplicitToolIDs = removeString(g.ExplicitToolIDs, p.ToolID)
	case EvGroupToolExcluded:
		var p GroupToolChange
		if err := decode(&p); err != nil {
			return err
		}
		g.ExcludedToolIDs = appendUnique(g.ExcludedToolIDs, p.ToolID)
	case EvGroupToolIncluded:
		var p GroupToolChange
		if err := decode(&p); err != nil {
			return err
		}
		g.ExcludedToolIDs = removeString(g.ExcludedToolIDs, p.ToolID)
	case EvGroupActivated:
		g.Status = readmodel.GroupActive
	case EvGroupDeactivated:
		g.Status = readmodel.GroupInactive
	case EvGroupDeleted:
		g.Deleted = true
	}
	g.Version = e.Sequence
	return nil
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func validSelector(sel readmodel.Selector) error {
	switch sel.Kind {
	case readmodel.SelectorName, readmodel.SelectorMethod, readmodel.SelectorPath,
		readmodel.SelectorTag, readmodel.SelectorLabel, readmodel.SelectorSource:
	default:
		return fmt.Errorf("%w: unknown selector kind %q", ErrRule, sel.Kind)
	}
	if sel.Pattern == "" {
		return fmt.Errorf("%w: selector pattern is required", ErrRule)
	}
	return nil
}

func createGroup(id string, cmd CreateToolGroup) ([]journal.Event, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrRule)
	}
	for _, sel := range cmd.Selectors {
		if err := validSelector(sel); err != nil {
			return nil, err
		}
	}
	if intersects(cmd.ExplicitToolIDs, cmd.ExcludedToolIDs) {
		return nil, fmt.Errorf("%w: explicit and excluded tool sets overlap", ErrRule)
	}
	payload := GroupCreated{
		ID:              id,
		Name:            cmd.Name,
		Selectors:       cmd.Selectors,
		ExplicitToolIDs: cmd.ExplicitToolIDs,
		ExcludedToolIDs: cmd.ExcludedToolIDs,
	}
	return []journal.Event{{Type: EvGroupCreated, Payload: journal.Marshal(payload)}}, nil
}

func (g *Group) update(cmd UpdateToolGroup) ([]journal.Event, error) {
	explicit := g.ExplicitToolIDs
	excluded := g.ExcludedToolIDs
	if cmd.ExplicitToolIDs != nil {
		explicit = *cmd.ExplicitToolIDs
	}
	if cmd.ExcludedToolIDs != nil {
		excluded = *cmd.ExcludedToolIDs
	}
	if intersects(explicit, excluded) {
		return nil, fmt.Errorf("%w: explicit and excluded tool sets overlap", ErrRule)
	}
	if cmd.Name != nil && *cmd.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrRule)
	}
	if cmd.Selectors != nil {
		for _, sel := range *cmd.Selectors {
			if err := validSelector(sel); err != nil {
				return nil, err
			}
		}
	}
	payload := GroupUpdated(cmd)
	return []journal.Event{{Type: EvGroupUpdated, Payload: journal.Marshal(payload)}}, nil
}

func (g *Group) addSelector(sel readmodel.Selector) ([]journal.Event, error) {
	if err := validSelector(sel); err != nil {
		return nil, err
	}
	for _, existing := range g.Selectors {
		if existing == sel {
			return nil, nil // idempotent
		}
	}
	return []journal.Event{{Type: EvSelectorAdded, Payload: journal.Marshal(SelectorChange{Selector: sel})}}, nil
}

func (g *Group) removeSelector(sel readmodel.Selector) ([]journal.Event, error) {
	for _, existing := range g.Selectors {
		if existing == sel {
			return []journal.Event{{Type: EvSelectorRemoved, Payload: journal.Marshal(SelectorChange{Selector: sel})}}, nil
		}
	}
	return nil, nil
}

func (g *Group) addExplicitTool(toolID string) ([]journal.Event, error) {
	if toolID == "" {
		return nil, fmt.Errorf("%w: tool_id is required", ErrRule)
	}
	if contains(g.ExcludedToolIDs, toolID) {
		return nil, fmt.Errorf("%w: tool %q is excluded from the group", ErrRule, toolID)
	}
	if contains(g.ExplicitToolIDs, toolID) {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupToolAdded, Payload: journal.Marshal(GroupToolChange{ToolID: toolID})}}, nil
}

func (g *Group) removeExplicitTool(toolID string) ([]journal.Event, error) {
	if !contains(g.ExplicitToolIDs, toolID) {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupToolRemoved, Payload: journal.Marshal(GroupToolChange{ToolID: toolID})}}, nil
}

func (g *Group) excludeTool(toolID string) ([]journal.Event, error) {
	if toolID == "" {
		return nil, fmt.Errorf("%w: tool_id is required", ErrRule)
	}
	if contains(g.ExplicitToolIDs, toolID) {
		return nil, fmt.Errorf("%w: tool %q is explicitly included in the group", ErrRule, toolID)
	}
	if contains(g.ExcludedToolIDs, toolID) {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupToolExcluded, Payload: journal.Marshal(GroupToolChange{ToolID: toolID})}}, nil
}

func (g *Group) includeTool(toolID string) ([]journal.Event, error) {
	if !contains(g.ExcludedToolIDs, toolID) {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupToolIncluded, Payload: journal.Marshal(GroupToolChange{ToolID: toolID})}}, nil
}

func (g *Group) activate() ([]journal.Event, error) {
	if g.Status == readmodel.GroupActive {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupActivated, Payload: journal.Marshal(struct{}{})}}, nil
}

func (g *Group) deactivate() ([]journal.Event, error) {
	if g.Status == readmodel.GroupInactive {
		return nil, nil
	}
	return []journal.Event{{Type: EvGroupDeactivated, Payload: journal.Marshal(struct{}{})}}, nil
}

func (g *Group) delete() []journal.Event {
	return []journal.Event{{Type: EvGroupDeleted, Payload: journal.Marshal(struct{}{})}}
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
