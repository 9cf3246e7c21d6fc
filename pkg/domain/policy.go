package domain

import (
	"encoding/json"
	"fmt"

	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/readmodel"
)

// Policy is the AccessPolicy aggregate.
type Policy struct {
	ID       string
	Name     string
	Matchers []readmodel.Matcher
	GroupIDs []string
	Priority int
	Status   string
	Version  uint64
	Deleted  bool
}

func foldPolicy(events []journal.Event) (*Policy, error) {
	if len(events) == 0 {
		return nil, nil
	}
	p := &Policy{}
	for _, e := range events {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Policy) Apply(e journal.Event) error {
	decode := func(v any) error {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return nil
	}

	switch e.Type {
	case EvPolicyDefined:
		var payload PolicyDefined
		if err := decode(&payload); err != nil {
			return err
		}
		p.ID = payload.ID
		p.Name = payload.Name
		p.Matchers = payload.Matchers
		p.GroupIDs = payload.GroupIDs
		p.Priority = payload.Priority
		p.Status = readmodel.PolicyInactive
	case EvPolicyMatchersUpdated:
		var payload PolicyMatchersUpdated
		if err := decode(&payload); err != nil {
			return err
		}
		p.Matchers = payload.Matchers
	case EvPolicyGroupsUpdated:
		var payload PolicyGroupsUpdated
		if err := decode(&payload); err != nil {
			return err
		}
		p.GroupIDs = payload.GroupIDs
	case EvPolicyPriorityChanged:
		var payload PolicyPriorityChanged
		if err := decode(&payload); err != nil {
			return err
		}
		p.Priority = payload.Priority
	case EvPolicyActivated:
		p.Status = readmodel.PolicyActive
	case EvPolicyDeactivated:
		p.Status = readmodel.PolicyInactive
	case EvPolicyDeleted:
		p.Deleted = true
	}
	p.Version = e.Sequence
	return nil
}

func validMatcher(m readmodel.Matcher) error {
	if m.ClaimPath == "" {
		return fmt.Errorf("%w: matcher claim_path is required", ErrRule)
	}
	switch m.Op {
	case readmodel.OpEq, readmodel.OpNe, readmodel.OpContains,
		readmodel.OpPrefix, readmodel.OpSuffix, readmodel.OpExists:
	case readmodel.OpIn, readmodel.OpNotIn:
		if _, ok := m.Value.([]any); !ok {
			return fmt.Errorf("%w: matcher op %q requires a list value", ErrRule, m.Op)
		}
	default:
		return fmt.Errorf("%w: unknown matcher op %q", ErrRule, m.Op)
	}
	return nil
}

func definePolicy(id string, cmd DefineAccessPolicy) ([]journal.Event, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: policy name is required", ErrRule)
	}
	for _, m := range cmd.Matchers {
		if err := validMatcher(m); err != nil {
			return nil, err
		}
	}
	payload := PolicyDefined{
		ID:       id,
		Name:     cmd.Name,
		Matchers: cmd.Matchers,
		GroupIDs: cmd.GroupIDs,
		Priority: cmd.Priority,
	}
	return []journal.Event{{Type: EvPolicyDefined, Payload: journal.Marshal(payload)}}, nil
}

func (p *Policy) updateMatchers(matchers []readmodel.Matcher) ([]journal.Event, error) {
	for _, m := range matchers {
		if err := validMatcher(m); err != nil {
			return nil, err
		}
	}
	return []journal.Event{{Type: EvPolicyMatchersUpdated, Payload: journal.Marshal(PolicyMatchersUpdated{Matchers: matchers})}}, nil
}

func (p *Policy) updateGroups(groupIDs []string) ([]journal.Event, error) {
	return []journal.Event{{Type: EvPolicyGroupsUpdated, Payload: journal.Marshal(PolicyGroupsUpdated{GroupIDs: groupIDs})}}, nil
}

func (p *Policy) changePriority(priority int) ([]journal.Event, error) {
	if p.Priority == priority {
		return nil, nil
	}
	return []journal.Event{{Type: EvPolicyPriorityChanged, Payload: journal.Marshal(PolicyPriorityChanged{Priority: priority})}}, nil
}

func (p *Policy) activate() ([]journal.Event, error) {
	if p.Status == readmodel.PolicyActive {
		return nil, nil
	}
	return []journal.Event{{Type: EvPolicyActivated, Payload: journal.Marshal(struct{}{})}}, nil
}

func (p *Policy) deactivate() ([]journal.Event, error) {
	if p.Status == readmodel.PolicyInactive {
		return nil, nil
	}
	return []journal.Event{{Type: EvPolicyDeactivated, Payload: journal.Marshal(struct{}{})}}, nil
}

func (p *Policy) delete() []journal.Event {
	return []journal.Event{{Type: EvPolicyDeleted, Payload: journal.Marshal(struct{}{})}}
}
