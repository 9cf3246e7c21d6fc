// Package domain holds the event-sourced aggregates (UpstreamSource,
// ToolGroup, AccessPolicy), their typed events, and the command handlers
// that are the only writers of the event journal.
package domain

import (
	"time"

	"github.com/toolgate/core/pkg/readmodel"
)

// Event types. The version suffix is part of the wire contract.
const (
	EvSourceRegistered         = "source.registered.v1"
	EvSourceInventoryRefreshed = "source.inventory_refreshed.v1"
	EvSourceRefreshFailed      = "source.refresh_failed.v1"
	EvSourceUnregistered       = "source.unregistered.v1"
	EvToolEnabled              = "source.tool_enabled.v1"
	EvToolDisabled             = "source.tool_disabled.v1"
	EvToolsCleaned             = "source.tools_cleaned.v1"

	EvGroupCreated      = "group.created.v1"
	EvGroupUpdated      = "group.updated.v1"
	EvSelectorAdded     = "group.selector_added.v1"
	EvSelectorRemoved   = "group.selector_removed.v1"
	EvGroupToolAdded    = "group.tool_added.v1"
	EvGroupToolRemoved  = "group.tool_removed.v1"
	EvGroupToolExcluded = "group.tool_excluded.v1"
	EvGroupToolIncluded = "group.tool_included.v1"
	EvGroupActivated    = "group.activated.v1"
	EvGroupDeactivated  = "group.deactivated.v1"
	EvGroupDeleted      = "group.deleted.v1"

	EvPolicyDefined         = "policy.defined.v1"
	EvPolicyMatchersUpdated = "policy.matchers_updated.v1"
	EvPolicyGroupsUpdated   = "policy.groups_updated.v1"
	EvPolicyPriorityChanged = "policy.priority_changed.v1"
	EvPolicyActivated       = "policy.activated.v1"
	EvPolicyDeactivated     = "policy.deactivated.v1"
	EvPolicyDeleted         = "policy.deleted.v1"

	EvBreakerOpened     = "circuit_breaker.opened.v1"
	EvBreakerClosed     = "circuit_breaker.closed.v1"
	EvBreakerHalfOpened = "circuit_breaker.half_opened.v1"
)

// Stream id constructors. One stream per aggregate instance.
func SourceStream(id string) string  { return "source:" + id }
func GroupStream(id string) string   { return "group:" + id }
func PolicyStream(id string) string  { return "policy:" + id }
func BreakerStream(id string) string { return "circuit:" + id }

// MaintenanceStream carries cross-aggregate cleanup events.
const MaintenanceStream = "maintenance"

// SourceRegistered is the payload of source.registered.v1.
type SourceRegistered struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SpecURL         string `json:"spec_url"`
	AuthMode        string `json:"auth_mode"`
	DefaultAudience string `json:"default_audience,omitempty"`
}

// SourceInventoryRefreshed carries the reconciled inventory. Tools holds
// the complete post-refresh tool set (added and updated alike); Removed
// lists tool ids discovered previously but absent from the new document.
type SourceInventoryRefreshed struct {
	SourceID         string               `json:"source_id"`
	InventoryVersion int                  `json:"inventory_version"`
	BaseURL          string               `json:"base_url,omitempty"`
	Tools            []readmodel.ToolDoc  `json:"tools"`
	RemovedToolIDs   []string             `json:"removed_tool_ids,omitempty"`
	RefreshedAt      time.Time            `json:"refreshed_at"`
}

// SourceRefreshFailed marks the source failed after a fetch or spec error.
type SourceRefreshFailed struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// SourceUnregistered is the payload of source.unregistered.v1.
type SourceUnregistered struct {
	SourceID string `json:"source_id"`
}

// ToolToggled is the payload of tool_enabled/tool_disabled.
type ToolToggled struct {
	SourceID    string `json:"source_id"`
	OperationID string `json:"operation_id"`
	ToolID      string `json:"tool_id"`
}

// ToolsCleaned lists orphaned tools removed from the read model.
type ToolsCleaned struct {
	RemovedToolIDs []string `json:"removed_tool_ids"`
}

// GroupCreated is the payload of group.created.v1. Groups start inactive.
type GroupCreated struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Selectors       []readmodel.Selector `json:"selectors,omitempty"`
	ExplicitToolIDs []string             `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs []string             `json:"excluded_tool_ids,omitempty"`
}

// GroupUpdated replaces group fields atomically; nil fields are untouched.
type GroupUpdated struct {
	Name            *string               `json:"name,omitempty"`
	Selectors       *[]readmodel.Selector `json:"selectors,omitempty"`
	ExplicitToolIDs *[]string             `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs *[]string             `json:"excluded_tool_ids,omitempty"`
}

// SelectorChange is the payload of selector_added/selector_removed.
type SelectorChange struct {
	Selector readmodel.Selector `json:"selector"`
}

// GroupToolChange is the payload of the four group tool membership events.
type GroupToolChange struct {
	ToolID string `json:"tool_id"`
}

// PolicyDefined is the payload of policy.defined.v1. Policies start inactive.
type PolicyDefined struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Matchers []readmodel.Matcher `json:"matchers,omitempty"`
	GroupIDs []string            `json:"group_ids,omitempty"`
	Priority int                 `json:"priority"`
}

// PolicyMatchersUpdated replaces the matcher set.
type PolicyMatchersUpdated struct {
	Matchers []readmodel.Matcher `json:"matchers"`
}

// PolicyGroupsUpdated replaces the group binding.
type PolicyGroupsUpdated struct {
	GroupIDs []string `json:"group_ids"`
}

// PolicyPriorityChanged carries the new priority.
type PolicyPriorityChanged struct {
	Priority int `json:"priority"`
}

// BreakerTransitioned is the payload of the circuit_breaker.* events.
type BreakerTransitioned struct {
	CircuitID string `json:"circuit_id"`
	Kind      string `json:"kind"`
	SourceID  string `json:"source_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ClosedBy  string `json:"closed_by,omitempty"`
}
