package domain

import "github.com/toolgate/core/pkg/readmodel"

// RegisterSource registers an OpenAPI-exposing upstream service.
type RegisterSource struct {
	Name            string `json:"name"`
	SpecURL         string `json:"spec_url"`
	AuthMode        string `json:"auth_mode"`
	DefaultAudience string `json:"default_audience,omitempty"`
}

// CreateToolGroup creates a curation bundle. Groups start inactive.
type CreateToolGroup struct {
	Name            string               `json:"name"`
	Selectors       []readmodel.Selector `json:"selectors,omitempty"`
	ExplicitToolIDs []string             `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs []string             `json:"excluded_tool_ids,omitempty"`
}

// UpdateToolGroup replaces group fields atomically; nil fields keep their
// current value.
type UpdateToolGroup struct {
	Name            *string               `json:"name,omitempty"`
	Selectors       *[]readmodel.Selector `json:"selectors,omitempty"`
	ExplicitToolIDs *[]string             `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs *[]string             `json:"excluded_tool_ids,omitempty"`
}

// DefineAccessPolicy creates a claim-driven access rule. Policies start
// inactive.
type DefineAccessPolicy struct {
	Name     string              `json:"name"`
	Matchers []readmodel.Matcher `json:"matchers,omitempty"`
	GroupIDs []string            `json:"group_ids,omitempty"`
	Priority int                 `json:"priority"`
}
