// Package readmodel is the queryable projection of the event journal:
// denormalized documents per aggregate plus the projector checkpoint.
// Only the projector writes here; queries never mutate.
package readmodel

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("readmodel: not found")

// Source statuses.
const (
	SourceActive   = "active"
	SourceInactive = "inactive"
	SourceFailed   = "failed"
)

// Auth modes for upstream calls.
const (
	AuthNone              = "none"
	AuthBearerPassthrough = "bearer_passthrough"
	AuthTokenExchange     = "token_exchange"
)

// SourceDoc is the denormalized view of an UpstreamSource.
type SourceDoc struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SpecURL          string    `json:"spec_url"`
	BaseURL          string    `json:"base_url,omitempty"`
	AuthMode         string    `json:"auth_mode"`
	DefaultAudience  string    `json:"default_audience,omitempty"`
	Status           string    `json:"status"`
	InventoryVersion int       `json:"inventory_version"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at,omitzero"`
	StateVersion     uint64    `json:"state_version"`
}

// Parameter is one normalized operation parameter.
type Parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"` // path, query, header
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ToolDoc is one normalized operation of a source. ToolID is
// "{source_id}/{operation_id}".
type ToolDoc struct {
	ToolID            string                     `json:"tool_id"`
	SourceID          string                     `json:"source_id"`
	OperationID       string                     `json:"operation_id"`
	HTTPMethod        string                     `json:"http_method"`
	PathTemplate      string                     `json:"path_template"`
	Summary           string                     `json:"summary,omitempty"`
	Tags              []string                   `json:"tags,omitempty"`
	Labels            []string                   `json:"labels,omitempty"`
	Parameters        []Parameter                `json:"parameters,omitempty"`
	RequestBodySchema json.RawMessage            `json:"request_body_schema,omitempty"`
	ResponseSchemas   map[string]json.RawMessage `json:"response_schemas,omitempty"`
	Enabled           bool                       `json:"enabled"`
	StateVersion      uint64                     `json:"state_version"`
}

// Selector kinds.
const (
	SelectorName   = "name"
	SelectorMethod = "method"
	SelectorPath   = "path"
	SelectorTag    = "tag"
	SelectorLabel  = "label"
	SelectorSource = "source"
)

// Selector is a declarative membership rule of a tool group.
type Selector struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"` // glob, or "regex:…"
}

// Group statuses.
const (
	GroupActive   = "active"
	GroupInactive = "inactive"
)

// GroupDoc is the denormalized view of a ToolGroup.
type GroupDoc struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Selectors       []Selector `json:"selectors,omitempty"`
	ExplicitToolIDs []string   `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs []string   `json:"excluded_tool_ids,omitempty"`
	Status          string     `json:"status"`
	StateVersion    uint64     `json:"state_version"`
}

// Matcher operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpContains = "contains"
	OpPrefix   = "prefix"
	OpSuffix   = "suffix"
	OpExists   = "exists"
)

// Matcher is a predicate over a dotted claim path.
type Matcher struct {
	ClaimPath string `json:"claim_path"`
	Op        string `json:"op"`
	Value     any    `json:"value,omitempty"`
}

// Policy statuses.
const (
	PolicyActive   = "active"
	PolicyInactive = "inactive"
)

// PolicyDoc is the denormalized view of an AccessPolicy.
type PolicyDoc struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Matchers     []Matcher `json:"matchers,omitempty"`
	GroupIDs     []string  `json:"group_ids,omitempty"`
	Priority     int       `json:"priority"`
	Status       string    `json:"status"`
	StateVersion uint64    `json:"state_version"`
}

// Page bounds list queries. PageSize is clamped to MaxPageSize.
type Page struct {
	Page     int
	PageSize int
}

// MaxPageSize is the hard cap on page_size.
const MaxPageSize = 200

// Clamp normalizes a page request.
func (p Page) Clamp() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// ToolFilter selects tools in ListTools.
type ToolFilter struct {
	SourceID string
	Tag      string
	Enabled  *bool
	Page     Page
}
