package readmodel

import "context"

// Store is the read-model contract. Backends are pluggable (memory, sql);
// all writes come from the projector.
type Store interface {
	UpsertSource(ctx context.Context, doc SourceDoc) error
	DeleteSource(ctx context.Context, id string) error
	GetSource(ctx context.Context, id string) (SourceDoc, error)
	ListSources(ctx context.Context, page Page) ([]SourceDoc, int, error)

	UpsertTool(ctx context.Context, doc ToolDoc) error
	DeleteTool(ctx context.Context, toolID string) error
	DeleteToolsBySource(ctx context.Context, sourceID string) error
	GetTool(ctx context.Context, toolID string) (ToolDoc, error)
	ListTools(ctx context.Context, filter ToolFilter) ([]ToolDoc, int, error)

	UpsertGroup(ctx context.Context, doc GroupDoc) error
	DeleteGroup(ctx context.Context, id string) error
	GetGroup(ctx context.Context, id string) (GroupDoc, error)
	ListGroups(ctx context.Context, page Page) ([]GroupDoc, int, error)

	UpsertPolicy(ctx context.Context, doc PolicyDoc) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (PolicyDoc, error)
	// ListPolicies returns policies sorted (priority desc, id asc).
	// activeOnly restricts to status=active.
	ListPolicies(ctx context.Context, activeOnly bool, page Page) ([]PolicyDoc, int, error)

	// GetCheckpoint returns the durable checkpoint of a projection,
	// zero if the projection has never run.
	GetCheckpoint(ctx context.Context, projection string) (uint64, error)
	SetCheckpoint(ctx context.Context, projection string, checkpoint uint64) error
}
