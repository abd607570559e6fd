package schemas

import (
	"context"
)

// -- External Collaborator Interfaces --

// GraphReader looks up previously persisted, non-deleted items of exactly one
// type, scoped to an account and integration instance. Empty results are valid.
type GraphReader interface {
	FindEntities(ctx context.Context, filter Filter) ([]PersistedEntity, error)
	FindRelationships(ctx context.Context, filter Filter) ([]PersistedRelationship, error)
}

// Differ turns old and new item lists, paired by key, into operations.
type Differ interface {
	DiffEntities(oldItems []Entity, newItems []Entity) ([]Operation, error)
	DiffRelationships(oldItems []Relationship, newItems []Relationship) ([]Operation, error)
}

// FindingSource is the raw data source for a run.
type FindingSource interface {
	FetchApplications(ctx context.Context, accountID string) ([]SourceApplication, error)
	FetchFindings(ctx context.Context, accountID string) ([]SourceFinding, error)
}

// Persister applies one operation batch for a scope as a single commit.
type Persister interface {
	Apply(ctx context.Context, scope Scope, batch OperationBatch) error
}

// GraphStore is a backend that can both serve previous state and persist batches.
type GraphStore interface {
	GraphReader
	Persister
}
