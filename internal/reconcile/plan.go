package reconcile

import (
	"errors"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// EntitySet is the desired state of one entity type.
type EntitySet struct {
	Type  string
	Items []schemas.Entity
	// Held keys are missing from Items but still present at the source. Their
	// persisted state is kept: no DELETE is emitted for them.
	Held []string
}

// RelationshipSet is the desired state of one relationship type.
type RelationshipSet struct {
	Type  string
	Items []schemas.Relationship
	Held  []string
}

// Plan is the read-only desired state of a run. Set order is kept in the
// emitted batch.
type Plan struct {
	Owner         schemas.Scope
	Entities      []EntitySet
	Relationships []RelationshipSet
	// Mapped relationships are emitted as CREATE_MAPPED_RELATIONSHIP without diffing.
	Mapped    []schemas.Relationship
	Timestamp int64
}

// ScopeResult is the outcome of one scope. Operations is nil when Err is set.
type ScopeResult struct {
	Scope      Scope
	Operations []schemas.Operation
	Err        error
}

// Result is the outcome of a run.
type Result struct {
	Batch    schemas.OperationBatch
	Scopes   []ScopeResult
	Failures []*ScopeError
	// DroppedMapped holds the keys of mapped relationships left out because
	// their source entity belongs to a failed scope.
	DroppedMapped []string
}

func (r *Result) addFailure(sr ScopeResult) {
	r.Failures = append(r.Failures, asScopeError(sr.Scope, sr.Err))
}

// Err joins all scope failures, or returns nil when every scope completed.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Counts tallies the operations of the whole batch by kind.
func (r *Result) Counts() map[schemas.OperationKind]int {
	counts := CountByKind(r.Batch.Entities)
	for k, v := range CountByKind(r.Batch.Relationships) {
		counts[k] += v
	}
	return counts
}

// CountByKind tallies operations by kind.
func CountByKind(ops []schemas.Operation) map[schemas.OperationKind]int {
	counts := make(map[schemas.OperationKind]int)
	for _, op := range ops {
		counts[op.Kind]++
	}
	return counts
}

// holdBack removes DELETE operations for held keys.
func holdBack(ops []schemas.Operation, held []string) []schemas.Operation {
	if len(held) == 0 {
		return ops
	}
	keep := make(map[string]struct{}, len(held))
	for _, k := range held {
		keep[k] = struct{}{}
	}
	out := ops[:0:0]
	for _, op := range ops {
		if _, ok := keep[op.Key]; ok && op.Kind == schemas.OpDelete {
			continue
		}
		out = append(out, op)
	}
	return out
}
