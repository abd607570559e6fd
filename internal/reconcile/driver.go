// Package reconcile converges persisted graph state to the desired state of a
// run. Each scope fetches previous items, diffs them by key against the desired
// items and emits a complete operation list, or nothing at all.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/diff"
)

const defaultConcurrency = 4

// Driver runs fetch, diff and emit for every scope of a plan.
type Driver struct {
	reader      schemas.GraphReader
	differ      schemas.Differ
	logger      *zap.Logger
	tracer      trace.Tracer
	concurrency int
}

// Option configures a Driver.
type Option func(*Driver)

// WithDiffer replaces the default key-based differ.
func WithDiffer(d schemas.Differ) Option {
	return func(dr *Driver) { dr.differ = d }
}

// WithTracer sets the tracer used for per-scope spans.
func WithTracer(t trace.Tracer) Option {
	return func(dr *Driver) { dr.tracer = t }
}

// WithConcurrency bounds how many scopes run at once. Values below 1 run scopes
// one at a time.
func WithConcurrency(n int) Option {
	return func(dr *Driver) {
		if n < 1 {
			n = 1
		}
		dr.concurrency = n
	}
}

// NewDriver creates a driver reading previous state from reader.
func NewDriver(reader schemas.GraphReader, logger *zap.Logger, opts ...Option) (*Driver, error) {
	if reader == nil {
		return nil, fmt.Errorf("cannot initialize reconcile driver with nil graph reader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		reader:      reader,
		differ:      diff.New(),
		logger:      logger.Named("reconcile"),
		tracer:      noop.NewTracerProvider().Tracer("scangraph/reconcile"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ReconcileEntities runs one entity scope.
func (d *Driver) ReconcileEntities(ctx context.Context, scope Scope, desired []schemas.Entity) ([]schemas.Operation, error) {
	ctx, span := d.startSpan(ctx, scope, len(desired))
	defer span.End()

	persisted, err := d.reader.FindEntities(ctx, scope.Filter())
	if err != nil {
		return nil, d.fail(span, scope, fmt.Errorf("%w: %w", ErrPreviousStateFetchFailed, err))
	}
	old := make([]schemas.Entity, 0, len(persisted))
	for _, p := range persisted {
		old = append(old, p.Entity)
	}

	ops, err := d.differ.DiffEntities(old, desired)
	if err != nil {
		return nil, d.fail(span, scope, fmt.Errorf("%w: %w", ErrDiffFailed, err))
	}
	d.emitted(span, scope, len(old), ops)
	return ops, nil
}

// ReconcileRelationships runs one relationship scope.
func (d *Driver) ReconcileRelationships(ctx context.Context, scope Scope, desired []schemas.Relationship) ([]schemas.Operation, error) {
	ctx, span := d.startSpan(ctx, scope, len(desired))
	defer span.End()

	persisted, err := d.reader.FindRelationships(ctx, scope.Filter())
	if err != nil {
		return nil, d.fail(span, scope, fmt.Errorf("%w: %w", ErrPreviousStateFetchFailed, err))
	}
	old := make([]schemas.Relationship, 0, len(persisted))
	for _, p := range persisted {
		old = append(old, p.Relationship)
	}

	ops, err := d.differ.DiffRelationships(old, desired)
	if err != nil {
		return nil, d.fail(span, scope, fmt.Errorf("%w: %w", ErrDiffFailed, err))
	}
	d.emitted(span, scope, len(old), ops)
	return ops, nil
}

// Run reconciles every scope of the plan. Scopes run concurrently up to the
// configured limit; the context is checked before each scope starts. The
// returned error joins all scope failures, and Result always carries the
// batches of the scopes that completed.
func (d *Driver) Run(ctx context.Context, plan Plan) (*Result, error) {
	// Snapshot the owner so every scope filters with the same account/instance.
	owner := plan.Owner
	entityScopes := make([]Scope, len(plan.Entities))
	for i, set := range plan.Entities {
		entityScopes[i] = NewScope(ScopeEntities, set.Type, owner)
	}
	relScopes := make([]Scope, len(plan.Relationships))
	for i, set := range plan.Relationships {
		relScopes[i] = NewScope(ScopeRelationships, set.Type, owner)
	}

	entityResults := make([]ScopeResult, len(plan.Entities))
	relResults := make([]ScopeResult, len(plan.Relationships))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i := range plan.Entities {
		scope, items := entityScopes[i], plan.Entities[i].Items
		if err := ctx.Err(); err != nil {
			entityResults[i] = ScopeResult{Scope: scope, Err: &ScopeError{Scope: scope, Err: fmt.Errorf("%w: %w", ErrAborted, err)}}
			continue
		}
		held := plan.Entities[i].Held
		g.Go(func() error {
			ops, err := d.ReconcileEntities(ctx, scope, items)
			if err == nil {
				ops = holdBack(ops, held)
			}
			entityResults[i] = ScopeResult{Scope: scope, Operations: ops, Err: err}
			return nil
		})
	}
	for i := range plan.Relationships {
		scope, items := relScopes[i], plan.Relationships[i].Items
		if err := ctx.Err(); err != nil {
			relResults[i] = ScopeResult{Scope: scope, Err: &ScopeError{Scope: scope, Err: fmt.Errorf("%w: %w", ErrAborted, err)}}
			continue
		}
		held := plan.Relationships[i].Held
		g.Go(func() error {
			ops, err := d.ReconcileRelationships(ctx, scope, items)
			if err == nil {
				ops = holdBack(ops, held)
			}
			relResults[i] = ScopeResult{Scope: scope, Operations: ops, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{}
	// Keys of entities whose scope failed; mapped edges from them have no
	// guaranteed source and would fail the whole commit.
	unsettled := make(map[string]struct{})
	for i, sr := range entityResults {
		res.Scopes = append(res.Scopes, sr)
		if sr.Err != nil {
			res.addFailure(sr)
			for _, e := range plan.Entities[i].Items {
				unsettled[e.Key] = struct{}{}
			}
			continue
		}
		res.Batch.Entities = append(res.Batch.Entities, sr.Operations...)
	}

	mapped, dropped := d.mappedOperations(plan.Mapped, plan.Timestamp, unsettled)
	res.DroppedMapped = dropped
	res.Batch.Relationships = append(res.Batch.Relationships, mapped...)
	for _, sr := range relResults {
		res.Scopes = append(res.Scopes, sr)
		if sr.Err != nil {
			res.addFailure(sr)
			continue
		}
		res.Batch.Relationships = append(res.Batch.Relationships, sr.Operations...)
	}

	d.logger.Info("Reconciliation finished.",
		zap.Int("scopes", len(res.Scopes)),
		zap.Int("failed_scopes", len(res.Failures)),
		zap.Int("dropped_mapped", len(res.DroppedMapped)),
		zap.Int("entity_operations", len(res.Batch.Entities)),
		zap.Int("relationship_operations", len(res.Batch.Relationships)))

	return res, res.Err()
}

// mappedOperations passes mapped relationships through without diffing; the
// persistence layer resolves their targets. Relationships sourced from an
// unsettled entity are returned by key as dropped.
func (d *Driver) mappedOperations(rels []schemas.Relationship, ts int64, unsettled map[string]struct{}) ([]schemas.Operation, []string) {
	ops := make([]schemas.Operation, 0, len(rels))
	var dropped []string
	for _, r := range rels {
		switch r.Kind() {
		case schemas.RelationshipMapped:
			if _, ok := unsettled[r.Mapping.SourceKey]; ok {
				dropped = append(dropped, r.Key)
				continue
			}
			rel := r
			ops = append(ops, schemas.Operation{
				Kind:         schemas.OpCreateMappedRelationship,
				Type:         r.Type,
				Key:          r.Key,
				Relationship: &rel,
				Timestamp:    ts,
			})
		case schemas.RelationshipPlain:
			d.logger.Warn("Plain relationship passed as mapped; ignoring.", zap.String("key", r.Key))
		}
	}
	if len(dropped) > 0 {
		d.logger.Warn("Mapped relationships dropped; source scope failed.", zap.Int("count", len(dropped)))
	}
	return ops, dropped
}

func (d *Driver) startSpan(ctx context.Context, scope Scope, desired int) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "reconcile."+scope.Kind.String(), trace.WithAttributes(
		attribute.String("scope.type", scope.Type),
		attribute.String("scope.account_id", scope.AccountID),
		attribute.String("scope.integration_instance_id", scope.IntegrationInstanceID),
		attribute.Int("scope.desired", desired),
	))
}

func (d *Driver) fail(span trace.Span, scope Scope, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("Scope reconciliation failed.", zap.Stringer("scope", scope), zap.Error(err))
	return &ScopeError{Scope: scope, Err: err}
}

func (d *Driver) emitted(span trace.Span, scope Scope, previous int, ops []schemas.Operation) {
	counts := CountByKind(ops)
	span.SetAttributes(
		attribute.Int("scope.previous", previous),
		attribute.Int("ops.create", counts[schemas.OpCreate]),
		attribute.Int("ops.update", counts[schemas.OpUpdate]),
		attribute.Int("ops.delete", counts[schemas.OpDelete]),
	)
	d.logger.Debug("Scope reconciled.",
		zap.Stringer("scope", scope),
		zap.Int("previous", previous),
		zap.Int("create", counts[schemas.OpCreate]),
		zap.Int("update", counts[schemas.OpUpdate]),
		zap.Int("delete", counts[schemas.OpDelete]))
}

// asScopeError extracts the ScopeError from err, wrapping foreign errors.
func asScopeError(scope Scope, err error) *ScopeError {
	var se *ScopeError
	if errors.As(err, &se) {
		return se
	}
	return &ScopeError{Scope: scope, Err: err}
}
