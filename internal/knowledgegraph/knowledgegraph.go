// Package knowledgegraph provides an in-memory graph store that serves
// previous state to reconciliation and applies operation batches.
package knowledgegraph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

var (
	// ErrNotFound is returned when a key has no persisted item.
	ErrNotFound = errors.New("not found")
	// ErrScopeMismatch is returned when a batch touches an item owned by another scope.
	ErrScopeMismatch = errors.New("item owned by another scope")
	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrSourceNotFound is returned when a mapped relationship's source entity does not exist.
	ErrSourceNotFound = errors.New("mapped relationship source not found")
)

// InMemoryKG is an ephemeral graph store. Deletes are soft: items are flagged
// and hidden from reconciliation lookups. Every Apply call commits as a whole
// or not at all.
type InMemoryKG struct {
	entities      map[string]schemas.PersistedEntity
	relationships map[string]schemas.PersistedRelationship
	outgoing      map[string][]string // entity key -> relationship keys
	mu            sync.RWMutex
	now           func() time.Time
	log           *zap.Logger
}

var _ schemas.GraphStore = (*InMemoryKG)(nil)

// NewInMemoryKG creates an empty store.
func NewInMemoryKG(logger *zap.Logger) (*InMemoryKG, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryKG{
		entities:      make(map[string]schemas.PersistedEntity),
		relationships: make(map[string]schemas.PersistedRelationship),
		outgoing:      make(map[string][]string),
		now:           time.Now,
		log:           logger.Named("InMemoryKG"),
	}, nil
}

func matches(s schemas.Scope, deleted bool, typ string, filter schemas.Filter) bool {
	return s.AccountID == filter.AccountID &&
		s.IntegrationInstanceID == filter.IntegrationInstanceID &&
		typ == filter.Type &&
		deleted == filter.Deleted
}

// FindEntities returns entities matching filter, ordered by key.
func (kg *InMemoryKG) FindEntities(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	out := make([]schemas.PersistedEntity, 0)
	for _, e := range kg.entities {
		if matches(e.Scope, e.Deleted, e.Type, filter) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// FindRelationships returns relationships matching filter, ordered by key.
func (kg *InMemoryKG) FindRelationships(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	out := make([]schemas.PersistedRelationship, 0)
	for _, r := range kg.relationships {
		if matches(r.Scope, r.Deleted, r.Type, filter) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// GetEntity retrieves an entity by key, including soft-deleted ones.
func (kg *InMemoryKG) GetEntity(ctx context.Context, key string) (schemas.PersistedEntity, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	e, ok := kg.entities[key]
	if !ok {
		return schemas.PersistedEntity{}, fmt.Errorf("entity with key '%s': %w", key, ErrNotFound)
	}
	return e, nil
}

// GetRelationship retrieves a relationship by key, including soft-deleted ones.
func (kg *InMemoryKG) GetRelationship(ctx context.Context, key string) (schemas.PersistedRelationship, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	r, ok := kg.relationships[key]
	if !ok {
		return schemas.PersistedRelationship{}, fmt.Errorf("relationship with key '%s': %w", key, ErrNotFound)
	}
	return r, nil
}

// GetEdges returns the live outgoing relationships of an entity.
func (kg *InMemoryKG) GetEdges(ctx context.Context, entityKey string) ([]schemas.PersistedRelationship, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	if _, ok := kg.entities[entityKey]; !ok {
		return nil, fmt.Errorf("entity with key '%s': %w", entityKey, ErrNotFound)
	}
	edges := make([]schemas.PersistedRelationship, 0, len(kg.outgoing[entityKey]))
	for _, relKey := range kg.outgoing[entityKey] {
		r, ok := kg.relationships[relKey]
		if !ok {
			kg.log.Warn("Inconsistency found: relationship key in index but not in relationships map", zap.String("key", relKey))
			continue
		}
		if !r.Deleted {
			edges = append(edges, r)
		}
	}
	return edges, nil
}

// GetNeighbors returns the live entities reachable over one outgoing relationship.
func (kg *InMemoryKG) GetNeighbors(ctx context.Context, entityKey string) ([]schemas.PersistedEntity, error) {
	edges, err := kg.GetEdges(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	neighbors := make([]schemas.PersistedEntity, 0, len(edges))
	for _, edge := range edges {
		n, ok := kg.entities[edge.ToKey]
		if !ok || n.Deleted {
			continue
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

// staged is a copy-on-apply view of the store. Apply mutates it and swaps it
// in only when every operation succeeded.
type staged struct {
	entities      map[string]schemas.PersistedEntity
	relationships map[string]schemas.PersistedRelationship
	outgoing      map[string][]string
	// byType holds sorted live entity keys per type. It is built on the first
	// mapped lookup, after all entity operations of the batch have been staged.
	byType map[string][]string
}

func (st *staged) keysOfType(typ string) []string {
	if st.byType == nil {
		st.byType = make(map[string][]string)
		for k, e := range st.entities {
			if !e.Deleted {
				st.byType[e.Type] = append(st.byType[e.Type], k)
			}
		}
		for _, keys := range st.byType {
			sort.Strings(keys)
		}
	}
	return st.byType[typ]
}

func (st *staged) putEntity(e schemas.PersistedEntity) {
	st.entities[e.Key] = e
	if st.byType == nil {
		return
	}
	keys := st.byType[e.Type]
	if i, found := slices.BinarySearch(keys, e.Key); !found {
		st.byType[e.Type] = slices.Insert(keys, i, e.Key)
	}
}

// Apply commits a batch for scope. Entity operations are applied before
// relationship operations.
func (kg *InMemoryKG) Apply(ctx context.Context, scope schemas.Scope, batch schemas.OperationBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kg.mu.Lock()
	defer kg.mu.Unlock()

	st := &staged{
		entities:      maps.Clone(kg.entities),
		relationships: maps.Clone(kg.relationships),
		outgoing:      make(map[string][]string, len(kg.outgoing)),
	}
	for k, v := range kg.outgoing {
		st.outgoing[k] = slices.Clone(v)
	}
	now := kg.now().UTC()

	for i, op := range batch.Entities {
		if err := kg.applyEntity(st, scope, op, now); err != nil {
			return fmt.Errorf("entity operation %d (%s %s): %w", i, op.Kind, op.Key, err)
		}
	}
	for i, op := range batch.Relationships {
		if err := kg.applyRelationship(st, scope, op, now); err != nil {
			return fmt.Errorf("relationship operation %d (%s %s): %w", i, op.Kind, op.Key, err)
		}
	}

	kg.entities, kg.relationships, kg.outgoing = st.entities, st.relationships, st.outgoing
	kg.log.Debug("Batch applied",
		zap.String("account_id", scope.AccountID),
		zap.String("integration_instance_id", scope.IntegrationInstanceID),
		zap.Int("entities", len(batch.Entities)),
		zap.Int("relationships", len(batch.Relationships)))
	return nil
}

func (kg *InMemoryKG) applyEntity(st *staged, scope schemas.Scope, op schemas.Operation, now time.Time) error {
	if op.Entity == nil || op.Entity.Key == "" {
		return ErrInvalidOperation
	}
	existing, exists := st.entities[op.Entity.Key]
	if exists && existing.Scope != scope {
		return ErrScopeMismatch
	}

	switch op.Kind {
	case schemas.OpCreate, schemas.OpUpdate:
		st.entities[op.Entity.Key] = schemas.PersistedEntity{Entity: *op.Entity, Scope: scope, UpdatedAt: now}
	case schemas.OpDelete:
		if !exists {
			kg.log.Debug("Delete for unknown entity ignored", zap.String("key", op.Entity.Key))
			return nil
		}
		existing.Deleted = true
		existing.UpdatedAt = now
		st.entities[op.Entity.Key] = existing
	default:
		return fmt.Errorf("%w: kind %s on entity", ErrInvalidOperation, op.Kind)
	}
	return nil
}

func (kg *InMemoryKG) applyRelationship(st *staged, scope schemas.Scope, op schemas.Operation, now time.Time) error {
	if op.Relationship == nil || op.Relationship.Key == "" {
		return ErrInvalidOperation
	}
	rel := *op.Relationship
	existing, exists := st.relationships[rel.Key]
	if exists && existing.Scope != scope {
		return ErrScopeMismatch
	}

	switch op.Kind {
	case schemas.OpCreate, schemas.OpUpdate:
		rel.Mapping = nil
		st.putRelationship(schemas.PersistedRelationship{Relationship: rel, Scope: scope, UpdatedAt: now}, existing, exists)
	case schemas.OpDelete:
		if !exists {
			kg.log.Debug("Delete for unknown relationship ignored", zap.String("key", rel.Key))
			return nil
		}
		existing.Deleted = true
		existing.UpdatedAt = now
		st.relationships[rel.Key] = existing
	case schemas.OpCreateMappedRelationship:
		resolved, err := kg.resolveMapped(st, scope, rel, now)
		if err != nil {
			return err
		}
		st.putRelationship(schemas.PersistedRelationship{Relationship: resolved, Scope: scope, UpdatedAt: now}, existing, exists)
	default:
		return fmt.Errorf("%w: kind %s on relationship", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// resolveMapped attaches a mapped relationship to an existing entity matched by
// its filter keys, or materializes the carried target entity when none matches.
func (kg *InMemoryKG) resolveMapped(st *staged, scope schemas.Scope, rel schemas.Relationship, now time.Time) (schemas.Relationship, error) {
	m := rel.Mapping
	if m == nil {
		return rel, fmt.Errorf("%w: mapped operation without mapping", ErrInvalidOperation)
	}
	if src, ok := st.entities[m.SourceKey]; !ok || src.Deleted {
		return rel, fmt.Errorf("%w: %s", ErrSourceNotFound, m.SourceKey)
	}

	targetKey := ""
	for _, candidate := range st.keysOfType(m.TargetEntity.Type) {
		e := st.entities[candidate]
		if !e.Deleted && e.Type == m.TargetEntity.Type && matchesFilterKeys(e.Entity, m.TargetFilterKeys) {
			targetKey = candidate
			break
		}
	}
	if targetKey == "" {
		target := m.TargetEntity
		// Targets are shared across integration instances of the account.
		st.putEntity(schemas.PersistedEntity{
			Entity:    target,
			Scope:     schemas.Scope{AccountID: scope.AccountID},
			UpdatedAt: now,
		})
		targetKey = target.Key
		kg.log.Debug("Materialized mapped target", zap.String("key", targetKey))
	}

	if m.Direction == schemas.DirectionReverse {
		rel.FromKey, rel.ToKey = targetKey, m.SourceKey
	} else {
		rel.FromKey, rel.ToKey = m.SourceKey, targetKey
	}
	rel.Mapping = nil
	return rel, nil
}

func (st *staged) putRelationship(r schemas.PersistedRelationship, previous schemas.PersistedRelationship, existed bool) {
	if existed && previous.FromKey != r.FromKey {
		st.outgoing[previous.FromKey] = slices.DeleteFunc(st.outgoing[previous.FromKey], func(k string) bool { return k == r.Key })
	}
	if !existed || previous.FromKey != r.FromKey {
		st.outgoing[r.FromKey] = append(st.outgoing[r.FromKey], r.Key)
	}
	st.relationships[r.Key] = r
}

func matchesFilterKeys(e schemas.Entity, keys []schemas.FilterKey) bool {
	if len(keys) == 0 {
		return false
	}
	for _, fk := range keys {
		v := e.Attr(fk.Field)
		if v == nil || fmt.Sprint(v) != fmt.Sprint(fk.Value) {
			return false
		}
	}
	return true
}
