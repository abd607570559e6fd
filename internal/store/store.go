package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// json sorts map keys so encoded attributes are stable across runs.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrScopeMismatch is returned when an operation targets a key owned by another scope.
	ErrScopeMismatch = errors.New("item owned by another scope")
	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL graph store. Deletes are soft; every Apply is one transaction.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.GraphStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the graph tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// FindEntities returns entities of one type owned by the filter's scope.
func (s *Store) FindEntities(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedEntity, error) {
	rows, err := s.pool.Query(ctx, sqlFindEntities, filter.AccountID, filter.IntegrationInstanceID, filter.Type, filter.Deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.PersistedEntity, 0)
	for rows.Next() {
		var (
			e     schemas.PersistedEntity
			attrs []byte
		)
		if err := rows.Scan(&e.Key, &e.Type, &e.Class, &attrs, &e.Deleted, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		if err := decodeMap(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of entity %s: %w", e.Key, err)
		}
		e.Scope = schemas.Scope{AccountID: filter.AccountID, IntegrationInstanceID: filter.IntegrationInstanceID}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// FindRelationships returns relationships of one type owned by the filter's scope.
func (s *Store) FindRelationships(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedRelationship, error) {
	rows, err := s.pool.Query(ctx, sqlFindRelationships, filter.AccountID, filter.IntegrationInstanceID, filter.Type, filter.Deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.PersistedRelationship, 0)
	for rows.Next() {
		var (
			r     schemas.PersistedRelationship
			props []byte
		)
		if err := rows.Scan(&r.Key, &r.Type, &r.Class, &r.FromKey, &r.ToKey, &props, &r.Deleted, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		if err := decodeMap(props, &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of relationship %s: %w", r.Key, err)
		}
		r.Scope = schemas.Scope{AccountID: filter.AccountID, IntegrationInstanceID: filter.IntegrationInstanceID}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Apply commits one batch for scope in a single transaction: entity
// operations, then mapped target resolution, then relationship operations and
// the operation log.
func (s *Store) Apply(ctx context.Context, scope schemas.Scope, batch schemas.OperationBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := s.now().UTC()

	if err := s.applyEntities(ctx, tx, scope, batch.Entities, now); err != nil {
		return err
	}

	rels := make([]schemas.Operation, len(batch.Relationships))
	copy(rels, batch.Relationships)
	for i, op := range rels {
		if op.Kind != schemas.OpCreateMappedRelationship {
			continue
		}
		resolved, err := s.resolveMapped(ctx, tx, scope, op, now)
		if err != nil {
			return fmt.Errorf("failed to resolve mapped relationship %s: %w", op.Key, err)
		}
		rels[i].Relationship = &resolved
	}

	if err := s.applyRelationships(ctx, tx, scope, rels, now); err != nil {
		return err
	}
	if err := s.logOperations(ctx, tx, scope, batch, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Batch committed",
		zap.String("account_id", scope.AccountID),
		zap.String("integration_instance_id", scope.IntegrationInstanceID),
		zap.Int("entities", len(batch.Entities)),
		zap.Int("relationships", len(batch.Relationships)))
	return nil
}

func (s *Store) applyEntities(ctx context.Context, tx pgx.Tx, scope schemas.Scope, ops []schemas.Operation, now time.Time) error {
	if len(ops) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, op := range ops {
		if op.Entity == nil || op.Entity.Key == "" {
			return fmt.Errorf("entity operation %d: %w", i, ErrInvalidOperation)
		}
		switch op.Kind {
		case schemas.OpCreate, schemas.OpUpdate:
			attrs, err := encodeMap(op.Entity.Attributes)
			if err != nil {
				return fmt.Errorf("failed to encode attributes of entity %s: %w", op.Key, err)
			}
			batch.Queue(sqlUpsertEntity, op.Entity.Key, op.Entity.Type, op.Entity.Class, scope.AccountID, scope.IntegrationInstanceID, attrs, now)
		case schemas.OpDelete:
			batch.Queue(sqlSoftDeleteEntity, op.Entity.Key, scope.AccountID, scope.IntegrationInstanceID, now)
		default:
			return fmt.Errorf("entity operation %d: %w: kind %s", i, ErrInvalidOperation, op.Kind)
		}
	}
	return s.sendBatch(ctx, tx, batch, ops, "entity")
}

func (s *Store) applyRelationships(ctx context.Context, tx pgx.Tx, scope schemas.Scope, ops []schemas.Operation, now time.Time) error {
	if len(ops) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, op := range ops {
		r := op.Relationship
		if r == nil || r.Key == "" {
			return fmt.Errorf("relationship operation %d: %w", i, ErrInvalidOperation)
		}
		switch op.Kind {
		case schemas.OpCreate, schemas.OpUpdate, schemas.OpCreateMappedRelationship:
			props, err := encodeMap(r.Properties)
			if err != nil {
				return fmt.Errorf("failed to encode properties of relationship %s: %w", op.Key, err)
			}
			batch.Queue(sqlUpsertRelationship, r.Key, r.Type, r.Class, r.FromKey, r.ToKey, scope.AccountID, scope.IntegrationInstanceID, props, now)
		case schemas.OpDelete:
			batch.Queue(sqlSoftDeleteRelationship, r.Key, scope.AccountID, scope.IntegrationInstanceID, now)
		default:
			return fmt.Errorf("relationship operation %d: %w: kind %s", i, ErrInvalidOperation, op.Kind)
		}
	}
	return s.sendBatch(ctx, tx, batch, ops, "relationship")
}

// sendBatch executes a queued batch. Upserts that touch no row hit a key owned
// by another scope; soft deletes of unknown keys are ignored.
func (s *Store) sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, ops []schemas.Operation, what string) error {
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i, op := range ops {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("failed to execute batch %s %s for %s (index %d): %w", what, op.Kind, op.Key, i, err)
		}
		if op.Kind != schemas.OpDelete && tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", what, op.Key, ErrScopeMismatch)
		}
	}
	return nil
}

// resolveMapped finds the entity matching the mapping's filter keys, inserting
// the carried target when none exists, and returns the relationship with its
// endpoints set.
func (s *Store) resolveMapped(ctx context.Context, tx pgx.Tx, scope schemas.Scope, op schemas.Operation, now time.Time) (schemas.Relationship, error) {
	if op.Relationship == nil || op.Relationship.Mapping == nil {
		return schemas.Relationship{}, ErrInvalidOperation
	}
	rel := *op.Relationship
	m := rel.Mapping

	filter := make(map[string]any, len(m.TargetFilterKeys))
	for _, fk := range m.TargetFilterKeys {
		filter[fk.Field] = fk.Value
	}
	match, err := encodeMap(filter)
	if err != nil {
		return rel, err
	}

	var targetKey string
	err = tx.QueryRow(ctx, sqlMatchEntity, m.TargetEntity.Type, match).Scan(&targetKey)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		attrs, err := encodeMap(m.TargetEntity.Attributes)
		if err != nil {
			return rel, err
		}
		if _, err := tx.Exec(ctx, sqlInsertMappedTarget, m.TargetEntity.Key, m.TargetEntity.Type, m.TargetEntity.Class, scope.AccountID, attrs, now); err != nil {
			return rel, fmt.Errorf("failed to insert mapped target %s: %w", m.TargetEntity.Key, err)
		}
		targetKey = m.TargetEntity.Key
	case err != nil:
		return rel, fmt.Errorf("failed to match mapped target: %w", err)
	}

	if m.Direction == schemas.DirectionReverse {
		rel.FromKey, rel.ToKey = targetKey, m.SourceKey
	} else {
		rel.FromKey, rel.ToKey = m.SourceKey, targetKey
	}
	rel.Mapping = nil
	return rel, nil
}

var operationLogColumns = []string{"op_key", "op_type", "kind", "account_id", "integration_instance_id", "applied_at"}

func (s *Store) logOperations(ctx context.Context, tx pgx.Tx, scope schemas.Scope, batch schemas.OperationBatch, now time.Time) error {
	total := batch.Len()
	if total == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, total)
	for _, ops := range [][]schemas.Operation{batch.Entities, batch.Relationships} {
		for _, op := range ops {
			rows = append(rows, []interface{}{op.Key, op.Type, string(op.Kind), scope.AccountID, scope.IntegrationInstanceID, now})
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"graph_operation_log"}, operationLogColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy operation log: %w", err)
	}
	if int(n) != total {
		return fmt.Errorf("mismatch in copied operation log count: expected %d, got %d", total, n)
	}
	return nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte, into *map[string]any) error {
	if len(raw) == 0 || string(raw) == "null" {
		*into = nil
		return nil
	}
	return json.Unmarshal(raw, into)
}
