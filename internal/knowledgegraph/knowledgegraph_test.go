// internal/knowledgegraph/knowledgegraph_test.go
package knowledgegraph

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/converters"
)

// -- Test Fixture Setup --
type kgTestFixture struct {
	Logger *zap.Logger
}

var globalFixture *kgTestFixture

func TestMain(m *testing.M) {
	logger := zap.NewNop()
	globalFixture = &kgTestFixture{Logger: logger}

	exitCode := m.Run()

	_ = globalFixture.Logger.Sync()
	os.Exit(exitCode)
}

var (
	scopeA = schemas.Scope{AccountID: "acct", IntegrationInstanceID: "inst-a"}
	scopeB = schemas.Scope{AccountID: "acct", IntegrationInstanceID: "inst-b"}
)

// -- Test Helper Functions --

func entity(key, typ string) schemas.Entity {
	return schemas.Entity{Key: key, Type: typ, Class: "Test", Attributes: map[string]any{"name": key}}
}

func op(kind schemas.OperationKind, e schemas.Entity) schemas.Operation {
	return schemas.Operation{Kind: kind, Type: e.Type, Key: e.Key, Entity: &e}
}

func relOp(kind schemas.OperationKind, r schemas.Relationship) schemas.Operation {
	return schemas.Operation{Kind: kind, Type: r.Type, Key: r.Key, Relationship: &r}
}

// getTestKG returns a store holding one service that identified one finding.
func getTestKG(t *testing.T) *InMemoryKG {
	t.Helper()

	kg, err := NewInMemoryKG(globalFixture.Logger)
	require.NoError(t, err, "Failed to create a new InMemoryKG")
	kg.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	service := entity("veracode-scan-static", schemas.TypeService)
	finding := entity("veracode-finding-abc", schemas.TypeFinding)
	batch := schemas.OperationBatch{
		Entities: []schemas.Operation{op(schemas.OpCreate, service), op(schemas.OpCreate, finding)},
		Relationships: []schemas.Operation{
			relOp(schemas.OpCreate, converters.ToServiceFindingRelationship(service, finding)),
		},
	}
	require.NoError(t, kg.Apply(context.Background(), scopeA, batch))
	return kg
}

// -- Test Cases --

func TestNewInMemoryKG(t *testing.T) {
	t.Parallel()

	t.Run("should not panic if nil logger is provided", func(t *testing.T) {
		t.Parallel()
		kg, err := NewInMemoryKG(nil)
		require.NoError(t, err)
		assert.NotNil(t, kg)
	})
}

func TestFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := getTestKG(t)

	t.Run("should filter by scope and type", func(t *testing.T) {
		t.Parallel()
		found, err := kg.FindEntities(ctx, schemas.Filter{AccountID: "acct", IntegrationInstanceID: "inst-a", Type: schemas.TypeFinding})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "veracode-finding-abc", found[0].Key)
		assert.Equal(t, scopeA, found[0].Scope)
		assert.False(t, found[0].UpdatedAt.IsZero())

		found, err = kg.FindEntities(ctx, schemas.Filter{AccountID: "acct", IntegrationInstanceID: "inst-b", Type: schemas.TypeFinding})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("should return relationships of one type", func(t *testing.T) {
		t.Parallel()
		found, err := kg.FindRelationships(ctx, schemas.Filter{AccountID: "acct", IntegrationInstanceID: "inst-a", Type: schemas.TypeServiceIdentified})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "veracode-scan-static|identified|veracode-finding-abc", found[0].Key)
	})

	t.Run("should honour a cancelled context", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := kg.FindEntities(cctx, schemas.Filter{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestApply_SoftDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := getTestKG(t)

	finding := entity("veracode-finding-abc", schemas.TypeFinding)
	require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
		Entities: []schemas.Operation{op(schemas.OpDelete, finding)},
		Relationships: []schemas.Operation{
			relOp(schemas.OpDelete, converters.ToServiceFindingRelationship(entity("veracode-scan-static", schemas.TypeService), finding)),
		},
	}))

	live, err := kg.FindEntities(ctx, schemas.Filter{AccountID: "acct", IntegrationInstanceID: "inst-a", Type: schemas.TypeFinding})
	require.NoError(t, err)
	assert.Empty(t, live)

	deleted, err := kg.FindEntities(ctx, schemas.Filter{AccountID: "acct", IntegrationInstanceID: "inst-a", Type: schemas.TypeFinding, Deleted: true})
	require.NoError(t, err)
	assert.Len(t, deleted, 1)

	edges, err := kg.GetEdges(ctx, "veracode-scan-static")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// Recreating the key revives it.
	require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{Entities: []schemas.Operation{op(schemas.OpCreate, finding)}}))
	got, err := kg.GetEntity(ctx, finding.Key)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestApply_IsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := getTestKG(t)

	batch := schemas.OperationBatch{
		Entities: []schemas.Operation{
			op(schemas.OpCreate, entity("veracode-finding-new", schemas.TypeFinding)),
			{Kind: schemas.OpCreate, Key: "broken"},
		},
	}
	err := kg.Apply(ctx, scopeA, batch)
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = kg.GetEntity(ctx, "veracode-finding-new")
	assert.ErrorIs(t, err, ErrNotFound, "a failed batch must leave no trace")
}

func TestApply_ScopeOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := getTestKG(t)

	err := kg.Apply(ctx, scopeB, schemas.OperationBatch{
		Entities: []schemas.Operation{op(schemas.OpUpdate, entity("veracode-finding-abc", schemas.TypeFinding))},
	})
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestApply_MappedRelationship(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	finding := entity("veracode-finding-abc", schemas.TypeFinding)
	weakness := converters.ToWeaknessEntity(schemas.CWEData{ID: "79", Name: "XSS"})
	exploits := converters.ToExploitsRelationship(finding, weakness)

	t.Run("should materialize the target when nothing matches", func(t *testing.T) {
		t.Parallel()
		kg := getTestKG(t)
		require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
			Relationships: []schemas.Operation{relOp(schemas.OpCreateMappedRelationship, exploits)},
		}))

		target, err := kg.GetEntity(ctx, "cwe-79")
		require.NoError(t, err)
		assert.Equal(t, schemas.Scope{AccountID: "acct"}, target.Scope)

		rel, err := kg.GetRelationship(ctx, exploits.Key)
		require.NoError(t, err)
		assert.Equal(t, "veracode-finding-abc", rel.FromKey)
		assert.Equal(t, "cwe-79", rel.ToKey)
		assert.Nil(t, rel.Mapping, "mapping hints are never stored")

		neighbors, err := kg.GetNeighbors(ctx, "veracode-finding-abc")
		require.NoError(t, err)
		require.Len(t, neighbors, 1)
		assert.Equal(t, "cwe-79", neighbors[0].Key)
	})

	t.Run("should attach to an existing entity matched by filter keys", func(t *testing.T) {
		t.Parallel()
		kg := getTestKG(t)
		existing := schemas.Entity{Key: "nvd-cwe-79", Type: schemas.TypeWeakness, Class: schemas.ClassWeakness, Attributes: map[string]any{"id": "79"}}
		require.NoError(t, kg.Apply(ctx, schemas.Scope{AccountID: "acct", IntegrationInstanceID: "nvd"}, schemas.OperationBatch{
			Entities: []schemas.Operation{op(schemas.OpCreate, existing)},
		}))

		require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
			Relationships: []schemas.Operation{relOp(schemas.OpCreateMappedRelationship, exploits)},
		}))

		rel, err := kg.GetRelationship(ctx, exploits.Key)
		require.NoError(t, err)
		assert.Equal(t, "nvd-cwe-79", rel.ToKey)
		_, err = kg.GetEntity(ctx, "cwe-79")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should materialize one target for a whole batch", func(t *testing.T) {
		t.Parallel()
		kg, err := NewInMemoryKG(nil)
		require.NoError(t, err)

		var batch schemas.OperationBatch
		for i := 0; i < 50; i++ {
			f := entity(fmt.Sprintf("veracode-finding-%02d", i), schemas.TypeFinding)
			batch.Entities = append(batch.Entities, op(schemas.OpCreate, f))
			batch.Relationships = append(batch.Relationships,
				relOp(schemas.OpCreateMappedRelationship, converters.ToExploitsRelationship(f, weakness)))
		}
		require.NoError(t, kg.Apply(ctx, scopeA, batch))

		targets, err := kg.FindEntities(ctx, schemas.Filter{AccountID: "acct", Type: schemas.TypeWeakness})
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "cwe-79", targets[0].Key)

		for _, o := range batch.Relationships {
			rel, err := kg.GetRelationship(ctx, o.Key)
			require.NoError(t, err)
			assert.Equal(t, "cwe-79", rel.ToKey)
		}
	})

	t.Run("should not match deleted entities", func(t *testing.T) {
		t.Parallel()
		kg := getTestKG(t)
		stale := schemas.Entity{Key: "old-cwe-79", Type: schemas.TypeWeakness, Attributes: map[string]any{"id": "79"}}
		require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
			Entities: []schemas.Operation{op(schemas.OpCreate, stale)},
		}))
		require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
			Entities:      []schemas.Operation{op(schemas.OpDelete, stale)},
			Relationships: []schemas.Operation{relOp(schemas.OpCreateMappedRelationship, exploits)},
		}))

		rel, err := kg.GetRelationship(ctx, exploits.Key)
		require.NoError(t, err)
		assert.Equal(t, "cwe-79", rel.ToKey)
	})

	t.Run("should fail when the source is missing", func(t *testing.T) {
		t.Parallel()
		kg, err := NewInMemoryKG(nil)
		require.NoError(t, err)
		err = kg.Apply(ctx, scopeA, schemas.OperationBatch{
			Relationships: []schemas.Operation{relOp(schemas.OpCreateMappedRelationship, exploits)},
		})
		assert.ErrorIs(t, err, ErrSourceNotFound)
	})
}

func TestGetEdges_MovedRelationship(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := getTestKG(t)

	other := entity("veracode-scan-dynamic", schemas.TypeService)
	moved := schemas.Relationship{
		Key:     "veracode-scan-static|identified|veracode-finding-abc",
		Type:    schemas.TypeServiceIdentified,
		FromKey: other.Key,
		ToKey:   "veracode-finding-abc",
	}
	require.NoError(t, kg.Apply(ctx, scopeA, schemas.OperationBatch{
		Entities:      []schemas.Operation{op(schemas.OpCreate, other)},
		Relationships: []schemas.Operation{relOp(schemas.OpUpdate, moved)},
	}))

	edges, err := kg.GetEdges(ctx, "veracode-scan-static")
	require.NoError(t, err)
	assert.Empty(t, edges, "old source should no longer list the edge")

	edges, err = kg.GetEdges(ctx, other.Key)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	_, err = kg.GetEdges(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrency(t *testing.T) {
	t.Parallel()
	kg, err := NewInMemoryKG(globalFixture.Logger)
	require.NoError(t, err)

	var wg sync.WaitGroup
	numRoutines := 50
	errChan := make(chan error, numRoutines)

	for i := 0; i < numRoutines; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			scope := schemas.Scope{AccountID: "acct", IntegrationInstanceID: fmt.Sprintf("inst-%d", i)}
			e := entity(fmt.Sprintf("veracode-finding-%d", i), schemas.TypeFinding)
			if err := kg.Apply(context.Background(), scope, schemas.OperationBatch{Entities: []schemas.Operation{op(schemas.OpCreate, e)}}); err != nil {
				errChan <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			_, _ = kg.FindEntities(context.Background(), schemas.Filter{AccountID: "acct", Type: schemas.TypeFinding})
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		require.NoError(t, err)
	}

	for i := 0; i < numRoutines; i++ {
		_, err := kg.GetEntity(context.Background(), fmt.Sprintf("veracode-finding-%d", i))
		require.NoError(t, err)
	}
}
