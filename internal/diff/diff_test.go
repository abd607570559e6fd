package diff

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

var fixedClock = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func ent(key string) schemas.Entity {
	return schemas.Entity{Key: key, Type: schemas.TypeFinding, Class: schemas.ClassFinding}
}

func kindsByKey(ops []schemas.Operation) map[string]schemas.OperationKind {
	out := make(map[string]schemas.OperationKind, len(ops))
	for _, op := range ops {
		out[op.Key] = op.Kind
	}
	return out
}

func TestDiffEntities(t *testing.T) {
	d := New(WithClock(fixedClock))

	t.Run("should classify keys into create, update and delete", func(t *testing.T) {
		old := []schemas.Entity{ent("a"), ent("b"), ent("c")}
		desired := []schemas.Entity{ent("b"), ent("d"), ent("c")}

		ops, err := d.DiffEntities(old, desired)
		require.NoError(t, err)

		want := []string{"DELETE a", "UPDATE b", "CREATE d", "UPDATE c"}
		got := make([]string, 0, len(ops))
		for _, op := range ops {
			got = append(got, fmt.Sprintf("%s %s", op.Kind, op.Key))
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("operation order mismatch (-want +got):\n%s", diff)
		}
		for _, op := range ops {
			assert.Equal(t, fixedClock().UnixMilli(), op.Timestamp)
			require.NotNil(t, op.Entity)
			assert.Equal(t, schemas.TypeFinding, op.Type)
		}
	})

	t.Run("should update unchanged items", func(t *testing.T) {
		items := []schemas.Entity{ent("a"), ent("b")}
		ops, err := d.DiffEntities(items, items)
		require.NoError(t, err)
		assert.Equal(t, map[string]schemas.OperationKind{"a": schemas.OpUpdate, "b": schemas.OpUpdate}, kindsByKey(ops))
	})

	t.Run("should handle first runs and full removals", func(t *testing.T) {
		ops, err := d.DiffEntities(nil, []schemas.Entity{ent("a")})
		require.NoError(t, err)
		assert.Equal(t, schemas.OpCreate, ops[0].Kind)

		ops, err = d.DiffEntities([]schemas.Entity{ent("a")}, nil)
		require.NoError(t, err)
		assert.Equal(t, schemas.OpDelete, ops[0].Kind)

		ops, err = d.DiffEntities(nil, nil)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("should reject duplicate and empty keys", func(t *testing.T) {
		_, err := d.DiffEntities(nil, []schemas.Entity{ent("a"), ent("a")})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		_, err = d.DiffEntities([]schemas.Entity{ent("")}, nil)
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("should not alias caller items", func(t *testing.T) {
		desired := []schemas.Entity{ent("a")}
		ops, err := d.DiffEntities(nil, desired)
		require.NoError(t, err)
		ops[0].Entity.Key = "mutated"
		assert.Equal(t, "a", desired[0].Key)
	})
}

func TestDiffRelationships(t *testing.T) {
	d := New(WithClock(fixedClock))
	rel := func(k string) schemas.Relationship {
		return schemas.Relationship{Key: k, Type: schemas.TypeAccountHasService, FromKey: "x", ToKey: "y"}
	}

	ops, err := d.DiffRelationships([]schemas.Relationship{rel("r1")}, []schemas.Relationship{rel("r1"), rel("r2")})
	require.NoError(t, err)
	assert.Equal(t, map[string]schemas.OperationKind{"r1": schemas.OpUpdate, "r2": schemas.OpCreate}, kindsByKey(ops))
	for _, op := range ops {
		assert.NotNil(t, op.Relationship)
		assert.Nil(t, op.Entity)
	}
}

// TestDiff_SetProperties checks creates = N\P, deletes = P\N, updates = P∩N over
// random key sets, with every key in exactly one operation.
func TestDiff_SetProperties(t *testing.T) {
	d := New()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		prev := map[string]bool{}
		next := map[string]bool{}
		var old, desired []schemas.Entity
		for i := 0; i < 40; i++ {
			k := fmt.Sprintf("k%d", i)
			if rng.Intn(2) == 0 {
				prev[k] = true
				old = append(old, ent(k))
			}
			if rng.Intn(2) == 0 {
				next[k] = true
				desired = append(desired, ent(k))
			}
		}

		ops, err := d.DiffEntities(old, desired)
		require.NoError(t, err)

		seen := map[string]int{}
		for _, op := range ops {
			seen[op.Key]++
			switch op.Kind {
			case schemas.OpCreate:
				assert.True(t, next[op.Key] && !prev[op.Key])
			case schemas.OpDelete:
				assert.True(t, prev[op.Key] && !next[op.Key])
			case schemas.OpUpdate:
				assert.True(t, prev[op.Key] && next[op.Key])
			default:
				t.Fatalf("unexpected kind %s", op.Kind)
			}
		}
		for k, n := range seen {
			require.Equal(t, 1, n, "key %s appeared in more than one operation", k)
		}
		union := map[string]bool{}
		for k := range prev {
			union[k] = true
		}
		for k := range next {
			union[k] = true
		}
		assert.Len(t, seen, len(union))
	}
}
