package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/catalog"
	"github.com/xkilldash9x/scangraph/internal/converters"
)

func findingWithCWE(guid, cweID string) schemas.Entity {
	return schemas.Entity{
		Key:        converters.FindingKey(guid),
		Type:       schemas.TypeFinding,
		Class:      schemas.ClassFinding,
		Attributes: map[string]any{"cwe": cweID},
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	require.NoError(t, c.Add(converters.ToWeaknessEntity(schemas.CWEData{ID: "89", Name: "SQL Injection"})))
	return c
}

func TestResolve(t *testing.T) {
	r := NewResolver(testCatalog(t), zaptest.NewLogger(t))

	t.Run("should build a complete mapped hint", func(t *testing.T) {
		rel, err := r.Resolve(findingWithCWE("abc", "89"))
		require.NoError(t, err)

		require.Equal(t, schemas.RelationshipMapped, rel.Kind())
		assert.Equal(t, schemas.ClassExploits, rel.Class)
		assert.Equal(t, schemas.TypeFindingExploitsWeakness, rel.Type)
		require.NotEmpty(t, rel.Mapping.TargetFilterKeys)
		assert.Equal(t, "id", rel.Mapping.TargetFilterKeys[0].Field)
		assert.Equal(t, "89", rel.Mapping.TargetFilterKeys[0].Value)
		assert.Equal(t, "cwe-89", rel.Mapping.TargetEntity.Key)
		assert.Equal(t, "SQL Injection", rel.Mapping.TargetEntity.Attr("name"))
	})

	t.Run("should report a catalog miss", func(t *testing.T) {
		_, err := r.Resolve(findingWithCWE("abc", "1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWeaknessNotFound)
	})

	t.Run("should report a finding without weakness id", func(t *testing.T) {
		_, err := r.Resolve(findingWithCWE("abc", ""))
		assert.ErrorIs(t, err, ErrWeaknessNotFound)
	})
}

func TestResolveAll(t *testing.T) {
	r := NewResolver(testCatalog(t), nil)
	findings := []schemas.Entity{
		findingWithCWE("a", "89"),
		findingWithCWE("b", "404"),
		findingWithCWE("c", "89"),
	}

	rels, failed := r.ResolveAll(findings)
	assert.Len(t, rels, 2, "one miss must not stop the others")
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[converters.FindingKey("b")], ErrWeaknessNotFound)
	for _, rel := range rels {
		assert.NotNil(t, rel.Mapping)
		assert.NotEmpty(t, rel.Mapping.TargetFilterKeys)
	}
}
