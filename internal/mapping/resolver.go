// Package mapping emits relationships whose target lives in a partition this
// integration does not own. It never checks whether the target exists; the
// persistence layer matches or materializes it from the carried hint.
package mapping

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/converters"
)

// ErrWeaknessNotFound means a finding references a weakness id missing from the
// supplied catalog.
var ErrWeaknessNotFound = errors.New("weakness not found")

// WeaknessLookup is the precomputed weakness-by-id mapping supplied by the caller.
type WeaknessLookup interface {
	Get(id string) (schemas.Entity, error)
}

// Resolver builds EXPLOITS mapped relationships.
type Resolver struct {
	lookup WeaknessLookup
	logger *zap.Logger
}

// NewResolver creates a resolver over the given weakness lookup.
func NewResolver(lookup WeaknessLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, logger: logger.Named("mapping")}
}

// Resolve emits the EXPLOITS edge for one finding. The finding's "cwe"
// attribute names the weakness.
func (r *Resolver) Resolve(finding schemas.Entity) (schemas.Relationship, error) {
	id, _ := finding.Attr("cwe").(string)
	if id == "" {
		return schemas.Relationship{}, fmt.Errorf("%w: finding %s has no weakness id", ErrWeaknessNotFound, finding.Key)
	}
	weakness, err := r.lookup.Get(id)
	if err != nil {
		return schemas.Relationship{}, fmt.Errorf("%w: id %s for finding %s: %v", ErrWeaknessNotFound, id, finding.Key, err)
	}
	if wid, _ := weakness.Attr("id").(string); wid == "" {
		return schemas.Relationship{}, fmt.Errorf("%w: catalog entry %s has no id", ErrWeaknessNotFound, weakness.Key)
	}
	return converters.ToExploitsRelationship(finding, weakness), nil
}

// ResolveAll resolves every finding. Failures are isolated per finding and
// returned keyed by finding key.
func (r *Resolver) ResolveAll(findings []schemas.Entity) ([]schemas.Relationship, map[string]error) {
	rels := make([]schemas.Relationship, 0, len(findings))
	failed := make(map[string]error)
	for _, f := range findings {
		rel, err := r.Resolve(f)
		if err != nil {
			r.logger.Warn("Skipping mapped relationship.", zap.String("finding", f.Key), zap.Error(err))
			failed[f.Key] = err
			continue
		}
		rels = append(rels, rel)
	}
	return rels, failed
}
