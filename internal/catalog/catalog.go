// Package catalog holds the externally mastered weakness (CWE) entries a run
// links findings to.
package catalog

import (
	"errors"
	"sort"
	"sync"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/converters"
)

var (
	ErrNotFound      = errors.New("weakness not found in catalog")
	ErrAlreadyExists = errors.New("weakness already exists in catalog")
	ErrInvalidInput  = errors.New("weakness entity must have a key and an id attribute")
)

// Catalog is a concurrency-safe weakness store keyed by the external CWE id.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]schemas.Entity
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string]schemas.Entity)}
}

// FromFindings builds a catalog out of the weakness data embedded in findings.
// The first occurrence of an id wins; findings without a CWE id are ignored.
func FromFindings(findings []schemas.SourceFinding) *Catalog {
	c := New()
	for _, f := range findings {
		if f.CWE.ID == "" {
			continue
		}
		// Duplicates are expected across findings.
		_ = c.Add(converters.ToWeaknessEntity(f.CWE))
	}
	return c
}

func weaknessID(e schemas.Entity) (string, error) {
	id, _ := e.Attr("id").(string)
	if e.Key == "" || id == "" {
		return "", ErrInvalidInput
	}
	return id, nil
}

// Add inserts a weakness entity.
func (c *Catalog) Add(e schemas.Entity) error {
	id, err := weaknessID(e)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return ErrAlreadyExists
	}
	c.entries[id] = e
	return nil
}

// Get retrieves a weakness by its CWE id.
func (c *Catalog) Get(id string) (schemas.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return schemas.Entity{}, ErrNotFound
	}
	return e, nil
}

// Len returns the number of weaknesses.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// List returns all weaknesses sorted by key for deterministic output.
func (c *Catalog) List() []schemas.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]schemas.Entity, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key < list[j].Key
	})
	return list
}
