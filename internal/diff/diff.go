// Package diff pairs previously persisted items with freshly computed ones by
// key and classifies each key as a create, update or delete.
package diff

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// ErrDuplicateKey is returned when either input list carries a key twice.
var ErrDuplicateKey = errors.New("duplicate key in diff input")

// ErrEmptyKey is returned for an item without a key.
var ErrEmptyKey = errors.New("empty key in diff input")

// Differ implements schemas.Differ. Keys present in both lists always produce
// an UPDATE, even when nothing changed.
type Differ struct {
	now func() time.Time
}

var _ schemas.Differ = (*Differ)(nil)

// Option configures a Differ.
type Option func(*Differ)

// WithClock overrides the clock used to stamp operations.
func WithClock(now func() time.Time) Option {
	return func(d *Differ) { d.now = now }
}

// New creates a Differ.
func New(opts ...Option) *Differ {
	d := &Differ{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiffEntities diffs entity lists.
func (d *Differ) DiffEntities(oldItems []schemas.Entity, newItems []schemas.Entity) ([]schemas.Operation, error) {
	ts := d.now().UnixMilli()
	return byKey(oldItems, newItems,
		func(e schemas.Entity) string { return e.Key },
		func(kind schemas.OperationKind, e schemas.Entity) schemas.Operation {
			e2 := e
			return schemas.Operation{Kind: kind, Type: e.Type, Key: e.Key, Entity: &e2, Timestamp: ts}
		})
}

// DiffRelationships diffs relationship lists.
func (d *Differ) DiffRelationships(oldItems []schemas.Relationship, newItems []schemas.Relationship) ([]schemas.Operation, error) {
	ts := d.now().UnixMilli()
	return byKey(oldItems, newItems,
		func(r schemas.Relationship) string { return r.Key },
		func(kind schemas.OperationKind, r schemas.Relationship) schemas.Operation {
			r2 := r
			return schemas.Operation{Kind: kind, Type: r.Type, Key: r.Key, Relationship: &r2, Timestamp: ts}
		})
}

// byKey emits deletes in old order, then creates and updates in new order.
func byKey[T any](oldItems, newItems []T, key func(T) string, op func(schemas.OperationKind, T) schemas.Operation) ([]schemas.Operation, error) {
	oldKeys, err := keySet(oldItems, key, "previous")
	if err != nil {
		return nil, err
	}
	newKeys, err := keySet(newItems, key, "desired")
	if err != nil {
		return nil, err
	}

	ops := make([]schemas.Operation, 0, len(oldItems)+len(newItems))
	for _, item := range oldItems {
		if _, kept := newKeys[key(item)]; !kept {
			ops = append(ops, op(schemas.OpDelete, item))
		}
	}
	for _, item := range newItems {
		if _, existed := oldKeys[key(item)]; existed {
			ops = append(ops, op(schemas.OpUpdate, item))
		} else {
			ops = append(ops, op(schemas.OpCreate, item))
		}
	}
	return ops, nil
}

func keySet[T any](items []T, key func(T) string, side string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(items))
	for i, item := range items {
		k := key(item)
		if k == "" {
			return nil, fmt.Errorf("%w: %s item at index %d", ErrEmptyKey, side, i)
		}
		if _, dup := set[k]; dup {
			return nil, fmt.Errorf("%w: %s key %q", ErrDuplicateKey, side, k)
		}
		set[k] = struct{}{}
	}
	return set, nil
}
