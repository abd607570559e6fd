package aggregate

import (
	"sort"
	"strings"
)

// NormalizeToken trims and lower-cases a dedup token so "STATIC", "static" and
// " Static " collapse to one entry.
func NormalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Index is a first-seen-wins mapping from a normalized token to a value built
// during one run. Conflicting later values are never merged.
type Index[T any] struct {
	items map[string]T
	order []string
}

// NewIndex creates an empty index.
func NewIndex[T any]() *Index[T] {
	return &Index[T]{items: make(map[string]T)}
}

// GetOrAdd returns the value stored under token. When absent, build is called
// with the normalized token, its result stored, and created is true.
func (ix *Index[T]) GetOrAdd(token string, build func(normalized string) T) (value T, created bool) {
	norm := NormalizeToken(token)
	if v, ok := ix.items[norm]; ok {
		return v, false
	}
	v := build(norm)
	ix.items[norm] = v
	ix.order = append(ix.order, norm)
	return v, true
}

// Get looks up a token without inserting.
func (ix *Index[T]) Get(token string) (T, bool) {
	v, ok := ix.items[NormalizeToken(token)]
	return v, ok
}

// Len returns the number of distinct tokens.
func (ix *Index[T]) Len() int { return len(ix.order) }

// Values returns the stored values in first-insertion order.
func (ix *Index[T]) Values() []T {
	out := make([]T, 0, len(ix.order))
	for _, k := range ix.order {
		out = append(out, ix.items[k])
	}
	return out
}

// Keys returns the normalized tokens sorted, independent of insertion order.
func (ix *Index[T]) Keys() []string {
	keys := make([]string, len(ix.order))
	copy(keys, ix.order)
	sort.Strings(keys)
	return keys
}
