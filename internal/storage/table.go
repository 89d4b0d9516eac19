package storage

import (
	"maps"
	"slices"
)

// table is an in-memory record set keyed by K. Records are stored by value so
// callers never share mutable state with the table.
type table[K comparable, V any] struct {
	rows map[K]V
}

func newTable[K comparable, V any]() *table[K, V] {
	return &table[K, V]{rows: make(map[K]V)}
}

func (t *table[K, V]) clone() *table[K, V] {
	return &table[K, V]{rows: maps.Clone(t.rows)}
}

func (t *table[K, V]) get(k K) (*V, error) {
	v, ok := t.rows[k]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *table[K, V]) insert(k K, v V) error {
	if _, ok := t.rows[k]; ok {
		return ErrAlreadyExists
	}
	t.rows[k] = v
	return nil
}

func (t *table[K, V]) put(k K, v V) {
	t.rows[k] = v
}

func (t *table[K, V]) update(k K, v V) error {
	if _, ok := t.rows[k]; !ok {
		return ErrNotFound
	}
	t.rows[k] = v
	return nil
}

func (t *table[K, V]) delete(k K) bool {
	_, ok := t.rows[k]
	delete(t.rows, k)
	return ok
}

func (t *table[K, V]) deleteWhere(match func(V) bool) {
	maps.DeleteFunc(t.rows, func(_ K, v V) bool { return match(v) })
}

// find returns a record matching pred.
func (t *table[K, V]) find(pred func(V) bool) (*V, bool) {
	for _, v := range t.rows {
		if pred(v) {
			return &v, true
		}
	}
	return nil, false
}

// filter returns copies of the matching records sorted with cmp.
func (t *table[K, V]) filter(pred func(V) bool, cmp func(a, b *V) int) []*V {
	var out []*V
	for _, v := range t.rows {
		if pred == nil || pred(v) {
			out = append(out, &v)
		}
	}
	if cmp != nil {
		slices.SortFunc(out, cmp)
	}
	return out
}
