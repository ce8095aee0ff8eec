// Package aggregation folds live query events into an ordered map and cuts
// render windows out of it.
package aggregation

import (
	"github.com/google/btree"

	"github.com/i5heu/contentcache/pkg/model"
)

const btreeDegree = 32

// Entry is one document at its ordering key.
type Entry struct {
	Key int64
	Doc model.Document
}

func lessEntry(a, b Entry) bool { return a.Key < b.Key }

// UpdateMap orders documents by integer key. It is not safe for
// concurrent use; one fold chain owns it.
type UpdateMap struct {
	tree *btree.BTreeG[Entry]
}

func NewUpdateMap() *UpdateMap {
	return &UpdateMap{tree: btree.NewG[Entry](btreeDegree, lessEntry)}
}

// Upsert stores doc at key, replacing any previous document.
func (m *UpdateMap) Upsert(key int64, doc model.Document) {
	m.tree.ReplaceOrInsert(Entry{Key: key, Doc: doc})
}

// Delete removes key and reports whether it was present.
func (m *UpdateMap) Delete(key int64) bool {
	_, ok := m.tree.Delete(Entry{Key: key})
	return ok
}

func (m *UpdateMap) Has(key int64) bool {
	return m.tree.Has(Entry{Key: key})
}

func (m *UpdateMap) Get(key int64) (model.Document, bool) {
	e, ok := m.tree.Get(Entry{Key: key})
	return e.Doc, ok
}

func (m *UpdateMap) Len() int { return m.tree.Len() }

// Keys lists every key in ascending order.
func (m *UpdateMap) Keys() []int64 {
	keys := make([]int64, 0, m.tree.Len())
	m.tree.Ascend(func(e Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys
}

// Min and Max return the smallest and largest entry.
func (m *UpdateMap) Min() (Entry, bool) { return m.tree.Min() }

func (m *UpdateMap) Max() (Entry, bool) { return m.tree.Max() }

// Clear drops every entry.
func (m *UpdateMap) Clear() { m.tree.Clear(false) }

// Neighbors returns a view of the entries around key.
func (m *UpdateMap) Neighbors(key int64) Neighbors {
	n := Neighbors{m: m, key: key}
	if e, ok := m.tree.Get(Entry{Key: key}); ok {
		n.Exact = &e
	}
	return n
}

// Neighbors is the neighborhood of one key. Exact is set when the key
// itself is present.
type Neighbors struct {
	Exact *Entry

	m   *UpdateMap
	key int64
}

// Ascending returns up to limit entries with keys greater than the key,
// nearest first.
func (n Neighbors) Ascending(limit int) []Entry {
	var out []Entry
	if limit <= 0 {
		return out
	}
	n.m.tree.AscendGreaterOrEqual(Entry{Key: n.key}, func(e Entry) bool {
		if e.Key == n.key {
			return true
		}
		out = append(out, e)
		return len(out) < limit
	})
	return out
}

// Descending returns up to limit entries with keys less than the key,
// nearest first.
func (n Neighbors) Descending(limit int) []Entry {
	var out []Entry
	if limit <= 0 {
		return out
	}
	n.m.tree.DescendLessOrEqual(Entry{Key: n.key}, func(e Entry) bool {
		if e.Key == n.key {
			return true
		}
		out = append(out, e)
		return len(out) < limit
	})
	return out
}

// CountLess counts entries with keys below key.
func (m *UpdateMap) CountLess(key int64) int {
	n := 0
	m.tree.AscendLessThan(Entry{Key: key}, func(Entry) bool {
		n++
		return true
	})
	return n
}

// CountGreater counts entries with keys above key.
func (m *UpdateMap) CountGreater(key int64) int {
	n := 0
	m.tree.DescendGreaterThan(Entry{Key: key}, func(Entry) bool {
		n++
		return true
	})
	return n
}
