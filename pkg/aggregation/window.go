package aggregation

import (
	"github.com/i5heu/contentcache/pkg/model"
)

// Direction is the display order of keys.
type Direction int

const (
	// Ascending shows small keys first (collection elements).
	Ascending Direction = iota
	// Descending shows large keys first (history contents).
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// Window is a slice of the map around a target key, in display order.
type Window struct {
	Contents  []model.Document
	Keys      []int64
	TargetKey int64
	// StartKey is the target itself when present, else the nearest key.
	StartKey int64
	// StartKeyIndex is the position of StartKey in Contents, -1 when the
	// map is empty.
	StartKeyIndex int
}

// BuildWindow takes up to pageSize entries before the target and up to
// 2*pageSize entries after it, in display order. Without an exact match
// the nearer neighbor becomes the start key; on a tie the one shown
// first wins. pageSize below 1 is treated as 1.
func BuildWindow(m *UpdateMap, targetKey int64, pageSize int, dir Direction) Window {
	if pageSize < 1 {
		pageSize = 1
	}
	w := Window{TargetKey: targetKey, StartKey: targetKey, StartKeyIndex: -1}
	if m == nil || m.Len() == 0 {
		return w
	}

	n := m.Neighbors(targetKey)
	var above, below []Entry // nearest first
	if dir == Descending {
		above = n.Ascending(pageSize)
		below = n.Descending(2 * pageSize)
	} else {
		above = n.Descending(pageSize)
		below = n.Ascending(2 * pageSize)
	}

	size := len(above) + len(below)
	if n.Exact != nil {
		size++
	}
	w.Contents = make([]model.Document, 0, size)
	w.Keys = make([]int64, 0, size)
	for i := len(above) - 1; i >= 0; i-- {
		w.add(above[i])
	}

	switch {
	case n.Exact != nil:
		w.StartKeyIndex = len(w.Contents)
		w.add(*n.Exact)
	case len(above) == 0:
		w.StartKeyIndex = 0
	case len(below) == 0:
		w.StartKeyIndex = len(above) - 1
	case distance(above[0].Key, targetKey) <= distance(below[0].Key, targetKey):
		w.StartKeyIndex = len(above) - 1
	default:
		w.StartKeyIndex = len(above)
	}

	for _, e := range below {
		w.add(e)
	}
	w.StartKey = w.Keys[w.StartKeyIndex]
	return w
}

func (w *Window) add(e Entry) {
	w.Contents = append(w.Contents, e.Doc)
	w.Keys = append(w.Keys, e.Key)
}

func distance(a, b int64) uint64 {
	if a > b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}
