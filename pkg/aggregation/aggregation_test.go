package aggregation

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/contentcache/pkg/livequery"
	"github.com/i5heu/contentcache/pkg/model"
)

var sampleKeys = []int64{1, 17, 41, 44, 50, 60, 61, 95, 100}

func hidDoc(hid int64) model.Document {
	return model.Document{
		model.FieldID:  fmt.Sprintf("h1-%012d", hid),
		model.FieldHid: hid,
	}
}

func mapOf(keys ...int64) *UpdateMap {
	m := NewUpdateMap()
	for _, k := range keys {
		m.Upsert(k, hidDoc(k))
	}
	return m
}

func TestUpdateMap(t *testing.T) {
	m := mapOf(50, 1, 100)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []int64{1, 50, 100}, m.Keys())
	assert.True(t, m.Has(50))
	assert.False(t, m.Has(51))

	m.Upsert(50, model.Document{"name": "replaced"})
	doc, ok := m.Get(50)
	require.True(t, ok)
	assert.Equal(t, "replaced", doc["name"])
	assert.Equal(t, 3, m.Len())

	min, ok := m.Min()
	require.True(t, ok)
	assert.EqualValues(t, 1, min.Key)
	max, ok := m.Max()
	require.True(t, ok)
	assert.EqualValues(t, 100, max.Key)

	assert.True(t, m.Delete(1))
	assert.False(t, m.Delete(1))
	assert.Equal(t, []int64{50, 100}, m.Keys())

	m.Clear()
	assert.Zero(t, m.Len())
}

func TestNeighbors(t *testing.T) {
	m := mapOf(sampleKeys...)

	n := m.Neighbors(60)
	require.NotNil(t, n.Exact)
	assert.EqualValues(t, 60, n.Exact.Key)
	assert.Equal(t, []int64{61, 95, 100}, keysOf(n.Ascending(5)))
	assert.Equal(t, []int64{50, 44}, keysOf(n.Descending(2)))

	n = m.Neighbors(55)
	assert.Nil(t, n.Exact)
	assert.Equal(t, []int64{60}, keysOf(n.Ascending(1)))
	assert.Equal(t, []int64{50}, keysOf(n.Descending(1)))
	assert.Empty(t, n.Ascending(0))

	assert.Empty(t, m.Neighbors(100).Ascending(3))
	assert.Empty(t, m.Neighbors(1).Descending(3))
}

func keysOf(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestWindowExactMatch(t *testing.T) { // PA
	w := BuildWindow(mapOf(sampleKeys...), 60, 2, Descending)
	assert.EqualValues(t, 60, w.StartKey)
	assert.Equal(t, 2, w.StartKeyIndex)
	assert.Equal(t, []int64{95, 61, 60, 50, 44, 41, 17}, w.Keys)
	require.Len(t, w.Contents, 7)
	assert.EqualValues(t, 95, w.Contents[0][model.FieldHid])

	w = BuildWindow(mapOf(sampleKeys...), 44, 2, Ascending)
	assert.EqualValues(t, 44, w.StartKey)
	assert.Equal(t, 2, w.StartKeyIndex)
	assert.Equal(t, []int64{17, 41, 44, 50, 60, 61, 95}, w.Keys)
}

func TestWindowBeyondExtremes(t *testing.T) {
	m := mapOf(sampleKeys...)

	w := BuildWindow(m, 200, 2, Descending)
	assert.EqualValues(t, 100, w.StartKey)
	assert.Equal(t, 0, w.StartKeyIndex)
	assert.Equal(t, []int64{100, 95, 61, 60}, w.Keys)
	assert.EqualValues(t, 200, w.TargetKey)

	w = BuildWindow(m, -5, 2, Descending)
	assert.EqualValues(t, 1, w.StartKey)
	assert.Equal(t, 1, w.StartKeyIndex)
	assert.Equal(t, []int64{17, 1}, w.Keys)

	w = BuildWindow(m, 0, 2, Ascending)
	assert.EqualValues(t, 1, w.StartKey)
	assert.Equal(t, 0, w.StartKeyIndex)
	assert.Equal(t, []int64{1, 17, 41, 44}, w.Keys)

	w = BuildWindow(m, 1000, 2, Ascending)
	assert.EqualValues(t, 100, w.StartKey)
	assert.Equal(t, 1, w.StartKeyIndex)
	assert.Equal(t, []int64{95, 100}, w.Keys)
}

func TestWindowMissingKey(t *testing.T) {
	m := mapOf(sampleKeys...)

	// 58 is nearer to 60 than to 50
	w := BuildWindow(m, 58, 2, Descending)
	assert.EqualValues(t, 60, w.StartKey)
	assert.Equal(t, 1, w.StartKeyIndex)
	assert.Equal(t, []int64{61, 60, 50, 44, 41, 17}, w.Keys)

	// 52 is nearer to 50
	w = BuildWindow(m, 52, 2, Descending)
	assert.EqualValues(t, 50, w.StartKey)
	assert.Equal(t, 2, w.StartKeyIndex)

	// equidistant: the entry shown first wins
	w = BuildWindow(m, 55, 2, Descending)
	assert.EqualValues(t, 60, w.StartKey)
	w = BuildWindow(m, 55, 2, Ascending)
	assert.EqualValues(t, 50, w.StartKey)
	assert.Equal(t, []int64{44, 50, 60, 61, 95, 100}, w.Keys)
}

func TestWindowEmptyMap(t *testing.T) {
	w := BuildWindow(NewUpdateMap(), 7, 3, Descending)
	assert.Equal(t, -1, w.StartKeyIndex)
	assert.EqualValues(t, 7, w.StartKey)
	assert.Empty(t, w.Contents)

	w = BuildWindow(nil, 7, 3, Descending)
	assert.Equal(t, -1, w.StartKeyIndex)
}

func TestWindowProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.Int64Range(-1000, 1000), 0, 60, rapid.ID[int64]).Draw(t, "keys")
		target := rapid.Int64Range(-1100, 1100).Draw(t, "target")
		pageSize := rapid.IntRange(1, 10).Draw(t, "pageSize")
		dir := Direction(rapid.IntRange(0, 1).Draw(t, "dir"))

		w := BuildWindow(mapOf(keys...), target, pageSize, dir)

		if len(keys) == 0 {
			if w.StartKeyIndex != -1 || len(w.Contents) != 0 {
				t.Fatalf("empty map gave %+v", w)
			}
			return
		}
		if len(w.Keys) != len(w.Contents) || len(w.Keys) > 3*pageSize+1 {
			t.Fatalf("bad window size %d for page %d", len(w.Keys), pageSize)
		}
		ordered := sort.SliceIsSorted(w.Keys, func(i, j int) bool {
			if dir == Descending {
				return w.Keys[i] > w.Keys[j]
			}
			return w.Keys[i] < w.Keys[j]
		})
		if !ordered {
			t.Fatalf("keys out of %s order: %v", dir, w.Keys)
		}
		if w.StartKeyIndex < 0 || w.StartKeyIndex >= len(w.Keys) || w.Keys[w.StartKeyIndex] != w.StartKey {
			t.Fatalf("start %d at %d not in %v", w.StartKey, w.StartKeyIndex, w.Keys)
		}

		best := distance(keys[0], target)
		exact := false
		for _, k := range keys {
			if d := distance(k, target); d < best {
				best = d
			}
			exact = exact || k == target
		}
		if distance(w.StartKey, target) != best {
			t.Fatalf("start %d is not nearest to %d", w.StartKey, target)
		}
		if exact && w.StartKey != target {
			t.Fatalf("exact %d missed", target)
		}

		before, after := 0, 0
		for _, k := range w.Keys {
			isBefore := k > target
			if dir == Ascending {
				isBefore = k < target
			}
			switch {
			case k == target:
			case isBefore:
				before++
			default:
				after++
			}
		}
		if before > pageSize || after > 2*pageSize {
			t.Fatalf("window %v exceeds pages around %d", w.Keys, target)
		}
	})
}

func TestFieldKey(t *testing.T) {
	key := FieldKey(model.FieldHid)

	k, err := key(model.Document{model.FieldHid: 12.0})
	require.NoError(t, err)
	assert.EqualValues(t, 12, k)

	_, err = key(model.Document{})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = key(model.Document{model.FieldHid: "twelve"})
	assert.ErrorIs(t, err, model.ErrKeyFormat)
	assert.False(t, errors.Is(err, ErrMissingKey))

	nested := FieldKey("object.index")
	k, err = nested(model.Document{"object": map[string]any{"index": 3}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, k)
}

func TestFold(t *testing.T) { // A
	a := NewAggregator(FieldKey(model.FieldHid))

	require.NoError(t, a.Fold(livequery.Event{
		Action:         livequery.Initial,
		InitialMatches: []model.Document{hidDoc(1), hidDoc(2), hidDoc(3)},
	}))
	assert.Equal(t, []int64{1, 2, 3}, a.Map.Keys())

	require.NoError(t, a.Fold(livequery.Event{Action: livequery.Add, Doc: hidDoc(4)}))
	updated := hidDoc(2)
	updated["name"] = "x"
	require.NoError(t, a.Fold(livequery.Event{Action: livequery.Update, Doc: updated}))
	doc, _ := a.Map.Get(2)
	assert.Equal(t, "x", doc["name"])

	require.NoError(t, a.Fold(livequery.Event{Action: livequery.Remove, Doc: hidDoc(1)}))
	assert.Equal(t, []int64{2, 3, 4}, a.Map.Keys())

	err := a.Fold(livequery.Event{Action: livequery.Add, Doc: model.Document{model.FieldHid: 1.5}})
	assert.ErrorIs(t, err, model.ErrKeyFormat)

	err = a.Fold(livequery.Event{Action: "BOGUS"})
	assert.Error(t, err)
}

func TestFoldRemoveByID(t *testing.T) {
	a := NewAggregator(FieldKey(model.FieldHid))
	a.Map.Upsert(7, hidDoc(7))

	err := a.Fold(livequery.Event{Action: livequery.Remove, Doc: model.Document{model.FieldID: "h1-000000000007"}})
	require.NoError(t, err)
	assert.False(t, a.Map.Has(7))

	err = a.Fold(livequery.Event{Action: livequery.Remove, Doc: model.Document{model.FieldID: "no-key-here"}})
	assert.ErrorIs(t, err, ErrMissingKey)

	err = a.Fold(livequery.Event{Action: livequery.Remove})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestFoldInitialFailsFast(t *testing.T) {
	a := NewAggregator(FieldKey(model.FieldHid))
	err := a.Fold(livequery.Event{
		Action:         livequery.Initial,
		InitialMatches: []model.Document{hidDoc(1), {model.FieldID: "x", model.FieldHid: "NaN"}},
	})
	assert.ErrorIs(t, err, model.ErrKeyFormat)
}
