package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBuildContentID(t *testing.T) {
	id, err := BuildContentID(Document{FieldHistoryID: "abc", FieldHid: 7})
	require.NoError(t, err)
	assert.Equal(t, "abc-000000000007", id)

	again, err := BuildContentID(Document{FieldHistoryID: "abc", FieldHid: float64(7), "name": "other"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestBuildCollectionID(t *testing.T) {
	id, err := BuildCollectionID(Document{
		FieldParentURL:    "/api/dataset_collections/f2db/contents/a1",
		FieldElementIndex: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/dataset_collections/f2db/contents/a1-000000000000", id)
}

func TestBuildIDMissingFields(t *testing.T) {
	_, err := BuildContentID(Document{FieldHid: 1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildContentID(Document{FieldHistoryID: "h"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, FieldHid, verr.Field)

	_, err = BuildCollectionID(Document{FieldElementIndex: 3})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildContentID(Document{FieldHistoryID: "h", FieldHid: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = BuildContentID(Document{FieldHistoryID: "h", FieldHid: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestContentIDOrderingMatchesNumericOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(0, 999_999_999_999).Draw(t, "a")
		b := rapid.Int64Range(0, 999_999_999_999).Draw(t, "b")
		idA, err := BuildContentID(Document{FieldHistoryID: "hist", FieldHid: a})
		if err != nil {
			t.Fatalf("build a: %v", err)
		}
		idB, err := BuildContentID(Document{FieldHistoryID: "hist", FieldHid: b})
		if err != nil {
			t.Fatalf("build b: %v", err)
		}
		if (a < b) != (idA < idB) {
			t.Fatalf("ordering mismatch: %d/%d -> %q/%q", a, b, idA, idB)
		}
	})
}

func TestIDOrderingAcrossMagnitudes(t *testing.T) {
	keys := []int64{9, 10, 99, 100, 999, 1000, 5000}
	for i := 1; i < len(keys); i++ {
		prev, _ := BuildCollectionID(Document{FieldParentURL: "p", FieldElementIndex: keys[i-1]})
		cur, _ := BuildCollectionID(Document{FieldParentURL: "p", FieldElementIndex: keys[i]})
		assert.Less(t, prev, cur, "ids for %d and %d", keys[i-1], keys[i])
	}
}

func TestParseKey(t *testing.T) {
	good := []struct {
		in   any
		want int64
	}{
		{int(4), 4},
		{int32(5), 5},
		{int64(6), 6},
		{uint16(7), 7},
		{float64(8), 8},
		{float32(9), 9},
		{json.Number("10"), 10},
		{" 11 ", 11},
		{float64(math.MinInt64), math.MinInt64},
		{math.Ldexp(1, 62), 1 << 62},
	}
	for _, tc := range good {
		got, err := ParseKey(tc.in)
		require.NoError(t, err, "%#v", tc.in)
		assert.Equal(t, tc.want, got)
	}

	bad := []any{nil, "", "abc", 1.5, math.NaN(), math.Inf(1), true, []any{1}, uint64(math.MaxUint64),
		float64(math.MaxInt64), math.Ldexp(1, 63), -math.Ldexp(1, 64)}
	for _, in := range bad {
		_, err := ParseKey(in)
		assert.ErrorIs(t, err, ErrKeyFormat, "%#v", in)
		var kerr *KeyFormatError
		assert.True(t, errors.As(err, &kerr))
	}
}

func TestKeyFromID(t *testing.T) {
	k, err := KeyFromID("abc-000000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), k)

	k, err = KeyFromID("/api/dataset-collections/x-y/contents-000000000003")
	require.NoError(t, err)
	assert.Equal(t, int64(3), k)

	for _, id := range []string{"", "noseparator", "abc-", "abc-xyz"} {
		_, err := KeyFromID(id)
		assert.ErrorIs(t, err, ErrKeyFormat, id)
	}
}

func TestKeyFromIDRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hid := rapid.Int64Range(0, 999_999_999_999).Draw(t, "hid")
		scope := rapid.StringMatching(`[a-z0-9/_-]{1,20}`).Draw(t, "scope")
		id, err := BuildContentID(Document{FieldHistoryID: scope, FieldHid: hid})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		got, err := KeyFromID(id)
		if err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		if got != hid {
			t.Fatalf("got %d, want %d", got, hid)
		}
	})
}

func TestPrepContent(t *testing.T) {
	wire := Document{
		"id":            "f2db41e1fa331b3e",
		FieldHistoryID:  "hist1",
		FieldHid:        12,
		"name":          "reads.fastq",
		wireDeleted:     true,
		FieldModelClass: "HistoryDatasetAssociation",
	}
	doc, err := PrepContent(wire)
	require.NoError(t, err)

	assert.Equal(t, "hist1-000000000012", doc.ID())
	assert.Equal(t, true, doc[FieldIsDeleted])
	assert.NotContains(t, doc, wireDeleted)
	assert.Equal(t, true, doc[FieldVisible])
	assert.Equal(t, ContentTypeDataset, doc[FieldContentType])
	assert.Equal(t, SchemaVersion, doc[FieldSchema])
	assert.Contains(t, wire, wireDeleted, "input must not be modified")
}

func TestPrepContentRequiresTypeDiscriminator(t *testing.T) {
	_, err := PrepContent(Document{FieldHistoryID: "h", FieldHid: 1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FieldContentType, verr.Field)

	_, err = PrepContent(Document{FieldHistoryID: "h", FieldHid: 1, FieldContentType: "library"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPrepCollectionElement(t *testing.T) {
	wire := Document{
		FieldElementIndex:    2,
		"element_identifier": "forward",
		"object": map[string]any{
			"id":          "abc",
			"state":       "ok",
			"model_class": "HistoryDatasetAssociation",
		},
	}
	doc, err := PrepCollectionElement("/api/dataset_collections/c1/contents/e1", wire)
	require.NoError(t, err)
	assert.Equal(t, "/api/dataset_collections/c1/contents/e1-000000000002", doc.ID())
	assert.Equal(t, "ok", doc["object_state"])
	assert.Equal(t, "abc", doc["object_id"])
	assert.NotContains(t, doc, "object")

	_, err = PrepCollectionElement("", wire)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = PrepCollectionElement("/p", Document{"element_identifier": "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWireRoundTrip(t *testing.T) {
	content := Document{
		FieldHistoryID:   "hist1",
		FieldHid:         3,
		wireDeleted:      false,
		FieldVisible:     false,
		FieldContentType: ContentTypeCollection,
		"name":           "pairs",
		"tags":           []any{"name:x"},
	}
	cached, err := PrepContent(content)
	require.NoError(t, err)
	cached[FieldRev] = "1-abc"
	cached[FieldCachedAt] = int64(1700000000000)
	assert.Equal(t, content, ToWire(cached))

	element := Document{
		FieldElementIndex:    0,
		"element_identifier": "a",
		wireDeleted:          false,
		FieldVisible:         true,
		"object":             map[string]any{"id": "x", "state": "queued"},
	}
	cachedEl, err := PrepCollectionElement("/parent", element)
	require.NoError(t, err)
	assert.Equal(t, element, ToWire(cachedEl))
}

func TestDocumentGetAndClone(t *testing.T) {
	doc := Document{
		"a":      1,
		"nested": map[string]any{"state": "ok", "deep": map[string]any{"x": 2}},
		"list":   []any{map[string]any{"k": "v"}},
	}
	v, ok := doc.Get("nested.state")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
	v, ok = doc.Get("nested.deep.x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = doc.Get("nested.missing")
	assert.False(t, ok)
	_, ok = doc.Get("a.b")
	assert.False(t, ok)

	clone := doc.Clone()
	clone["nested"].(map[string]any)["state"] = "changed"
	clone["list"].([]any)[0].(map[string]any)["k"] = "w"
	assert.Equal(t, "ok", doc["nested"].(map[string]any)["state"])
	assert.Equal(t, "v", doc["list"].([]any)[0].(map[string]any)["k"])
}

func TestWithoutCacheFields(t *testing.T) {
	doc := Document{FieldID: "x", FieldRev: "1-a", FieldCachedAt: 5, "name": "n"}
	stripped := doc.WithoutCacheFields()
	assert.Equal(t, Document{FieldID: "x", "name": "n"}, stripped)
	assert.Contains(t, doc, FieldRev)
}

func ExampleBuildContentID() {
	id, _ := BuildContentID(Document{FieldHistoryID: "f2db41e1", FieldHid: 42})
	fmt.Println(id)
	// Output: f2db41e1-000000000042
}
