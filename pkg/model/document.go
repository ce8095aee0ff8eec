// Package model defines the cached document shape shared by every layer of
// the content cache: field names, identity derivation, ordering keys and the
// transformation between the server wire shape and the cached shape.
package model

import (
	"strings"
)

// Field names used by the cache layer. Everything else in a Document is
// server payload and passed through untouched.
const (
	FieldID           = "_id"
	FieldRev          = "_rev"
	FieldCachedAt     = "cached_at"
	FieldHid          = "hid"
	FieldElementIndex = "element_index"
	FieldParentURL    = "parent_url"
	FieldHistoryID    = "history_id"
	FieldIsDeleted    = "isDeleted"
	FieldVisible      = "visible"
	FieldContentType  = "history_content_type"
	FieldModelClass   = "model_class"
)

// ContentType values of FieldContentType.
const (
	ContentTypeDataset    = "dataset"
	ContentTypeCollection = "dataset_collection"
)

// Document is one cached item: a history content item or a collection
// element. Values are scalars, nested Documents/maps or slices.
type Document map[string]any

// ID returns the derived cache id or "" when unset.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the revision token assigned by the store.
func (d Document) Rev() string {
	s, _ := d[FieldRev].(string)
	return s
}

// Get resolves a dotted path ("object.state") against the document.
func (d Document) Get(path string) (any, bool) {
	if v, ok := d[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case Document:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy. Nested maps and slices are copied so the
// clone can be mutated without touching the original.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// WithoutCacheFields returns a copy stripped of the fields the store
// stamps on every write. Two documents with equal content compare equal
// after this.
func (d Document) WithoutCacheFields() Document {
	out := d.Clone()
	delete(out, FieldRev)
	delete(out, FieldCachedAt)
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
