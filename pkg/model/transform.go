package model

import (
	"strings"
)

// SchemaVersion identifies the wire->cache mapping below. Bump it whenever
// a rename, flattening rule or default changes.
const SchemaVersion = 1

// FieldSchema records SchemaVersion on every prepared document.
const FieldSchema = "cache_schema"

const (
	wireDeleted = "deleted"
	wireObject  = "object"

	objectPrefix = "object_"
)

// model_class values that imply a history_content_type.
var modelClassContentTypes = map[string]string{
	"HistoryDatasetAssociation":           ContentTypeDataset,
	"HistoryDatasetCollectionAssociation": ContentTypeCollection,
}

// defaults applied when the server omits the field.
var cachedDefaults = map[string]any{
	FieldVisible:   true,
	FieldIsDeleted: false,
}

// cacheOnlyFields never travel back to the wire shape.
var cacheOnlyFields = []string{FieldID, FieldRev, FieldCachedAt, FieldParentURL, FieldSchema}

// PrepContent turns a history content item as returned by the server into
// its cached shape and derives its id. The input is not modified.
func PrepContent(wire Document) (Document, error) {
	doc := toCached(wire)

	if _, ok := doc[FieldContentType]; !ok {
		mc, _ := doc[FieldModelClass].(string)
		ct, known := modelClassContentTypes[mc]
		if !known {
			return nil, missing(FieldContentType)
		}
		doc[FieldContentType] = ct
	}
	switch doc[FieldContentType] {
	case ContentTypeDataset, ContentTypeCollection:
	default:
		return nil, &ValidationError{Field: FieldContentType, Reason: "must be dataset or dataset_collection"}
	}

	id, err := BuildContentID(doc)
	if err != nil {
		return nil, err
	}
	doc[FieldID] = id
	return doc, nil
}

// PrepCollectionElement turns a collection element into its cached shape.
// parentURL scopes the element to its parent's contents url and becomes
// part of the id.
func PrepCollectionElement(parentURL string, wire Document) (Document, error) {
	if parentURL == "" {
		return nil, missing(FieldParentURL)
	}
	doc := toCached(wire)
	doc[FieldParentURL] = parentURL

	id, err := BuildCollectionID(doc)
	if err != nil {
		return nil, err
	}
	doc[FieldID] = id
	return doc, nil
}

// ToWire is the inverse of PrepContent / PrepCollectionElement: it drops
// cache-only fields, restores deleted and re-nests object_ fields.
func ToWire(cached Document) Document {
	out := make(Document, len(cached))
	var object Document
	for k, v := range cached {
		switch {
		case k == FieldIsDeleted:
			out[wireDeleted] = cloneValue(v)
		case strings.HasPrefix(k, objectPrefix):
			if object == nil {
				object = Document{}
			}
			object[strings.TrimPrefix(k, objectPrefix)] = cloneValue(v)
		default:
			out[k] = cloneValue(v)
		}
	}
	for _, f := range cacheOnlyFields {
		delete(out, f)
	}
	if object != nil {
		out[wireObject] = map[string]any(object)
	}
	return out
}

func toCached(wire Document) Document {
	doc := make(Document, len(wire)+4)
	for k, v := range wire {
		switch k {
		case wireDeleted:
			doc[FieldIsDeleted] = cloneValue(v)
		case wireObject:
			flattenObject(doc, v)
		default:
			doc[k] = cloneValue(v)
		}
	}
	for k, v := range cachedDefaults {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	doc[FieldSchema] = SchemaVersion
	return doc
}

func flattenObject(doc Document, v any) {
	var m map[string]any
	switch t := v.(type) {
	case Document:
		m = t
	case map[string]any:
		m = t
	case nil:
		return
	default:
		// scalar object payloads are kept as-is
		doc[wireObject] = v
		return
	}
	for k, inner := range m {
		doc[objectPrefix+k] = cloneValue(inner)
	}
}
