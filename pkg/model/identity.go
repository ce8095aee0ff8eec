package model

import (
	"fmt"
)

// keyPadding keeps lexicographic id order equal to numeric key order.
const keyPadding = 12

// BuildContentID derives the id of a history content item:
// {history_id}-{hid zero padded to 12 digits}.
func BuildContentID(props Document) (string, error) {
	historyID, err := requiredString(props, FieldHistoryID)
	if err != nil {
		return "", err
	}
	hid, err := requiredKey(props, FieldHid)
	if err != nil {
		return "", err
	}
	return joinID(historyID, hid), nil
}

// BuildCollectionID derives the id of a collection element:
// {parent_url}-{element_index zero padded to 12 digits}. parent_url is not
// part of the server payload and must be attached before calling this.
func BuildCollectionID(props Document) (string, error) {
	parentURL, err := requiredString(props, FieldParentURL)
	if err != nil {
		return "", err
	}
	idx, err := requiredKey(props, FieldElementIndex)
	if err != nil {
		return "", err
	}
	return joinID(parentURL, idx), nil
}

func joinID(scope string, key int64) string {
	return fmt.Sprintf("%s-%0*d", scope, keyPadding, key)
}

func requiredString(props Document, field string) (string, error) {
	v, ok := props[field]
	if !ok || v == nil {
		return "", missing(field)
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", missing(field)
		}
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		// numeric ids are tolerated, they stringify deterministically
		if k, err := ParseKey(v); err == nil {
			return fmt.Sprintf("%d", k), nil
		}
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("has unsupported type %T", v)}
	}
}

func requiredKey(props Document, field string) (int64, error) {
	v, ok := props[field]
	if !ok || v == nil {
		return 0, missing(field)
	}
	k, err := ParseKey(v)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: err.Error()}
	}
	if k < 0 {
		return 0, &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return k, nil
}
