package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks documents that cannot be prepared for caching
	// because an identity deriving field is missing or malformed.
	ErrValidation = errors.New("model: invalid document")
	// ErrKeyFormat marks ordering keys that are not integers.
	ErrKeyFormat = errors.New("model: ordering key is not an integer")
)

// ValidationError reports the field that made a document unusable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model: invalid document: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// KeyFormatError carries the value that failed to parse as an ordering key.
type KeyFormatError struct {
	Value any
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("model: ordering key %#v is not an integer", e.Value)
}

func (e *KeyFormatError) Unwrap() error { return ErrKeyFormat }

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}
