package docstore

import (
	"errors"
	"fmt"

	"github.com/i5heu/contentcache/pkg/selector"
)

var (
	// ErrQuery marks failed find or index operations.
	ErrQuery = errors.New("docstore: query failed")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
	// ErrInvalidID rejects empty and internal ids.
	ErrInvalidID = errors.New("docstore: invalid document id")
)

// QueryError carries the collection and query that failed.
type QueryError struct {
	Collection string
	Query      selector.Query
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("docstore: query on %s failed: %v", e.Collection, e.Err)
}

func (e *QueryError) Unwrap() []error { return []error{ErrQuery, e.Err} }
