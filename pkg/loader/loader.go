// Package loader is the boundary to the server API. It caches the pages a
// Loader fetches and keeps the server side counts that the watcher needs
// to estimate rows outside its window.
package loader

import (
	"context"

	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/model"
)

// ServerStats are the counts the server reports with a page. MatchesUp
// counts matches shown before the target key, MatchesDown those at or
// after it.
type ServerStats struct {
	TotalMatches int `json:"total_matches" yaml:"total_matches"`
	MatchesUp    int `json:"matches_up" yaml:"matches_up"`
	MatchesDown  int `json:"matches_down" yaml:"matches_down"`
	// Changed is false when the server saw nothing new since the last
	// load. Pollers back off while it stays false.
	Changed bool `json:"changed" yaml:"changed"`
}

// WindowSpec asks the server for the rows around TargetKey.
type WindowSpec struct {
	TargetKey int64
	// Limit is the number of rows on each side.
	Limit int
	// Since restricts the result to items updated after this time
	// (unix milliseconds). Zero loads everything.
	Since int64
}

// Page is one server response in wire shape.
type Page struct {
	Items []model.Document
	Stats ServerStats
}

// Loader fetches pages from the server.
type Loader interface {
	LoadPage(ctx context.Context, scopeID string, p filters.Params, spec WindowSpec) (Page, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, scopeID string, p filters.Params, spec WindowSpec) (Page, error)

func (f LoaderFunc) LoadPage(ctx context.Context, scopeID string, p filters.Params, spec WindowSpec) (Page, error) {
	return f(ctx, scopeID, p, spec)
}
