package watcher

import (
	"github.com/i5heu/contentcache/pkg/aggregation"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/loader"
	"github.com/i5heu/contentcache/pkg/model"
)

// Request moves the watch to a scope, filter set and target key.
type Request struct {
	// ScopeID is the history id or the parent contents url.
	ScopeID   string
	Filters   filters.Params
	TargetKey int64
}

func (r Request) sessionKey() string {
	return r.ScopeID + "\x00" + r.Filters.Key()
}

// Payload is one render frame.
type Payload struct {
	Contents      []model.Document `json:"contents" yaml:"contents"`
	TargetKey     int64            `json:"targetKey" yaml:"targetKey"`
	StartKey      int64            `json:"startKey" yaml:"startKey"`
	StartKeyIndex int              `json:"startKeyIndex" yaml:"startKeyIndex"`
	// TopRows and BottomRows estimate the rows outside Contents.
	TopRows      int `json:"topRows" yaml:"topRows"`
	BottomRows   int `json:"bottomRows" yaml:"bottomRows"`
	TotalMatches int `json:"totalMatches" yaml:"totalMatches"`
}

// StatsSource reports what the server knows about a scope.
// *loader.Cacher implements it.
type StatsSource interface {
	Stats(scopeID string, p filters.Params) (loader.ServerStats, bool)
}

// ChunkKey floors key to a multiple of size. Targets in the same chunk
// share their monitors.
func ChunkKey(key int64, size int) int64 {
	if size <= 1 {
		return key
	}
	s := int64(size)
	q := key / s
	if key%s != 0 && key < 0 {
		q--
	}
	return q * s
}

// buildPayload turns a window into a frame. Server counts win over the
// local map, which only holds what has been loaded.
func buildPayload(m *aggregation.UpdateMap, w aggregation.Window, dir aggregation.Direction, stats loader.ServerStats, haveStats bool) Payload {
	p := Payload{
		Contents:      w.Contents,
		TargetKey:     w.TargetKey,
		StartKey:      w.StartKey,
		StartKeyIndex: w.StartKeyIndex,
	}
	if p.Contents == nil {
		p.Contents = []model.Document{}
	}

	if haveStats {
		start := w.StartKeyIndex
		if start < 0 {
			start = 0
		}
		p.TotalMatches = stats.TotalMatches
		p.TopRows = max(0, stats.MatchesUp-start)
		p.BottomRows = max(0, stats.MatchesDown-(len(w.Contents)-start))
		return p
	}

	p.TotalMatches = m.Len()
	if len(w.Keys) == 0 {
		return p
	}
	first, last := w.Keys[0], w.Keys[len(w.Keys)-1]
	if dir == aggregation.Descending {
		p.TopRows = m.CountGreater(first)
		p.BottomRows = m.CountLess(last)
	} else {
		p.TopRows = m.CountLess(first)
		p.BottomRows = m.CountGreater(last)
	}
	return p
}
