package watcher

import (
	"github.com/i5heu/contentcache/pkg/aggregation"
	"github.com/i5heu/contentcache/pkg/livequery"
	"github.com/i5heu/contentcache/pkg/selector"
)

// session is the state of one scope and filter combination. It is owned
// by the watch goroutine.
type session struct {
	key    string
	req    Request
	base   selector.Selector
	state  State
	target int64
	chunk  int64

	lanes []*lane
	agg   *aggregation.Aggregator
	// seed collects events until every lane delivered its initial
	// results.
	seed []livequery.Event
}

// lane is one live query of a session.
type lane struct {
	monitor *livequery.Monitor
	queries *livequery.Latest
	seeded  bool
}

func newSession(cfg Config, req Request) *session {
	return &session{
		key:   req.sessionKey(),
		req:   req,
		base:  cfg.Selector(req.ScopeID, req.Filters),
		state: Uninitialized,
		agg:   aggregation.NewAggregator(aggregation.FieldKey(cfg.KeyField)),
	}
}

func (s *session) startLanes(cfg Config, queries []selector.Query) {
	mcfg := livequery.Config{
		Clock:    cfg.Clock,
		Coalesce: cfg.Coalesce,
		Logger:   cfg.Logger,
	}
	s.lanes = make([]*lane, 0, len(queries))
	for _, q := range queries {
		l := &lane{queries: livequery.NewLatest()}
		l.queries.Set(q)
		l.monitor = livequery.New(cfg.Source, l.queries.Chan(), mcfg)
		s.lanes = append(s.lanes, l)
	}
}

func (s *session) stopLanes() {
	for _, l := range s.lanes {
		_ = l.monitor.Stop()
	}
	s.lanes = nil
	s.seed = nil
}

func (s *session) seeded() bool {
	for _, l := range s.lanes {
		if !l.seeded {
			return false
		}
	}
	return true
}

// events returns the event channels of up to two lanes.
func (s *session) events() (first, second <-chan livequery.Event) {
	if len(s.lanes) > 0 {
		first = s.lanes[0].monitor.Events()
	}
	if len(s.lanes) > 1 {
		second = s.lanes[1].monitor.Events()
	}
	return first, second
}
