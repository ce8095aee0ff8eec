// Package watcher turns a stream of scroll positions into render frames.
//
// A Watch reads Requests. Each scope and filter combination is a session
// with its own ordered map. The target key is chunked; every chunk gets
// one live query above and one below it (or a single ranged one), whose
// first results are merged into one initial frame. Later changes are
// folded into the map and emitted, debounced, as Payloads.
//
//	w := watcher.New(watcher.Config{Source: contents, Selector: filters.ContentSelector, KeyField: "hid", Direction: aggregation.Descending})
//	watch := w.Watch(requests)
//	defer watch.Stop()
//	for p := range watch.Payloads() {
//		render(p)
//	}
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/internal/debounce"
	"github.com/i5heu/contentcache/pkg/aggregation"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/livequery"
	"github.com/i5heu/contentcache/pkg/loader"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/selector"
)

const defaultPageSize = 50

var errMonitorStopped = errors.New("watcher: live query stopped")

// State of the active session.
type State int32

const (
	Uninitialized State = iota
	Seeding
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Seeding:
		return "seeding"
	case Live:
		return "live"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	Source livequery.Source
	// Selector scopes queries to one history or parent.
	Selector func(scopeID string, p filters.Params) selector.Selector
	// KeyField is the ordering field, "hid" or "element_index".
	KeyField  string
	Direction aggregation.Direction
	PageSize  int
	// ChunkSize defaults to twice the page size.
	ChunkSize int
	// QueryLimit caps each directional query. It defaults to the chunk
	// size plus two pages.
	QueryLimit int
	// Bidirectional runs one query on each side of the chunk. Otherwise
	// one unlimited query covers the chunk and QueryLimit keys around it.
	Bidirectional bool
	QueryDebounce time.Duration
	EmitDebounce  time.Duration
	// Coalesce is passed to the live queries.
	Coalesce time.Duration
	Stats    StatsSource
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.PageSize < 1 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 2 * cfg.PageSize
	}
	if cfg.QueryLimit < 1 {
		cfg.QueryLimit = cfg.ChunkSize + 2*cfg.PageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Logger
	}
}

func (cfg Config) Validate() error {
	if cfg.Source == nil {
		return errors.New("watcher: source is required")
	}
	if cfg.Selector == nil {
		return errors.New("watcher: selector builder is required")
	}
	if cfg.KeyField == "" {
		return errors.New("watcher: key field is required")
	}
	return nil
}

// Watcher creates watches sharing one configuration.
type Watcher struct {
	cfg Config
}

func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &Watcher{cfg: cfg}, nil
}

// Watch starts a watch reading requests until it is stopped. A closed
// requests channel keeps the last request running.
func (w *Watcher) Watch(requests <-chan Request) *Watch {
	wa := &Watch{
		cfg:      w.cfg,
		log:      w.cfg.Logger,
		requests: requests,
		out:      make(chan Payload, 1),
	}
	wa.tomb.Go(wa.loop)
	return wa
}

// Watch is one running watch.
type Watch struct {
	tomb     tomb.Tomb
	cfg      Config
	log      *slog.Logger
	requests <-chan Request
	out      chan Payload
	state    atomic.Int32

	session     *session
	pending     *Request
	emitPending bool
}

// Payloads delivers frames. Only the newest unread frame is kept. The
// channel is closed when the watch stops.
func (wa *Watch) Payloads() <-chan Payload { return wa.out }

func (wa *Watch) Kill() { wa.tomb.Kill(nil) }

func (wa *Watch) Wait() error { return wa.tomb.Wait() }

func (wa *Watch) Stop() error {
	wa.Kill()
	return wa.Wait()
}

func (wa *Watch) Err() error { return wa.tomb.Err() }

func (wa *Watch) Dead() <-chan struct{} { return wa.tomb.Dead() }

// State reports the state of the current session.
func (wa *Watch) State() State { return State(wa.state.Load()) }

func (wa *Watch) setState(s State) {
	if wa.session != nil {
		wa.session.state = s
	}
	wa.state.Store(int32(s))
}

func (wa *Watch) loop() error {
	defer close(wa.out)
	defer wa.closeSession()

	chunkTimer := debounce.New(wa.cfg.Clock, wa.cfg.QueryDebounce)
	emitTimer := debounce.New(wa.cfg.Clock, wa.cfg.EmitDebounce)
	defer chunkTimer.Stop()
	defer emitTimer.Stop()

	requests := wa.requests
	for {
		var first, second <-chan livequery.Event
		if s := wa.session; s != nil {
			first, second = s.events()
		}

		select {
		case <-wa.tomb.Dying():
			return tomb.ErrDying

		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			if wa.request(req) {
				chunkTimer.Stop()
			} else if chunkTimer.Immediate() {
				wa.reseed()
			} else {
				chunkTimer.Trigger()
			}

		case <-chunkTimer.C():
			chunkTimer.Fired()
			wa.reseed()

		case ev, ok := <-first:
			if err := wa.handle(0, ev, ok); err != nil {
				return err
			}

		case ev, ok := <-second:
			if err := wa.handle(1, ev, ok); err != nil {
				return err
			}

		case <-emitTimer.C():
			emitTimer.Fired()
			wa.emit()
		}

		if wa.emitPending && !emitTimer.Armed() {
			if emitTimer.Immediate() {
				wa.emit()
			} else {
				emitTimer.Trigger()
			}
		}
	}
}

// request applies req. It reports true when the target stays in the
// current chunk, so no reseed is needed.
func (wa *Watch) request(req Request) bool {
	if wa.session == nil || wa.session.key != req.sessionKey() {
		wa.closeSession()
		wa.session = newSession(wa.cfg, req)
		wa.setState(Uninitialized)
		wa.log.Debug("session created", keyScope, req.ScopeID, keyFilters, req.Filters.Key())
	}
	s := wa.session
	s.target = req.TargetKey

	chunk := ChunkKey(req.TargetKey, wa.cfg.ChunkSize)
	if s.lanes != nil && chunk == s.chunk {
		wa.pending = nil
		if s.state == Live {
			wa.emitPending = true
		}
		return true
	}
	if s.lanes == nil {
		// first chunk of a session is not debounced
		wa.pending = &req
		wa.reseed()
		return true
	}
	wa.pending = &req
	return false
}

// reseed replaces the live queries of the session with those of the
// pending request's chunk.
func (wa *Watch) reseed() {
	if wa.pending == nil || wa.session == nil {
		return
	}
	req := *wa.pending
	wa.pending = nil
	s := wa.session
	chunk := ChunkKey(req.TargetKey, wa.cfg.ChunkSize)
	if s.lanes != nil && chunk == s.chunk {
		return
	}
	s.stopLanes()
	s.chunk = chunk
	s.startLanes(wa.cfg, wa.queries(s.base, chunk))
	wa.setState(Seeding)
	wa.log.Debug("seeding", keyScope, req.ScopeID, keyChunk, chunk)
}

// handle folds one event of lane i.
func (wa *Watch) handle(i int, ev livequery.Event, ok bool) error {
	s := wa.session
	l := s.lanes[i]
	if !ok {
		err := l.monitor.Wait()
		if err == nil {
			err = errMonitorStopped
		}
		return fmt.Errorf("watcher: %s: %w", s.req.ScopeID, err)
	}

	if s.state == Seeding {
		if ev.Action == livequery.Initial {
			l.seeded = true
		}
		s.seed = append(s.seed, ev)
		if !s.seeded() {
			return nil
		}
		s.agg.Map.Clear()
		events := s.seed
		s.seed = nil
		for _, e := range events {
			if err := wa.fold(e); err != nil {
				return err
			}
		}
		wa.setState(Live)
		wa.emitPending = true
		wa.log.Debug("live", keyScope, s.req.ScopeID, keyCount, s.agg.Map.Len())
		return nil
	}

	if err := wa.fold(ev); err != nil {
		return err
	}
	wa.emitPending = true
	return nil
}

// fold applies ev to the session map. Only a removal may lack its key;
// the document is then already gone from the map or never was in it.
func (wa *Watch) fold(ev livequery.Event) error {
	err := wa.session.agg.Fold(ev)
	if ev.Action == livequery.Remove && errors.Is(err, aggregation.ErrMissingKey) {
		wa.log.Debug("removal without key", keyAction, ev.Action, keyError, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("watcher: %s: %w", wa.session.req.ScopeID, err)
	}
	return nil
}

// emit sends the current frame, replacing one the consumer has not read.
func (wa *Watch) emit() {
	wa.emitPending = false
	s := wa.session
	if s == nil || s.state != Live {
		return
	}
	win := aggregation.BuildWindow(s.agg.Map, s.target, wa.cfg.PageSize, wa.cfg.Direction)
	var (
		stats     loader.ServerStats
		haveStats bool
	)
	if wa.cfg.Stats != nil {
		stats, haveStats = wa.cfg.Stats.Stats(s.req.ScopeID, s.req.Filters)
	}
	p := buildPayload(s.agg.Map, win, wa.cfg.Direction, stats, haveStats)

	select {
	case <-wa.out:
	default:
	}
	wa.out <- p
}

func (wa *Watch) closeSession() {
	if wa.session == nil {
		return
	}
	wa.session.stopLanes()
	wa.setState(Closed)
	wa.session = nil
	wa.pending = nil
	wa.emitPending = false
}

// queries builds the live queries for a chunk.
func (wa *Watch) queries(base selector.Selector, chunk int64) []selector.Query {
	key := wa.cfg.KeyField
	index := indexFor(base, key)

	if !wa.cfg.Bidirectional {
		span := int64(wa.cfg.QueryLimit)
		return []selector.Query{{
			Selector: bounded(base, key, selector.Selector{
				selector.OpGte: chunk - span,
				selector.OpLt:  chunk + int64(wa.cfg.ChunkSize) + span,
			}),
			Sort:  []selector.SortField{sortFor(key, wa.cfg.Direction == aggregation.Descending)},
			Index: &index,
		}}
	}
	return []selector.Query{
		{
			Selector: bounded(base, key, selector.Selector{selector.OpGte: chunk}),
			Sort:     []selector.SortField{selector.Asc(key)},
			Limit:    wa.cfg.QueryLimit,
			Index:    &index,
		},
		{
			Selector: bounded(base, key, selector.Selector{selector.OpLt: chunk}),
			Sort:     []selector.SortField{selector.Desc(key)},
			Limit:    wa.cfg.QueryLimit,
			Index:    &index,
		},
	}
}

func sortFor(field string, desc bool) selector.SortField {
	if desc {
		return selector.Desc(field)
	}
	return selector.Asc(field)
}

// bounded adds a key range to base. A base that already constrains the
// key keeps its clause next to the range.
func bounded(base selector.Selector, key string, rng selector.Selector) selector.Selector {
	if _, ok := base[key]; ok {
		return selector.Selector{selector.OpAnd: []selector.Selector{base, {key: rng}}}
	}
	sel := base.Clone()
	sel[key] = rng
	return sel
}

// indexFor covers the equality fields of base followed by the key.
func indexFor(base selector.Selector, key string) selector.IndexSpec {
	var fields []string
	for f := range base {
		if f == key || f == selector.OpAnd || f == selector.OpOr {
			continue
		}
		if _, ok := base.EqualityValue(f); ok {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return selector.NewIndexSpec(append(fields, key)...)
}
