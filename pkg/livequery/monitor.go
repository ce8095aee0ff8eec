// Package livequery keeps the result of a selector query up to date.
//
// A Monitor reads queries from a channel. For every new query it runs the
// query once and emits an Initial event with all matches, then classifies
// each change of the collection feed against the tracked result set as
// Add, Update or Remove. The feed is subscribed before the first query
// runs, so no write between the query and the feed can be lost.
package livequery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/internal/debounce"
	"github.com/i5heu/contentcache/pkg/changefeed"
	"github.com/i5heu/contentcache/pkg/docstore"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

// Source is the collection a monitor watches. *docstore.Collection
// implements it.
type Source interface {
	Find(ctx context.Context, q selector.Query) ([]model.Document, error)
	Changes(ctx context.Context, cfg docstore.ChangesConfig) (*changefeed.Subscription, error)
}

type Config struct {
	Clock clock.Clock
	// QueryDebounce is how long a new query has to stay unchanged before
	// it is run. Zero runs every query immediately.
	QueryDebounce time.Duration
	// Coalesce is how long changes are collected before they are
	// classified. Only the latest change per id survives a window.
	Coalesce time.Duration
	Logger   *slog.Logger
}

// Monitor runs one live query. Events is closed when the monitor stops.
type Monitor struct {
	tomb    tomb.Tomb
	source  Source
	queries <-chan selector.Query
	cfg     Config
	log     *slog.Logger
	out     chan Event
}

// New starts a monitor reading queries until it is killed. A closed
// queries channel keeps the last query running.
func New(source Source, queries <-chan selector.Query, cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Logger
	}
	m := &Monitor{
		source:  source,
		queries: queries,
		cfg:     cfg,
		log:     cfg.Logger,
		out:     make(chan Event),
	}
	m.tomb.Go(m.loop)
	return m
}

func (m *Monitor) Events() <-chan Event { return m.out }

func (m *Monitor) Kill() { m.tomb.Kill(nil) }

func (m *Monitor) Wait() error { return m.tomb.Wait() }

func (m *Monitor) Stop() error {
	m.Kill()
	return m.Wait()
}

func (m *Monitor) Err() error { return m.tomb.Err() }

func (m *Monitor) Dead() <-chan struct{} { return m.tomb.Dead() }

type monitorState struct {
	active  *selector.Query
	pending *selector.Query
	tracked Tracked
	batch   batch
}

func (m *Monitor) loop() error {
	defer close(m.out)
	ctx := m.tomb.Context(context.Background())

	sub, err := m.source.Changes(ctx, docstore.ChangesConfig{Live: true})
	if err != nil {
		return m.unlessDying(fmt.Errorf("livequery: subscribe: %w", err))
	}
	defer func() { _ = sub.Stop() }()

	queryTimer := debounce.New(m.cfg.Clock, m.cfg.QueryDebounce)
	flushTimer := debounce.New(m.cfg.Clock, m.cfg.Coalesce)
	defer queryTimer.Stop()
	defer flushTimer.Stop()

	var st monitorState
	queries := m.queries
	for {
		select {
		case <-m.tomb.Dying():
			return tomb.ErrDying

		case q, ok := <-queries:
			if !ok {
				queries = nil
				continue
			}
			if st.wants(q) {
				continue
			}
			st.pending = &q
			if !queryTimer.Immediate() {
				queryTimer.Trigger()
				continue
			}
			if err := m.activate(ctx, &st, flushTimer); err != nil {
				return err
			}

		case <-queryTimer.C():
			queryTimer.Fired()
			if err := m.activate(ctx, &st, flushTimer); err != nil {
				return err
			}

		case change, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = changefeed.ErrFeedEnded
				}
				return fmt.Errorf("livequery: change feed: %w", err)
			}
			if st.active == nil {
				continue
			}
			if change.Doc == nil {
				m.log.Debug("skipping change without body", keyID, change.ID)
				continue
			}
			st.batch.add(change)
			if flushTimer.Immediate() {
				if err := m.flush(&st); err != nil {
					return err
				}
			} else if !flushTimer.Armed() {
				flushTimer.Trigger()
			}

		case <-flushTimer.C():
			flushTimer.Fired()
			if err := m.flush(&st); err != nil {
				return err
			}
		}
	}
}

// wants reports whether q is already active or about to be.
func (st *monitorState) wants(q selector.Query) bool {
	if st.pending != nil {
		return st.pending.Equal(q)
	}
	return st.active != nil && st.active.Equal(q)
}

// activate runs the pending query and resets the tracked set.
func (m *Monitor) activate(ctx context.Context, st *monitorState, flushTimer *debounce.Timer) error {
	if st.pending == nil {
		return nil
	}
	q := *st.pending
	st.pending = nil
	if st.active != nil && st.active.Equal(q) {
		return nil
	}

	docs, err := m.source.Find(ctx, q)
	if err != nil {
		return m.unlessDying(err)
	}
	// Changes collected so far were committed before the query ran.
	st.batch.reset()
	flushTimer.Stop()

	ev := Event{Action: Initial, Query: q, InitialMatches: docs}
	st.tracked = NewTracked(nil)
	st.tracked.Apply(ev)
	st.active = &q
	m.log.Debug("query active", keyQuery, q.Selector, keyCount, len(docs))
	return m.send(ev)
}

func (m *Monitor) flush(st *monitorState) error {
	changes := st.batch.drain()
	for _, change := range changes {
		ev, ok := Classify(st.tracked, *st.active, change)
		if !ok {
			continue
		}
		st.tracked.Apply(ev)
		if err := m.send(ev); err != nil {
			return err
		}
	}
	return nil
}

// unlessDying hides errors caused by the monitor's own shutdown.
func (m *Monitor) unlessDying(err error) error {
	select {
	case <-m.tomb.Dying():
		return tomb.ErrDying
	default:
		return err
	}
}

func (m *Monitor) send(ev Event) error {
	select {
	case <-m.tomb.Dying():
		return tomb.ErrDying
	case m.out <- ev:
		return nil
	}
}

// batch keeps the latest change per id in order of first arrival.
type batch struct {
	order []string
	byID  map[string]changefeed.Change
}

func (b *batch) add(c changefeed.Change) {
	if b.byID == nil {
		b.byID = make(map[string]changefeed.Change)
	}
	if _, ok := b.byID[c.ID]; !ok {
		b.order = append(b.order, c.ID)
	}
	b.byID[c.ID] = c
}

func (b *batch) drain() []changefeed.Change {
	out := make([]changefeed.Change, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	b.reset()
	return out
}

func (b *batch) reset() {
	b.order = b.order[:0]
	for id := range b.byID {
		delete(b.byID, id)
	}
}

// Latest feeds queries to a monitor without ever blocking: a query the
// monitor has not read yet is replaced by a newer one. It has a single
// sender.
type Latest struct {
	ch chan selector.Query
}

func NewLatest() *Latest {
	return &Latest{ch: make(chan selector.Query, 1)}
}

func (l *Latest) Set(q selector.Query) {
	select {
	case <-l.ch:
	default:
	}
	l.ch <- q
}

func (l *Latest) Chan() <-chan selector.Query { return l.ch }

func (l *Latest) Close() { close(l.ch) }
