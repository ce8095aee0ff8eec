// Package changefeed shares one native change stream per collection among
// any number of subscribers.
//
// The first Subscribe for a collection starts the underlying stream and
// waits until the Source reports it is ready, meaning no later write can
// be missed. The last subscriber to Stop tears the stream down. Every
// subscriber gets its own unbounded queue, so a slow reader never holds
// up the shared stream or other readers.
//
//	reg := changefeed.NewRegistry(source, logger)
//	sub, err := reg.Subscribe(ctx, "contents", changefeed.Options{Live: true})
//	if err != nil {
//		return err
//	}
//	defer sub.Stop()
//	for change := range sub.Events() {
//		...
//	}
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
)

var (
	// ErrFeedEnded is the error subscribers see when the underlying stream
	// stops on its own.
	ErrFeedEnded = errors.New("changefeed: underlying stream ended")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("changefeed: registry closed")
)

// Change is one mutation of a collection. Doc is nil when the store only
// knows the id, as for physical deletes.
type Change struct {
	ID      string
	Doc     model.Document
	Deleted bool
}

// Source produces the native change notifications of a collection.
type Source interface {
	// Stream delivers changes through emit until ctx is done. ready must
	// be called once, as soon as every later write is guaranteed to be
	// delivered.
	Stream(ctx context.Context, collection string, ready func(), emit func([]Change)) error
	// Snapshot returns the current state of every document, used to
	// replay a collection from the beginning.
	Snapshot(ctx context.Context, collection string) ([]Change, error)
}

// Options control one subscription.
type Options struct {
	// SinceBeginning replays the current state of every document before
	// live changes.
	SinceBeginning bool
	// Live keeps the subscription open for new changes. A subscription
	// that is not live closes after delivering its replay.
	Live bool
}

type Registry struct {
	source Source
	log    *slog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

func NewRegistry(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Logger
	}
	return &Registry{
		source: source,
		log:    logger,
		feeds:  make(map[string]*feed),
	}
}

// Subscribe attaches to the collection's shared feed, starting it if
// needed. It returns once the feed is ready.
func (r *Registry) Subscribe(ctx context.Context, collection string, opts Options) (*Subscription, error) {
	if !opts.Live {
		return r.subscribeStatic(ctx, collection, opts)
	}

	f, err := r.acquire(collection)
	if err != nil {
		return nil, err
	}

	select {
	case <-f.ready:
	case <-f.tomb.Dead():
		r.release(f)
		return nil, fmt.Errorf("changefeed %s: %w", collection, feedErr(f))
	case <-ctx.Done():
		r.release(f)
		return nil, ctx.Err()
	}

	sub := newSubscription(collection)
	f.attach(sub)

	if opts.SinceBeginning {
		replay, err := r.source.Snapshot(ctx, collection)
		if err != nil {
			f.detach(sub)
			r.release(f)
			return nil, fmt.Errorf("changefeed %s: replay: %w", collection, err)
		}
		sub.prepend(replay)
	}

	sub.release = func() {
		f.detach(sub)
		r.release(f)
	}
	sub.start()
	r.log.Debug("subscribed", keyCollection, collection, keySubscription, sub.id, keyRefs, r.Refs(collection))
	return sub, nil
}

func (r *Registry) subscribeStatic(ctx context.Context, collection string, opts Options) (*Subscription, error) {
	sub := newSubscription(collection)
	sub.static = true
	if opts.SinceBeginning {
		replay, err := r.source.Snapshot(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("changefeed %s: replay: %w", collection, err)
		}
		sub.prepend(replay)
	}
	sub.start()
	return sub, nil
}

// Refs reports how many live subscribers share the collection's feed.
func (r *Registry) Refs(collection string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.feeds[collection]; ok {
		return f.refs
	}
	return 0
}

// Close stops every feed. Subscribers see their Events channel closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	feeds := make([]*feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.feeds = make(map[string]*feed)
	r.mu.Unlock()

	var errs error
	for _, f := range feeds {
		f.tomb.Kill(nil)
		if err := f.tomb.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (r *Registry) acquire(collection string) (*feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	f, ok := r.feeds[collection]
	if !ok {
		f = r.startFeed(collection)
		r.feeds[collection] = f
	}
	f.refs++
	return f, nil
}

func (r *Registry) release(f *feed) {
	r.mu.Lock()
	f.refs--
	last := f.refs <= 0
	if last && r.feeds[f.collection] == f {
		delete(r.feeds, f.collection)
	}
	r.mu.Unlock()

	if last {
		f.tomb.Kill(nil)
		_ = f.tomb.Wait()
		r.log.Debug("feed torn down", keyCollection, f.collection)
	}
}

// forget drops a feed that died on its own so the next Subscribe starts a
// fresh one.
func (r *Registry) forget(f *feed) {
	r.mu.Lock()
	if r.feeds[f.collection] == f {
		delete(r.feeds, f.collection)
	}
	r.mu.Unlock()
}

func (r *Registry) startFeed(collection string) *feed {
	f := &feed{
		collection: collection,
		subs:       make(map[string]*Subscription),
		ready:      make(chan struct{}),
	}
	f.tomb.Go(func() error {
		err := r.source.Stream(f.tomb.Context(context.Background()), collection, f.markReady, f.broadcast)
		if f.tomb.Alive() {
			if err == nil {
				err = ErrFeedEnded
			}
			r.log.Error("feed stopped", keyCollection, collection, keyError, err)
			r.forget(f)
			f.failAll(err)
			return err
		}
		f.failAll(nil)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	r.log.Debug("feed started", keyCollection, collection)
	return f
}

func feedErr(f *feed) error {
	if err := f.tomb.Err(); err != nil {
		return err
	}
	return ErrFeedEnded
}

type feed struct {
	collection string
	tomb       tomb.Tomb
	refs       int // guarded by Registry.mu

	readyOnce sync.Once
	ready     chan struct{}

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (f *feed) markReady() {
	f.readyOnce.Do(func() { close(f.ready) })
}

func (f *feed) attach(s *Subscription) {
	f.mu.Lock()
	f.subs[s.id] = s
	f.mu.Unlock()
}

func (f *feed) detach(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s.id)
	f.mu.Unlock()
}

func (f *feed) broadcast(changes []Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.push(changes)
	}
}

func (f *feed) failAll(err error) {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.tomb.Kill(err)
	}
}

// Subscription is one reader of a collection feed.
type Subscription struct {
	id         string
	collection string
	static     bool
	release    func()

	tomb    tomb.Tomb
	out     chan Change
	stopped sync.Once

	mu      sync.Mutex
	pending []Change
	notify  chan struct{}
}

func newSubscription(collection string) *Subscription {
	return &Subscription{
		id:         uuid.NewString(),
		collection: collection,
		out:        make(chan Change),
		notify:     make(chan struct{}, 1),
	}
}

// ID is unique per subscription.
func (s *Subscription) ID() string { return s.id }

// Events delivers changes in commit order. It is closed when the
// subscription stops.
func (s *Subscription) Events() <-chan Change { return s.out }

func (s *Subscription) Kill() { s.tomb.Kill(nil) }

func (s *Subscription) Wait() error { return s.tomb.Wait() }

// Stop kills the subscription and releases its feed reference.
func (s *Subscription) Stop() error {
	s.Kill()
	return s.Wait()
}

func (s *Subscription) Err() error { return s.tomb.Err() }

// Dead is closed once the subscription has fully stopped.
func (s *Subscription) Dead() <-chan struct{} { return s.tomb.Dead() }

func (s *Subscription) start() {
	s.tomb.Go(func() error {
		defer s.stop()
		return s.loop()
	})
}

func (s *Subscription) stop() {
	s.stopped.Do(func() {
		close(s.out)
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Subscription) push(changes []Change) {
	s.mu.Lock()
	s.pending = append(s.pending, changes...)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) prepend(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	merged := make([]Change, 0, len(changes)+len(s.pending))
	merged = append(merged, changes...)
	s.pending = append(merged, s.pending...)
	s.mu.Unlock()
}

func (s *Subscription) loop() error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			if s.static {
				return nil
			}
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			case <-s.notify:
				continue
			}
		}
		next := s.pending[0]
		s.pending[0] = Change{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case s.out <- next:
		}
	}
}
