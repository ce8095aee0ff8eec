/*
Package contentcache keeps a local, incrementally updated copy of history
contents and collection elements and turns it into scroll windows for list
views.

	c, _ := contentcache.New(contentcache.Config{Paths: []string{dir}})
	_ = c.Start(ctx)
	defer c.Close(ctx)

	w, _ := c.WatchHistoryContents(requests, contentcache.WatchOptions{})
	for p := range w.Payloads() {
		render(p)
	}
*/
package contentcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/aggregation"
	"github.com/i5heu/contentcache/pkg/docstore"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/loader"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
	"github.com/i5heu/contentcache/pkg/watcher"
	workerpool "github.com/i5heu/contentcache/pkg/workerPool"
)

// Collection names.
const (
	Contents           = "contents"
	CollectionElements = "collection_elements"
)

var (
	ErrNotStarted = errors.New("contentcache: cache not started")
	ErrClosed     = errors.New("contentcache: cache closed")
)

// Cache is the main handle. It owns the key value store, the document
// store on top of it and the worker pool that prepares loaded pages.
type Cache struct {
	log    *slog.Logger
	config Config

	mu    sync.RWMutex
	kv    *keyValStore.KeyValStore
	store *docstore.Store
	pool  *workerpool.WorkerPool
	gc    *tomb.Tomb

	stopCounter context.CancelFunc
	counterDone <-chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a cache handle without touching the disk. Call Start to
// open the store.
func New(conf Config) (*Cache, error) { // A
	if len(conf.Paths) == 0 && !conf.InMemory {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	conf.Logger = logging.OrDefault(conf.Logger)
	conf.setDefaults()
	return &Cache{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the store and declares the indexes the watches rely on.
// Start is safe to call multiple times; only the first call has effect.
func (c *Cache) Start(ctx context.Context) error { // PA
	var startErr error
	c.startOnce.Do(func() {
		storeConf := keyValStore.StoreConfig{
			MinimumFreeSpace: int(c.config.MinimumFreeGB),
			InMemory:         c.config.InMemory,
			Logger:           c.log,
		}
		if !c.config.InMemory {
			kvPath := filepath.Join(c.config.Paths[0], "kv")
			if err := os.MkdirAll(kvPath, 0o700); err != nil {
				startErr = fmt.Errorf("mkdir %s: %w", kvPath, err)
				return
			}
			storeConf.Paths = []string{kvPath}
		}

		kv, err := keyValStore.NewKeyValStore(storeConf)
		if err != nil {
			startErr = fmt.Errorf("init kv: %w", err)
			return
		}
		store, err := docstore.New(docstore.Config{KV: kv, Clock: c.config.Clock, Logger: c.log})
		if err != nil {
			_ = kv.Close()
			startErr = fmt.Errorf("init docstore: %w", err)
			return
		}

		for name, spec := range defaultIndexes() {
			if _, err := store.Collection(name).CreateIndex(ctx, spec); err != nil {
				_ = store.Close()
				_ = kv.Close()
				startErr = fmt.Errorf("create index %s on %s: %w", spec.DDoc, name, err)
				return
			}
		}

		c.mu.Lock()
		c.kv = kv
		c.store = store
		c.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: c.config.Workers})
		if c.config.GCInterval > 0 && !c.config.InMemory {
			gc := new(tomb.Tomb)
			gc.Go(func() error { return c.collectGarbage(gc, kv) })
			c.gc = gc
		}
		if c.config.StatsLogInterval > 0 {
			counterCtx, cancel := context.WithCancel(context.Background())
			c.stopCounter = cancel
			c.counterDone = kv.StartTransactionCounter(counterCtx, c.config.Clock, c.config.StatsLogInterval)
		}
		c.mu.Unlock()

		c.started.Store(true)
		if c.config.InMemory {
			c.log.Info("cache started", keyMode, "memory")
		} else {
			c.log.Info("cache started", keyPath, c.config.Paths[0])
		}
	})
	return startErr
}

func defaultIndexes() map[string]selector.IndexSpec {
	return map[string]selector.IndexSpec{
		Contents:           selector.NewIndexSpec(model.FieldHistoryID, model.FieldHid),
		CollectionElements: selector.NewIndexSpec(model.FieldParentURL, model.FieldElementIndex),
	}
}

// Run starts the cache, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown.
func (c *Cache) Run(ctx context.Context) error { // A
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Close(shutdownCtx)
}

// Close ends feeds and background work and closes the store. Close is
// idempotent.
func (c *Cache) Close(ctx context.Context) error { // A
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		kv, store, pool, gc := c.kv, c.store, c.pool, c.gc
		stopCounter, counterDone := c.stopCounter, c.counterDone
		c.kv, c.store, c.pool, c.gc = nil, nil, nil, nil
		c.stopCounter, c.counterDone = nil, nil
		c.mu.Unlock()

		if stopCounter != nil {
			stopCounter()
			<-counterDone
		}

		if gc != nil {
			gc.Kill(nil)
			if err := gc.Wait(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("stop gc: %w", err))
			}
		}
		if pool != nil {
			pool.Close()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close docstore: %w", err))
			}
		}
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
			}
		}
		c.log.Info("cache closed")
	})
	return closeErr
}

func (c *Cache) handles() (*docstore.Store, *workerpool.WorkerPool, error) { // A
	if !c.started.Load() {
		return nil, nil, ErrNotStarted
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return nil, nil, ErrClosed
	}
	return c.store, c.pool, nil
}

func (c *Cache) collection(name string) (*docstore.Collection, error) {
	store, _, err := c.handles()
	if err != nil {
		return nil, err
	}
	return store.Collection(name), nil
}

// Contents is the history contents collection.
func (c *Cache) Contents() (*docstore.Collection, error) {
	return c.collection(Contents)
}

// CollectionContents is the collection elements collection.
func (c *Cache) CollectionContents() (*docstore.Collection, error) {
	return c.collection(CollectionElements)
}

// CacheContent prepares one history content item from its server shape
// and stores it.
func (c *Cache) CacheContent(ctx context.Context, wire model.Document) (docstore.Result, error) {
	col, err := c.Contents()
	if err != nil {
		return docstore.Result{}, err
	}
	doc, err := model.PrepContent(wire)
	if err != nil {
		return docstore.Result{}, err
	}
	return col.UpsertProps(ctx, doc)
}

// CacheCollectionContent prepares one element of the collection whose
// contents live at parentURL and stores it.
func (c *Cache) CacheCollectionContent(ctx context.Context, parentURL string, wire model.Document) (docstore.Result, error) {
	col, err := c.CollectionContents()
	if err != nil {
		return docstore.Result{}, err
	}
	doc, err := model.PrepCollectionElement(parentURL, wire)
	if err != nil {
		return docstore.Result{}, err
	}
	return col.UpsertProps(ctx, doc)
}

// WatchOptions are per watch settings.
type WatchOptions struct {
	// Stats supplies server side counts. Usually the Cacher that fills the
	// watched scope.
	Stats watcher.StatsSource
}

// WatchHistoryContents watches history contents, newest hid first. Scroll
// requests carry the history id as ScopeID.
func (c *Cache) WatchHistoryContents(requests <-chan watcher.Request, opts WatchOptions) (*watcher.Watch, error) {
	col, err := c.Contents()
	if err != nil {
		return nil, err
	}
	return c.watch(Contents, requests, opts, watcher.Config{
		Source:        col,
		Selector:      filters.ContentSelector,
		KeyField:      model.FieldHid,
		Direction:     aggregation.Descending,
		Bidirectional: true,
	})
}

// WatchCollectionContents watches the elements of one collection in
// element order. Scroll requests carry the parent's contents url as
// ScopeID.
func (c *Cache) WatchCollectionContents(requests <-chan watcher.Request, opts WatchOptions) (*watcher.Watch, error) {
	col, err := c.CollectionContents()
	if err != nil {
		return nil, err
	}
	return c.watch(CollectionElements, requests, opts, watcher.Config{
		Source:    col,
		Selector:  filters.CollectionSelector,
		KeyField:  model.FieldElementIndex,
		Direction: aggregation.Ascending,
	})
}

func (c *Cache) watch(name string, requests <-chan watcher.Request, opts WatchOptions, cfg watcher.Config) (*watcher.Watch, error) {
	wc := c.config.Watch
	cfg.PageSize = wc.PageSize
	cfg.ChunkSize = wc.PageSize * wc.ChunkMultiplier
	cfg.QueryLimit = wc.QueryLimit
	cfg.QueryDebounce = wc.QueryDebounce
	cfg.EmitDebounce = wc.EmitDebounce
	cfg.Coalesce = wc.Coalesce
	cfg.Stats = opts.Stats
	cfg.Clock = c.config.Clock
	cfg.Logger = c.log.With(keyCollection, name)

	w, err := watcher.New(cfg)
	if err != nil {
		return nil, err
	}
	return w.Watch(requests), nil
}

// ContentCacher returns a Cacher that fills the contents collection from l.
func (c *Cache) ContentCacher(l loader.Loader) (*loader.Cacher, error) {
	return c.cacher(Contents, l, loader.PrepareContent)
}

// CollectionCacher returns a Cacher that fills the collection elements
// collection from l. Its scope ids are parent contents urls.
func (c *Cache) CollectionCacher(l loader.Loader) (*loader.Cacher, error) {
	return c.cacher(CollectionElements, l, loader.PrepareCollectionElement)
}

func (c *Cache) cacher(name string, l loader.Loader, prep loader.PrepareFunc) (*loader.Cacher, error) {
	store, pool, err := c.handles()
	if err != nil {
		return nil, err
	}
	return loader.NewCacher(loader.CacherConfig{
		Loader:  l,
		Target:  store.Collection(name),
		Prepare: prep,
		Pool:    pool,
		Logger:  c.log.With(keyCollection, name),
	})
}

// Poll keeps reloading one scope through cacher until the returned poller
// is stopped.
func (c *Cache) Poll(cacher *loader.Cacher, scopeID string, p filters.Params, spec loader.WindowSpec) *loader.Poller {
	return loader.NewPoller(loader.PollerConfig{
		Cacher:      cacher,
		ScopeID:     scopeID,
		Filters:     p,
		Spec:        spec,
		Interval:    c.config.Poll.Interval,
		MaxInterval: c.config.Poll.MaxInterval,
		Clock:       c.config.Clock,
		Logger:      c.log,
	})
}

// Stats reports store counters and the number of live documents per
// collection.
type Stats struct {
	KV        keyValStore.Stats
	Documents map[string]int
	// IndexEntries holds the entry count per index per collection.
	IndexEntries map[string]map[string]int
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	store, _, err := c.handles()
	if err != nil {
		return Stats{}, err
	}
	c.mu.RLock()
	kv := c.kv
	c.mu.RUnlock()

	st := Stats{
		KV:           kv.Stats(),
		Documents:    make(map[string]int, 2),
		IndexEntries: make(map[string]map[string]int, 2),
	}
	for _, name := range []string{Contents, CollectionElements} {
		col := store.Collection(name)
		n, err := col.Count(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", name, err)
		}
		st.Documents[name] = n
		entries, err := col.IndexEntries(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("count index entries of %s: %w", name, err)
		}
		st.IndexEntries[name] = entries
	}
	return st, nil
}

// GarbageCollect flattens the store and runs the value log GC once.
func (c *Cache) GarbageCollect() error {
	if _, _, err := c.handles(); err != nil {
		return err
	}
	c.mu.RLock()
	kv := c.kv
	c.mu.RUnlock()
	if kv == nil {
		return ErrClosed
	}
	return kv.Clean()
}

func (c *Cache) collectGarbage(gc *tomb.Tomb, kv *keyValStore.KeyValStore) error {
	for {
		select {
		case <-gc.Dying():
			return tomb.ErrDying
		case <-c.config.Clock.After(c.config.GCInterval):
		}
		if err := kv.Clean(); err != nil {
			// a failed run is retried on the next tick
			c.log.Warn("garbage collection failed", keyError, err)
		}
	}
}
