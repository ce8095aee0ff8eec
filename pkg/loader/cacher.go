package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/contentcache/pkg/docstore"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
	workerpool "github.com/i5heu/contentcache/pkg/workerPool"
)

// PrepareFunc turns one wire item of a scope into its cached shape.
type PrepareFunc func(scopeID string, wire model.Document) (model.Document, error)

// PrepareContent prepares history contents. The scope is the history id,
// which the items carry themselves.
func PrepareContent(_ string, wire model.Document) (model.Document, error) {
	return model.PrepContent(wire)
}

// PrepareCollectionElement prepares the children of the collection whose
// contents url is the scope.
func PrepareCollectionElement(parentURL string, wire model.Document) (model.Document, error) {
	return model.PrepCollectionElement(parentURL, wire)
}

// Writer receives prepared documents. *docstore.Collection implements it.
type Writer interface {
	BulkUpsert(ctx context.Context, docs []model.Document) ([]docstore.Result, error)
}

type CacherConfig struct {
	Loader  Loader
	Target  Writer
	Prepare PrepareFunc
	// Pool prepares items in parallel. A nil pool prepares them inline.
	Pool   *workerpool.WorkerPool
	Logger *slog.Logger
}

// LoadResult summarises one cached page.
type LoadResult struct {
	Stats   ServerStats
	Items   int
	Updated int
}

// Cacher loads pages and mirrors them into the document store. It
// remembers the latest server counts per scope and filter combination.
type Cacher struct {
	cfg CacherConfig
	log *slog.Logger

	mu    sync.RWMutex
	stats map[string]ServerStats
}

func NewCacher(cfg CacherConfig) (*Cacher, error) {
	if cfg.Loader == nil || cfg.Target == nil || cfg.Prepare == nil {
		return nil, errors.New("loader: loader, target and prepare func are required")
	}
	cfg.Logger = logging.OrDefault(cfg.Logger)
	return &Cacher{
		cfg:   cfg,
		log:   cfg.Logger,
		stats: make(map[string]ServerStats),
	}, nil
}

// Load fetches one page and caches it. A page with any invalid item is
// rejected before anything is written.
func (c *Cacher) Load(ctx context.Context, scopeID string, p filters.Params, spec WindowSpec) (LoadResult, error) {
	page, err := c.cfg.Loader.LoadPage(ctx, scopeID, p, spec)
	if err != nil {
		return LoadResult{}, fmt.Errorf("loader: load %s: %w", scopeID, err)
	}

	docs, err := c.prepare(scopeID, page.Items)
	if err != nil {
		return LoadResult{}, fmt.Errorf("loader: prepare %s: %w", scopeID, err)
	}

	res := LoadResult{Stats: page.Stats, Items: len(docs)}
	if len(docs) > 0 {
		results, err := c.cfg.Target.BulkUpsert(ctx, docs)
		for _, r := range results {
			if r.Updated {
				res.Updated++
			}
		}
		if err != nil {
			return res, fmt.Errorf("loader: cache %s: %w", scopeID, err)
		}
	}

	c.mu.Lock()
	c.stats[statsKey(scopeID, p)] = page.Stats
	c.mu.Unlock()

	c.log.Debug("page cached", keyScope, scopeID, keyItems, res.Items, keyUpdated, res.Updated, keyTotal, page.Stats.TotalMatches)
	return res, nil
}

type prepared struct {
	doc model.Document
	err error
}

func (c *Cacher) prepare(scopeID string, items []model.Document) ([]model.Document, error) {
	out := make([]model.Document, len(items))
	if c.cfg.Pool == nil || len(items) < 2 {
		for i, it := range items {
			doc, err := c.cfg.Prepare(scopeID, it)
			if err != nil {
				return nil, err
			}
			out[i] = doc
		}
		return out, nil
	}

	room := c.cfg.Pool.CreateRoom(len(items))
	for _, it := range items {
		it := it
		err := room.NewTaskWaitForFreeSlot(func() any {
			doc, err := c.cfg.Prepare(scopeID, it)
			return prepared{doc: doc, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, err
		}
	}

	var errs error
	for i, r := range room.Collect() {
		p := r.(prepared)
		if p.err != nil {
			errs = errors.Join(errs, p.err)
			continue
		}
		out[i] = p.doc
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

// Stats returns the counts of the last page loaded for the scope and
// filters.
func (c *Cacher) Stats(scopeID string, p filters.Params) (ServerStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stats[statsKey(scopeID, p)]
	return s, ok
}

func statsKey(scopeID string, p filters.Params) string {
	return scopeID + "\x00" + p.Key()
}
