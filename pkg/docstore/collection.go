package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/contentcache/encoding"
	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/changefeed"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

// Mutator receives the current document, or an empty one when absent, and
// returns the fields to write. Returning false aborts the write. It may
// run more than once when concurrent writers conflict.
type Mutator func(existing model.Document) (model.Document, bool)

// Result describes one write.
type Result struct {
	ID  string
	Rev string
	// Updated is false when the write was aborted or changed nothing.
	Updated bool
	Err     error
}

// Since selects where a change feed starts.
type Since int

const (
	SinceNow Since = iota
	SinceBeginning
)

type ChangesConfig struct {
	Since Since
	// Live keeps the feed open. Otherwise it closes after the replay.
	Live bool
}

// Collection is one named set of documents.
type Collection struct {
	store  *Store
	name   string
	prefix []byte
	log    *slog.Logger

	idxMu     sync.RWMutex
	idxLoaded bool
	indexes   map[string]selector.IndexSpec
	// building holds indexes whose backfill is still running. Writes
	// maintain them, queries ignore them.
	building map[string]struct{}
}

func (c *Collection) Name() string { return c.name }

// Get returns the live document with id, or nil when absent or removed.
func (c *Collection) Get(ctx context.Context, id string) (model.Document, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	v, err := c.store.kv.Read(docKey(c.name, id))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", c.name, id, err)
	}
	doc, tombstone, err := encoding.DecodeDocument(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", c.name, id, err)
	}
	return liveOrNil(doc, tombstone), nil
}

// Upsert loads the document, applies fn and writes the merged result.
// Fields returned by fn overwrite, all others are kept. Writes that leave
// the content unchanged keep the old revision and cached_at.
func (c *Collection) Upsert(ctx context.Context, id string, fn Mutator) (Result, error) { // PA
	if err := c.ready(ctx); err != nil {
		return Result{ID: id}, err
	}
	if id == "" || IsDesignID(id) {
		return Result{ID: id}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	key := docKey(c.name, id)
	var res Result
	err := c.withIndexes(func(indexes []selector.IndexSpec) error {
		return c.store.kv.Update(func(txn *badger.Txn) error {
			res = Result{ID: id}
			return c.upsertTxn(txn, key, id, fn, indexes, &res)
		})
	})
	if err != nil {
		res.Err = err
		return res, fmt.Errorf("docstore: upsert %s/%s: %w", c.name, id, err)
	}
	return res, nil
}

func (c *Collection) upsertTxn(txn *badger.Txn, key []byte, id string, fn Mutator, indexes []selector.IndexSpec, res *Result) error {
	existing, tombstone, err := readDoc(txn, key)
	if err != nil {
		return err
	}
	prevRev := existing.Rev()
	res.Rev = prevRev

	base := model.Document{}
	if existing != nil && !tombstone {
		base = existing
	}
	props, ok := fn(base.Clone())
	if !ok {
		return nil
	}

	merged := base.Clone()
	for k, v := range props {
		merged[k] = v
	}
	merged[model.FieldID] = id

	content, err := encoding.CanonicalBytes(merged.WithoutCacheFields())
	if err != nil {
		return err
	}
	if existing != nil && !tombstone {
		old, err := encoding.CanonicalBytes(existing.WithoutCacheFields())
		if err != nil {
			return err
		}
		if string(old) == string(content) {
			return nil
		}
	}

	merged[model.FieldRev] = nextRev(prevRev, content)
	merged[model.FieldCachedAt] = c.store.clock.Now().UnixMilli()
	payload, err := encoding.EncodeDocument(merged, false)
	if err != nil {
		return err
	}
	if err := txn.Set(key, payload); err != nil {
		return err
	}
	if err := c.reindex(txn, indexes, id, liveOrNil(existing, tombstone), merged); err != nil {
		return err
	}
	res.Rev = merged.Rev()
	res.Updated = true
	return nil
}

// UpsertProps writes props under props["_id"], merging into any existing
// document.
func (c *Collection) UpsertProps(ctx context.Context, props model.Document) (Result, error) {
	return c.Upsert(ctx, props.ID(), func(model.Document) (model.Document, bool) {
		return props, true
	})
}

// BulkUpsert upserts every document. results[i] belongs to docs[i]; the
// returned error joins the per item errors.
func (c *Collection) BulkUpsert(ctx context.Context, docs []model.Document) ([]Result, error) {
	results := make([]Result, len(docs))
	var errs error
	for i, d := range docs {
		res, err := c.UpsertProps(ctx, d)
		res.Err = err
		results[i] = res
		errs = errors.Join(errs, err)
	}
	updated := 0
	for _, r := range results {
		if r.Updated {
			updated++
		}
	}
	c.log.Debug("bulk upsert", keyCount, len(docs), keyResult, updated)
	return results, errs
}

// Remove replaces the document with a tombstone that keeps its last body.
// Removing an absent document is a no-op.
func (c *Collection) Remove(ctx context.Context, id string) (Result, error) {
	if err := c.ready(ctx); err != nil {
		return Result{ID: id}, err
	}

	key := docKey(c.name, id)
	var res Result
	err := c.withIndexes(func(indexes []selector.IndexSpec) error {
		return c.store.kv.Update(func(txn *badger.Txn) error {
			res = Result{ID: id}
			return c.removeTxn(txn, key, id, indexes, &res)
		})
	})
	if err != nil {
		res.Err = err
		return res, fmt.Errorf("docstore: remove %s/%s: %w", c.name, id, err)
	}
	return res, nil
}

func (c *Collection) removeTxn(txn *badger.Txn, key []byte, id string, indexes []selector.IndexSpec, res *Result) error {
	existing, tombstone, err := readDoc(txn, key)
	if err != nil || existing == nil {
		return err
	}
	res.Rev = existing.Rev()
	if tombstone {
		return nil
	}
	content, err := encoding.CanonicalBytes(existing.WithoutCacheFields())
	if err != nil {
		return err
	}
	body := existing.Clone()
	body[model.FieldRev] = nextRev(existing.Rev(), append(content, 'x'))
	body[model.FieldCachedAt] = c.store.clock.Now().UnixMilli()
	payload, err := encoding.EncodeDocument(body, true)
	if err != nil {
		return err
	}
	if err := txn.Set(key, payload); err != nil {
		return err
	}
	if err := c.reindex(txn, indexes, id, existing, nil); err != nil {
		return err
	}
	res.Rev = body.Rev()
	res.Updated = true
	return nil
}

// Changes subscribes to the collection's shared feed.
func (c *Collection) Changes(ctx context.Context, cfg ChangesConfig) (*changefeed.Subscription, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	return c.store.feeds.Subscribe(ctx, c.name, changefeed.Options{
		SinceBeginning: cfg.Since == SinceBeginning,
		Live:           cfg.Live,
	})
}

// Count returns the number of live documents.
func (c *Collection) Count(ctx context.Context) (int, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := c.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = c.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
			item := it.Item()
			if IsDesignID(string(item.Key()[len(c.prefix):])) {
				continue
			}
			err := item.Value(func(v []byte) error {
				if !encoding.IsTombstone(v) {
					n++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

// all loads every live document.
func (c *Collection) all() ([]model.Document, error) {
	items, err := c.store.kv.GetItemsWithPrefix(c.prefix)
	if err != nil {
		return nil, err
	}
	return c.decodeLive(items), nil
}

func (c *Collection) decodeLive(items []keyValStore.Item) []model.Document {
	docs := make([]model.Document, 0, len(items))
	for _, it := range items {
		if IsDesignID(string(it.Key[len(c.prefix):])) || encoding.IsTombstone(it.Value) {
			continue
		}
		doc, _, err := encoding.DecodeDocument(it.Value)
		if err != nil {
			c.log.Warn("skipping undecodable document", keyID, string(it.Key[len(c.prefix):]), keyError, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (c *Collection) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.check()
}

func liveOrNil(doc model.Document, tombstone bool) model.Document {
	if tombstone {
		return nil
	}
	return doc
}

// nextRev is "{generation}-{hash of content}".
func nextRev(prev string, content []byte) string {
	gen := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		gen, _ = strconv.Atoi(prev[:i])
	}
	return fmt.Sprintf("%d-%016x", gen+1, xxhash.Sum64(content))
}
