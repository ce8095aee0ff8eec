package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

// IndexResult reports what CreateIndex did. Both values are success.
type IndexResult string

const (
	IndexCreated IndexResult = "created"
	IndexExists  IndexResult = "exists"
)

// indexBackfillBatch bounds the entries written per batch when a new index
// is built over existing documents.
const indexBackfillBatch = 1000

// CreateIndex declares spec. Declaring an index that already exists is
// not an error. Index entries only narrow the candidates of a query; Find
// always re-checks the full selector.
func (c *Collection) CreateIndex(ctx context.Context, spec selector.IndexSpec) (IndexResult, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	if spec.IsZero() {
		return "", errors.New("docstore: index needs at least one field")
	}
	if spec.DDoc == "" {
		spec = selector.NewIndexSpec(spec.Fields...)
	}
	if _, err := c.indexSpecs(); err != nil {
		return "", err
	}

	c.idxMu.Lock()
	if _, ok := c.indexes[spec.DDoc]; ok {
		c.idxMu.Unlock()
		return IndexExists, nil
	}
	// registered before the backfill so that concurrent writes maintain it
	c.indexes[spec.DDoc] = spec
	c.building[spec.DDoc] = struct{}{}
	c.idxMu.Unlock()

	err := c.build(spec)
	c.idxMu.Lock()
	delete(c.building, spec.DDoc)
	if err != nil {
		delete(c.indexes, spec.DDoc)
	}
	c.idxMu.Unlock()
	if err != nil {
		return "", err
	}
	c.log.Info("index created", keyDDoc, spec.DDoc)
	return IndexCreated, nil
}

func (c *Collection) build(spec selector.IndexSpec) error {
	if err := c.backfill(spec); err != nil {
		return err
	}
	def, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if err := c.store.kv.Write(designKey(c.name, spec.DDoc), def); err != nil {
		return fmt.Errorf("docstore: store index %s: %w", spec.DDoc, err)
	}
	return nil
}

// Indexes lists declared indexes ordered by name.
func (c *Collection) Indexes() ([]selector.IndexSpec, error) {
	specs, err := c.indexSpecs()
	if err != nil {
		return nil, err
	}
	out := make([]selector.IndexSpec, 0, len(specs))
	out = append(out, specs...)
	return out, nil
}

// Find runs q against the collection. A declared q.Index is created on
// first use. Failures are logged with the query and returned as
// *QueryError.
func (c *Collection) Find(ctx context.Context, q selector.Query) ([]model.Document, error) {
	docs, err := c.find(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.log.Error("query failed", keySelector, q.Selector, keyError, err)
		return nil, &QueryError{Collection: c.name, Query: q, Err: err}
	}
	return docs, nil
}

func (c *Collection) find(ctx context.Context, q selector.Query) ([]model.Document, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Index != nil && !q.Index.IsZero() {
		if _, err := c.CreateIndex(ctx, *q.Index); err != nil {
			return nil, err
		}
	}

	candidates, err := c.candidates(q.Selector)
	if err != nil {
		return nil, err
	}
	return q.Apply(candidates), nil
}

// FindByField returns one live document whose field equals value, or nil.
// An index on field is declared on first use.
func (c *Collection) FindByField(ctx context.Context, field string, value any) (model.Document, error) {
	spec := selector.NewIndexSpec(field)
	docs, err := c.Find(ctx, selector.Query{
		Selector: selector.Selector{field: value},
		Limit:    1,
		Index:    &spec,
	})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// candidates picks the index covering the most leading equality fields of
// sel, or falls back to a full scan.
func (c *Collection) candidates(sel selector.Selector) ([]model.Document, error) {
	specs, err := c.queryableSpecs()
	if err != nil {
		return nil, err
	}

	var (
		best       selector.IndexSpec
		bestValues []string
	)
	for _, spec := range specs {
		var values []string
		for _, f := range spec.Fields {
			v, ok := sel.EqualityValue(f)
			if !ok {
				break
			}
			enc, ok := indexValue(v, true)
			if !ok {
				break
			}
			values = append(values, enc)
		}
		if len(values) > len(bestValues) {
			best, bestValues = spec, values
		}
	}
	if len(bestValues) == 0 {
		return c.all()
	}

	var docs []model.Document
	err = c.store.kv.View(func(txn *badger.Txn) error {
		entries, err := keyValStore.ScanPrefix(txn, indexEntryPrefix(c.name, best.DDoc, bestValues), nil)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			id := string(e.Value)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			doc, tombstone, err := readDoc(txn, docKey(c.name, id))
			if err != nil {
				return err
			}
			if doc == nil || tombstone {
				continue
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// IndexEntries counts the entries of every declared index.
func (c *Collection) IndexEntries(ctx context.Context) (map[string]int, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	specs, err := c.indexSpecs()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(specs))
	for _, spec := range specs {
		n, err := c.store.kv.CountPrefix(indexEntryPrefix(c.name, spec.DDoc, nil))
		if err != nil {
			return nil, fmt.Errorf("docstore: count entries of %s: %w", spec.DDoc, err)
		}
		counts[spec.DDoc] = n
	}
	return counts, nil
}

// reindex replaces the entries of before with those of after. Either may
// be nil.
func (c *Collection) reindex(txn *badger.Txn, specs []selector.IndexSpec, id string, before, after model.Document) error {
	for _, spec := range specs {
		oldValues, hadOld := entryValues(spec, before)
		newValues, hasNew := entryValues(spec, after)
		if hadOld && hasNew && equalStrings(oldValues, newValues) {
			continue
		}
		if hadOld {
			if err := txn.Delete(indexEntryKey(c.name, spec.DDoc, oldValues, id)); err != nil {
				return err
			}
		}
		if hasNew {
			if err := txn.Set(indexEntryKey(c.name, spec.DDoc, newValues, id), []byte(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection) backfill(spec selector.IndexSpec) error {
	docs, err := c.all()
	if err != nil {
		return err
	}
	batch := make([][2][]byte, 0, indexBackfillBatch)
	for _, d := range docs {
		values, ok := entryValues(spec, d)
		if !ok {
			continue
		}
		batch = append(batch, [2][]byte{indexEntryKey(c.name, spec.DDoc, values, d.ID()), []byte(d.ID())})
		if len(batch) == indexBackfillBatch {
			if err := c.store.kv.WriteBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return c.store.kv.WriteBatch(batch)
	}
	return nil
}

// indexSpecs returns the declared indexes, loading them on first use.
func (c *Collection) indexSpecs() ([]selector.IndexSpec, error) {
	if err := c.loadIndexes(); err != nil {
		return nil, err
	}
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	return c.sortedSpecsLocked(), nil
}

// queryableSpecs returns the indexes whose backfill has finished.
func (c *Collection) queryableSpecs() ([]selector.IndexSpec, error) {
	if err := c.loadIndexes(); err != nil {
		return nil, err
	}
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	specs := c.sortedSpecsLocked()
	ready := specs[:0]
	for _, s := range specs {
		if _, busy := c.building[s.DDoc]; !busy {
			ready = append(ready, s)
		}
	}
	return ready, nil
}

// withIndexes runs fn while holding the index set stable. CreateIndex
// waits for fn so that a write never misses a freshly declared index.
func (c *Collection) withIndexes(fn func([]selector.IndexSpec) error) error {
	if err := c.loadIndexes(); err != nil {
		return err
	}
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	return fn(c.sortedSpecsLocked())
}

func (c *Collection) sortedSpecsLocked() []selector.IndexSpec {
	specs := make([]selector.IndexSpec, 0, len(c.indexes))
	for _, s := range c.indexes {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].DDoc < specs[j].DDoc })
	return specs
}

func (c *Collection) loadIndexes() error {
	c.idxMu.RLock()
	loaded := c.idxLoaded
	c.idxMu.RUnlock()
	if loaded {
		return nil
	}

	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	if c.idxLoaded {
		return nil
	}

	prefix := designPrefix(c.name)
	indexes := make(map[string]selector.IndexSpec)
	err := c.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			if name == feedSentinel || strings.Contains(name, sep) {
				continue
			}
			var spec selector.IndexSpec
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &spec)
			})
			if err != nil {
				return fmt.Errorf("index definition %s: %w", name, err)
			}
			indexes[spec.DDoc] = spec
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("docstore: load indexes of %s: %w", c.name, err)
	}
	c.indexes = indexes
	c.building = make(map[string]struct{})
	c.idxLoaded = true
	return nil
}

func entryValues(spec selector.IndexSpec, doc model.Document) ([]string, bool) {
	if doc == nil {
		return nil, false
	}
	values := make([]string, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		v, ok := indexValue(doc.Get(f))
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
