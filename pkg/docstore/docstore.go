// Package docstore is the embedded document database behind the cache.
//
// A Store keeps named collections of model.Documents in badger. Each
// collection supports conditional upserts, removal via tombstones,
// selector queries backed by declared indexes and a change feed shared
// by all subscribers of that collection.
//
//	store, _ := docstore.New(docstore.Config{KV: kv})
//	contents := store.Collection("contents")
//	res, err := contents.UpsertProps(ctx, doc)
//	docs, err := contents.Find(ctx, selector.Query{Selector: selector.Selector{"history_id": "f2db41e1"}})
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/i5heu/contentcache/encoding"
	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/changefeed"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
)

// feedProbeInterval is how often the feed marker is rewritten until the
// native subscription picks it up.
const feedProbeInterval = 10 * time.Millisecond

type Config struct {
	KV     *keyValStore.KeyValStore
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store owns one Collection per name and the feed registry they share.
type Store struct {
	kv    *keyValStore.KeyValStore
	clock clock.Clock
	log   *slog.Logger
	feeds *changefeed.Registry

	mu          sync.Mutex
	collections map[string]*Collection
	closed      atomic.Bool
}

func New(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("docstore: key value store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Logger
	}
	s := &Store{
		kv:          cfg.KV,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		collections: make(map[string]*Collection),
	}
	s.feeds = changefeed.NewRegistry(s, cfg.Logger)
	return s, nil
}

// Collection returns the process wide instance for name.
func (s *Store) Collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &Collection{
			store:  s,
			name:   name,
			prefix: collectionPrefix(name),
			log:    s.log.With(keyCollection, name),
		}
		s.collections[name] = c
	}
	return c
}

// Feeds exposes the registry so that other components can share it.
func (s *Store) Feeds() *changefeed.Registry {
	return s.feeds
}

// Close stops every change feed. The key value store belongs to the
// caller and stays open.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.feeds.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Stream implements changefeed.Source on top of badger subscriptions.
func (s *Store) Stream(ctx context.Context, collection string, ready func(), emit func([]changefeed.Change)) error {
	prefix := collectionPrefix(collection)
	sentinel := designKey(collection, feedSentinel)
	token := uuid.NewString()

	seen := make(chan struct{})
	var seenOnce sync.Once

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- s.kv.Subscribe(subCtx, prefix, func(items []keyValStore.Item) error {
			changes := make([]changefeed.Change, 0, len(items))
			for _, it := range items {
				id := string(it.Key[len(prefix):])
				if IsDesignID(id) {
					if string(it.Key) == string(sentinel) && string(it.Value) == token {
						seenOnce.Do(func() { close(seen) })
					}
					continue
				}
				if c, ok := s.decodeChange(collection, id, it); ok {
					changes = append(changes, c)
				}
			}
			emit(changes)
			return nil
		})
	}()

	for registered := false; !registered; {
		if err := s.kv.Write(sentinel, []byte(token)); err != nil {
			return fmt.Errorf("docstore: feed marker for %s: %w", collection, err)
		}
		select {
		case <-seen:
			registered = true
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(feedProbeInterval):
		}
	}
	ready()
	if err := s.kv.Delete(sentinel); err != nil {
		s.log.Debug("feed marker not removed", keyCollection, collection, keyError, err)
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		cancel()
		<-errc
		return ctx.Err()
	}
}

// Snapshot implements changefeed.Source. Tombstones are included.
func (s *Store) Snapshot(ctx context.Context, collection string) ([]changefeed.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := collectionPrefix(collection)
	items, err := s.kv.GetItemsWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	changes := make([]changefeed.Change, 0, len(items))
	for _, it := range items {
		id := string(it.Key[len(prefix):])
		if IsDesignID(id) {
			continue
		}
		if c, ok := s.decodeChange(collection, id, it); ok {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

func (s *Store) decodeChange(collection, id string, it keyValStore.Item) (changefeed.Change, bool) {
	if it.Deleted {
		return changefeed.Change{ID: id, Deleted: true}, true
	}
	doc, tombstone, err := encoding.DecodeDocument(it.Value)
	if err != nil {
		s.log.Warn("undecodable document in feed", keyCollection, collection, keyID, id, keyError, err)
		return changefeed.Change{}, false
	}
	return changefeed.Change{ID: id, Doc: doc, Deleted: tombstone}, true
}

// readDoc loads a stored document inside txn. A missing key yields a nil
// document and no error.
func readDoc(txn *badger.Txn, key []byte) (doc model.Document, tombstone bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	d, tomb, err := encoding.DecodeDocument(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", strings.TrimPrefix(string(key), collectionKeyPrefix), err)
	}
	return d, tomb, nil
}
