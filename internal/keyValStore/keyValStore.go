package keyValStore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/juju/clock"

	"github.com/i5heu/contentcache/pkg/logging"
)

// ErrNotFound is returned by Read for absent keys.
var ErrNotFound = errors.New("keyValStore: key not found")

// maxConflictRetries bounds Update retries on optimistic transaction conflicts.
const maxConflictRetries = 16

type KeyValStore struct {
	config       StoreConfig
	log          *slog.Logger
	badgerDB     *badger.DB
	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
	totalReads   atomic.Uint64
	totalWrites  atomic.Uint64
	conflicts    atomic.Uint64
}

// Item is one key/value pair. Deleted is set for keys removed from the
// store, which arrive through Subscribe with an empty value.
type Item struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// Stats are lifetime operation counters.
type Stats struct {
	Reads     uint64
	Writes    uint64
	Conflicts uint64
	LSMSize   int64
	VlogSize  int64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logging.Logger
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := logDiskUsage(config.Logger, config.Paths[:1]); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}, nil
}

// StartTransactionCounter logs read and write rates every interval until
// ctx is done. The returned channel closes when the counter has stopped.
func (k *KeyValStore) StartTransactionCounter(ctx context.Context, clk clock.Clock, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-clk.After(interval):
			}
			readOps := k.readCounter.Swap(0)
			writeOps := k.writeCounter.Swap(0)
			if readOps == 0 && writeOps == 0 {
				continue
			}
			seconds := interval.Seconds()
			k.log.Debug("kv operations",
				keyReadsPerS, float64(readOps)/seconds,
				keyWritesPerS, float64(writeOps)/seconds)
		}
	}()
	return done
}

func (k *KeyValStore) countRead() {
	k.readCounter.Add(1)
	k.totalReads.Add(1)
}

func (k *KeyValStore) countWrite() {
	k.writeCounter.Add(1)
	k.totalWrites.Add(1)
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	return k.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
}

func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for _, kv := range batch {
		k.countWrite()
		if err := wb.Set(kv[0], kv[1]); err != nil {
			return fmt.Errorf("error writing batch: %w", err)
		}
	}
	return wb.Flush()
}

// Update runs fn in a read-write transaction. On an optimistic conflict
// the whole transaction is retried, so fn must be free of side effects
// outside txn.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		k.countWrite()
		err = k.badgerDB.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			if attempt > 0 {
				k.log.Debug("transaction committed after conflicts", keyRetries, attempt)
			}
			return err
		}
		k.conflicts.Add(1)
	}
	return fmt.Errorf("update gave up after %d conflicts: %w", maxConflictRetries, err)
}

// View runs fn in a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	k.countRead()
	return k.badgerDB.View(fn)
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	k.countRead()
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %q: %w", key, err)
	}
	return value, nil
}

func (k *KeyValStore) Delete(key []byte) error {
	return k.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetItemsWithPrefix returns all keys and values with the given prefix in
// key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([]Item, error) {
	var items []Item
	err := k.View(func(txn *badger.Txn) error {
		var err error
		items, err = ScanPrefix(txn, prefix, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ScanPrefix appends every item under prefix visible in txn to dst. It
// stops at the first value that cannot be read.
func ScanPrefix(txn *badger.Txn, prefix []byte, dst []Item) ([]Item, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var err error
		if dst, err = appendItem(dst, it.Item()); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// valueItem is the part of *badger.Item a scan reads.
type valueItem interface {
	KeyCopy(dst []byte) []byte
	ValueCopy(dst []byte) ([]byte, error)
}

func appendItem(dst []Item, item valueItem) ([]Item, error) {
	key := item.KeyCopy(nil)
	v, err := item.ValueCopy(nil)
	if err != nil {
		return dst, fmt.Errorf("error reading value of key %q: %w", key, err)
	}
	return append(dst, Item{Key: key, Value: v}), nil
}

// CountPrefix counts keys under prefix without reading values.
func (k *KeyValStore) CountPrefix(prefix []byte) (int, error) {
	n := 0
	err := k.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Subscribe calls cb with every batch of writes under prefix until ctx is
// done or cb returns an error. Writes committed before the subscription
// is registered inside badger are not delivered, so callers that need a
// gap-free feed must confirm registration with a marker write.
func (k *KeyValStore) Subscribe(ctx context.Context, prefix []byte, cb func([]Item) error) error {
	err := k.badgerDB.Subscribe(ctx, func(list *badger.KVList) error {
		batch := make([]Item, 0, len(list.Kv))
		for _, kv := range list.Kv {
			batch = append(batch, Item{
				Key:     kv.Key,
				Value:   kv.Value,
				Deleted: len(kv.Value) == 0,
			})
		}
		return cb(batch)
	}, []pb.Match{{Prefix: prefix}})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		k.log.Warn("subscription ended", keyPrefix, string(prefix), keyError, err)
	}
	return err
}

func (k *KeyValStore) Stats() Stats {
	lsm, vlog := k.badgerDB.Size()
	return Stats{
		Reads:     k.totalReads.Load(),
		Writes:    k.totalWrites.Load(),
		Conflicts: k.conflicts.Load(),
		LSMSize:   lsm,
		VlogSize:  vlog,
	}
}

func (k *KeyValStore) Close() error {
	var errs error
	if !k.config.InMemory {
		if err := k.badgerDB.Sync(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("error syncing db: %w", err))
		}
	}
	if err := k.badgerDB.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}

	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
