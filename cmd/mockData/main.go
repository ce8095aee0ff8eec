// mockData seeds a cache with synthetic histories and then churns them
// while a watch follows the first history.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	contentcache "github.com/i5heu/contentcache"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/loader"
	"github.com/i5heu/contentcache/pkg/logging"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/watcher"
)

// rateLimiter controls operations per second.
type rateLimiter struct {
	tokens chan struct{}
	stop   chan struct{}
}

func newRateLimiter(rps int) *rateLimiter {
	if rps <= 0 {
		rps = 1
	}
	rl := &rateLimiter{tokens: make(chan struct{}, rps), stop: make(chan struct{})}
	// Seed the bucket to allow immediate bursts up to capacity
	for i := 0; i < rps; i++ {
		rl.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				select {
				case rl.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()
	return rl
}

func (rl *rateLimiter) acquire(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *rateLimiter) close() { close(rl.stop) }

var extensions = []string{"fastqsanger", "fasta", "bam", "vcf", "tabular", "txt"}

// historyItems builds count dataset items in server shape.
func historyItems(rng *rand.Rand, historyID string, count int) []model.Document {
	items := make([]model.Document, 0, count)
	for hid := 1; hid <= count; hid++ {
		items = append(items, mockItem(rng, historyID, hid))
	}
	return items
}

func mockItem(rng *rand.Rand, historyID string, hid int) model.Document {
	ext := extensions[rng.Intn(len(extensions))]
	return model.Document{
		model.FieldHistoryID:  historyID,
		model.FieldHid:        hid,
		model.FieldModelClass: "HistoryDatasetAssociation",
		"name":                fmt.Sprintf("sample_%04d.%s", hid, ext),
		"extension":           ext,
		"state":               "ok",
		"deleted":             false,
		"visible":             rng.Intn(20) != 0,
		"update_time":         time.Now().UTC().Format(time.RFC3339),
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logging.Logger.Error("mockData failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mockData", flag.ContinueOnError)
	histories := fs.Int("histories", 3, "number of histories to create")
	items := fs.Int("items", 500, "items per history")
	path := fs.String("path", "./data", "data directory")
	minFree := fs.Uint("min-free", 1, "minimum free disk space in GB")
	jsonOnly := fs.Bool("json", false, "print the first history as JSON instead of writing the cache")
	churn := fs.Int("churn", 200, "random edits applied after seeding")
	rps := fs.Int("rps", 100, "max edits per second")
	randSeed := fs.Int64("seed", time.Now().UnixNano(), "rand seed - useful for reproducible data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(*randSeed))

	if *jsonOnly {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(historyItems(rng, "mock0", *items))
	}

	logger := logging.New(logging.Options{Level: slog.LevelInfo, AddSource: true})
	ctx := context.Background()
	cache, err := contentcache.New(contentcache.Config{Paths: []string{*path}, MinimumFreeGB: *minFree, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to construct cache: %w", err)
	}
	if err := cache.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache: %w", err)
	}
	defer func() {
		if err := cache.Close(context.Background()); err != nil {
			logger.Warn("error closing cache", "error", err)
		}
	}()

	startTime := time.Now()
	cacher, err := cache.ContentCacher(loader.LoaderFunc(func(_ context.Context, scopeID string, _ filters.Params, _ loader.WindowSpec) (loader.Page, error) {
		return loader.Page{Items: historyItems(rng, scopeID, *items)}, nil
	}))
	if err != nil {
		return err
	}
	for h := 0; h < *histories; h++ {
		if _, err := cacher.Load(ctx, fmt.Sprintf("mock%d", h), filters.Params{}, loader.WindowSpec{}); err != nil {
			return fmt.Errorf("seed history %d: %w", h, err)
		}
	}
	fmt.Fprintf(out, "Seeding completed: %d histories x %d items in %s\n", *histories, *items, time.Since(startTime))

	if *churn <= 0 || *histories == 0 {
		return nil
	}
	payloads, err := churnHistory(ctx, cache, rng, "mock0", *items, *churn, *rps)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Churn completed: %d edits, %d payloads in %s\n", *churn, payloads, time.Since(startTime))
	return nil
}

// churnHistory edits random items of one history while a watch sits at
// its newest end, and returns the number of payloads the watch emitted.
func churnHistory(ctx context.Context, cache *contentcache.Cache, rng *rand.Rand, historyID string, items, edits, rps int) (int, error) {
	requests := make(chan watcher.Request, 1)
	requests <- watcher.Request{ScopeID: historyID, TargetKey: int64(items)}
	w, err := cache.WatchHistoryContents(requests, contentcache.WatchOptions{})
	if err != nil {
		return 0, err
	}

	counted := make(chan int, 1)
	go func() {
		n := 0
		for range w.Payloads() {
			n++
		}
		counted <- n
	}()

	limiter := newRateLimiter(rps)
	defer limiter.close()
	next := items + 1
	for i := 0; i < edits; i++ {
		if err := limiter.acquire(ctx); err != nil {
			break
		}
		var doc model.Document
		switch rng.Intn(4) {
		case 0:
			doc = mockItem(rng, historyID, next)
			next++
		case 1:
			doc = mockItem(rng, historyID, 1+rng.Intn(items))
			doc["deleted"] = true
		default:
			doc = mockItem(rng, historyID, 1+rng.Intn(items))
		}
		if _, err := cache.CacheContent(ctx, doc); err != nil {
			_ = w.Stop()
			return 0, err
		}
	}

	// let the last debounce window flush
	time.Sleep(200 * time.Millisecond)
	if err := w.Stop(); err != nil {
		return 0, err
	}
	return <-counted, nil
}
