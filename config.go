package contentcache

import (
	"log/slog"
	"time"

	"github.com/juju/clock"
)

const (
	defaultPageSize        = 50
	defaultChunkMultiplier = 2
	defaultQueryDebounce   = 50 * time.Millisecond
	defaultEmitDebounce    = 50 * time.Millisecond
	defaultCoalesce        = 20 * time.Millisecond
	defaultPollInterval    = 3 * time.Second
	defaultMaxPollInterval = time.Minute
)

// Config configures the cache. Only Paths[0] is used at the moment.
type Config struct {
	// Paths contains data directories. Ignored when InMemory is set.
	Paths []string
	// MinimumFreeGB is a free-space threshold checked when the store opens.
	MinimumFreeGB uint
	// InMemory keeps the store in RAM. Nothing survives Close.
	InMemory bool
	// GCInterval runs the value log garbage collection periodically. Zero
	// disables it.
	GCInterval time.Duration
	// StatsLogInterval logs store read and write rates at debug level.
	// Zero disables it.
	StatsLogInterval time.Duration
	// Workers sizes the pool that prepares loaded pages. Zero picks a
	// multiple of the CPU count.
	Workers int
	// Logger is an optional structured logger. If nil, pkg/logging's tint
	// logger is used.
	Logger *slog.Logger
	// Clock drives debouncing, polling and cached_at stamps.
	Clock clock.Clock

	Watch WatchConfig
	Poll  PollConfig
}

// WatchConfig holds the tunables shared by every watch.
type WatchConfig struct {
	PageSize int
	// ChunkMultiplier sets the chunk size as a multiple of PageSize.
	ChunkMultiplier int
	// QueryLimit caps each monitor query. Zero derives it from the chunk
	// and page size.
	QueryLimit    int
	QueryDebounce time.Duration
	EmitDebounce  time.Duration
	Coalesce      time.Duration
}

type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Watch.PageSize <= 0 {
		c.Watch.PageSize = defaultPageSize
	}
	if c.Watch.ChunkMultiplier <= 0 {
		c.Watch.ChunkMultiplier = defaultChunkMultiplier
	}
	if c.Watch.QueryDebounce <= 0 {
		c.Watch.QueryDebounce = defaultQueryDebounce
	}
	if c.Watch.EmitDebounce <= 0 {
		c.Watch.EmitDebounce = defaultEmitDebounce
	}
	if c.Watch.Coalesce <= 0 {
		c.Watch.Coalesce = defaultCoalesce
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = defaultPollInterval
	}
	if c.Poll.MaxInterval < c.Poll.Interval {
		c.Poll.MaxInterval = max(defaultMaxPollInterval, c.Poll.Interval)
	}
}
