package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	contentcache "github.com/i5heu/contentcache"
	"github.com/i5heu/contentcache/pkg/logging"
)

// DefaultPath is read when no config file is named.
const DefaultPath = "contentcache.yaml"

type Config struct {
	Paths         []string      `yaml:"paths"`
	MinimumFreeGB uint          `yaml:"minimumFreeGB"`
	InMemory      bool          `yaml:"inMemory"`
	LogLevel      string        `yaml:"logLevel"`
	GCInterval    time.Duration `yaml:"gcInterval"`
	Workers       int           `yaml:"workers"`
	// StatsLogInterval logs store throughput at debug level. Zero disables it.
	StatsLogInterval time.Duration `yaml:"statsLogInterval"`

	Watch Watch `yaml:"watch"`
	Poll  Poll  `yaml:"poll"`
}

type Watch struct {
	PageSize        int           `yaml:"pageSize"`
	ChunkMultiplier int           `yaml:"chunkMultiplier"`
	QueryLimit      int           `yaml:"queryLimit"`
	QueryDebounce   time.Duration `yaml:"queryDebounce"`
	EmitDebounce    time.Duration `yaml:"emitDebounce"`
	Coalesce        time.Duration `yaml:"coalesce"`
}

type Poll struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"maxInterval"`
}

// LoadConfig reads path, fills in defaults and validates the result. A
// missing file is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Watch.PageSize == 0 {
		c.Watch.PageSize = 50
	}
	if c.Watch.ChunkMultiplier == 0 {
		c.Watch.ChunkMultiplier = 2
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 3 * time.Second
	}
	if c.Poll.MaxInterval == 0 {
		c.Poll.MaxInterval = time.Minute
	}
}

func (c Config) Validate() error {
	var errs error
	if len(c.Paths) == 0 && !c.InMemory {
		errs = errors.Join(errs, errors.New("config: paths is empty and inMemory is off"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.Workers < 0 {
		errs = errors.Join(errs, errors.New("config: workers must not be negative"))
	}
	if c.Watch.PageSize < 1 {
		errs = errors.Join(errs, errors.New("config: watch.pageSize must be positive"))
	}
	if c.Watch.ChunkMultiplier < 1 {
		errs = errors.Join(errs, errors.New("config: watch.chunkMultiplier must be positive"))
	}
	if c.Watch.QueryLimit < 0 {
		errs = errors.Join(errs, errors.New("config: watch.queryLimit must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"gcInterval":          c.GCInterval,
		"statsLogInterval":    c.StatsLogInterval,
		"watch.queryDebounce": c.Watch.QueryDebounce,
		"watch.emitDebounce":  c.Watch.EmitDebounce,
		"watch.coalesce":      c.Watch.Coalesce,
	} {
		if d < 0 {
			errs = errors.Join(errs, fmt.Errorf("config: %s must not be negative", name))
		}
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxInterval < c.Poll.Interval {
		errs = errors.Join(errs, errors.New("config: poll needs 0 < interval <= maxInterval"))
	}
	return errs
}

// Cache converts the file settings into a cache configuration that logs
// to logger. A nil logger gets one at the configured level.
func (c Config) Cache(logger *slog.Logger) contentcache.Config {
	if logger == nil {
		level, _ := logging.ParseLevel(c.LogLevel)
		logger = logging.New(logging.Options{Level: level})
	}
	return contentcache.Config{
		Paths:            c.Paths,
		MinimumFreeGB:    c.MinimumFreeGB,
		InMemory:         c.InMemory,
		GCInterval:       c.GCInterval,
		StatsLogInterval: c.StatsLogInterval,
		Workers:          c.Workers,
		Logger:           logger,
		Watch: contentcache.WatchConfig{
			PageSize:        c.Watch.PageSize,
			ChunkMultiplier: c.Watch.ChunkMultiplier,
			QueryLimit:      c.Watch.QueryLimit,
			QueryDebounce:   c.Watch.QueryDebounce,
			EmitDebounce:    c.Watch.EmitDebounce,
			Coalesce:        c.Watch.Coalesce,
		},
		Poll: contentcache.PollConfig{
			Interval:    c.Poll.Interval,
			MaxInterval: c.Poll.MaxInterval,
		},
	}
}
