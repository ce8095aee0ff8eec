package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	contentcache "github.com/i5heu/contentcache"
	"github.com/i5heu/contentcache/internal/config"
	"github.com/i5heu/contentcache/pkg/logging"
)

type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	output     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "contentcache",
		Short:         "Inspect and feed the local content cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "", "data directory (default ~/.contentcache/data)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "json or yaml")

	root.AddCommand(
		newImportCmd(opts),
		newGetCmd(opts),
		newFindCmd(opts),
		newWindowCmd(opts),
		newWatchCmd(opts),
		newStatsCmd(opts),
		newGCCmd(opts),
	)
	return root
}

// open builds the cache from the config file and flags and starts it.
func (o *rootOptions) open(ctx context.Context) (*contentcache.Cache, error) {
	var fileConf config.Config
	if o.configPath != "" {
		c, err := config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		fileConf = c
	} else {
		dir, err := o.defaultDataDir()
		if err != nil {
			return nil, err
		}
		c, err := config.Parse([]byte(fmt.Sprintf("paths: [%q]\n", dir)))
		if err != nil {
			return nil, err
		}
		fileConf = c
	}
	if o.dataDir != "" {
		fileConf.Paths = []string{o.dataDir}
		fileConf.InMemory = false
	}
	if o.logLevel != "" {
		fileConf.LogLevel = o.logLevel
	}
	level, err := logging.ParseLevel(fileConf.LogLevel)
	if err != nil {
		return nil, err
	}

	cache, err := contentcache.New(fileConf.Cache(logging.New(logging.Options{Level: level})))
	if err != nil {
		return nil, err
	}
	if err := cache.Start(ctx); err != nil {
		return nil, err
	}
	return cache, nil
}

func (o *rootOptions) defaultDataDir() (string, error) {
	if o.dataDir != "" {
		return o.dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".contentcache", "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// withCache runs fn against a started cache and closes it afterwards.
func (o *rootOptions) withCache(cmd *cobra.Command, fn func(context.Context, *contentcache.Cache) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cache, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cache.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, cache)
}
