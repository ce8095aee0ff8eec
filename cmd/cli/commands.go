package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	contentcache "github.com/i5heu/contentcache"
	"github.com/i5heu/contentcache/pkg/docstore"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/loader"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
	"github.com/i5heu/contentcache/pkg/watcher"
)

// scopeFlags switches a command to the collection elements store when
// --collection names a parent contents url.
type scopeFlags struct {
	parentURL string
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.parentURL, "collection", "", "work on the elements of the collection at this contents url")
}

func (s *scopeFlags) collection(c *contentcache.Cache) (*docstore.Collection, error) {
	if s.parentURL != "" {
		return c.CollectionContents()
	}
	return c.Contents()
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Cache a JSON array of items in server shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(args[0])
			if err != nil {
				return err
			}
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				page := loader.LoaderFunc(func(context.Context, string, filters.Params, loader.WindowSpec) (loader.Page, error) {
					return loader.Page{Items: items}, nil
				})
				var cacher *loader.Cacher
				if scope.parentURL != "" {
					cacher, err = c.CollectionCacher(page)
				} else {
					cacher, err = c.ContentCacher(page)
				}
				if err != nil {
					return err
				}
				res, err := cacher.Load(ctx, scope.parentURL, filters.Params{}, loader.WindowSpec{})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cached %d items, %d changed\n", res.Items, res.Updated)
				return nil
			})
		},
	}
	scope.register(cmd)
	return cmd
}

func readItems(path string) ([]model.Document, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var items []model.Document
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return items, nil
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one cached document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				col, err := scope.collection(c)
				if err != nil {
					return err
				}
				doc, err := col.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("%s not found", args[0])
				}
				return opts.print(cmd.OutOrStdout(), doc)
			})
		},
	}
	scope.register(cmd)
	return cmd
}

func newFindCmd(opts *rootOptions) *cobra.Command {
	var (
		scope scopeFlags
		query string
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Run a query and print the matching documents",
		Example: `  contentcache find --query '{"selector":{"history_id":"f2db41e1"},"sort":[{"hid":"desc"}],"limit":10}'
  contentcache find --query '{"selector":{"history_id":"f2db41e1","name":{"$regex":"(?i)fastq"}}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var q selector.Query
			if err := json.Unmarshal([]byte(query), &q); err != nil {
				return fmt.Errorf("parse query: %w", err)
			}
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				col, err := scope.collection(c)
				if err != nil {
					return err
				}
				docs, err := col.Find(ctx, q)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), docs)
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", `{"selector":{}}`, "query as JSON")
	scope.register(cmd)
	return cmd
}

type windowFlags struct {
	target int64
	params filters.Params
}

func (w *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&w.target, "target", 0, "key to center the window on")
	cmd.Flags().StringVar(&w.params.Text, "filter", "", "filter text, e.g. 'name:reads extension=fastqsanger'")
	cmd.Flags().BoolVar(&w.params.ShowDeleted, "deleted", false, "show deleted items")
	cmd.Flags().BoolVar(&w.params.ShowHidden, "hidden", false, "show hidden items")
}

// startWatch starts the watch matching scope. Collection scopes use
// element order, everything else is a history id.
func startWatch(c *contentcache.Cache, collection bool, requests <-chan watcher.Request) (*watcher.Watch, error) {
	if collection {
		return c.WatchCollectionContents(requests, contentcache.WatchOptions{})
	}
	return c.WatchHistoryContents(requests, contentcache.WatchOptions{})
}

func newWindowCmd(opts *rootOptions) *cobra.Command {
	var (
		wf         windowFlags
		collection bool
	)
	cmd := &cobra.Command{
		Use:   "window <history id | contents url>",
		Short: "Print the window around a key once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				requests := make(chan watcher.Request, 1)
				requests <- watcher.Request{ScopeID: args[0], Filters: wf.params, TargetKey: wf.target}
				w, err := startWatch(c, collection, requests)
				if err != nil {
					return err
				}
				defer w.Stop()

				select {
				case p, ok := <-w.Payloads():
					if !ok {
						return w.Err()
					}
					return opts.print(cmd.OutOrStdout(), p)
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	wf.register(cmd)
	cmd.Flags().BoolVar(&collection, "collection", false, "the scope is a collection contents url")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		wf         windowFlags
		collection bool
	)
	cmd := &cobra.Command{
		Use:   "watch <history id | contents url>",
		Short: "Print a window every time it changes",
		Long: `Print a window every time it changes. Each line read from stdin
moves the window to the key it contains.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				requests := make(chan watcher.Request, 1)
				req := watcher.Request{ScopeID: args[0], Filters: wf.params, TargetKey: wf.target}
				requests <- req
				w, err := startWatch(c, collection, requests)
				if err != nil {
					return err
				}
				defer w.Stop()

				go readTargets(ctx, cmd.InOrStdin(), req, requests)
				for {
					select {
					case p, ok := <-w.Payloads():
						if !ok {
							return w.Err()
						}
						if err := opts.print(cmd.OutOrStdout(), p); err != nil {
							return err
						}
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
	wf.register(cmd)
	cmd.Flags().BoolVar(&collection, "collection", false, "the scope is a collection contents url")
	return cmd
}

func readTargets(ctx context.Context, in io.Reader, req watcher.Request, requests chan<- watcher.Request) {
	var line string
	for {
		if _, err := fmt.Fscanln(in, &line); err != nil {
			if err == io.EOF {
				return
			}
			continue
		}
		key, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		req.TargetKey = key
		select {
		case requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print document counts and store counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withCache(cmd, func(ctx context.Context, c *contentcache.Cache) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newGCCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Flatten the store and reclaim value log space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withCache(cmd, func(_ context.Context, c *contentcache.Cache) error {
				if err := c.GarbageCollect(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Garbage collection done.")
				return nil
			})
		},
	}
}

func (o *rootOptions) print(w io.Writer, v any) error {
	switch o.output {
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", o.output)
}
