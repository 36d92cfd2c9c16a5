package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaylist/internal/deltafeed"
	"github.com/agentworkforce/relaylist/internal/docstore"
	"github.com/agentworkforce/relaylist/internal/listsync"
	"github.com/agentworkforce/relaylist/internal/logging"
	"github.com/agentworkforce/relaylist/internal/remote"
)

type options struct {
	storeDSN      string
	profile       string
	dataDir       string
	url           string
	token         string
	listID        string
	pageSize      int
	sortField     string
	cacheSize     int
	detectChanges bool
	rps           float64
	timeout       time.Duration
	logLevel      string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "relaylist",
		Short:         "Keep paginated remote lists in sync with a local store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.storeDSN, "store", envOrDefault("RELAYLIST_STORE_DSN", ""), "store DSN (memory://, file://, pebble://, sqlite://, postgres://)")
	flags.StringVar(&opts.profile, "profile", envOrDefault("RELAYLIST_BACKEND_PROFILE", ""), "storage profile when --store is empty (memory, durable-local, shared-local, embedded-sql, production)")
	flags.StringVar(&opts.dataDir, "data-dir", envOrDefault("RELAYLIST_DATA_DIR", ".relaylist"), "data directory for local profiles")
	flags.StringVar(&opts.url, "url", envOrDefault("RELAYLIST_URL", ""), "remote page URL; pageSize and startKey are added as query parameters")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYLIST_TOKEN")), "bearer token for the remote API")
	flags.StringVar(&opts.listID, "list", envOrDefault("RELAYLIST_LIST", listsync.DefaultListID), "list id")
	flags.IntVar(&opts.pageSize, "page-size", intEnv("RELAYLIST_PAGE_SIZE", listsync.DefaultPageSize), "page size")
	flags.StringVar(&opts.sortField, "sort-field", envOrDefault("RELAYLIST_SORT_FIELD", ""), "item field the remote sorts by (default: id)")
	flags.IntVar(&opts.cacheSize, "cache-size", intEnv("RELAYLIST_CACHE_SIZE", listsync.DefaultCacheSize), "items kept in memory per list")
	flags.BoolVar(&opts.detectChanges, "detect-changes", boolEnv("RELAYLIST_DETECT_CHANGES", false), "report content changes of items whose sort key did not move")
	flags.Float64Var(&opts.rps, "rps", floatEnv("RELAYLIST_REQUESTS_PER_SECOND", 0), "remote requests per second (0 = unpaced)")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv("RELAYLIST_TIMEOUT", 15*time.Second), "remote request timeout")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("RELAYLIST_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newSyncCommand(opts), newServeCommand(opts))
	return root
}

func (o *options) logger() *logging.DefaultLogger {
	return logging.NewDefaultLogger(logging.ParseLevel(o.logLevel))
}

func (o *options) sortKey() listsync.SortKeyFunc {
	field := strings.TrimSpace(o.sortField)
	if field == "" || field == "id" {
		return nil
	}
	return func(item listsync.Item) any {
		return item[field]
	}
}

func (o *options) fetcher(logger logging.Logger) (*remote.Client, error) {
	if strings.TrimSpace(o.url) == "" {
		return nil, &listsync.ConfigError{Field: "url", Reason: "is required (--url or RELAYLIST_URL)"}
	}
	builder, err := remote.QueryURLBuilder(o.url)
	if err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Options{
		URLBuilder:        builder,
		Headers:           remote.BearerToken(o.token),
		HTTPClient:        &http.Client{Timeout: o.timeout},
		RequestsPerSecond: o.rps,
		Logger:            logger,
	})
}

func (o *options) loaderConfig(listID string, store docstore.Store, fetcher listsync.Fetcher, logger logging.Logger) listsync.Config {
	return listsync.Config{
		ListID:               listID,
		PageSize:             o.pageSize,
		SortKey:              o.sortKey(),
		Store:                store,
		Fetcher:              fetcher,
		CacheSize:            o.cacheSize,
		DetectContentChanges: o.detectChanges,
		Logger:               logger,
	}
}

func newSyncCommand(opts *options) *cobra.Command {
	var pages int
	var refresh bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Walk a list page by page and print its items as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts, pages, refresh, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&pages, "pages", intEnv("RELAYLIST_SYNC_PAGES", 0), "stop after this many pages (0 = until the list ends)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh the materialized range after walking")
	return cmd
}

func runSync(ctx context.Context, opts *options, pages int, refresh bool, out io.Writer) error {
	logger := opts.logger().With("cmd", "sync")
	store, dsn, err := openStore(opts.storeDSN, opts.profile, opts.dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	fetcher, err := opts.fetcher(logger)
	if err != nil {
		return err
	}
	loader, err := listsync.NewLoader(opts.loaderConfig(opts.listID, store, fetcher, logger))
	if err != nil {
		return err
	}
	var inserted, removed int
	loader.Observe(func(_, n int, items []listsync.Item) {
		removed += n
		inserted += len(items)
	})
	logger.Info("sync starting", "list", opts.listID, "store", redactDSN(dsn))

	enc := json.NewEncoder(out)
	for n := 0; pages <= 0 || n < pages; n++ {
		items, err := loader.LoadNextPage(ctx)
		if err != nil {
			return fmt.Errorf("load page %d: %w", n+1, err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
	}
	if refresh {
		if err := loader.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
	}
	length, err := loader.Engine().Len(ctx)
	if err != nil {
		return err
	}
	logger.Info("sync completed", "list", opts.listID, "length", length, "inserted", inserted, "removed", removed)
	return nil
}

func newServeCommand(opts *options) *cobra.Command {
	var (
		addr           string
		jwtSecret      string
		refreshEvery   time.Duration
		intervalJitter float64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve lists over HTTP and stream their splices over websockets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, serveOptions{
				addr:           addr,
				jwtSecret:      jwtSecret,
				refreshEvery:   refreshEvery,
				intervalJitter: clampJitterRatio(intervalJitter),
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("RELAYLIST_ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", strings.TrimSpace(os.Getenv("RELAYLIST_JWT_SECRET")), "HS256 secret for bearer auth (empty disables auth)")
	cmd.Flags().DurationVar(&refreshEvery, "refresh-interval", durationEnv("RELAYLIST_REFRESH_INTERVAL", 0), "refresh every open list at this interval (0 = never)")
	cmd.Flags().Float64Var(&intervalJitter, "interval-jitter", floatEnv("RELAYLIST_REFRESH_INTERVAL_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	return cmd
}

type serveOptions struct {
	addr           string
	jwtSecret      string
	refreshEvery   time.Duration
	intervalJitter float64
}

func runServe(ctx context.Context, opts *options, serve serveOptions) error {
	logger := opts.logger().With("cmd", "serve")
	store, dsn, err := openStore(opts.storeDSN, opts.profile, opts.dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	fetcher, err := opts.fetcher(logger)
	if err != nil {
		return err
	}
	if err := listsync.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	broker := deltafeed.NewBroker(0)
	registry, err := listsync.NewRegistry(listsync.RegistryOptions{
		Build: func(listID string) (*listsync.Loader, error) {
			return listsync.NewLoader(opts.loaderConfig(listID, store, fetcher, logger))
		},
		OnSplice: broker.Publish,
	})
	if err != nil {
		return err
	}

	if fileStore, ok := store.(*docstore.FileStore); ok {
		err := fileStore.Watch(ctx, func(listID string) {
			invalidateCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			if err := registry.Invalidate(invalidateCtx, listID); err != nil {
				logger.Warn("invalidate after external write failed", "list", listID, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("watch store: %w", err)
		}
	}
	if serve.refreshEvery > 0 {
		go refreshLoop(ctx, registry, serve.refreshEvery, serve.intervalJitter, opts.timeout, logger)
	}

	handler, err := deltafeed.NewServer(deltafeed.Config{
		Registry:  registry,
		Broker:    broker,
		JWTSecret: serve.jwtSecret,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              serve.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("relaylist listening", "addr", serve.addr, "store", redactDSN(dsn))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("relaylist stopping", "reason", ctx.Err())
	return httpServer.Shutdown(shutdownCtx)
}

// refreshLoop refreshes every list the registry has served, one list at a
// time, so upstream changes reach idle subscribers.
func refreshLoop(ctx context.Context, registry *listsync.Registry, every time.Duration, jitter float64, timeout time.Duration, logger logging.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(every, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			for _, listID := range registry.Lists() {
				refreshCtx, cancel := context.WithTimeout(ctx, timeout)
				err := registry.Do(refreshCtx, listID, func(l *listsync.Loader) error {
					return l.Refresh(refreshCtx)
				})
				cancel()
				if err != nil {
					logger.Warn("scheduled refresh failed", "list", listID, "err", err)
				}
			}
			timer.Reset(jitteredIntervalWithSample(every, jitter, rng.Float64()))
		}
	}
}
