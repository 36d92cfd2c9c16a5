package listsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/relaylist/internal/docstore"
	"github.com/agentworkforce/relaylist/internal/logging"
)

type Config struct {
	ListID   string
	PageSize int
	SortKey  SortKeyFunc
	Store    docstore.Store
	Fetcher  Fetcher
	// CacheSize and DetectContentChanges are passed to the engine.
	CacheSize            int
	DetectContentChanges bool
	Logger               logging.Logger
}

// Loader walks a list page by page, serving pages from the local index when
// it can and fetching and merging remote pages when it cannot.
type Loader struct {
	engine   *Engine
	fetcher  Fetcher
	pageSize int
	logger   logging.Logger

	cursor Position
	items  []Item
}

func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Fetcher == nil {
		return nil, &ConfigError{Field: "Fetcher", Reason: "is required"}
	}
	if cfg.PageSize < 0 {
		return nil, &ConfigError{Field: "PageSize", Reason: "must be positive"}
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	engine, err := NewEngine(EngineOptions{
		ListID:               strings.TrimSpace(cfg.ListID),
		Store:                cfg.Store,
		SortKey:              cfg.SortKey,
		CacheSize:            cfg.CacheSize,
		DetectContentChanges: cfg.DetectContentChanges,
		Logger:               cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Loader{
		engine:   engine,
		fetcher:  cfg.Fetcher,
		pageSize: pageSize,
		logger:   logging.OrNop(cfg.Logger),
	}, nil
}

func (l *Loader) Engine() *Engine {
	return l.engine
}

func (l *Loader) PageSize() int {
	return l.pageSize
}

// Observe forwards to the engine's observer.
func (l *Loader) Observe(fn SpliceFunc) {
	l.engine.Observe(fn)
}

// Items returns the items materialized by LoadNextPage since the last
// Refresh.
func (l *Loader) Items() []Item {
	return append([]Item(nil), l.items...)
}

// LoadNextPage returns the next page after the cursor. A page found in the
// local index is returned without touching the network. Local pages whose
// items are all missing from the store are stepped over, so an empty result
// only comes from the remote.
func (l *Loader) LoadNextPage(ctx context.Context) ([]Item, error) {
	for {
		page, err := l.engine.ReadPage(ctx, l.pageSize, l.cursor)
		if err != nil {
			return nil, err
		}
		if page.Len() == 0 {
			break
		}
		l.cursor = page.Next
		items := page.Resolved()
		if len(items) == 0 {
			l.logger.Warn("skipping page of dangling entries", "list", l.engine.ListID(), "entries", page.Len())
			continue
		}
		l.items = append(l.items, items...)
		return items, nil
	}

	result, _, err := l.fetchAndMerge(ctx, l.cursor)
	if err != nil {
		return nil, err
	}
	l.cursor = result.Next
	l.items = append(l.items, result.Accepted...)
	return result.Accepted, nil
}

// Refresh re-fetches every page materialized so far from the beginning so
// upstream insertions and removals in that range reach the local index.
// Materialized items are reset; the persisted index is kept.
func (l *Loader) Refresh(ctx context.Context) error {
	pages := (len(l.items) + l.pageSize - 1) / l.pageSize
	if pages < 1 {
		pages = 1
	}
	l.cursor = Beginning
	l.items = nil

	pos := Beginning
	for n := 0; n < pages; n++ {
		result, eol, err := l.fetchAndMerge(ctx, pos)
		if err != nil {
			return err
		}
		pos = result.Next
		if eol {
			break
		}
	}
	l.logger.Debug("list refreshed", "list", l.engine.ListID(), "pages", pages)
	return nil
}

func (l *Loader) fetchAndMerge(ctx context.Context, after Position) (MergeResult, bool, error) {
	startKey, _ := after.Key()
	listID := l.engine.ListID()

	started := time.Now()
	rows, err := l.fetcher.FetchPage(ctx, l.pageSize, startKey)
	if err != nil {
		FetchDuration.WithLabelValues(listID, "error").Observe(time.Since(started).Seconds())
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &FetchError{Err: err}
		}
		l.logger.Warn("remote fetch failed", "list", listID, "from", after.String(), "err", err)
		return MergeResult{}, false, err
	}
	FetchDuration.WithLabelValues(listID, "ok").Observe(time.Since(started).Seconds())

	eol := len(rows) < l.pageSize
	result, err := l.engine.Upsert(ctx, rows, after, eol)
	if err != nil {
		return result, eol, err
	}
	return result, eol, nil
}
