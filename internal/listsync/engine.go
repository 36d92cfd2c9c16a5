package listsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentworkforce/relaylist/internal/collate"
	"github.com/agentworkforce/relaylist/internal/docstore"
	"github.com/agentworkforce/relaylist/internal/logging"
)

type EngineOptions struct {
	ListID  string
	Store   docstore.Store
	SortKey SortKeyFunc
	// CacheSize bounds the in-memory item cache. Evicted items are read
	// back from Store.
	CacheSize int
	// DetectContentChanges stores a content hash per entry and reports an
	// item whose content changed under an unchanged sort key as a
	// one-for-one splice at its position.
	DetectContentChanges bool
	Logger               logging.Logger
}

// Engine owns the ordered index and item cache of one list. It is not safe
// for concurrent use; see Registry.
type Engine struct {
	listID        string
	store         docstore.Store
	sortKey       SortKeyFunc
	detectChanges bool
	logger        logging.Logger
	observer      SpliceFunc

	cache    *lru.Cache[string, Item]
	loaded   bool
	revision int64
	entries  []IndexEntry
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, &ConfigError{Field: "Store", Reason: "is required"}
	}
	listID := strings.TrimSpace(opts.ListID)
	if listID == "" {
		listID = DefaultListID
	}
	sortKey := opts.SortKey
	if sortKey == nil {
		sortKey = sortKeyByID
	}
	size := opts.CacheSize
	if size < 0 {
		return nil, &ConfigError{Field: "CacheSize", Reason: "must not be negative"}
	}
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Item](size)
	if err != nil {
		return nil, &ConfigError{Field: "CacheSize", Reason: err.Error()}
	}
	return &Engine{
		listID:        listID,
		store:         opts.Store,
		sortKey:       sortKey,
		detectChanges: opts.DetectContentChanges,
		logger:        logging.OrNop(opts.Logger),
		cache:         cache,
	}, nil
}

func (e *Engine) ListID() string {
	return e.listID
}

// Observe replaces the splice observer. nil disables notifications.
func (e *Engine) Observe(fn SpliceFunc) {
	e.observer = fn
}

// Invalidate drops the in-memory index and cache; the next call reloads
// from the store.
func (e *Engine) Invalidate() {
	e.loaded = false
	e.entries = nil
	e.revision = 0
	e.cache.Purge()
}

// Len loads the index if needed and returns its length.
func (e *Engine) Len(ctx context.Context) (int, error) {
	if err := e.load(ctx); err != nil {
		return 0, err
	}
	return len(e.entries), nil
}

// Entries returns a copy of the ordered index.
func (e *Engine) Entries(ctx context.Context) ([]IndexEntry, error) {
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	return append([]IndexEntry(nil), e.entries...), nil
}

// ReadPage serves up to pageSize entries following after from the local
// index. An empty page is a local miss.
func (e *Engine) ReadPage(ctx context.Context, pageSize int, after Position) (Page, error) {
	if pageSize <= 0 {
		return Page{}, &ConfigError{Field: "pageSize", Reason: "must be positive"}
	}
	if err := e.load(ctx); err != nil {
		return Page{}, err
	}
	start := e.startIndex(after)
	end := min(start+pageSize, len(e.entries))
	if start >= end {
		PageReads.WithLabelValues(e.listID, "miss").Inc()
		return Page{Next: after}, nil
	}
	entries := append([]IndexEntry(nil), e.entries[start:end]...)
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	items, err := e.resolveItems(ctx, ids)
	if err != nil {
		return Page{}, err
	}
	PageReads.WithLabelValues(e.listID, "hit").Inc()
	return Page{
		Entries: entries,
		Items:   items,
		Next:    Position{key: entries[len(entries)-1].SortKey, set: true},
	}, nil
}

// startIndex is the first position whose key sorts strictly after the
// position's key, so ties with the key are skipped.
func (e *Engine) startIndex(after Position) int {
	key, ok := after.Key()
	if !ok {
		return 0
	}
	return sort.Search(len(e.entries), func(i int) bool {
		return collate.CompareNormalized(e.entries[i].SortKey, key) > 0
	})
}

type pageRow struct {
	item Item
	id   string
	key  any
	hash uint64
}

// Upsert merges a sorted page of remote items that starts after the given
// position into the local index, then persists it. endOfList marks the page
// as the last one, so local entries past it are dropped.
//
// Item content is written before the index walk. Bodies of removed items
// are deleted only once the index is saved, so a merge that loses the
// revision race leaves the winner's items in place.
func (e *Engine) Upsert(ctx context.Context, items []Item, after Position, endOfList bool) (MergeResult, error) {
	if err := e.load(ctx); err != nil {
		MergeCount.WithLabelValues(e.listID, "error").Inc()
		return MergeResult{}, err
	}
	rows, skipped, err := e.prepareRows(items, after)
	if err != nil {
		MergeCount.WithLabelValues(e.listID, "rejected").Inc()
		return MergeResult{}, err
	}
	result := MergeResult{Skipped: skipped, Next: after}
	if len(rows) > 0 {
		result.Next = Position{key: rows[len(rows)-1].key, set: true}
	}
	result.Accepted = make([]Item, len(rows))
	for i, row := range rows {
		result.Accepted[i] = row.item
	}

	itemErrs, err := e.putItems(ctx, result.Accepted)
	result.ItemErrors = append(result.ItemErrors, itemErrs...)
	if err != nil {
		MergeCount.WithLabelValues(e.listID, "error").Inc()
		return result, err
	}

	deleted, backfilled := e.walk(rows, after, endOfList, &result)

	if result.Changed() || backfilled {
		if err := e.save(ctx); err != nil {
			MergeCount.WithLabelValues(e.listID, "error").Inc()
			return result, err
		}
	}
	result.ItemErrors = append(result.ItemErrors, e.removeItems(ctx, deleted)...)
	MergeCount.WithLabelValues(e.listID, "ok").Inc()
	e.logger.Debug("page merged",
		"list", e.listID,
		"from", after.String(),
		"rows", len(rows),
		"inserted", result.Inserted,
		"removed", result.Removed,
		"updated", result.Updated,
		"eol", endOfList,
	)
	return result, nil
}

// prepareRows keys and filters a remote page. Rows without an id, rows not
// past the start key and repeated ids are skipped; a page that is not
// ascending is rejected before anything is touched.
func (e *Engine) prepareRows(items []Item, after Position) ([]pageRow, int, error) {
	startKey, anchored := after.Key()
	rows := make([]pageRow, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	skipped := 0
	for n, item := range items {
		id := item.ID()
		if id == "" {
			skipped++
			e.logger.Warn("skipping row without id", "list", e.listID, "row", n)
			continue
		}
		if _, dup := seen[id]; dup {
			skipped++
			continue
		}
		key := collate.Normalize(e.sortKey(item))
		if anchored && collate.CompareNormalized(key, startKey) <= 0 {
			skipped++
			continue
		}
		if len(rows) > 0 && collate.CompareNormalized(rows[len(rows)-1].key, key) > 0 {
			return nil, 0, fmt.Errorf("%w: row %d (id %s) sorts before its predecessor", ErrUnsortedPage, n, id)
		}
		seen[id] = struct{}{}
		row := pageRow{item: item, id: id, key: key}
		if e.detectChanges {
			row.hash = contentHash(item)
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

// walk is the merge step of a merge sort between rows and the index from
// the start position. It returns ids that left the remote collection and
// whether content hashes missing from the index were filled in.
func (e *Engine) walk(rows []pageRow, after Position, endOfList bool, result *MergeResult) ([]string, bool) {
	inPage := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		inPage[row.id] = struct{}{}
	}
	var deleted []string
	backfilled := false
	dropped := func(id string) {
		if _, ok := inPage[id]; !ok {
			deleted = append(deleted, id)
		}
	}

	idx := e.startIndex(after)
	// A first page that is not the whole list keeps local entries ahead of
	// its first row: removal starts once the walk is anchored by a row it
	// has placed. A page from the beginning that ends the list is the whole
	// collection, so everything missing from it goes.
	anchored := !after.IsBeginning() || endOfList
	i := 0
	for i < len(rows) {
		if idx >= len(e.entries) {
			e.appendRows(rows[i:], result)
			idx = len(e.entries)
			break
		}
		row := rows[i]
		local := e.entries[idx]
		c := collate.CompareNormalized(row.key, local.SortKey)
		switch {
		case c < 0 || (c == 0 && row.id != local.ID):
			e.insertAt(idx, row, result)
			if j := e.findID(row.id, idx); j >= 0 {
				e.removeAt(j, 1, result)
				if j < idx {
					idx--
				}
			}
			idx++
			i++
			anchored = true
		case c > 0:
			if !anchored {
				idx++
				continue
			}
			dropped(local.ID)
			e.removeAt(idx, 1, result)
		default:
			switch {
			case e.detectChanges && local.Hash == 0:
				// Written without hashes; record this one as the baseline.
				e.entries[idx].Hash = row.hash
				backfilled = true
				result.Unchanged++
			case e.detectChanges && local.Hash != row.hash:
				e.replaceAt(idx, row, result)
			default:
				result.Unchanged++
			}
			idx++
			i++
			anchored = true
		}
	}
	if endOfList && idx < len(e.entries) {
		for _, entry := range e.entries[idx:] {
			dropped(entry.ID)
		}
		e.removeAt(idx, len(e.entries)-idx, result)
	}
	return deleted, backfilled
}

func (e *Engine) appendRows(rows []pageRow, result *MergeResult) {
	for _, row := range rows {
		if j := e.findID(row.id, -1); j >= 0 {
			e.removeAt(j, 1, result)
		}
	}
	at := len(e.entries)
	inserted := make([]Item, len(rows))
	for n, row := range rows {
		e.entries = append(e.entries, row.entry())
		inserted[n] = row.item
	}
	result.Inserted += len(rows)
	e.emit("insert", at, 0, inserted)
}

func (e *Engine) insertAt(idx int, row pageRow, result *MergeResult) {
	e.entries = append(e.entries, IndexEntry{})
	copy(e.entries[idx+1:], e.entries[idx:])
	e.entries[idx] = row.entry()
	result.Inserted++
	e.emit("insert", idx, 0, []Item{row.item})
}

func (e *Engine) removeAt(idx, n int, result *MergeResult) {
	e.entries = append(e.entries[:idx], e.entries[idx+n:]...)
	result.Removed += n
	e.emit("remove", idx, n, nil)
}

func (e *Engine) replaceAt(idx int, row pageRow, result *MergeResult) {
	e.entries[idx] = row.entry()
	result.Updated++
	e.emit("update", idx, 1, []Item{row.item})
}

// findID returns the position of id, ignoring position skip, or -1.
func (e *Engine) findID(id string, skip int) int {
	for j, entry := range e.entries {
		if j != skip && entry.ID == id {
			return j
		}
	}
	return -1
}

func (e *Engine) emit(kind string, index, removed int, inserted []Item) {
	SpliceCount.WithLabelValues(e.listID, kind).Inc()
	if e.observer != nil {
		e.observer(index, removed, inserted)
	}
}

func (r pageRow) entry() IndexEntry {
	return IndexEntry{ID: r.id, SortKey: r.key, Hash: r.hash}
}

// contentHash hashes the item's JSON encoding; encoding/json sorts map keys,
// so equal content hashes equally.
func contentHash(item Item) uint64 {
	data, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
