package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/agentworkforce/relaylist/internal/collate"
	"github.com/agentworkforce/relaylist/internal/docstore"
)

// load brings the persisted index into memory once. A missing document is
// bootstrapped as an empty list and stored right away.
func (e *Engine) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	doc, err := e.store.GetIndex(ctx, e.listID)
	if err != nil {
		return &StorageError{Op: "load index", ListID: e.listID, Err: err}
	}
	if doc == nil {
		doc = &docstore.IndexDocument{ListID: e.listID, Items: []IndexEntry{}}
		err := e.store.PutIndex(ctx, doc)
		switch {
		case errors.Is(err, docstore.ErrRevisionConflict):
			// Another writer bootstrapped the list first; take theirs.
			doc, err = e.store.GetIndex(ctx, e.listID)
			if err != nil {
				return &StorageError{Op: "load index", ListID: e.listID, Err: err}
			}
			if doc == nil {
				return &StorageError{Op: "load index", ListID: e.listID, Err: docstore.ErrNotFound}
			}
		case err != nil:
			return &StorageError{Op: "create index", ListID: e.listID, Err: err}
		default:
			e.logger.Debug("created empty index", "list", e.listID)
		}
	}
	e.entries = make([]IndexEntry, len(doc.Items))
	for i, entry := range doc.Items {
		entry.SortKey = collate.Normalize(entry.SortKey)
		e.entries[i] = entry
	}
	e.revision = doc.Revision
	e.loaded = true
	IndexLength.WithLabelValues(e.listID).Set(float64(len(e.entries)))
	return nil
}

func (e *Engine) save(ctx context.Context) error {
	doc := &docstore.IndexDocument{
		ListID:   e.listID,
		Items:    e.entries,
		Revision: e.revision,
	}
	err := e.store.PutIndex(ctx, doc)
	if errors.Is(err, docstore.ErrRevisionConflict) {
		loadedAt := e.revision
		e.Invalidate()
		return &ConcurrentModificationError{ListID: e.listID, Revision: loadedAt, Err: err}
	}
	if err != nil {
		return &StorageError{Op: "save index", ListID: e.listID, Err: err}
	}
	e.revision = doc.Revision
	IndexLength.WithLabelValues(e.listID).Set(float64(len(e.entries)))
	return nil
}

// resolveItems maps ids to items in input order. Unresolvable ids leave a
// nil slot; only a failure of the whole store call is an error.
func (e *Engine) resolveItems(ctx context.Context, ids []string) ([]Item, error) {
	out := make([]Item, len(ids))
	missing := make([]string, 0)
	missingAt := make([]int, 0)
	for i, id := range ids {
		if item, ok := e.cache.Get(id); ok {
			out[i] = item
			continue
		}
		missing = append(missing, id)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	results, err := e.store.BulkGetItems(ctx, missing)
	if err != nil {
		return nil, &StorageError{Op: "get items", ListID: e.listID, Err: err}
	}
	for n, res := range results {
		if n >= len(missingAt) {
			break
		}
		if res.Err == nil {
			item, decodeErr := decodeItem(res.Body)
			if decodeErr == nil {
				e.cache.Add(missing[n], item)
				out[missingAt[n]] = item
				continue
			}
			res.Err = decodeErr
		}
		dangling := &DanglingReferenceError{ListID: e.listID, ID: missing[n], Err: res.Err}
		DanglingReferences.WithLabelValues(e.listID).Inc()
		e.logger.Warn("dangling index entry", "list", e.listID, "id", missing[n], "err", dangling)
	}
	return out, nil
}

// putItems writes items to the cache and the store. Per-item store failures
// are returned, not raised; the cache keeps the content either way.
func (e *Engine) putItems(ctx context.Context, items []Item) ([]ItemError, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var itemErrs []ItemError
	records := make([]docstore.ItemRecord, 0, len(items))
	for _, item := range items {
		id := item.ID()
		e.cache.Add(id, item)
		body, err := json.Marshal(item)
		if err != nil {
			itemErrs = append(itemErrs, ItemError{ID: id, Op: "encode", Err: err})
			continue
		}
		records = append(records, docstore.ItemRecord{ID: id, Body: body})
	}
	results, err := e.store.BulkPutItems(ctx, records)
	if err != nil {
		return itemErrs, &StorageError{Op: "put items", ListID: e.listID, Err: err}
	}
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		itemErrs = append(itemErrs, ItemError{ID: res.ID, Op: "put", Err: res.Err})
		e.logger.Warn("item write failed", "list", e.listID, "id", res.ID, "err", res.Err)
	}
	return itemErrs, nil
}

// removeItems deletes items that left the remote collection. Already
// missing items are not failures.
func (e *Engine) removeItems(ctx context.Context, ids []string) []ItemError {
	var itemErrs []ItemError
	for _, id := range ids {
		e.cache.Remove(id)
		err := e.store.RemoveItem(ctx, id)
		if err == nil || errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		itemErrs = append(itemErrs, ItemError{ID: id, Op: "remove", Err: err})
		e.logger.Warn("item removal failed", "list", e.listID, "id", id, "err", err)
	}
	return itemErrs
}

func decodeItem(body json.RawMessage) (Item, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var item Item
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, docstore.ErrNotFound
	}
	return item, nil
}
