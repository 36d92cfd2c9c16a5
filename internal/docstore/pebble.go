package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleIndexPrefix = "index/"
	pebbleItemPrefix  = "item/"
)

var pebbleWriteOptions = pebble.Sync

// PebbleStore keeps index documents and items in one pebble keyspace.
type PebbleStore struct {
	db *pebble.DB
	// serializes index compare-and-swap
	indexMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) get(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	_ = closer.Close()
	return out, nil
}

func (s *PebbleStore) GetIndex(ctx context.Context, listID string) (*IndexDocument, error) {
	if err := validListID(listID); err != nil {
		return nil, err
	}
	data, err := s.get(pebbleIndexPrefix + listID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeIndex(data)
}

func (s *PebbleStore) PutIndex(ctx context.Context, doc *IndexDocument) error {
	if doc == nil {
		return ErrInvalidInput
	}
	if err := validListID(doc.ListID); err != nil {
		return err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var current int64
	existing, err := s.GetIndex(ctx, doc.ListID)
	if err != nil {
		return err
	}
	if existing != nil {
		current = existing.Revision
	}
	if current != doc.Revision {
		return conflict(doc, current)
	}
	next := *doc
	next.Revision = current + 1
	data, err := encodeIndex(&next)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(pebbleIndexPrefix+doc.ListID), data, pebbleWriteOptions); err != nil {
		return err
	}
	doc.Revision = next.Revision
	return nil
}

func (s *PebbleStore) GetItem(ctx context.Context, id string) (json.RawMessage, error) {
	if err := validItemID(id); err != nil {
		return nil, err
	}
	data, err := s.get(pebbleItemPrefix + id)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *PebbleStore) BulkGetItems(ctx context.Context, ids []string) ([]ItemResult, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	results := make([]ItemResult, len(ids))
	for i, id := range ids {
		results[i].ID = id
		value, closer, err := snap.Get([]byte(pebbleItemPrefix + id))
		if errors.Is(err, pebble.ErrNotFound) {
			results[i].Err = ErrNotFound
			continue
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Body = cloneRaw(value)
		_ = closer.Close()
	}
	return results, nil
}

func (s *PebbleStore) BulkPutItems(ctx context.Context, items []ItemRecord) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	batch := s.db.NewBatch()
	defer batch.Close()
	queued := make([]int, 0, len(items))
	for i, item := range items {
		results[i].ID = item.ID
		if err := validItemID(item.ID); err != nil {
			results[i].Err = err
			continue
		}
		if !json.Valid(item.Body) {
			results[i].Err = ErrInvalidInput
			continue
		}
		if err := batch.Set([]byte(pebbleItemPrefix+item.ID), item.Body, nil); err != nil {
			results[i].Err = err
			continue
		}
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return results, nil
	}
	if err := batch.Commit(pebbleWriteOptions); err != nil {
		for _, i := range queued {
			results[i].Err = err
		}
	}
	return results, nil
}

func (s *PebbleStore) RemoveItem(ctx context.Context, id string) error {
	if err := validItemID(id); err != nil {
		return err
	}
	key := []byte(pebbleItemPrefix + id)
	if _, err := s.get(string(key)); err != nil {
		return err
	}
	return s.db.Delete(key, pebbleWriteOptions)
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
