package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	indexes map[string][]byte
	revs    map[string]int64
	items   map[string]json.RawMessage
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indexes: map[string][]byte{},
		revs:    map[string]int64{},
		items:   map[string]json.RawMessage{},
	}
}

func (s *MemoryStore) GetIndex(ctx context.Context, listID string) (*IndexDocument, error) {
	if err := validListID(listID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.indexes[listID]
	if !ok {
		return nil, nil
	}
	doc, err := decodeIndex(data)
	if err != nil {
		return nil, err
	}
	doc.Revision = s.revs[listID]
	return doc, nil
}

func (s *MemoryStore) PutIndex(ctx context.Context, doc *IndexDocument) error {
	if doc == nil {
		return ErrInvalidInput
	}
	if err := validListID(doc.ListID); err != nil {
		return err
	}
	data, err := encodeIndex(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	current := s.revs[doc.ListID]
	if current != doc.Revision {
		return conflict(doc, current)
	}
	s.indexes[doc.ListID] = data
	s.revs[doc.ListID] = current + 1
	doc.Revision = current + 1
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (json.RawMessage, error) {
	if err := validItemID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	body, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(body), nil
}

func (s *MemoryStore) BulkGetItems(ctx context.Context, ids []string) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	results := make([]ItemResult, len(ids))
	for i, id := range ids {
		results[i].ID = id
		body, ok := s.items[id]
		if !ok {
			results[i].Err = ErrNotFound
			continue
		}
		results[i].Body = cloneRaw(body)
	}
	return results, nil
}

func (s *MemoryStore) BulkPutItems(ctx context.Context, items []ItemRecord) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	results := make([]ItemResult, len(items))
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
		s.items[item.ID] = cloneRaw(item.Body)
	}
	return results, nil
}

func (s *MemoryStore) RemoveItem(ctx context.Context, id string) error {
	if err := validItemID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
