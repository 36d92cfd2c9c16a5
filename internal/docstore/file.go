package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileIndexDir = "lists"
	fileItemDir  = "items"
	fileExt      = ".json"
)

// FileStore keeps one JSON file per index document and per item under Root.
// Writes go through a temp file and rename.
type FileStore struct {
	Root string

	mu sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	for _, dir := range []string{fileIndexDir, fileItemDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) GetIndex(ctx context.Context, listID string) (*IndexDocument, error) {
	if err := validListID(listID); err != nil {
		return nil, err
	}
	return s.readIndex(listID)
}

func (s *FileStore) readIndex(listID string) (*IndexDocument, error) {
	data, err := os.ReadFile(s.indexPath(listID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeIndex(data)
}

func (s *FileStore) PutIndex(ctx context.Context, doc *IndexDocument) error {
	if doc == nil {
		return ErrInvalidInput
	}
	if err := validListID(doc.ListID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	existing, err := s.readIndex(doc.ListID)
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
	if err := writeFileAtomic(s.indexPath(doc.ListID), data, 0o644); err != nil {
		return err
	}
	doc.Revision = next.Revision
	return nil
}

func (s *FileStore) GetItem(ctx context.Context, id string) (json.RawMessage, error) {
	if err := validItemID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.itemPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *FileStore) BulkGetItems(ctx context.Context, ids []string) ([]ItemResult, error) {
	results := make([]ItemResult, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := s.GetItem(ctx, id)
		results[i] = ItemResult{ID: id, Body: body, Err: err}
	}
	return results, nil
}

func (s *FileStore) BulkPutItems(ctx context.Context, items []ItemRecord) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i].ID = item.ID
		if err := validItemID(item.ID); err != nil {
			results[i].Err = err
			continue
		}
		if !json.Valid(item.Body) {
			results[i].Err = ErrInvalidInput
			continue
		}
		results[i].Err = writeFileAtomic(s.itemPath(item.ID), item.Body, 0o644)
	}
	return results, nil
}

func (s *FileStore) RemoveItem(ctx context.Context, id string) error {
	if err := validItemID(id); err != nil {
		return err
	}
	err := os.Remove(s.itemPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) Close() error {
	return nil
}

// Watch calls onChange with the list id of every index document written
// under Root, including writes made by this process, until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func(listID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Join(s.Root, fileIndexDir)); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				if listID, ok := listIDFromIndexPath(event.Name); ok {
					onChange(listID)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (s *FileStore) indexPath(listID string) string {
	return filepath.Join(s.Root, fileIndexDir, url.PathEscape(listID)+fileExt)
}

func (s *FileStore) itemPath(id string) string {
	return filepath.Join(s.Root, fileItemDir, url.PathEscape(id)+fileExt)
}

func listIDFromIndexPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	listID, err := url.PathUnescape(strings.TrimSuffix(base, fileExt))
	if err != nil || listID == "" {
		return "", false
	}
	return listID, true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
