package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrClosed           = errors.New("store closed")
)

type ConflictError struct {
	ListID           string
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict for list %s: expected %d, current %d", e.ListID, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// IndexEntry points at an item without holding its content.
type IndexEntry struct {
	ID      string `json:"id"`
	SortKey any    `json:"sortKey"`
	Hash    uint64 `json:"hash,omitempty"`
}

// IndexDocument is the persisted ordering of one list. Revision is the
// revision the document was read at; zero means it has never been stored.
type IndexDocument struct {
	ListID   string       `json:"listId"`
	Items    []IndexEntry `json:"items"`
	Revision int64        `json:"rev"`
}

type ItemRecord struct {
	ID   string
	Body json.RawMessage
}

// ItemResult reports the outcome for one id of a bulk call. A missing item
// carries ErrNotFound.
type ItemResult struct {
	ID   string
	Body json.RawMessage
	Err  error
}

// Store holds index documents keyed by list id and items keyed by item id.
// Items are shared across lists.
type Store interface {
	GetIndex(ctx context.Context, listID string) (*IndexDocument, error)
	// PutIndex stores doc if the stored revision still equals doc.Revision
	// and advances doc.Revision on success. A mismatch returns an error
	// matching ErrRevisionConflict.
	PutIndex(ctx context.Context, doc *IndexDocument) error
	GetItem(ctx context.Context, id string) (json.RawMessage, error)
	BulkGetItems(ctx context.Context, ids []string) ([]ItemResult, error)
	BulkPutItems(ctx context.Context, items []ItemRecord) ([]ItemResult, error)
	RemoveItem(ctx context.Context, id string) error
	Close() error
}

func validListID(listID string) error {
	if strings.TrimSpace(listID) == "" {
		return fmt.Errorf("%w: list id is required", ErrInvalidInput)
	}
	return nil
}

func validItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidInput)
	}
	return nil
}

func encodeIndex(doc *IndexDocument) ([]byte, error) {
	snapshot := *doc
	if snapshot.Items == nil {
		snapshot.Items = []IndexEntry{}
	}
	return json.Marshal(&snapshot)
}

func decodeIndex(data []byte) (*IndexDocument, error) {
	var doc IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Items == nil {
		doc.Items = []IndexEntry{}
	}
	return &doc, nil
}

func cloneRaw(body json.RawMessage) json.RawMessage {
	if body == nil {
		return nil
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out
}

func conflict(doc *IndexDocument, current int64) error {
	return &ConflictError{
		ListID:           doc.ListID,
		ExpectedRevision: doc.Revision,
		CurrentRevision:  current,
	}
}
