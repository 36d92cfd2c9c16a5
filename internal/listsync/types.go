package listsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/agentworkforce/relaylist/internal/collate"
	"github.com/agentworkforce/relaylist/internal/docstore"
)

const (
	DefaultListID    = "default"
	DefaultPageSize  = 20
	DefaultCacheSize = 4096
)

// Item is one record of the remote collection.
type Item map[string]any

// ID returns the item's id field rendered as a string.
func (it Item) ID() string {
	switch v := it["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

type SortKeyFunc func(Item) any

func sortKeyByID(it Item) any {
	return it.ID()
}

type IndexEntry = docstore.IndexEntry

// SpliceFunc receives every edit of a list's order: at index, removed
// entries were deleted and inserted items were put in their place.
type SpliceFunc func(index, removed int, inserted []Item)

// Fetcher loads one page of the remote collection starting after startKey
// (nil for the first page).
type Fetcher interface {
	FetchPage(ctx context.Context, pageSize int, startKey any) ([]Item, error)
}

// Position is where a page starts: at the beginning of the list or right
// after a sort key.
type Position struct {
	key any
	set bool
}

var Beginning = Position{}

// After positions past every entry whose sort key is <= key.
func After(key any) Position {
	return Position{key: collate.Normalize(key), set: true}
}

func (p Position) Key() (any, bool) {
	return p.key, p.set
}

func (p Position) IsBeginning() bool {
	return !p.set
}

func (p Position) String() string {
	if !p.set {
		return "beginning"
	}
	return fmt.Sprintf("after %v", p.key)
}

// Page is a slice of the local order. Items holds nil where an entry could
// not be resolved.
type Page struct {
	Entries []IndexEntry
	Items   []Item
	Next    Position
}

func (p Page) Len() int {
	return len(p.Entries)
}

// Resolved drops the unresolvable slots.
func (p Page) Resolved() []Item {
	out := make([]Item, 0, len(p.Items))
	for _, item := range p.Items {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

type MergeResult struct {
	Inserted  int
	Removed   int
	Updated   int
	Unchanged int
	// Skipped counts rows without an id, rows at or before the start key
	// and repeated ids.
	Skipped int
	// Accepted are the rows that took part in the merge, in order.
	Accepted   []Item
	Next       Position
	ItemErrors []ItemError
}

func (r MergeResult) Changed() bool {
	return r.Inserted+r.Removed+r.Updated > 0
}
