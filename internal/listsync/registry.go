package listsync

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

type RegistryOptions struct {
	// Build creates the loader of a list the first time it is used.
	Build func(listID string) (*Loader, error)
	// OnSplice, when set, receives every splice of every list.
	OnSplice func(listID string, index, removed int, inserted []Item)
}

// Registry holds one Loader per list id and runs operations on the same list
// one at a time. Different lists proceed in parallel.
type Registry struct {
	build    func(listID string) (*Loader, error)
	onSplice func(listID string, index, removed int, inserted []Item)
	lists    *xsync.MapOf[string, *registryEntry]
}

type registryEntry struct {
	sem    chan struct{}
	loader *Loader
	// dropped is set when the loader could not be built and the entry left
	// the map; waiters holding it start over.
	dropped bool
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Build == nil {
		return nil, &ConfigError{Field: "Build", Reason: "is required"}
	}
	return &Registry{
		build:    opts.Build,
		onSplice: opts.OnSplice,
		lists:    xsync.NewMapOf[string, *registryEntry](),
	}, nil
}

// Do runs fn with exclusive access to the list's loader, building the loader
// on first use. It gives up waiting for the list when ctx is done.
func (r *Registry) Do(ctx context.Context, listID string, fn func(*Loader) error) error {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		listID = DefaultListID
	}
	for {
		entry, _ := r.lists.LoadOrCompute(listID, func() *registryEntry {
			return &registryEntry{sem: make(chan struct{}, 1)}
		})
		select {
		case entry.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if entry.dropped {
			<-entry.sem
			continue
		}
		return r.run(entry, listID, fn)
	}
}

// run builds the loader on first use and calls fn. The caller holds
// entry.sem; run releases it.
func (r *Registry) run(entry *registryEntry, listID string, fn func(*Loader) error) error {
	defer func() { <-entry.sem }()

	if entry.loader == nil {
		loader, err := r.build(listID)
		if err != nil {
			entry.dropped = true
			r.lists.Compute(listID, func(current *registryEntry, loaded bool) (*registryEntry, bool) {
				return current, !loaded || current == entry
			})
			return err
		}
		if r.onSplice != nil {
			onSplice := r.onSplice
			loader.Observe(func(index, removed int, inserted []Item) {
				onSplice(listID, index, removed, inserted)
			})
		}
		entry.loader = loader
	}
	return fn(entry.loader)
}

// Invalidate drops the warm index of a list that was changed by another
// writer. Lists never used through the registry are ignored.
func (r *Registry) Invalidate(ctx context.Context, listID string) error {
	if _, ok := r.lists.Load(listID); !ok {
		return nil
	}
	return r.Do(ctx, listID, func(l *Loader) error {
		l.Engine().Invalidate()
		return nil
	})
}

// Lists returns the ids of lists in use, sorted.
func (r *Registry) Lists() []string {
	ids := make([]string, 0, r.lists.Size())
	r.lists.Range(func(id string, _ *registryEntry) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}
