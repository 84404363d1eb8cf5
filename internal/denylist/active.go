// Package denylist provides the Denylist implementations selected by the
// [denylist] config section.
package denylist

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"catalyst-go/internal/catalyst"
)

// Active persists entries and enforces them. Lookups are served from a cache
// that mirrors the table; writes go to the database first.
type Active struct {
	store catalyst.DenylistStore
	cache *xsync.MapOf[string, *catalyst.DenylistEntry]
}

var _ catalyst.Denylist = (*Active)(nil)

// NewActive loads the current entries from store.
func NewActive(ctx context.Context, store catalyst.DenylistStore) (*Active, error) {
	a := &Active{store: store, cache: xsync.NewMapOf[string, *catalyst.DenylistEntry]()}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload replaces the cache with the persisted entries.
func (a *Active) Reload(ctx context.Context) error {
	entries, err := a.store.ListDenylistEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading denylist: %w", err)
	}
	a.cache.Clear()
	for _, e := range entries {
		a.cache.Store(e.Target.Key(), e)
	}
	return nil
}

func (a *Active) Add(ctx context.Context, entry catalyst.DenylistEntry) error {
	if !entry.Target.Type.Valid() {
		return fmt.Errorf("unknown denylist target type %q", entry.Target.Type)
	}
	entry.Target.ID = strings.ToLower(entry.Target.ID)
	if err := a.store.SaveDenylistEntry(ctx, &entry); err != nil {
		return fmt.Errorf("saving denylist entry: %w", err)
	}
	a.cache.Store(entry.Target.Key(), &entry)
	return nil
}

func (a *Active) Remove(ctx context.Context, target catalyst.DenylistTarget) error {
	if err := a.store.DeleteDenylistEntry(ctx, target); err != nil {
		return fmt.Errorf("deleting denylist entry: %w", err)
	}
	a.cache.Delete(target.Key())
	return nil
}

func (a *Active) IsDenylisted(ctx context.Context, target catalyst.DenylistTarget) (bool, error) {
	_, ok := a.cache.Load(target.Key())
	return ok, nil
}

func (a *Active) AreDenylisted(ctx context.Context, targets []catalyst.DenylistTarget) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, t := range targets {
		key := t.Key()
		if _, ok := a.cache.Load(key); ok {
			out[key] = true
		}
	}
	return out, nil
}

// List returns the cached entries ordered by target key.
func (a *Active) List(ctx context.Context) ([]*catalyst.DenylistEntry, error) {
	var entries []*catalyst.DenylistEntry
	a.cache.Range(func(_ string, e *catalyst.DenylistEntry) bool {
		entries = append(entries, e)
		return true
	})
	slices.SortFunc(entries, func(x, y *catalyst.DenylistEntry) int {
		return strings.Compare(x.Target.Key(), y.Target.Key())
	})
	return entries, nil
}
