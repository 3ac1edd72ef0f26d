// Package source defines the content-source adapter boundary and a
// reference adapter for SQLite-backed annotation databases.
package source

import (
	"context"
	"time"

	"github.com/marginapp/margin-sync/internal/domain"
)

// Adapter exposes one local content source read-only. Implementations
// return highlights in stable natural order (position, then creation
// time) so remote append order is reproducible across runs.
type Adapter interface {
	// Kind identifies the source.
	Kind() domain.Source

	// ListChangedItems returns content items modified after since.
	// A zero since returns everything.
	ListChangedItems(ctx context.Context, since time.Time) ([]domain.ItemSummary, error)

	// ListHighlights returns all highlights of one content item.
	ListHighlights(ctx context.Context, rawID string) ([]domain.Highlight, error)
}

// FileBacked is implemented by adapters reading a local database file;
// the scheduler watches these paths to trigger syncs on change.
type FileBacked interface {
	Path() string
}

// Registry holds the configured adapters by source kind.
type Registry struct {
	adapters map[domain.Source]Adapter
}

// NewRegistry creates an adapter registry.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for a source kind, or nil.
func (r *Registry) Get(kind domain.Source) Adapter {
	return r.adapters[kind]
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
