package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("remote: document not found")
	// ErrPermissionDenied indicates the store rejected the operation for this
	// tenant or credential. Callers degrade to cache-only operation.
	ErrPermissionDenied = errors.New("remote: permission denied")
	// ErrUnavailable indicates a transient transport failure. Callers retry
	// through the pending change queue.
	ErrUnavailable = errors.New("remote: store unavailable")
)

// MergeMode controls how Set treats an existing document.
type MergeMode int

const (
	// MergeReplace overwrites the whole document.
	MergeReplace MergeMode = iota
	// MergeFields merges the provided fields into the existing document.
	MergeFields
)

// Record is one document read from a tenant collection.
type Record struct {
	ID   string
	Data map[string]any
}

// Filter restricts Query results to documents whose fields equal every entry.
// A nil filter matches the whole collection.
type Filter map[string]any

// ChangeSet is one change-stream emission: the documents added, modified, and
// removed since the previous emission.
type ChangeSet struct {
	Added    []Record `json:"added"`
	Modified []Record `json:"modified"`
	Removed  []Record `json:"removed"`
}

// Store is the contract this agent consumes from the hosted database. All
// collections are scoped by tenant; Subscribe yields a push stream of changes
// until the returned cancel function runs or the context ends.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, tenant, collection, id string) (Record, error)
	Set(ctx context.Context, tenant, collection, id string, data map[string]any, mode MergeMode) error
	Update(ctx context.Context, tenant, collection, id string, partial map[string]any) error
	Delete(ctx context.Context, tenant, collection, id string) error
	Query(ctx context.Context, tenant, collection string, filter Filter) ([]Record, error)
	Subscribe(ctx context.Context, tenant, collection string) (<-chan ChangeSet, func(), error)
}

// Matches reports whether the record satisfies the filter.
func (f Filter) Matches(record Record) bool {
	for field, expected := range f {
		if record.Data[field] != expected {
			return false
		}
	}
	return true
}

func mergeFields(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for field, value := range existing {
		merged[field] = value
	}
	for field, value := range incoming {
		merged[field] = value
	}
	return merged
}
