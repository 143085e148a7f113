package resource

import (
	"context"
	"time"
)

// Store is the canonical, keyed storage of live records.
type Store interface {
	// Insert stores a new record. Returns ErrAlreadyExists when a live record
	// with the same (type, id) exists.
	Insert(ctx context.Context, rec *Record) error
	// Swap replaces the live record only if its stored version still equals
	// expectedVersion. Returns ErrNotFound or ErrVersionConflict otherwise.
	Swap(ctx context.Context, rec *Record, expectedVersion int) error
	Get(ctx context.Context, resourceType, id string) (*Record, error)
	// Delete removes the live record if its version equals expectedVersion.
	Delete(ctx context.Context, resourceType, id string, expectedVersion int) error
}

// Ledger is the append-only history of every version of every record.
type Ledger interface {
	Append(ctx context.Context, entry *HistoryEntry) error
	// Query returns all entries for (type, id), newest version first.
	Query(ctx context.Context, resourceType, id string) ([]*HistoryEntry, error)
	// LatestVersion returns the highest recorded version, or 0.
	LatestVersion(ctx context.Context, resourceType, id string) (int, error)
	// Purge removes entries recorded before the cutoff. Housekeeping only.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Index is the derived search projection of live records.
type Index interface {
	Put(ctx context.Context, resourceType, id string, fields Fields) error
	Remove(ctx context.Context, resourceType, id string) error
	// Search returns the page of live records matching q and the total
	// number of matches. q must already be normalized.
	Search(ctx context.Context, resourceType string, q Query) ([]*Record, int, error)
}

// Transactor runs fn so that every Store, Ledger and Index call made with
// the ctx passed to fn commits together or not at all.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Backend bundles the storage components sharing one transactional unit.
type Backend struct {
	Store  Store
	Ledger Ledger
	Index  Index
	Tx     Transactor
}
