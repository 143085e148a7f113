// Package memstore is an in-process implementation of the resource storage
// backend. Writers are serialized and stage their changes; a transaction's
// changes become visible to readers all at once when it commits, so readers
// never wait for a transaction in progress.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lifelog/ehr/internal/resource"
)

// DB holds live records, history and the search index in memory.
type DB struct {
	writeMu sync.Mutex   // serializes writers
	mu      sync.RWMutex // guards the maps while a commit is applied
	records map[string]*resource.Record
	history map[string][]*resource.HistoryEntry
	index   map[string]map[string]resource.Fields
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		records: make(map[string]*resource.Record),
		history: make(map[string][]*resource.HistoryEntry),
		index:   make(map[string]map[string]resource.Fields),
	}
}

// Backend exposes db as a resource.Backend.
func (db *DB) Backend() resource.Backend {
	return resource.Backend{Store: db, Ledger: db, Index: db, Tx: db}
}

type txKey struct{}

// txn stages the changes of an open transaction. records holds the
// transaction's view of every record it wrote; a nil value is a delete.
type txn struct {
	db      *DB
	ops     []func()
	records map[string]*resource.Record
	history map[string][]*resource.HistoryEntry
}

func (db *DB) newTxn() *txn {
	return &txn{
		db:      db,
		records: make(map[string]*resource.Record),
		history: make(map[string][]*resource.HistoryEntry),
	}
}

func (db *DB) txFrom(ctx context.Context) *txn {
	t, _ := ctx.Value(txKey{}).(*txn)
	if t == nil || t.db != db {
		return nil
	}
	return t
}

// commit applies the staged changes under the map lock.
func (t *txn) commit() {
	if len(t.ops) == 0 {
		return
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
}

// WithinTx runs fn as one transaction. Changes made through the ctx passed
// to fn are applied only if fn succeeds. Nested calls join the outer
// transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.txFrom(ctx) != nil {
		return fn(ctx)
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	t := db.newTxn()
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	t.commit()
	return nil
}

// write stages fn in the open transaction, or runs it as its own
// single-step transaction when ctx carries none.
func (db *DB) write(ctx context.Context, fn func(t *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t := db.txFrom(ctx); t != nil {
		return fn(t)
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	t := db.newTxn()
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// read runs fn against committed state plus, inside a transaction, its own
// staged changes. The writer lock already excludes commits there.
func (db *DB) read(ctx context.Context, fn func(t *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t := db.txFrom(ctx); t != nil {
		return fn(t)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn(nil)
}

func key(resourceType, id string) string { return resource.CacheKey(resourceType, id) }

// record returns the record visible to t.
func (db *DB) record(t *txn, k string) (*resource.Record, bool) {
	if t != nil {
		if r, staged := t.records[k]; staged {
			return r, r != nil
		}
	}
	r, ok := db.records[k]
	return r, ok
}

// entries returns the history visible to t, oldest first.
func (db *DB) entries(t *txn, k string) []*resource.HistoryEntry {
	committed := db.history[k]
	if t == nil || len(t.history[k]) == 0 {
		return committed
	}
	out := make([]*resource.HistoryEntry, 0, len(committed)+len(t.history[k]))
	out = append(out, committed...)
	return append(out, t.history[k]...)
}

func copyRecord(r *resource.Record) *resource.Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.Fields = r.Fields.Clone()
	return &c
}

func copyEntry(e *resource.HistoryEntry) *resource.HistoryEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// setRecord stages r (nil deletes) under k.
func (t *txn) setRecord(k string, r *resource.Record) {
	t.records[k] = r
	t.ops = append(t.ops, func() {
		if r == nil {
			delete(t.db.records, k)
			return
		}
		t.db.records[k] = r
	})
}

// Insert implements resource.Store.
func (db *DB) Insert(ctx context.Context, rec *resource.Record) error {
	return db.write(ctx, func(t *txn) error {
		k := key(rec.ResourceType, rec.ID)
		if _, ok := db.record(t, k); ok {
			return fmt.Errorf("%w: %s", resource.ErrAlreadyExists, k)
		}
		t.setRecord(k, copyRecord(rec))
		return nil
	})
}

// Swap implements resource.Store.
func (db *DB) Swap(ctx context.Context, rec *resource.Record, expectedVersion int) error {
	return db.write(ctx, func(t *txn) error {
		k := key(rec.ResourceType, rec.ID)
		prev, ok := db.record(t, k)
		if !ok {
			return fmt.Errorf("%w: %s", resource.ErrNotFound, k)
		}
		if prev.Version != expectedVersion {
			return fmt.Errorf("%w: %s is at version %d", resource.ErrVersionConflict, k, prev.Version)
		}
		t.setRecord(k, copyRecord(rec))
		return nil
	})
}

// Get implements resource.Store.
func (db *DB) Get(ctx context.Context, resourceType, id string) (*resource.Record, error) {
	var out *resource.Record
	err := db.read(ctx, func(t *txn) error {
		r, ok := db.record(t, key(resourceType, id))
		if !ok {
			return fmt.Errorf("%w: %s/%s", resource.ErrNotFound, resourceType, id)
		}
		out = copyRecord(r)
		return nil
	})
	return out, err
}

// Delete implements resource.Store.
func (db *DB) Delete(ctx context.Context, resourceType, id string, expectedVersion int) error {
	return db.write(ctx, func(t *txn) error {
		k := key(resourceType, id)
		prev, ok := db.record(t, k)
		if !ok {
			return fmt.Errorf("%w: %s", resource.ErrNotFound, k)
		}
		if prev.Version != expectedVersion {
			return fmt.Errorf("%w: %s is at version %d", resource.ErrVersionConflict, k, prev.Version)
		}
		t.setRecord(k, nil)
		return nil
	})
}

// Append implements resource.Ledger.
func (db *DB) Append(ctx context.Context, entry *resource.HistoryEntry) error {
	return db.write(ctx, func(t *txn) error {
		k := key(entry.ResourceType, entry.ResourceID)
		e := copyEntry(entry)
		t.history[k] = append(t.history[k], e)
		t.ops = append(t.ops, func() {
			db.history[k] = append(db.history[k], e)
		})
		return nil
	})
}

// Query implements resource.Ledger.
func (db *DB) Query(ctx context.Context, resourceType, id string) ([]*resource.HistoryEntry, error) {
	var out []*resource.HistoryEntry
	err := db.read(ctx, func(t *txn) error {
		entries := db.entries(t, key(resourceType, id))
		out = make([]*resource.HistoryEntry, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			out = append(out, copyEntry(entries[i]))
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, err
}

// LatestVersion implements resource.Ledger.
func (db *DB) LatestVersion(ctx context.Context, resourceType, id string) (int, error) {
	var latest int
	err := db.read(ctx, func(t *txn) error {
		for _, e := range db.entries(t, key(resourceType, id)) {
			if e.Version > latest {
				latest = e.Version
			}
		}
		return nil
	})
	return latest, err
}

// Purge implements resource.Ledger. Entries staged by the calling
// transaction are not considered.
func (db *DB) Purge(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := db.write(ctx, func(t *txn) error {
		kept := make(map[string][]*resource.HistoryEntry)
		for k, entries := range db.history {
			var keep []*resource.HistoryEntry
			for _, e := range entries {
				if e.Timestamp.Before(before) {
					n++
					continue
				}
				keep = append(keep, e)
			}
			if len(keep) != len(entries) {
				kept[k] = keep
			}
		}
		if len(kept) == 0 {
			return nil
		}
		t.ops = append(t.ops, func() {
			for k, keep := range kept {
				if len(keep) == 0 {
					delete(db.history, k)
				} else {
					db.history[k] = keep
				}
			}
		})
		return nil
	})
	return n, err
}

// Put implements resource.Index.
func (db *DB) Put(ctx context.Context, resourceType, id string, fields resource.Fields) error {
	return db.write(ctx, func(t *txn) error {
		f := fields.Clone()
		t.ops = append(t.ops, func() {
			byID := db.index[resourceType]
			if byID == nil {
				byID = make(map[string]resource.Fields)
				db.index[resourceType] = byID
			}
			byID[id] = f
		})
		return nil
	})
}

// Remove implements resource.Index.
func (db *DB) Remove(ctx context.Context, resourceType, id string) error {
	return db.write(ctx, func(t *txn) error {
		t.ops = append(t.ops, func() {
			delete(db.index[resourceType], id)
		})
		return nil
	})
}

// Search implements resource.Index against committed state. Matches are
// ordered by id.
func (db *DB) Search(ctx context.Context, resourceType string, q resource.Query) ([]*resource.Record, int, error) {
	var (
		page  []*resource.Record
		total int
	)
	err := db.read(ctx, func(*txn) error {
		var ids []string
		for id, f := range db.index[resourceType] {
			if q.Matches(f) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		total = len(ids)

		start := q.Offset
		if start > total {
			start = total
		}
		end := total
		if q.Limit > 0 && start+q.Limit < end {
			end = start + q.Limit
		}
		for _, id := range ids[start:end] {
			if r, ok := db.records[key(resourceType, id)]; ok {
				page = append(page, copyRecord(r))
			}
		}
		return nil
	})
	return page, total, err
}
