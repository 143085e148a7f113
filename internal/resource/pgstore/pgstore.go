// Package pgstore implements the resource storage backend on PostgreSQL.
// Live records, the history ledger and the search index share one database
// so a single transaction covers a whole write.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifelog/ehr/internal/platform/db"
	"github.com/lifelog/ehr/internal/resource"
)

// Store is the PostgreSQL resource backend.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store using pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Backend exposes s as a resource.Backend.
func (s *Store) Backend() resource.Backend {
	return resource.Backend{Store: s, Ledger: s, Index: s, Tx: s}
}

func (s *Store) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

// WithinTx implements resource.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

// -- Canonical store --

const recordCols = `resource_type, id, version, last_updated, payload`

func scanRecord(row pgx.Row) (*resource.Record, error) {
	var r resource.Record
	var payload []byte
	if err := row.Scan(&r.ResourceType, &r.ID, &r.Version, &r.LastUpdated, &payload); err != nil {
		return nil, err
	}
	r.Payload = payload
	r.LastUpdated = r.LastUpdated.UTC()
	return &r, nil
}

// Insert implements resource.Store.
func (s *Store) Insert(ctx context.Context, rec *resource.Record) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO resource (`+recordCols+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, id) DO NOTHING`,
		rec.ResourceType, rec.ID, rec.Version, rec.LastUpdated, string(rec.Payload),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", resource.ErrAlreadyExists, rec.ResourceType, rec.ID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", resource.ErrAlreadyExists, rec.ResourceType, rec.ID)
	}
	return nil
}

// Swap implements resource.Store as a single conditional UPDATE.
func (s *Store) Swap(ctx context.Context, rec *resource.Record, expectedVersion int) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE resource SET version = $3, last_updated = $4, payload = $5
		WHERE resource_type = $1 AND id = $2 AND version = $6`,
		rec.ResourceType, rec.ID, rec.Version, rec.LastUpdated, string(rec.Payload), expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, rec.ResourceType, rec.ID)
	}
	return nil
}

// Get implements resource.Store.
func (s *Store) Get(ctx context.Context, resourceType, id string) (*resource.Record, error) {
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM resource WHERE resource_type = $1 AND id = $2`,
		resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", resource.ErrNotFound, resourceType, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete implements resource.Store. Index rows go with the record through
// the ON DELETE CASCADE foreign key.
func (s *Store) Delete(ctx context.Context, resourceType, id string, expectedVersion int) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM resource WHERE resource_type = $1 AND id = $2 AND version = $3`,
		resourceType, id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, resourceType, id)
	}
	return nil
}

// missOrConflict explains why a conditional write matched no row.
func (s *Store) missOrConflict(ctx context.Context, resourceType, id string) error {
	var version int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT version FROM resource WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", resource.ErrNotFound, resourceType, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s/%s is at version %d", resource.ErrVersionConflict, resourceType, id, version)
}

// -- History ledger --

// Append implements resource.Ledger.
func (s *Store) Append(ctx context.Context, entry *resource.HistoryEntry) error {
	var payload any
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO resource_history (resource_type, id, version, action, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ResourceType, entry.ResourceID, entry.Version, string(entry.Action), payload, entry.Timestamp,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: history %s/%s version %d already recorded",
			resource.ErrVersionConflict, entry.ResourceType, entry.ResourceID, entry.Version)
	}
	return err
}

// Query implements resource.Ledger.
func (s *Store) Query(ctx context.Context, resourceType, id string) ([]*resource.HistoryEntry, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT resource_type, id, version, action, payload, recorded_at
		FROM resource_history
		WHERE resource_type = $1 AND id = $2
		ORDER BY version DESC`,
		resourceType, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*resource.HistoryEntry
	for rows.Next() {
		var e resource.HistoryEntry
		var action string
		var payload []byte
		if err := rows.Scan(&e.ResourceType, &e.ResourceID, &e.Version, &action, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Action = resource.Action(action)
		e.Payload = payload
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// LatestVersion implements resource.Ledger.
func (s *Store) LatestVersion(ctx context.Context, resourceType, id string) (int, error) {
	var v int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM resource_history WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&v)
	return v, err
}

// Purge implements resource.Ledger.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM resource_history WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- Search index --

// Put implements resource.Index by replacing every row of (type, id).
func (s *Store) Put(ctx context.Context, resourceType, id string, fields resource.Fields) error {
	if err := s.Remove(ctx, resourceType, id); err != nil {
		return err
	}

	tokenParams, tokens, dateParams, dates := flatten(fields)
	if len(tokens) > 0 {
		if _, err := s.conn(ctx).Exec(ctx, `
			INSERT INTO resource_search (resource_type, id, param, token)
			SELECT $1, $2, p, t FROM unnest($3::text[], $4::text[]) AS u(p, t)`,
			resourceType, id, tokenParams, tokens); err != nil {
			return err
		}
	}
	if len(dates) > 0 {
		if _, err := s.conn(ctx).Exec(ctx, `
			INSERT INTO resource_search (resource_type, id, param, date_value)
			SELECT $1, $2, p, d FROM unnest($3::text[], $4::timestamptz[]) AS u(p, d)`,
			resourceType, id, dateParams, dates); err != nil {
			return err
		}
	}
	return nil
}

// flatten turns a projection into parallel column arrays.
func flatten(f resource.Fields) (tokenParams, tokens, dateParams []string, dates []time.Time) {
	for param, values := range f.Tokens {
		for _, v := range values {
			tokenParams = append(tokenParams, param)
			tokens = append(tokens, v)
		}
	}
	for param, d := range f.Dates {
		dateParams = append(dateParams, param)
		dates = append(dates, d)
	}
	return tokenParams, tokens, dateParams, dates
}

// Remove implements resource.Index.
func (s *Store) Remove(ctx context.Context, resourceType, id string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM resource_search WHERE resource_type = $1 AND id = $2`, resourceType, id)
	return err
}

// Search implements resource.Index.
func (s *Store) Search(ctx context.Context, resourceType string, q resource.Query) ([]*resource.Record, int, error) {
	sq := newSearchQuery(resourceType)
	for _, c := range q.Criteria {
		if err := sq.apply(c); err != nil {
			return nil, 0, err
		}
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, sq.countSQL(), sq.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 || q.Offset >= total {
		return nil, total, nil
	}

	rows, err := s.conn(ctx).Query(ctx, sq.dataSQL(), sq.dataArgs(q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*resource.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
