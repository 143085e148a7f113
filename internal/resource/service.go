package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheTTL bounds how long a cached payload may be served.
	DefaultCacheTTL = 10 * time.Minute

	maxWriteAttempts = 3
	matchPageSize    = 100
)

// Operation names reported to the audit hook and metrics.
const (
	OpCreate  = "create"
	OpRead    = "read"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpHistory = "history"
	OpSearch  = "search"
)

// Service implements versioned create/read/update/delete/history/search for
// every registered resource type on top of a storage Backend.
type Service struct {
	backend   Backend
	types     *Registry
	logger    zerolog.Logger
	cache     Cache
	notifier  Notifier
	validator Validator
	auditor   Auditor
	metrics   Metrics
	cacheTTL  time.Duration

	now   func() time.Time
	newID func() string
}

// NewService creates a service over backend. Optional collaborators are
// attached with the Set* methods before the service is shared.
func NewService(backend Backend, types *Registry, logger zerolog.Logger) *Service {
	if types == nil {
		types = DefaultRegistry()
	}
	return &Service{
		backend:  backend,
		types:    types,
		logger:   logger.With().Str("component", "resource").Logger(),
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func (s *Service) SetCache(c Cache) { s.cache = c }
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }
func (s *Service) SetValidator(v Validator) { s.validator = v }
func (s *Service) SetAuditor(a Auditor) { s.auditor = a }
func (s *Service) SetMetrics(m Metrics) { s.metrics = m }
func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetIDGenerator(gen func() string) { s.newID = gen }

// SetCacheTTL overrides the cache TTL. Non-positive values are ignored.
func (s *Service) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		s.cacheTTL = ttl
	}
}

// Types returns the registry the service validates resource types against.
func (s *Service) Types() *Registry { return s.types }

// Create stores version 1 of a new record. When explicitID is empty a new id
// is generated. An explicit id that is live, or was ever used, fails with
// ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, resourceType string, payload json.RawMessage, explicitID string) (id string, version int, err error) {
	rec, err := s.CreateRecord(ctx, resourceType, payload, explicitID)
	if err != nil {
		return "", 0, err
	}
	return rec.ID, rec.Version, nil
}

// CreateRecord is Create returning the stored record.
func (s *Service) CreateRecord(ctx context.Context, resourceType string, payload json.RawMessage, explicitID string) (rec *Record, err error) {
	defer func() {
		id := explicitID
		if rec != nil {
			id = rec.ID
		}
		s.finish(ctx, OpCreate, resourceType, id, err)
	}()

	def, doc, err := s.prepare(ctx, resourceType, payload)
	if err != nil {
		return nil, err
	}
	if rec, err = s.insert(ctx, def, resourceType, explicitID, doc); err != nil {
		return nil, err
	}
	s.created(ctx, rec)
	return rec, nil
}

// Update writes the next version of an existing record. When expectedVersion
// is nil, a numeric meta.versionId in the payload is used instead; without
// either, the update applies to whatever version is live.
func (s *Service) Update(ctx context.Context, resourceType, id string, payload json.RawMessage, expectedVersion *int) (version int, err error) {
	rec, err := s.UpdateRecord(ctx, resourceType, id, payload, expectedVersion)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// UpdateRecord is Update returning the stored record.
func (s *Service) UpdateRecord(ctx context.Context, resourceType, id string, payload json.RawMessage, expectedVersion *int) (rec *Record, err error) {
	defer func() { s.finish(ctx, OpUpdate, resourceType, id, err) }()

	def, doc, err := s.prepare(ctx, resourceType, payload)
	if err != nil {
		return nil, err
	}
	if rec, err = s.update(ctx, def, resourceType, id, doc, resolveExpected(doc, expectedVersion)); err != nil {
		return nil, err
	}
	s.updated(ctx, rec)
	return rec, nil
}

// Upsert updates (resourceType, id), or creates it under id when nothing
// was ever stored there and expectedVersion is nil. The payload is
// validated once and a single audit event names the operation that took
// effect. created reports which one it was.
func (s *Service) Upsert(ctx context.Context, resourceType, id string, payload json.RawMessage, expectedVersion *int) (rec *Record, created bool, err error) {
	op := OpUpdate
	defer func() { s.finish(ctx, op, resourceType, id, err) }()

	def, doc, err := s.prepare(ctx, resourceType, payload)
	if err != nil {
		return nil, false, err
	}
	expected := resolveExpected(doc, expectedVersion)

	rec, err = s.update(ctx, def, resourceType, id, doc, expected)
	if !errors.Is(err, ErrNotFound) || expectedVersion != nil {
		if err != nil {
			return nil, false, err
		}
		s.updated(ctx, rec)
		return rec, false, nil
	}

	op = OpCreate
	rec, err = s.insert(ctx, def, resourceType, id, doc)
	if err == nil {
		s.created(ctx, rec)
		return rec, true, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, false, err
	}

	// Either the id was deleted, or a concurrent writer created it first.
	if _, gerr := s.backend.Store.Get(ctx, resourceType, id); gerr != nil {
		if errors.Is(gerr, ErrNotFound) {
			err = fmt.Errorf("%w: %s/%s was deleted and cannot be recreated", ErrAlreadyExists, resourceType, id)
		}
		return nil, false, err
	}
	op = OpUpdate
	if rec, err = s.update(ctx, def, resourceType, id, doc, expected); err != nil {
		return nil, false, err
	}
	s.updated(ctx, rec)
	return rec, false, nil
}

// prepare resolves the type definition and decodes and validates payload.
func (s *Service) prepare(ctx context.Context, resourceType string, payload json.RawMessage) (*TypeDef, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	def, err := s.types.Lookup(resourceType)
	if err != nil {
		return nil, nil, err
	}
	doc, err := decode(payload)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validate(ctx, resourceType, payload); err != nil {
		return nil, nil, err
	}
	return def, doc, nil
}

// resolveExpected falls back to a numeric meta.versionId in doc.
func resolveExpected(doc map[string]any, expectedVersion *int) *int {
	if expectedVersion != nil {
		return expectedVersion
	}
	if v, ok := metaVersion(doc); ok {
		return &v
	}
	return nil
}

// stampTime is the lastUpdated of a new version. It is truncated to the
// microsecond precision PostgreSQL stores so history and live reads agree.
func (s *Service) stampTime() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) insert(ctx context.Context, def *TypeDef, resourceType, explicitID string, doc map[string]any) (*Record, error) {
	id := explicitID
	if id == "" {
		id = s.newID()
	}
	now := s.stampTime()
	stamp(doc, resourceType, id, 1, now)
	body, err := encode(doc)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ResourceType: resourceType,
		ID:           id,
		Version:      1,
		LastUpdated:  now,
		Payload:      body,
		Fields:       def.Project(doc),
	}

	err = s.backend.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if explicitID != "" {
			latest, err := s.backend.Ledger.LatestVersion(ctx, resourceType, id)
			if err != nil {
				return fmt.Errorf("checking history: %w", err)
			}
			if latest > 0 {
				return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, resourceType, id)
			}
		}
		return s.persist(ctx, rec, ActionCreate, -1)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) created(ctx context.Context, rec *Record) {
	s.cacheSet(ctx, rec.Key(), rec.Payload)
	s.notify(ctx, rec.ResourceType, ActionCreate, rec.Payload)
	if s.metrics != nil {
		s.metrics.ResourceCreated(rec.ResourceType)
	}
}

// update retries lost races only when the write is unconditional.
func (s *Service) update(ctx context.Context, def *TypeDef, resourceType, id string, doc map[string]any, expected *int) (*Record, error) {
	attempts := 1
	if expected == nil {
		attempts = maxWriteAttempts
	}
	var (
		rec *Record
		err error
	)
	for i := 0; i < attempts; i++ {
		rec, err = s.updateOnce(ctx, def, resourceType, id, doc, expected)
		if err == nil || !errors.Is(err, ErrVersionConflict) || expected != nil {
			break
		}
		s.logger.Debug().Str("resource_type", resourceType).Str("id", id).Int("attempt", i+1).Msg("update lost race, retrying")
	}
	return rec, err
}

func (s *Service) updated(ctx context.Context, rec *Record) {
	s.cacheInvalidate(ctx, rec.Key())
	s.notify(ctx, rec.ResourceType, ActionUpdate, rec.Payload)
}

func (s *Service) updateOnce(ctx context.Context, def *TypeDef, resourceType, id string, doc map[string]any, expected *int) (*Record, error) {
	var rec *Record
	err := s.backend.Tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.backend.Store.Get(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if expected != nil && *expected != cur.Version {
			return fmt.Errorf("%w: %s/%s is at version %d, expected %d", ErrVersionConflict, resourceType, id, cur.Version, *expected)
		}
		now := s.stampTime()
		next := cur.Version + 1
		stamp(doc, resourceType, id, next, now)
		body, err := encode(doc)
		if err != nil {
			return err
		}
		rec = &Record{
			ResourceType: resourceType,
			ID:           id,
			Version:      next,
			LastUpdated:  now,
			Payload:      body,
			Fields:       def.Project(doc),
		}
		return s.persist(ctx, rec, ActionUpdate, cur.Version)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// persist writes rec to the store, ledger and index. expected < 0 inserts.
func (s *Service) persist(ctx context.Context, rec *Record, action Action, expected int) error {
	if expected < 0 {
		if err := s.backend.Store.Insert(ctx, rec); err != nil {
			return fmt.Errorf("inserting record: %w", err)
		}
	} else if err := s.backend.Store.Swap(ctx, rec, expected); err != nil {
		return fmt.Errorf("swapping record: %w", err)
	}
	entry := &HistoryEntry{
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ID,
		Version:      rec.Version,
		Action:       action,
		Payload:      rec.Payload,
		Timestamp:    rec.LastUpdated,
	}
	if err := s.backend.Ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	if err := s.backend.Index.Put(ctx, rec.ResourceType, rec.ID, rec.Fields); err != nil {
		return fmt.Errorf("indexing record: %w", err)
	}
	return nil
}

// Delete removes the live record and its index entry and writes a tombstone
// to the history ledger. Deleting an id with no live record is a no-op.
func (s *Service) Delete(ctx context.Context, resourceType, id string) (err error) {
	defer func() { s.finish(ctx, OpDelete, resourceType, id, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if _, err = s.types.Lookup(resourceType); err != nil {
		return err
	}

	var removed *Record
	for i := 0; i < maxWriteAttempts; i++ {
		removed, err = s.deleteOnce(ctx, resourceType, id)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return err
	}

	s.cacheInvalidate(ctx, CacheKey(resourceType, id))
	if removed != nil {
		s.notify(ctx, resourceType, ActionDelete, removed.Payload)
	}
	return nil
}

func (s *Service) deleteOnce(ctx context.Context, resourceType, id string) (*Record, error) {
	var removed *Record
	err := s.backend.Tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.backend.Store.Get(ctx, resourceType, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.backend.Store.Delete(ctx, resourceType, id, cur.Version); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		tombstone := &HistoryEntry{
			ResourceType: resourceType,
			ResourceID:   id,
			Version:      cur.Version + 1,
			Action:       ActionDelete,
			Timestamp:    s.stampTime(),
		}
		if err := s.backend.Ledger.Append(ctx, tombstone); err != nil {
			return fmt.Errorf("appending tombstone: %w", err)
		}
		if err := s.backend.Index.Remove(ctx, resourceType, id); err != nil {
			return fmt.Errorf("removing index entry: %w", err)
		}
		removed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Get returns the live payload for (resourceType, id), consulting the cache
// first. The returned payload always carries its id.
func (s *Service) Get(ctx context.Context, resourceType, id string) (payload json.RawMessage, err error) {
	defer func() { s.finish(ctx, OpRead, resourceType, id, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if _, err = s.types.Lookup(resourceType); err != nil {
		return nil, err
	}

	key := CacheKey(resourceType, id)
	if b, ok := s.cacheGet(ctx, key); ok {
		return ensureID(b, id), nil
	}

	rec, err := s.backend.Store.Get(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, rec.Payload)
	return ensureID(rec.Payload, id), nil
}

// GetHistory returns every recorded version of (resourceType, id), newest
// first, each payload stamped with its own version and timestamp. Tombstones
// carry no payload. A live record whose history was purged reports its
// current version alone.
func (s *Service) GetHistory(ctx context.Context, resourceType, id string) (entries []*HistoryEntry, err error) {
	defer func() { s.finish(ctx, OpHistory, resourceType, id, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if _, err = s.types.Lookup(resourceType); err != nil {
		return nil, err
	}
	entries, err = s.backend.Ledger.Query(ctx, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	if len(entries) == 0 {
		// Purged history of a live record falls back to its current version.
		rec, gerr := s.backend.Store.Get(ctx, resourceType, id)
		if errors.Is(gerr, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
		}
		if gerr != nil {
			return nil, fmt.Errorf("reading live record: %w", gerr)
		}
		action := ActionUpdate
		if rec.Version == 1 {
			action = ActionCreate
		}
		entries = []*HistoryEntry{{
			ResourceType: resourceType,
			ResourceID:   id,
			Version:      rec.Version,
			Action:       action,
			Payload:      rec.Payload,
			Timestamp:    rec.LastUpdated,
		}}
	}
	for _, e := range entries {
		e.Payload = overlay(e.Payload, resourceType, id, e.Version, e.Timestamp)
	}
	return entries, nil
}

// Search returns one page of live records matching every criterion. A query
// with no criteria and no explicit pagination returns an empty result.
func (s *Service) Search(ctx context.Context, resourceType string, q Query) (result *SearchResult, err error) {
	defer func() { s.finish(ctx, OpSearch, resourceType, "", err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if _, err = s.types.Lookup(resourceType); err != nil {
		return nil, err
	}
	for _, c := range q.Criteria {
		if err = c.Validate(); err != nil {
			return nil, err
		}
	}

	explicit := q.Explicit()
	q = q.Normalize()
	result = &SearchResult{Resources: []json.RawMessage{}, Offset: q.Offset, Limit: q.Limit}
	if len(q.Criteria) == 0 && !explicit {
		return result, nil
	}

	recs, total, err := s.backend.Index.Search(ctx, resourceType, q)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	result.Total = total
	for _, r := range recs {
		result.Resources = append(result.Resources, ensureID(r.Payload, r.ID))
	}
	return result, nil
}

// MatchIDs returns the "Type/id" references of every live record matching
// criteria. It is used to resolve chained searches.
func (s *Service) MatchIDs(ctx context.Context, resourceType string, criteria []Criterion) ([]string, error) {
	if _, err := s.types.Lookup(resourceType); err != nil {
		return nil, err
	}
	var refs []string
	q := Query{Criteria: criteria, Limit: matchPageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, total, err := s.backend.Index.Search(ctx, resourceType, q)
		if err != nil {
			return nil, fmt.Errorf("searching index: %w", err)
		}
		for _, r := range recs {
			refs = append(refs, resourceType+"/"+r.ID)
		}
		q.Offset += q.Limit
		if len(recs) == 0 || q.Offset >= total {
			return refs, nil
		}
	}
}

func (s *Service) validate(ctx context.Context, resourceType string, payload json.RawMessage) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Validate(ctx, resourceType, payload); err != nil {
		if errors.Is(err, ErrValidationFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

func (s *Service) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, reading from store")
		ok = false
	}
	if s.metrics != nil {
		s.metrics.CacheResult(ok)
	}
	return b, ok
}

func (s *Service) cacheSet(ctx context.Context, key string, payload []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache invalidate failed")
	}
}

func (s *Service) notify(ctx context.Context, resourceType string, action Action, payload json.RawMessage) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, resourceType, action, payload)
}

// finish reports the outcome of an operation to metrics and the auditor.
func (s *Service) finish(ctx context.Context, op, resourceType, id string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(resourceType, op, outcome)
	}
	if s.auditor == nil {
		return
	}
	req := RequesterFrom(ctx)
	ev := AuditEvent{
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   id,
		Outcome:      outcome,
		Actor:        req.Actor,
		Origin:       req.Origin,
		Timestamp:    s.now().UTC(),
	}
	if aerr := s.auditor.Record(ctx, ev); aerr != nil {
		s.logger.Warn().Err(aerr).Str("operation", op).Msg("audit record failed")
	}
}
