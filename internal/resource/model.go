package resource

import (
	"encoding/json"
	"time"
)

// Action names the kind of change applied to a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Record is the live version of a resource held by the canonical store.
type Record struct {
	ResourceType string
	ID           string
	Version      int
	LastUpdated  time.Time
	Payload      json.RawMessage
	Fields       Fields
}

// Key returns the cache key for the record.
func (r *Record) Key() string { return CacheKey(r.ResourceType, r.ID) }

// HistoryEntry is an immutable snapshot of one version of a record.
// Payload is empty for delete tombstones.
type HistoryEntry struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Version      int             `json:"version"`
	Action       Action          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Fields is the search projection of a record. Tokens hold equality-matched
// values (several per field are allowed), Dates hold range-matched values.
type Fields struct {
	Tokens map[string][]string
	Dates  map[string]time.Time
}

// NewFields returns an empty, writable projection.
func NewFields() Fields {
	return Fields{Tokens: map[string][]string{}, Dates: map[string]time.Time{}}
}

// AddToken appends a non-empty token value to field.
func (f Fields) AddToken(field, value string) {
	if value == "" {
		return
	}
	for _, v := range f.Tokens[field] {
		if v == value {
			return
		}
	}
	f.Tokens[field] = append(f.Tokens[field], value)
}

// SetDate records a date value for field. Zero times are ignored.
func (f Fields) SetDate(field string, t time.Time) {
	if t.IsZero() {
		return
	}
	f.Dates[field] = t.UTC()
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	out := NewFields()
	for k, vs := range f.Tokens {
		out.Tokens[k] = append([]string(nil), vs...)
	}
	for k, v := range f.Dates {
		out.Dates[k] = v
	}
	return out
}

// CacheKey builds the "resourceType:id" key used by the cache layer.
func CacheKey(resourceType, id string) string {
	return resourceType + ":" + id
}

// SearchResult is one page of search matches.
type SearchResult struct {
	Resources []json.RawMessage
	Total     int
	Offset    int
	Limit     int
}
