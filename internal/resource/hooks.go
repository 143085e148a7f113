package resource

import (
	"context"
	"encoding/json"
	"time"
)

// Validator is the external validation collaborator invoked before create
// and update. A non-nil error rejects the payload.
type Validator interface {
	Validate(ctx context.Context, resourceType string, payload json.RawMessage) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, resourceType string, payload json.RawMessage) error

func (f ValidatorFunc) Validate(ctx context.Context, resourceType string, payload json.RawMessage) error {
	return f(ctx, resourceType, payload)
}

// Outcome values carried by audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent describes one completed operation.
type AuditEvent struct {
	Operation    string    `json:"operation"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Actor        string    `json:"actor"`
	Origin       string    `json:"origin,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Auditor receives an event after every operation. Implementations must not
// block the caller; errors are logged and dropped.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Notifier is handed every committed change. Notify must return without
// waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, resourceType string, action Action, payload json.RawMessage)
}

// Notifiers hands each change to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, resourceType string, action Action, payload json.RawMessage) {
	for _, n := range ns {
		n.Notify(ctx, resourceType, action, payload)
	}
}

// Cache is the read-through cache consulted by Get. Any error is treated as
// a miss by the service.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type requesterKey struct{}

// Requester identifies who issued an operation and from where.
type Requester struct {
	Actor  string
	Origin string
}

// WithRequester attaches the requester to ctx for audit events.
func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, r)
}

// RequesterFrom returns the requester stored in ctx. Actor defaults to
// "anonymous".
func RequesterFrom(ctx context.Context) Requester {
	r, _ := ctx.Value(requesterKey{}).(Requester)
	if r.Actor == "" {
		r.Actor = "anonymous"
	}
	return r
}

// Metrics receives operation counters. A nil Metrics is allowed.
type Metrics interface {
	ObserveOperation(resourceType, operation, outcome string)
	ResourceCreated(resourceType string)
	CacheResult(hit bool)
}
