// Package audit persists the events emitted by the resource service. The
// service hands every event to an Auditor; Async keeps that hand-off off the
// request path.
package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lifelog/ehr/internal/platform/workerpool"
	"github.com/lifelog/ehr/internal/resource"
)

// Logger writes each event as a structured log line tagged type=audit.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns an auditor writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Record implements resource.Auditor.
func (l *Logger) Record(_ context.Context, ev resource.AuditEvent) error {
	evt := l.logger.Info()
	if ev.Outcome == resource.OutcomeFailure {
		evt = l.logger.Warn()
	}
	evt.
		Str("type", "audit").
		Str("operation", ev.Operation).
		Str("resource_type", ev.ResourceType).
		Str("resource_id", ev.ResourceID).
		Str("outcome", ev.Outcome).
		Str("actor", ev.Actor).
		Str("origin", ev.Origin).
		Time("event_time", ev.Timestamp).
		Msg("audit")
	return nil
}

// Async forwards events to next on a worker pool.
type Async struct {
	next resource.Auditor
	pool *workerpool.Pool
}

// NewAsync wraps next so Record only queues the event.
func NewAsync(next resource.Auditor, pool *workerpool.Pool) *Async {
	return &Async{next: next, pool: pool}
}

// Record implements resource.Auditor. It fails only when the event could
// not be queued.
func (a *Async) Record(ctx context.Context, ev resource.AuditEvent) error {
	err := a.pool.TrySubmit(workerpool.Task{
		ID:  "audit/" + ev.Operation,
		Ctx: context.WithoutCancel(ctx),
		Fn: func(ctx context.Context) error {
			return a.next.Record(ctx, ev)
		},
	})
	if err != nil {
		return fmt.Errorf("queue audit event: %w", err)
	}
	return nil
}
