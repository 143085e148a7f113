// Package notify fans resource changes out to rest-hook subscribers on a
// bounded worker pool. Delivery is fire-and-forget: failures are logged and
// counted, never retried and never reported to the writer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lifelog/ehr/internal/platform/metrics"
	"github.com/lifelog/ehr/internal/platform/workerpool"
	"github.com/lifelog/ehr/internal/resource"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Notifier evaluates changes against its registry and queues deliveries.
type Notifier struct {
	registry *Registry
	pool     *workerpool.Pool
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New returns a notifier delivering on pool. A non-positive timeout uses
// DefaultTimeout.
func New(registry *Registry, pool *workerpool.Pool, timeout time.Duration, logger zerolog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		registry: registry,
		pool:     pool,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// SetMetrics attaches delivery counters.
func (n *Notifier) SetMetrics(m *metrics.Metrics) { n.metrics = m }

// Registry returns the subscription registry.
func (n *Notifier) Registry() *Registry { return n.registry }

// Register adds a subscription.
func (n *Notifier) Register(sub Subscription) (Subscription, error) {
	sub, err := n.registry.Register(sub)
	if err != nil {
		return Subscription{}, err
	}
	n.logger.Info().Str("subscription", sub.ID).Str("criteria", sub.Criteria).Msg("subscription registered")
	return sub, nil
}

// Unregister removes a subscription.
func (n *Notifier) Unregister(id string) bool {
	ok := n.registry.Unregister(id)
	if ok {
		n.logger.Info().Str("subscription", id).Msg("subscription removed")
	}
	return ok
}

// Notify queues one delivery per matching active subscription and returns
// immediately. A full queue drops the delivery.
func (n *Notifier) Notify(ctx context.Context, resourceType string, action resource.Action, payload json.RawMessage) {
	subs := n.registry.matching(resourceType)
	if len(subs) == 0 {
		return
	}

	var doc map[string]any
	for _, e := range subs {
		if len(e.params) > 0 {
			if doc == nil {
				if err := json.Unmarshal(payload, &doc); err != nil {
					n.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("cannot evaluate subscription criteria")
					return
				}
			}
			if !e.matches(doc) {
				continue
			}
		}

		sub := e.sub
		task := workerpool.Task{
			ID:  "subscription/" + sub.ID,
			Ctx: context.WithoutCancel(ctx),
			Fn: func(ctx context.Context) error {
				return n.deliver(ctx, sub, action, payload)
			},
		}
		if err := n.pool.TrySubmit(task); err != nil {
			n.metrics.Notification(metrics.NotifyDropped, 0)
			n.logger.Warn().Err(err).
				Str("subscription", sub.ID).
				Str("resource_type", resourceType).
				Str("action", string(action)).
				Msg("notification dropped")
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, sub Subscription, action resource.Action, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()

	err := n.post(ctx, sub, action, payload)
	if err != nil {
		n.metrics.Notification(metrics.NotifyFailed, time.Since(start))
		return err
	}
	n.metrics.Notification(metrics.NotifyDelivered, time.Since(start))
	return nil
}

func (n *Notifier) post(ctx context.Context, sub Subscription, action resource.Action, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Channel.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", resource.ErrNotificationDelivery, err)
	}
	req.Header.Set("Content-Type", sub.Channel.Payload)
	for _, h := range sub.Channel.Header {
		k, v, ok := strings.Cut(h, ":")
		if ok {
			req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	req.Header.Set("X-Resource-Action", string(action))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", resource.ErrNotificationDelivery, sub.Channel.Endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: http status %d", resource.ErrNotificationDelivery, sub.Channel.Endpoint, resp.StatusCode)
	}
	return nil
}
