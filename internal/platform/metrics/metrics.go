// Package metrics holds the Prometheus collectors of the resource service.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ehr"

// Notification outcomes.
const (
	NotifyDelivered = "delivered"
	NotifyFailed    = "failed"
	NotifyDropped   = "dropped"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry prometheus.Gatherer

	// Operations counts service operations.
	// Labels: type, operation (create, read, update, delete, history, search), outcome (success, failure)
	Operations *prometheus.CounterVec

	// Created counts resources created per type.
	Created *prometheus.CounterVec

	// CacheRequests counts cache lookups. Labels: result (hit, miss)
	CacheRequests *prometheus.CounterVec

	// Notifications counts subscriber deliveries. Labels: outcome (delivered, failed, dropped)
	Notifications *prometheus.CounterVec

	// DeliveryLatency measures rest-hook round trips.
	DeliveryLatency prometheus.Histogram
}

// New registers the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg. gatherer backs Handler.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_operations_total",
			Help:      "Resource service operations by type, operation and outcome",
		}, []string{"type", "operation", "outcome"}),
		Created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_created_total",
			Help:      "Resources created per type",
		}, []string{"type"}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Read-through cache lookups by result",
		}, []string{"result"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Subscription notifications by outcome",
		}, []string{"outcome"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_seconds",
			Help:      "Rest-hook delivery latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// ObserveOperation counts one service operation.
func (m *Metrics) ObserveOperation(resourceType, operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(resourceType, operation, outcome).Inc()
}

// ResourceCreated counts one created resource.
func (m *Metrics) ResourceCreated(resourceType string) {
	if m == nil {
		return
	}
	m.Created.WithLabelValues(resourceType).Inc()
}

// CacheResult counts one cache lookup.
func (m *Metrics) CacheResult(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// Notification counts one delivery outcome. d is ignored for drops.
func (m *Metrics) Notification(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
	if outcome != NotifyDropped {
		m.DeliveryLatency.Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
