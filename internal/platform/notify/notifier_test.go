package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/lifelog/ehr/internal/platform/metrics"
	"github.com/lifelog/ehr/internal/platform/workerpool"
	"github.com/lifelog/ehr/internal/resource"
)

type delivery struct {
	body        string
	action      string
	contentType string
	auth        string
}

type hookServer struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []delivery
	received   chan struct{}
}

func newHookServer(t *testing.T, status int) *hookServer {
	t.Helper()
	h := &hookServer{received: make(chan struct{}, 64)}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.deliveries = append(h.deliveries, delivery{
			body:        string(b),
			action:      r.Header.Get("X-Resource-Action"),
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
		})
		h.mu.Unlock()
		w.WriteHeader(status)
		h.received <- struct{}{}
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) wait(t *testing.T, n int) []delivery {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.deliveries...)
}

func newTestNotifier(t *testing.T, workers, queue int, timeout time.Duration) (*Notifier, *workerpool.Pool, *metrics.Metrics) {
	t.Helper()
	pool := workerpool.New(workerpool.Config{Name: "notify-test", MaxWorkers: workers, QueueSize: queue, Logger: zerolog.Nop()})
	t.Cleanup(func() { pool.Stop(5 * time.Second) })
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	n := New(NewRegistry(), pool, timeout, zerolog.Nop())
	n.SetMetrics(m)
	return n, pool, m
}

func TestParseCriteria(t *testing.T) {
	rt, params := ParseCriteria("Observation?code=1234&status=final")
	if rt != "Observation" {
		t.Errorf("expected Observation, got %s", rt)
	}
	if params["code"] != "1234" || params["status"] != "final" {
		t.Errorf("unexpected params %v", params)
	}
	rt, params = ParseCriteria(" Patient ")
	if rt != "Patient" || len(params) != 0 {
		t.Errorf("expected bare Patient, got %q %v", rt, params)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		sub  Subscription
	}{
		{"missing criteria", Subscription{Channel: Channel{Endpoint: "http://x"}}},
		{"relative endpoint", Subscription{Criteria: "Patient", Channel: Channel{Endpoint: "/hook"}}},
		{"bad scheme", Subscription{Criteria: "Patient", Channel: Channel{Endpoint: "ftp://x/hook"}}},
		{"bad channel", Subscription{Criteria: "Patient", Channel: Channel{Type: "email", Endpoint: "http://x"}}},
		{"bad status", Subscription{Criteria: "Patient", Status: "paused", Channel: Channel{Endpoint: "http://x"}}},
	}
	for _, tt := range tests {
		if _, err := r.Register(tt.sub); !errors.Is(err, ErrInvalidSubscription) {
			t.Errorf("%s: expected ErrInvalidSubscription, got %v", tt.name, err)
		}
	}

	sub, err := r.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: "https://example.org/hook"}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sub.ID == "" || sub.Status != StatusActive || sub.Channel.Type != ChannelRestHook || sub.Channel.Payload != "application/fhir+json" {
		t.Errorf("expected defaults applied, got %+v", sub)
	}
	if got, ok := r.Get(sub.ID); !ok || got.Criteria != "Patient" {
		t.Errorf("expected stored subscription, got %+v", got)
	}
	if !r.Unregister(sub.ID) || r.Unregister(sub.ID) {
		t.Error("expected unregister to succeed exactly once")
	}
	if len(r.List()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestEntryMatches(t *testing.T) {
	var doc map[string]any
	json.Unmarshal([]byte(`{
		"status": "final",
		"subject": {"reference": "Patient/1"},
		"code": {"coding": [{"code": "111"}, {"code": "222"}]},
		"valueQuantity": {"value": 7.5}
	}`), &doc)

	tests := []struct {
		criteria string
		want     bool
	}{
		{"Observation", true},
		{"Observation?status=final", true},
		{"Observation?status=amended", false},
		{"Observation?subject.reference=Patient/1&status=final", true},
		{"Observation?code.coding.code=222", true},
		{"Observation?code.coding.code=333", false},
		{"Observation?valueQuantity.value=7.5", true},
		{"Observation?subject=Patient/1", false},
		{"Observation?missing.path=x", false},
	}
	for _, tt := range tests {
		rt, params := ParseCriteria(tt.criteria)
		e := &entry{resourceType: rt, params: params}
		if got := e.matches(doc); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.criteria, tt.want, got)
		}
	}
}

func TestNotify_DeliversToMatchingActiveSubscriptions(t *testing.T) {
	hook := newHookServer(t, http.StatusOK)
	other := newHookServer(t, http.StatusOK)
	n, _, m := newTestNotifier(t, 2, 10, time.Second)

	n.Register(Subscription{
		Criteria: "Observation?status=final",
		Channel:  Channel{Endpoint: hook.URL, Header: []string{"Authorization: Bearer abc"}},
	})
	n.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: other.URL}})
	n.Register(Subscription{Criteria: "Observation", Status: StatusOff, Channel: Channel{Endpoint: other.URL}})
	n.Register(Subscription{Criteria: "Observation?status=preliminary", Channel: Channel{Endpoint: other.URL}})

	payload := json.RawMessage(`{"resourceType":"Observation","id":"o1","status":"final"}`)
	n.Notify(context.Background(), "Observation", resource.ActionUpdate, payload)

	got := hook.wait(t, 1)
	if got[0].body != string(payload) {
		t.Errorf("expected payload body, got %s", got[0].body)
	}
	if got[0].action != "update" {
		t.Errorf("expected X-Resource-Action update, got %q", got[0].action)
	}
	if got[0].contentType != "application/fhir+json" || got[0].auth != "Bearer abc" {
		t.Errorf("unexpected headers %+v", got[0])
	}

	select {
	case <-other.received:
		t.Error("expected no delivery to non-matching subscriptions")
	case <-time.After(100 * time.Millisecond):
	}
	n.pool.Stop(time.Second)
	if v := testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyDelivered)); v != 1 {
		t.Errorf("expected 1 delivered, got %v", v)
	}
}

func TestNotify_FailureIsolatedPerSubscriber(t *testing.T) {
	bad := newHookServer(t, http.StatusInternalServerError)
	good := newHookServer(t, http.StatusNoContent)
	n, pool, m := newTestNotifier(t, 2, 10, time.Second)

	n.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: bad.URL}})
	n.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: good.URL}})

	n.Notify(context.Background(), "Patient", resource.ActionCreate, json.RawMessage(`{"id":"p1"}`))
	bad.wait(t, 1)
	good.wait(t, 1)
	pool.Stop(time.Second)

	if v := testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyFailed)); v != 1 {
		t.Errorf("expected 1 failed, got %v", v)
	}
	if v := testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyDelivered)); v != 1 {
		t.Errorf("expected 1 delivered, got %v", v)
	}
}

func TestNotify_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	n, _, m := newTestNotifier(t, 1, 1, 5*time.Second)
	n.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: slow.URL}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Notify(context.Background(), "Patient", resource.ActionCreate, json.RawMessage(`{}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a saturated pool")
	}

	if v := testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyDropped)); v < 8 {
		t.Errorf("expected at least 8 drops, got %v", v)
	}
}

func TestDeliver_Timeout(t *testing.T) {
	release := make(chan struct{})
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hang.Close()
	defer close(release)

	n, _, _ := newTestNotifier(t, 1, 1, 50*time.Millisecond)
	sub, _ := n.registry.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: hang.URL}})

	start := time.Now()
	err := n.deliver(context.Background(), sub, resource.ActionCreate, json.RawMessage(`{}`))
	if !errors.Is(err, resource.ErrNotificationDelivery) {
		t.Errorf("expected ErrNotificationDelivery, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("expected delivery to time out quickly, took %v", time.Since(start))
	}
}

func TestNotify_CallerCancellationDoesNotAbortDelivery(t *testing.T) {
	hook := newHookServer(t, http.StatusOK)
	n, _, _ := newTestNotifier(t, 1, 4, time.Second)
	n.Register(Subscription{Criteria: "Patient", Channel: Channel{Endpoint: hook.URL}})

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, "Patient", resource.ActionDelete, json.RawMessage(`{"id":"p1"}`))
	cancel()

	got := hook.wait(t, 1)
	if got[0].action != "delete" {
		t.Errorf("expected delete action, got %q", got[0].action)
	}
}
