package notify

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidSubscription is returned when a subscription cannot be registered.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Status of a subscription. Only active subscriptions receive notifications.
type Status string

const (
	StatusActive Status = "active"
	StatusOff    Status = "off"
)

// ChannelRestHook is the only supported channel type.
const ChannelRestHook = "rest-hook"

const defaultContentType = "application/fhir+json"

// Channel is the delivery target of a subscription.
type Channel struct {
	Type     string   `json:"type"`
	Endpoint string   `json:"endpoint"`
	Payload  string   `json:"payload,omitempty"`
	Header   []string `json:"header,omitempty"`
}

// Subscription asks for a POST to Channel.Endpoint whenever a resource
// matching Criteria changes. Criteria is a resource type optionally followed
// by "?field=value&..." conditions on dotted payload paths.
type Subscription struct {
	ID       string  `json:"id"`
	Criteria string  `json:"criteria"`
	Channel  Channel `json:"channel"`
	Status   Status  `json:"status"`
}

type entry struct {
	sub          Subscription
	resourceType string
	params       map[string]string
}

// Registry is a concurrency-safe set of subscriptions owned by one Notifier.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*entry)}
}

// Register validates sub, fills defaults and stores it, replacing any
// subscription with the same id.
func (r *Registry) Register(sub Subscription) (Subscription, error) {
	rt, params := ParseCriteria(sub.Criteria)
	if rt == "" {
		return Subscription{}, fmt.Errorf("%w: criteria is required", ErrInvalidSubscription)
	}
	if sub.Channel.Type == "" {
		sub.Channel.Type = ChannelRestHook
	}
	if sub.Channel.Type != ChannelRestHook {
		return Subscription{}, fmt.Errorf("%w: unsupported channel type %q", ErrInvalidSubscription, sub.Channel.Type)
	}
	u, err := url.Parse(sub.Channel.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrInvalidSubscription)
	}
	if sub.Channel.Payload == "" {
		sub.Channel.Payload = defaultContentType
	}
	switch sub.Status {
	case "":
		sub.Status = StatusActive
	case StatusActive, StatusOff:
	default:
		return Subscription{}, fmt.Errorf("%w: unknown status %q", ErrInvalidSubscription, sub.Status)
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.Channel.Header = append([]string(nil), sub.Channel.Header...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = &entry{sub: sub, resourceType: rt, params: params}
	return sub, nil
}

// Unregister removes the subscription and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	return ok
}

// Get returns the subscription with id.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return e.sub, true
}

// List returns all subscriptions ordered by id.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		out = append(out, e.sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// matching returns the active subscriptions whose criteria name resourceType.
func (r *Registry) matching(resourceType string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entry
	for _, e := range r.subs {
		if e.sub.Status == StatusActive && e.resourceType == resourceType {
			out = append(out, e)
		}
	}
	return out
}

// ParseCriteria splits a subscription criteria string into resource type and parameters.
//
//	"Observation?code=1234&status=final" -> ("Observation", {"code":"1234","status":"final"})
//	"Patient" -> ("Patient", {})
func ParseCriteria(criteria string) (string, map[string]string) {
	rt, query, _ := strings.Cut(criteria, "?")
	params := make(map[string]string)
	if query != "" {
		for _, param := range strings.Split(query, "&") {
			k, v, ok := strings.Cut(param, "=")
			if ok {
				params[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(rt), params
}

// matches reports whether every criteria parameter holds for doc.
func (e *entry) matches(doc map[string]any) bool {
	for path, want := range e.params {
		if !fieldEquals(doc, strings.Split(path, "."), want) {
			return false
		}
	}
	return true
}

// fieldEquals walks a dotted path, fanning out over arrays, and reports
// whether any scalar reached equals want.
func fieldEquals(cur any, path []string, want string) bool {
	switch v := cur.(type) {
	case []any:
		for _, el := range v {
			if fieldEquals(el, path, want) {
				return true
			}
		}
		return false
	case map[string]any:
		if len(path) == 0 {
			return false
		}
		return fieldEquals(v[path[0]], path[1:], want)
	}
	if len(path) != 0 {
		return false
	}
	switch v := cur.(type) {
	case string:
		return v == want
	case float64:
		return fmt.Sprintf("%g", v) == want
	case bool:
		return fmt.Sprintf("%t", v) == want
	}
	return false
}
