package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lifelog/ehr/internal/resource"
	"github.com/lifelog/ehr/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// NewSearchBundle creates a searchset Bundle for one page of results.
// filters is the encoded query string minus paging parameters.
func NewSearchBundle(result *resource.SearchResult, resourceType, basePath, filters string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(result.Resources))
	for _, raw := range result.Resources {
		var head struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &head)
		entries = append(entries, BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", basePath, head.ID),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}

	page := pagination.Params{Limit: result.Limit, Offset: result.Offset}
	var links []BundleLink
	for _, l := range page.FHIRLinks(basePath, filters, result.Total) {
		links = append(links, BundleLink{Relation: l.Relation, URL: l.URL})
	}

	total := result.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// NewHistoryBundle creates a history Bundle, newest version first.
// Tombstones appear as DELETE entries without a resource.
func NewHistoryBundle(entries []*resource.HistoryEntry, basePath string) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		method := http.MethodPut
		status := "200 OK"
		switch entry.Action {
		case resource.ActionCreate:
			method = http.MethodPost
			status = "201 Created"
		case resource.ActionDelete:
			method = http.MethodDelete
			status = "204 No Content"
		}

		ts := entry.Timestamp
		out[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s/_history/%d", basePath, entry.ResourceType, entry.ResourceID, entry.Version),
			Resource: entry.Payload,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &ts,
			},
		}
	}

	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        out,
	}
}
