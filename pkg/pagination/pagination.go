package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
	// Explicit reports whether the caller asked for a page at all.
	Explicit bool
}

// FromContext extracts _count and _offset from the echo context.
func FromContext(c echo.Context) Params {
	var p Params

	if raw := c.QueryParam("_count"); raw != "" {
		p.Explicit = true
		p.Limit, _ = strconv.Atoi(raw)
	}
	if raw := c.QueryParam("_offset"); raw != "" {
		p.Explicit = true
		p.Offset, _ = strconv.Atoi(raw)
	}

	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLinks generates Bundle pagination links. basePath is the request path
// (e.g. "/fhir/Patient"); filters is an already-encoded query string without
// paging parameters, or empty.
func (p Params) FHIRLinks(basePath, filters string, total int) []FHIRLink {
	link := func(offset int) string {
		if filters == "" {
			return fmt.Sprintf("%s?_offset=%d&_count=%d", basePath, offset, p.Limit)
		}
		return fmt.Sprintf("%s?%s&_offset=%d&_count=%d", basePath, filters, offset, p.Limit)
	}

	links := []FHIRLink{{Relation: "self", URL: link(p.Offset)}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: link(p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: link(p.PreviousOffset())})
	}
	return links
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
