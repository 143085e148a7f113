package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lifelog/ehr/internal/resource"
	"github.com/lifelog/ehr/pkg/pagination"
)

const contentType = "application/fhir+json"

// Handler exposes the resource service over FHIR-style REST routes for every
// registered resource type.
type Handler struct {
	svc    *resource.Service
	parser *SearchParser
}

func NewHandler(svc *resource.Service) *Handler {
	return &Handler{svc: svc, parser: NewSearchParser(svc.Types(), svc)}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.POST("/:type/_search", h.SearchPost)
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.DELETE("/:type/:id", h.Delete)
	fhirGroup.GET("/:type/:id/_history", h.History)
	fhirGroup.GET("/:type/:id/_history/:vid", h.VRead)
}

// Create stores a new resource under a server-assigned id.
func (h *Handler) Create(c echo.Context) error {
	rt := c.Param("type")
	body, err := readBody(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), rt, body, "")
	if err != nil {
		return err
	}
	return respondWritten(c, rec, http.StatusCreated)
}

// Read returns the live version of a resource.
func (h *Handler) Read(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	payload, err := h.svc.Get(c.Request().Context(), rt, id)
	if err != nil {
		return err
	}
	setMetaHeaders(c, payload)
	return c.Blob(http.StatusOK, contentType, payload)
}

// Update writes the next version. An If-Match header or meta.versionId makes
// the update conditional. Updating an id that was never used creates it.
func (h *Handler) Update(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	expected, err := IfMatch(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := checkBodyID(body, id); err != nil {
		return err
	}

	rec, created, err := h.svc.Upsert(c.Request().Context(), rt, id, body, expected)
	if err != nil {
		return err
	}
	if created {
		return respondWritten(c, rec, http.StatusCreated)
	}
	return respondWritten(c, rec, http.StatusOK)
}

// Delete removes a resource. Deleting an absent resource succeeds.
func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// History returns every version of a resource, newest first.
func (h *Handler) History(c echo.Context) error {
	entries, err := h.svc.GetHistory(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, basePath(c)))
}

// VRead returns one historical version of a resource.
func (h *Handler) VRead(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version id: "+c.Param("vid"))
	}
	entries, err := h.svc.GetHistory(c.Request().Context(), rt, id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Version != vid {
			continue
		}
		if e.Action == resource.ActionDelete {
			return echo.NewHTTPError(http.StatusGone, fmt.Sprintf("%s/%s was deleted at version %d", rt, id, vid))
		}
		SetVersionHeaders(c, e.Version, e.Timestamp)
		return c.Blob(http.StatusOK, contentType, e.Payload)
	}
	return fmt.Errorf("%w: %s/%s/_history/%d", resource.ErrNotFound, rt, id, vid)
}

// Search returns a searchset Bundle for the query string parameters.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.QueryParams())
}

// SearchPost accepts the search parameters as a form body.
func (h *Handler) SearchPost(c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid search form: "+err.Error())
	}
	return h.search(c, params)
}

func (h *Handler) search(c echo.Context, params map[string][]string) error {
	rt := c.Param("type")
	ctx := c.Request().Context()
	page := pagination.FromContext(c)
	if p, ok := pageFromValues(params); ok && !page.Explicit {
		page = p
	}

	req, err := h.parser.Parse(ctx, rt, params, page)
	if err != nil {
		return err
	}

	var result *resource.SearchResult
	if req.NoMatch {
		q := req.Query.Normalize()
		result = &resource.SearchResult{Resources: []json.RawMessage{}, Offset: q.Offset, Limit: q.Limit}
	} else if result, err = h.svc.Search(ctx, rt, req.Query); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, NewSearchBundle(result, rt, basePath(c)+"/"+rt, req.Filters))
}

// pageFromValues reads paging parameters carried in a POST form body.
func pageFromValues(params map[string][]string) (pagination.Params, bool) {
	p := pagination.Params{Limit: pagination.DefaultLimit}
	if v := params["_count"]; len(v) > 0 {
		p.Explicit = true
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			p.Limit = min(n, pagination.MaxLimit)
		}
	}
	if v := params["_offset"]; len(v) > 0 {
		p.Explicit = true
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			p.Offset = n
		}
	}
	return p, p.Explicit
}

func respondWritten(c echo.Context, rec *resource.Record, status int) error {
	c.Response().Header().Set("Location", fmt.Sprintf("%s/%s/%s/_history/%d", basePath(c), rec.ResourceType, rec.ID, rec.Version))
	SetVersionHeaders(c, rec.Version, rec.LastUpdated)
	return c.Blob(status, contentType, rec.Payload)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return nil, httpErr
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "reading request body: "+err.Error())
	}
	return body, nil
}

// checkBodyID rejects an update whose payload names a different id.
func checkBodyID(body []byte, id string) error {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil
	}
	if head.ID != "" && head.ID != id {
		return fmt.Errorf("%w: payload id %q does not match %q", resource.ErrValidationFailed, head.ID, id)
	}
	return nil
}

// setMetaHeaders derives ETag and Last-Modified from a stamped payload.
func setMetaHeaders(c echo.Context, payload []byte) {
	var head struct {
		Meta struct {
			VersionID   string `json:"versionId"`
			LastUpdated string `json:"lastUpdated"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}
	v, err := strconv.Atoi(head.Meta.VersionID)
	if err != nil {
		return
	}
	at, _ := resource.ParseDate(head.Meta.LastUpdated)
	SetVersionHeaders(c, v, at)
}

// basePath is the mount point of the FHIR routes, e.g. "/fhir".
func basePath(c echo.Context) string {
	path := c.Path()
	for i := 0; i+1 < len(path); i++ {
		if path[i] == '/' && path[i+1] == ':' {
			return path[:i]
		}
	}
	return path
}
