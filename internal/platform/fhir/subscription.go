package fhir

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lifelog/ehr/internal/platform/notify"
)

// SubscriptionResource is the wire form of a rest-hook subscription.
type SubscriptionResource struct {
	ResourceType string `json:"resourceType"`
	notify.Subscription
}

func toResource(sub notify.Subscription) SubscriptionResource {
	return SubscriptionResource{ResourceType: "Subscription", Subscription: sub}
}

// SubscriptionHandler manages the notifier's subscriptions. Subscriptions
// are held in memory and do not survive a restart.
type SubscriptionHandler struct {
	notifier *notify.Notifier
}

func NewSubscriptionHandler(notifier *notify.Notifier) *SubscriptionHandler {
	return &SubscriptionHandler{notifier: notifier}
}

func (h *SubscriptionHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Subscription", h.Register)
	fhirGroup.GET("/Subscription", h.List)
	fhirGroup.GET("/Subscription/:id", h.Get)
	fhirGroup.DELETE("/Subscription/:id", h.Unregister)
}

func (h *SubscriptionHandler) Register(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	var req SubscriptionResource
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subscription: "+err.Error())
	}
	if req.ResourceType != "" && req.ResourceType != "Subscription" {
		return echo.NewHTTPError(http.StatusBadRequest, "resourceType must be Subscription")
	}

	sub, err := h.notifier.Register(req.Subscription)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Location", c.Path()+"/"+sub.ID)
	return c.JSON(http.StatusCreated, toResource(sub))
}

func (h *SubscriptionHandler) List(c echo.Context) error {
	subs := h.notifier.Registry().List()
	entries := make([]BundleEntry, 0, len(subs))
	for _, sub := range subs {
		raw, err := json.Marshal(toResource(sub))
		if err != nil {
			return err
		}
		entries = append(entries, BundleEntry{
			FullURL:  c.Path() + "/" + sub.ID,
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	total := len(entries)
	return c.JSON(http.StatusOK, &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Entry:        entries,
	})
}

func (h *SubscriptionHandler) Get(c echo.Context) error {
	sub, ok := h.notifier.Registry().Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.JSON(http.StatusOK, toResource(sub))
}

func (h *SubscriptionHandler) Unregister(c echo.Context) error {
	if !h.notifier.Unregister(c.Param("id")) {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.NoContent(http.StatusNoContent)
}
