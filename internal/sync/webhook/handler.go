package webhook

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.CreateSubscription)
	g.GET("/webhooks", h.ListSubscriptions)
	g.GET("/webhooks/:id/deliveries", h.ListDeliveries)
	g.DELETE("/webhooks/:id", h.DeleteSubscription)
}

func (h *Handler) CreateSubscription(c echo.Context) error {
	var req struct {
		URL         string   `json:"url"`
		Secret      string   `json:"secret"`
		Events      []string `json:"events"`
		MaxAttempts int      `json:"max_attempts"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Secret == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "secret is required")
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one event type is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid url")
	}

	sub := &Subscription{
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		MaxAttempts: req.MaxAttempts,
		Active:      true,
	}
	if err := h.store.CreateSubscription(c.Request().Context(), sub); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	subs, err := h.store.ListSubscriptions(c.Request().Context(), false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"subscriptions": subs})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	deliveries, err := h.store.Deliveries(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (h *Handler) DeleteSubscription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.store.DeleteSubscription(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
