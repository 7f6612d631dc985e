package conflict

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrsync/ehrsync/internal/sync/record"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/conflicts", h.ListConflicts)
	g.GET("/conflicts/:id", h.GetConflict)
	g.POST("/conflicts/:id/resolve", h.ResolveConflict)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	conflicts, total, err := h.svc.List(c.Request().Context(), status, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"total":     total,
	})
}

func (h *Handler) GetConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conf, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
	}
	return c.JSON(http.StatusOK, conf)
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req struct {
		FieldValues      map[string]any `json:"field_values"`
		ResolverIdentity string         `json:"resolver_identity"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resolved, err := h.svc.Resolve(c.Request().Context(), id, req.FieldValues, req.ResolverIdentity)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
		case errors.Is(err, ErrAlreadyResolved):
			return echo.NewHTTPError(http.StatusConflict, "conflict already resolved")
		case errors.Is(err, record.ErrVersionConflict):
			return echo.NewHTTPError(http.StatusConflict, "record changed since detection, re-sync required")
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusOK, resolved)
}
