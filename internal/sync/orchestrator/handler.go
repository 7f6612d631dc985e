package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/conflict"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
	"github.com/ehrsync/ehrsync/internal/sync/webhook"
)

// Handler exposes the job API: manual triggers, status, cancellation, engine
// stats, and the inbound change-notification receiver vendors call.
type Handler struct {
	queue     queue.Queue
	pool      *provider.Pool
	conflicts *conflict.Service
	codec     *secrets.Codec
	auditor   audit.Emitter
}

func NewHandler(q queue.Queue, pool *provider.Pool, conflicts *conflict.Service, codec *secrets.Codec, auditor audit.Emitter) *Handler {
	return &Handler{queue: q, pool: pool, conflicts: conflicts, codec: codec, auditor: auditor}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync/jobs", h.TriggerJob)
	g.GET("/sync/jobs/:id", h.GetJob)
	g.POST("/sync/jobs/:id/cancel", h.CancelJob)
	g.GET("/sync/stats", h.Stats)
	g.POST("/sync/inbound/:provider/:connection_id", h.InboundNotification)
}

type triggerRequest struct {
	Provider     string  `json:"provider"`
	ConnectionID string  `json:"connection_id"`
	ResourceType string  `json:"resource_type"`
	RecordID     *string `json:"record_id,omitempty"`
	Direction    string  `json:"direction"`
	Priority     int     `json:"priority"`
}

func (h *Handler) TriggerJob(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	jobType := queue.JobType(strings.ToUpper(req.Direction))
	if !jobType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "direction must be INBOUND, OUTBOUND, or BIDIRECTIONAL")
	}
	if !provider.Type(req.Provider).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider")
	}
	connID, err := uuid.Parse(req.ConnectionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
	}
	conn, err := h.pool.Get(connID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if string(conn.Provider) != req.Provider {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "connection does not belong to provider "+req.Provider)
	}
	if jobType == queue.TypeInbound && req.ResourceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_type required for inbound jobs")
	}
	if jobType != queue.TypeInbound && req.RecordID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "record_id required for outbound and bidirectional jobs")
	}
	if req.ResourceType != "" && !conn.SupportsResource(req.ResourceType) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "connection does not support resource type "+req.ResourceType)
	}

	job := &queue.Job{
		Type:         jobType,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID,
		ResourceType: req.ResourceType,
		RecordID:     req.RecordID,
		Priority:     req.Priority,
	}
	id, err := h.queue.Enqueue(c.Request().Context(), job)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.auditor.Emit(c.Request().Context(), audit.Event{
		Action:       audit.ActionJobEnqueued,
		Outcome:      audit.OutcomeSuccess,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID.String(),
		JobID:        id.String(),
		Detail:       map[string]any{"type": string(jobType), "resource_type": req.ResourceType},
	})
	return c.JSON(http.StatusAccepted, map[string]any{"job_id": id})
}

func (h *Handler) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	job, err := h.queue.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) CancelJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.queue.Cancel(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		case errors.Is(err, queue.ErrNotCancellable):
			return echo.NewHTTPError(http.StatusConflict, "job already finished")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	job, err := h.queue.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pending, err := h.conflicts.PendingCount(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"queue":             stats,
		"pending_conflicts": pending,
	})
}

type inboundNotification struct {
	ResourceType string `json:"resource_type"`
	RecordID     string `json:"record_id"`
}

// InboundNotification receives a vendor's change webhook and converts it
// into a targeted inbound job. The payload must be signed with the
// connection's webhook secret; an unverifiable signature is rejected before
// any payload inspection.
func (h *Handler) InboundNotification(c echo.Context) error {
	p := provider.Type(c.Param("provider"))
	if !p.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	connID, err := uuid.Parse(c.Param("connection_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
	}
	conn, err := h.pool.Get(connID)
	if err != nil || conn.Provider != p {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	creds, err := h.codec.DecryptCredentials(conn.EncryptedCredentials)
	if err != nil || creds.WebhookSecret == "" {
		return echo.NewHTTPError(http.StatusForbidden, "connection does not accept notifications")
	}
	sig := strings.TrimPrefix(c.Request().Header.Get(webhook.HeaderSignature), "sha256=")
	if !webhook.VerifySignature(body, creds.WebhookSecret, sig) {
		h.auditor.Emit(c.Request().Context(), audit.Event{
			Action:       audit.ActionJobEnqueued,
			Outcome:      audit.OutcomeFailure,
			Provider:     string(p),
			ConnectionID: conn.ID.String(),
			Detail:       map[string]any{"reason": "invalid notification signature"},
		})
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var note inboundNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}
	if note.ResourceType == "" || note.RecordID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_type and record_id required")
	}
	if !conn.SupportsResource(note.ResourceType) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "connection does not support resource type "+note.ResourceType)
	}

	job := &queue.Job{
		Type:         queue.TypeInbound,
		Provider:     string(p),
		ConnectionID: conn.ID,
		ResourceType: note.ResourceType,
		RecordID:     &note.RecordID,
		// Vendor notifications jump the poll backlog.
		Priority: 10,
	}
	id, err := h.queue.Enqueue(c.Request().Context(), job)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.auditor.Emit(c.Request().Context(), audit.Event{
		Action:       audit.ActionJobEnqueued,
		Outcome:      audit.OutcomeSuccess,
		Provider:     string(p),
		ConnectionID: conn.ID.String(),
		JobID:        id.String(),
		Detail: map[string]any{
			"source":        "vendor_notification",
			"resource_type": note.ResourceType,
			"record_id":     note.RecordID,
		},
	})
	return c.JSON(http.StatusAccepted, map[string]any{"job_id": id})
}
