package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	wbfretry "github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/api/dto"
	"github.com/notifykit/orchestrator/internal/api/respond"
	"github.com/notifykit/orchestrator/internal/apperr"
	"github.com/notifykit/orchestrator/internal/config"
	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/repository/history"
	notifrepo "github.com/notifykit/orchestrator/internal/repository/notification"
	notifsvc "github.com/notifykit/orchestrator/internal/service/notification"
)

//go:generate mockgen -source=handler.go -destination=../../../mocks/api/handlers/notification/mock.go -package=mocks

type notifService interface {
	Create(ctx context.Context, strategy wbfretry.Strategy, in notifsvc.CreateInput) (model.Notification, error)
	CreateBulk(ctx context.Context, strategy wbfretry.Strategy, recipientIDs []uuid.UUID, in notifsvc.CreateInput) ([]model.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (model.Notification, error)
	List(ctx context.Context) ([]model.Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Notification, error)
	ListByStatus(ctx context.Context, status model.Status) ([]model.Notification, error)
	GetStatus(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) (model.Status, error)
	Reschedule(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID, at time.Time) (model.Notification, error)
	Cancel(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) error
	ManualRetry(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) (model.Status, error)
	ResetForRetry(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) error
	History(ctx context.Context, id uuid.UUID) ([]history.Entry, error)
	GetRetryStats(ctx context.Context) (notifsvc.RetryStats, error)
	GetBatchStats(ctx context.Context) (notifsvc.BatchStats, error)
}

// Handler exposes the notification lifecycle over HTTP.
type Handler struct {
	service   notifService
	validator *validator.Validate
	cfg       *config.Config
}

// NewHandler creates the notification handler.
func NewHandler(s notifService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// Create handles POST /api/notifications.
func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid recipient id"))
		return
	}

	in, err := toCreateInput(req.NotificationPayload)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}
	in.RecipientID = recipientID

	n, err := h.service.Create(c.Request.Context(), h.cfg.Retry, in)
	if err != nil {
		h.fail(c, err, "failed to create notification")
		return
	}

	respond.Created(c.Writer, n)
}

// CreateBulk handles POST /api/notifications/bulk.
func (h *Handler) CreateBulk(c *ginext.Context) {
	var req dto.BulkCreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	recipientIDs := make([]uuid.UUID, 0, len(req.RecipientIDs))
	for _, raw := range req.RecipientIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid recipient id %q", raw))
			return
		}

		recipientIDs = append(recipientIDs, id)
	}

	in, err := toCreateInput(req.Notification)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	created, err := h.service.CreateBulk(c.Request.Context(), h.cfg.Retry, recipientIDs, in)
	if err != nil {
		h.fail(c, err, "failed to create bulk notifications")
		return
	}

	respond.Created(c.Writer, created)
}

// Get handles GET /api/notifications/:id.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	n, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to get notification")
		return
	}

	respond.OK(c.Writer, n)
}

// List handles GET /api/notifications. An optional recipient_id query
// parameter narrows the listing to one recipient.
func (h *Handler) List(c *ginext.Context) {
	if raw := c.Request.URL.Query().Get("recipient_id"); raw != "" {
		recipientID, err := uuid.Parse(raw)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("recipient_id", raw).Msg("invalid recipient id")
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid recipient id"))
			return
		}

		notifications, err := h.service.ListByRecipient(c.Request.Context(), recipientID)
		if err != nil {
			h.fail(c, err, "failed to list notifications by recipient")
			return
		}

		respond.OK(c.Writer, notifications)
		return
	}

	if raw := c.Request.URL.Query().Get("status"); raw != "" {
		notifications, err := h.service.ListByStatus(c.Request.Context(), model.Status(raw))
		if err != nil {
			h.fail(c, err, "failed to list notifications by status")
			return
		}

		respond.OK(c.Writer, notifications)
		return
	}

	notifications, err := h.service.List(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list notifications")
		return
	}

	respond.OK(c.Writer, notifications)
}

// GetStatus handles GET /api/notifications/:id/status.
func (h *Handler) GetStatus(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		h.fail(c, err, "failed to get notification status")
		return
	}

	respond.OK(c.Writer, status)
}

// Reschedule handles PUT /api/notifications/:id/schedule.
func (h *Handler) Reschedule(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.RescheduleRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid scheduled_at: %s", err.Error()))
		return
	}

	n, err := h.service.Reschedule(c.Request.Context(), h.cfg.Retry, id, at)
	if err != nil {
		h.fail(c, err, "failed to reschedule notification")
		return
	}

	respond.OK(c.Writer, n)
}

// Cancel handles DELETE /api/notifications/:id.
func (h *Handler) Cancel(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), h.cfg.Retry, id); err != nil {
		h.fail(c, err, "failed to cancel notification")
		return
	}

	respond.OK(c.Writer, "notification cancelled")
}

// Retry handles POST /api/notifications/:id/retry.
func (h *Handler) Retry(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.service.ManualRetry(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		h.fail(c, err, "failed to retry notification")
		return
	}

	respond.OK(c.Writer, status)
}

// Reset handles POST /api/notifications/:id/reset.
func (h *Handler) Reset(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.service.ResetForRetry(c.Request.Context(), h.cfg.Retry, id); err != nil {
		h.fail(c, err, "failed to reset notification")
		return
	}

	respond.OK(c.Writer, "notification reset")
}

// History handles GET /api/notifications/:id/history.
func (h *Handler) History(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	entries, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to get notification history")
		return
	}

	respond.OK(c.Writer, entries)
}

// RetryStats handles GET /api/stats/retries.
func (h *Handler) RetryStats(c *ginext.Context) {
	stats, err := h.service.GetRetryStats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to get retry stats")
		return
	}

	respond.OK(c.Writer, stats)
}

// BatchStats handles GET /api/stats/batches.
func (h *Handler) BatchStats(c *ginext.Context) {
	stats, err := h.service.GetBatchStats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to get batch stats")
		return
	}

	respond.OK(c.Writer, stats)
}

func (h *Handler) parseID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")

	id, err := uuid.Parse(idStr)
	if err != nil || id == uuid.Nil {
		zlog.Logger.Warn().Str("id", idStr).Msg("invalid notification id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}

	return id, true
}

// fail maps error kinds to HTTP status codes.
func (h *Handler) fail(c *ginext.Context, err error, logMsg string) {
	switch {
	case apperr.IsValidation(err):
		zlog.Logger.Warn().Err(err).Msg(logMsg)
		respond.Fail(c.Writer, http.StatusBadRequest, err)
	case apperr.IsStateConflict(err):
		zlog.Logger.Warn().Err(err).Msg(logMsg)
		respond.Fail(c.Writer, http.StatusConflict, err)
	case apperr.IsNotFound(err), errors.Is(err, notifrepo.ErrNotificationNotFound):
		zlog.Logger.Warn().Err(err).Msg(logMsg)
		respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
	default:
		zlog.Logger.Error().Err(err).Msg(logMsg)
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
	}
}

func toCreateInput(req dto.NotificationPayload) (notifsvc.CreateInput, error) {
	kind := model.ScheduleKind(req.ScheduleKind)
	if kind == "" {
		kind = model.ScheduleImmediate
	}

	in := notifsvc.CreateInput{
		Subject:        req.Subject,
		Body:           req.Body,
		Template:       req.Template,
		Metadata:       req.Metadata,
		Channel:        model.Channel(req.Channel),
		Priority:       model.Priority(req.Priority),
		ScheduleKind:   kind,
		MaxOccurrences: req.MaxOccurrences,
		MaxAttempts:    req.MaxAttempts,
	}

	if req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			return notifsvc.CreateInput{}, fmt.Errorf("invalid scheduled_at: %s", err.Error())
		}
		in.ScheduledAt = &at
	}

	if req.RecurrenceInterval != "" {
		interval, ok := model.RecurrenceByName(req.RecurrenceInterval)
		if !ok {
			var err error
			interval, err = time.ParseDuration(req.RecurrenceInterval)
			if err != nil {
				return notifsvc.CreateInput{}, fmt.Errorf("invalid recurrence_interval: %s", err.Error())
			}
		}
		in.RecurrenceInterval = interval
	}

	if req.RecurrenceEndAt != "" {
		end, err := time.Parse(time.RFC3339, req.RecurrenceEndAt)
		if err != nil {
			return notifsvc.CreateInput{}, fmt.Errorf("invalid recurrence_end_at: %s", err.Error())
		}
		in.RecurrenceEndAt = &end
	}

	return in, nil
}
