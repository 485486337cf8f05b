package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	wbfretry "github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/apperr"
	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/rabbitmq/queue"
	"github.com/notifykit/orchestrator/internal/repository/history"
	"github.com/notifykit/orchestrator/internal/retry"
)

//go:generate mockgen -source=service.go -destination=../../mocks/service/notification/mock.go -package=mocks

// maxOccurrencesLimit caps how many occurrences a recurrence definition may request.
const maxOccurrencesLimit = 1000

type notificationRepository interface {
	Create(ctx context.Context, n model.Notification) (uuid.UUID, error)
	FindByID(ctx context.Context, id uuid.UUID) (model.Notification, error)
	Save(ctx context.Context, n model.Notification) error
	FindAll(ctx context.Context) ([]model.Notification, error)
	FindByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Notification, error)
	FindByStatus(ctx context.Context, status model.Status) ([]model.Notification, error)
	CountByStatus(ctx context.Context, status model.Status) (int64, error)
	CountPendingByPriority(ctx context.Context, priority model.Priority) (int64, error)
}

type recipientRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (model.Recipient, error)
}

type historyRepository interface {
	Append(ctx context.Context, e history.Entry) error
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]history.Entry, error)
}

type dispatchPublisher interface {
	Publish(msg queue.DispatchMessage, strategy wbfretry.Strategy) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (model.Status, error)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy wbfretry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy wbfretry.Strategy, key string) (string, error)
}

// CreateInput carries everything needed to create one notification.
type CreateInput struct {
	RecipientID uuid.UUID
	Subject     string
	Body        string
	Template    string
	Metadata    map[string]string
	Channel     model.Channel
	Priority    model.Priority

	ScheduleKind       model.ScheduleKind
	ScheduledAt        *time.Time
	RecurrenceInterval time.Duration
	RecurrenceEndAt    *time.Time
	MaxOccurrences     int
	MaxAttempts        int
}

// RetryStats reports the retry queue depth and the active retry configuration.
type RetryStats struct {
	RetryCount  int64        `json:"retry_count"`
	FailedCount int64        `json:"failed_count"`
	Policy      retry.Policy `json:"policy"`
}

// BatchStats reports notification counts by status and the pending backlog per
// priority tier.
type BatchStats struct {
	ByStatus          map[model.Status]int64   `json:"by_status"`
	PendingByPriority map[model.Priority]int64 `json:"pending_by_priority"`
}

// Service is the application façade over the delivery engine. Single-item
// operations return validation and state-conflict errors to the caller;
// delivery failures stay inside the engine.
type Service struct {
	repo       notificationRepository
	recipients recipientRepository
	histories  historyRepository
	publisher  dispatchPublisher
	orch       dispatcher
	cache      cache
	backoff    retry.Policy
}

// NewService creates the notification service.
func NewService(
	repo notificationRepository,
	recipients recipientRepository,
	histories historyRepository,
	publisher dispatchPublisher,
	orch dispatcher,
	cache cache,
	backoff retry.Policy,
) *Service {
	return &Service{
		repo:       repo,
		recipients: recipients,
		histories:  histories,
		publisher:  publisher,
		orch:       orch,
		cache:      cache,
		backoff:    backoff,
	}
}

// Create validates and persists a new notification. Immediate notifications
// are also published to the dispatch queue; scheduled and recurring ones wait
// for their sweep.
func (s *Service) Create(ctx context.Context, strategy wbfretry.Strategy, in CreateInput) (model.Notification, error) {
	if err := validateSchedule(in, time.Now()); err != nil {
		return model.Notification{}, err
	}

	recipient, err := s.recipients.FindByID(ctx, in.RecipientID)
	if err != nil {
		return model.Notification{}, apperr.Validation("recipient not found: %s", in.RecipientID)
	}

	if !recipient.CanReceiveOn(in.Channel) {
		return model.Notification{}, apperr.Validation(
			"recipient %s cannot receive notifications on channel %q", recipient.ID, in.Channel,
		)
	}

	n := s.build(in)

	id, err := s.repo.Create(ctx, n)
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	n.ID = id

	s.cacheStatus(ctx, strategy, id, n.Status)
	s.appendHistory(ctx, n, "notification created", "")

	if n.ScheduleKind == model.ScheduleImmediate {
		msg := queue.DispatchMessage{ID: id, EnqueuedAt: time.Now()}
		if err := s.publisher.Publish(msg, strategy); err != nil {
			// The batch-dispatch sweep will pick the notification up.
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to publish dispatch message")
		}
	}

	return n, nil
}

// CreateBulk creates one notification per recipient from a shared template.
// Per-recipient failures are collected, not fatal.
func (s *Service) CreateBulk(ctx context.Context, strategy wbfretry.Strategy, recipientIDs []uuid.UUID, in CreateInput) ([]model.Notification, error) {
	if len(recipientIDs) == 0 {
		return nil, apperr.Validation("at least one recipient is required")
	}

	created := make([]model.Notification, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		in.RecipientID = id

		n, err := s.Create(ctx, strategy, in)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("recipient", id.String()).Msg("failed to create bulk notification")
			continue
		}

		created = append(created, n)
	}

	zlog.Logger.Info().
		Int("created", len(created)).
		Int("requested", len(recipientIDs)).
		Msg("bulk notifications created")

	return created, nil
}

// Get returns one notification.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}

	return n, nil
}

// List returns all notifications, newest first.
func (s *Service) List(ctx context.Context) ([]model.Notification, error) {
	notifications, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	return notifications, nil
}

// ListByStatus returns all notifications currently in the given status.
func (s *Service) ListByStatus(ctx context.Context, status model.Status) ([]model.Notification, error) {
	if !status.Valid() {
		return nil, apperr.Validation("unknown status: %s", status)
	}

	notifications, err := s.repo.FindByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list notifications by status: %w", err)
	}

	return notifications, nil
}

// ListByRecipient returns all notifications addressed to one recipient.
func (s *Service) ListByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Notification, error) {
	notifications, err := s.repo.FindByRecipient(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications by recipient: %w", err)
	}

	return notifications, nil
}

// GetStatus returns the notification status, from cache when possible.
func (s *Service) GetStatus(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) (model.Status, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status from cache")
	}

	if errors.Is(err, redis.Nil) || err != nil {
		n, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get notification status: %w", err)
		}

		s.cacheStatus(ctx, strategy, id, n.Status)
		return n.Status, nil
	}

	return model.Status(status), nil
}

// Reschedule moves a notification to a new future due time. The notification
// must still be PENDING or SCHEDULED; anything else is a state conflict and
// leaves the record untouched.
func (s *Service) Reschedule(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID, at time.Time) (model.Notification, error) {
	if !at.After(time.Now()) {
		return model.Notification{}, apperr.Validation("new scheduled time must be in the future")
	}

	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}

	if err := n.Reschedule(at); err != nil {
		return model.Notification{}, err
	}

	if err := s.repo.Save(ctx, n); err != nil {
		return model.Notification{}, fmt.Errorf("save notification: %w", err)
	}

	s.cacheStatus(ctx, strategy, id, n.Status)
	s.appendHistory(ctx, n, "notification rescheduled", "")

	return n, nil
}

// Cancel cancels a SCHEDULED notification. A promotion sweep already past its
// selection step may win the race, in which case the notification proceeds to
// dispatch once; at-least-once semantics make that benign.
func (s *Service) Cancel(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) error {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}

	if err := n.MarkCancelled(); err != nil {
		return err
	}

	if err := s.repo.Save(ctx, n); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	s.cacheStatus(ctx, strategy, id, n.Status)
	s.appendHistory(ctx, n, "notification cancelled", "")

	return nil
}

// ManualRetry resets the attempt counter and dispatches immediately, ignoring
// any pending backoff. Not allowed for already-sent notifications.
func (s *Service) ManualRetry(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) (model.Status, error) {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get notification: %w", err)
	}

	if err := n.PrepareManualRetry(); err != nil {
		return "", err
	}

	if err := s.repo.Save(ctx, n); err != nil {
		return "", fmt.Errorf("save notification: %w", err)
	}

	s.appendHistory(ctx, n, "manual retry requested", "")

	status, err := s.orch.Dispatch(ctx, id)
	if err != nil {
		return "", fmt.Errorf("dispatch notification: %w", err)
	}

	s.cacheStatus(ctx, strategy, id, status)
	return status, nil
}

// ResetForRetry returns a FAILED or CANCELLED notification to PENDING. The
// next batch-dispatch pass picks it up.
func (s *Service) ResetForRetry(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID) error {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}

	if err := n.ResetForRetry(); err != nil {
		return err
	}

	if err := s.repo.Save(ctx, n); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	s.cacheStatus(ctx, strategy, id, n.Status)
	s.appendHistory(ctx, n, "notification reset", "")

	return nil
}

// History returns the audit trail of a notification, newest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]history.Entry, error) {
	entries, err := s.histories.ListByNotification(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get notification history: %w", err)
	}

	return entries, nil
}

// GetRetryStats returns the current retry load and configuration.
func (s *Service) GetRetryStats(ctx context.Context) (RetryStats, error) {
	retryCount, err := s.repo.CountByStatus(ctx, model.StatusRetry)
	if err != nil {
		return RetryStats{}, fmt.Errorf("count retry notifications: %w", err)
	}

	failedCount, err := s.repo.CountByStatus(ctx, model.StatusFailed)
	if err != nil {
		return RetryStats{}, fmt.Errorf("count failed notifications: %w", err)
	}

	return RetryStats{
		RetryCount:  retryCount,
		FailedCount: failedCount,
		Policy:      s.backoff,
	}, nil
}

// GetBatchStats returns notification counts by status and pending counts per
// priority tier.
func (s *Service) GetBatchStats(ctx context.Context) (BatchStats, error) {
	stats := BatchStats{
		ByStatus:          make(map[model.Status]int64),
		PendingByPriority: make(map[model.Priority]int64),
	}

	statuses := []model.Status{
		model.StatusPending, model.StatusScheduled, model.StatusProcessing,
		model.StatusSent, model.StatusRetry, model.StatusFailed, model.StatusCancelled,
	}

	for _, status := range statuses {
		count, err := s.repo.CountByStatus(ctx, status)
		if err != nil {
			return BatchStats{}, fmt.Errorf("count notifications: %w", err)
		}

		stats.ByStatus[status] = count
	}

	for _, priority := range []model.Priority{model.PriorityHigh, model.PriorityMedium, model.PriorityLow} {
		count, err := s.repo.CountPendingByPriority(ctx, priority)
		if err != nil {
			return BatchStats{}, fmt.Errorf("count pending notifications: %w", err)
		}

		stats.PendingByPriority[priority] = count
	}

	return stats, nil
}

func (s *Service) build(in CreateInput) model.Notification {
	status := model.StatusPending
	if in.ScheduleKind == model.ScheduleScheduled || in.ScheduleKind == model.ScheduleRecurring {
		status = model.StatusScheduled
	}

	priority := in.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.backoff.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	return model.Notification{
		RecipientID:        in.RecipientID,
		Subject:            in.Subject,
		Body:               in.Body,
		Template:           in.Template,
		Metadata:           in.Metadata,
		Channel:            in.Channel,
		Priority:           priority,
		Status:             status,
		ScheduleKind:       in.ScheduleKind,
		ScheduledAt:        in.ScheduledAt,
		RecurrenceInterval: in.RecurrenceInterval,
		RecurrenceEndAt:    in.RecurrenceEndAt,
		MaxOccurrences:     in.MaxOccurrences,
		MaxAttempts:        maxAttempts,
	}
}

func (s *Service) cacheStatus(ctx context.Context, strategy wbfretry.Strategy, id uuid.UUID, status model.Status) {
	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(status)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}
}

func (s *Service) appendHistory(ctx context.Context, n model.Notification, message, errorDetail string) {
	entry := history.Entry{
		NotificationID: n.ID,
		Status:         n.Status,
		Attempt:        n.CurrentAttempt,
		Message:        message,
		ErrorDetail:    errorDetail,
	}

	if err := s.histories.Append(ctx, entry); err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to append history entry")
	}
}

// validateSchedule enforces the scheduling constraints at creation time, before
// anything enters the state machine.
func validateSchedule(in CreateInput, now time.Time) error {
	switch in.ScheduleKind {
	case model.ScheduleImmediate:
		return nil

	case model.ScheduleScheduled:
		if in.ScheduledAt == nil {
			return apperr.Validation("scheduled time is required for scheduled notifications")
		}
		if !in.ScheduledAt.After(now) {
			return apperr.Validation("scheduled time must be in the future")
		}
		return nil

	case model.ScheduleRecurring:
		if in.RecurrenceInterval <= 0 {
			return apperr.Validation("recurrence interval is required for recurring notifications")
		}
		if in.ScheduledAt == nil {
			return apperr.Validation("initial scheduled time is required for recurring notifications")
		}
		if !in.ScheduledAt.After(now) {
			return apperr.Validation("initial scheduled time must be in the future")
		}
		if in.RecurrenceEndAt == nil && in.MaxOccurrences == 0 {
			return apperr.Validation("recurring notifications must have either a recurrence end time or max occurrences")
		}
		if in.RecurrenceEndAt != nil && !in.RecurrenceEndAt.After(*in.ScheduledAt) {
			return apperr.Validation("recurrence end time must be after the scheduled time")
		}
		if in.MaxOccurrences < 0 || in.MaxOccurrences > maxOccurrencesLimit {
			return apperr.Validation("max occurrences must be between 1 and %d", maxOccurrencesLimit)
		}
		return nil

	default:
		return apperr.Validation("unknown schedule kind %q", in.ScheduleKind)
	}
}
