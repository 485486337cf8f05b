package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/notifykit/orchestrator/internal/model"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// columns is the canonical select list; scanNotification must stay in sync with it.
const columns = `
	id, recipient_id, subject, body, template, metadata,
	channel, priority, status,
	schedule_kind, scheduled_at, recurrence_interval_ms, recurrence_end_at,
	max_occurrences, occurrence_count,
	max_attempts, current_attempt, next_retry_at, last_failure_reason,
	created_at, updated_at, sent_at, failed_at`

// Repository provides access to the notifications table. All dispatch-selection
// reads pair with Claim, which performs the conditional status transition to
// PROCESSING so that concurrent sweeps cannot double-dispatch one record.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new notification repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new notification and returns its ID.
func (r *Repository) Create(ctx context.Context, n model.Notification) (uuid.UUID, error) {
	query := `
		INSERT INTO notifications (
			recipient_id, subject, body, template, metadata,
			channel, priority, status,
			schedule_kind, scheduled_at, recurrence_interval_ms, recurrence_end_at,
			max_occurrences, max_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id;
    `

	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(
		ctx, query,
		n.RecipientID, n.Subject, n.Body, n.Template, meta,
		n.Channel, n.Priority, n.Status,
		n.ScheduleKind, n.ScheduledAt, n.RecurrenceInterval.Milliseconds(), n.RecurrenceEndAt,
		n.MaxOccurrences, n.MaxAttempts,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create notification: %w", err)
	}

	return id, nil
}

// FindByID retrieves a notification by its ID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE id = $1;
    `

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotificationNotFound
		}

		return model.Notification{}, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

// Save persists the mutable state of a notification.
func (r *Repository) Save(ctx context.Context, n model.Notification) error {
	query := `
		UPDATE notifications
		SET status = $1,
		    scheduled_at = $2,
		    occurrence_count = $3,
		    current_attempt = $4,
		    next_retry_at = $5,
		    last_failure_reason = $6,
		    schedule_kind = $7,
		    updated_at = now(),
		    sent_at = $8,
		    failed_at = $9
		WHERE id = $10;
    `

	res, err := r.db.ExecContext(ctx, query,
		n.Status, n.ScheduledAt, n.OccurrenceCount,
		n.CurrentAttempt, n.NextRetryAt, n.LastFailureReason,
		n.ScheduleKind, n.SentAt, n.FailedAt, n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

// SaveIf persists the mutable state only while the stored row is still in the
// expected status. It returns false when the row moved on concurrently, in
// which case nothing is written.
func (r *Repository) SaveIf(ctx context.Context, n model.Notification, expect model.Status) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1,
		    scheduled_at = $2,
		    occurrence_count = $3,
		    current_attempt = $4,
		    next_retry_at = $5,
		    last_failure_reason = $6,
		    schedule_kind = $7,
		    updated_at = now(),
		    sent_at = $8,
		    failed_at = $9
		WHERE id = $10 AND status = $11;
    `

	res, err := r.db.ExecContext(ctx, query,
		n.Status, n.ScheduledAt, n.OccurrenceCount,
		n.CurrentAttempt, n.NextRetryAt, n.LastFailureReason,
		n.ScheduleKind, n.SentAt, n.FailedAt, n.ID, expect,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// Claim atomically transitions a notification from one of the given statuses to
// PROCESSING. It returns false when the record was not in any of those statuses
// anymore, meaning another worker already claimed it or the state moved on.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, from []model.Status) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3);
    `

	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}

	res, err := r.db.ExecContext(ctx, query, model.StatusProcessing, id, pq.Array(statuses))
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// FindDispatchable returns the dispatchable set ordered by priority tier and
// creation time: PENDING plus RETRY whose backoff has elapsed.
func (r *Repository) FindDispatchable(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = 'pending'
		   OR (status = 'retry' AND next_retry_at <= $1)
		ORDER BY
			CASE priority WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
			created_at ASC;
    `

	return r.queryList(ctx, query, now)
}

// FindDueScheduled returns SCHEDULED one-shot notifications whose due time has passed.
func (r *Repository) FindDueScheduled(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = 'scheduled'
		  AND schedule_kind = 'scheduled'
		  AND scheduled_at <= $1
		ORDER BY scheduled_at ASC;
    `

	return r.queryList(ctx, query, now)
}

// FindDueRetries returns RETRY notifications whose next retry time has passed
// and whose attempt budget is not exhausted.
func (r *Repository) FindDueRetries(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = 'retry'
		  AND next_retry_at <= $1
		  AND current_attempt < max_attempts
		ORDER BY next_retry_at ASC;
    `

	return r.queryList(ctx, query, now)
}

// FindRecurringDue returns recurrence definitions eligible for their next
// occurrence: due, below the occurrence cap, and before the recurrence end time.
func (r *Repository) FindRecurringDue(ctx context.Context, now time.Time) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE schedule_kind = 'recurring'
		  AND status = 'scheduled'
		  AND scheduled_at <= $1
		  AND (max_occurrences = 0 OR occurrence_count < max_occurrences)
		  AND (recurrence_end_at IS NULL OR recurrence_end_at > $1)
		ORDER BY scheduled_at ASC;
    `

	return r.queryList(ctx, query, now)
}

// FindStuckProcessing returns notifications left in PROCESSING since before the
// given cutoff, i.e. dispatches that never recorded an outcome.
func (r *Repository) FindStuckProcessing(ctx context.Context, olderThan time.Time) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = 'processing'
		  AND updated_at <= $1
		ORDER BY updated_at ASC;
    `

	return r.queryList(ctx, query, olderThan)
}

// FindByRecipient returns all notifications addressed to a recipient, newest first.
func (r *Repository) FindByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC;
    `

	return r.queryList(ctx, query, recipientID)
}

// FindByStatus returns all notifications in the given status, newest first.
func (r *Repository) FindByStatus(ctx context.Context, status model.Status) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		WHERE status = $1
		ORDER BY created_at DESC;
    `

	return r.queryList(ctx, query, status)
}

// FindAll returns all notifications, newest first.
func (r *Repository) FindAll(ctx context.Context) ([]model.Notification, error) {
	query := `
		SELECT ` + columns + `
		FROM notifications
		ORDER BY created_at DESC;
    `

	return r.queryList(ctx, query)
}

// CountByStatus returns the number of notifications in the given status.
func (r *Repository) CountByStatus(ctx context.Context, status model.Status) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE status = $1;
    `

	var count int64
	if err := r.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	return count, nil
}

// CountPendingByPriority returns the number of PENDING notifications in the
// given priority tier.
func (r *Repository) CountPendingByPriority(ctx context.Context, priority model.Priority) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE status = 'pending' AND priority = $1;
    `

	var count int64
	if err := r.db.QueryRowContext(ctx, query, priority).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}

	return count, nil
}

func (r *Repository) queryList(ctx context.Context, query string, args ...any) ([]model.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}

		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (model.Notification, error) {
	var (
		n           model.Notification
		template    sql.NullString
		meta        []byte
		scheduledAt sql.NullTime
		intervalMS  int64
		endAt       sql.NullTime
		nextRetryAt sql.NullTime
		lastFailure sql.NullString
		sentAt      sql.NullTime
		failedAt    sql.NullTime
	)

	err := row.Scan(
		&n.ID, &n.RecipientID, &n.Subject, &n.Body, &template, &meta,
		&n.Channel, &n.Priority, &n.Status,
		&n.ScheduleKind, &scheduledAt, &intervalMS, &endAt,
		&n.MaxOccurrences, &n.OccurrenceCount,
		&n.MaxAttempts, &n.CurrentAttempt, &nextRetryAt, &lastFailure,
		&n.CreatedAt, &n.UpdatedAt, &sentAt, &failedAt,
	)
	if err != nil {
		return model.Notification{}, err
	}

	n.Template = template.String
	n.RecurrenceInterval = time.Duration(intervalMS) * time.Millisecond
	n.LastFailureReason = lastFailure.String

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return model.Notification{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if scheduledAt.Valid {
		n.ScheduledAt = &scheduledAt.Time
	}
	if endAt.Valid {
		n.RecurrenceEndAt = &endAt.Time
	}
	if nextRetryAt.Valid {
		n.NextRetryAt = &nextRetryAt.Time
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.Time
	}
	if failedAt.Valid {
		n.FailedAt = &failedAt.Time
	}

	return n, nil
}
