// Package history persists the append-only audit trail of delivery attempts.
// The engine only appends; the read path exists for the API's history endpoint.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/notifykit/orchestrator/internal/model"
)

// Entry is one audit record describing a delivery attempt or lifecycle event.
type Entry struct {
	ID             uuid.UUID    `json:"id"`
	NotificationID uuid.UUID    `json:"notification_id"`
	Status         model.Status `json:"status"`
	Attempt        int          `json:"attempt"`
	Message        string       `json:"message"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Repository provides access to the notification_history table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new history repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Append writes one audit entry. Entries are never updated or deleted.
func (r *Repository) Append(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO notification_history (
			notification_id, status, attempt, message, error_detail
		) VALUES ($1, $2, $3, $4, $5);
    `

	_, err := r.db.ExecContext(ctx, query,
		e.NotificationID, e.Status, e.Attempt, e.Message, e.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

// ListByNotification returns the audit trail for one notification, newest first.
func (r *Repository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]Entry, error) {
	query := `
		SELECT id, notification_id, status, attempt, message, error_detail, created_at
		FROM notification_history
		WHERE notification_id = $1
		ORDER BY created_at DESC;
    `

	rows, err := r.db.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Status, &e.Attempt, &e.Message, &e.ErrorDetail, &e.CreatedAt); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}
