// Package recipient reads recipient records for eligibility checks. Recipient
// management is owned by another service; this repository is read-only.
package recipient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/notifykit/orchestrator/internal/model"
)

var ErrRecipientNotFound = errors.New("recipient not found")

// Repository provides read access to the recipients table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new recipient repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// FindByID retrieves a recipient by its ID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (model.Recipient, error) {
	query := `
		SELECT id, name, email, phone, push_token, active, preferred_channels, created_at, updated_at
		FROM recipients
		WHERE id = $1;
    `

	var (
		rec       model.Recipient
		email     sql.NullString
		phone     sql.NullString
		pushToken sql.NullString
		channels  pq.StringArray
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &email, &phone, &pushToken, &rec.Active, &channels,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Recipient{}, ErrRecipientNotFound
		}

		return model.Recipient{}, fmt.Errorf("failed to get recipient: %w", err)
	}

	rec.Email = email.String
	rec.Phone = phone.String
	rec.PushToken = pushToken.String

	rec.PreferredChannels = make([]model.Channel, 0, len(channels))
	for _, c := range channels {
		rec.PreferredChannels = append(rec.PreferredChannels, model.Channel(c))
	}

	return rec, nil
}
