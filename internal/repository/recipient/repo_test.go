package recipient

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/wb-go/wbf/dbpg"

	"github.com/notifykit/orchestrator/internal/model"
)

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}

	wrappedDB := &dbpg.DB{Master: db}
	repo := NewRepository(wrappedDB)

	return repo, mock
}

func TestFindByID(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "email", "phone", "push_token", "active", "preferred_channels", "created_at", "updated_at"}).
		AddRow(id, "Alice", "alice@example.com", "+15550001111", "", true, `{email,sms}`, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM recipients`)).
		WithArgs(id).
		WillReturnRows(rows)

	r, err := repo.FindByID(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, "Alice", r.Name)
	assert.True(t, r.Active)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelSMS}, r.PreferredChannels)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM recipients`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrRecipientNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
