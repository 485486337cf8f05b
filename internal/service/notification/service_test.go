package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	wbfretry "github.com/wb-go/wbf/retry"

	"github.com/notifykit/orchestrator/internal/apperr"
	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/rabbitmq/queue"
	"github.com/notifykit/orchestrator/internal/repository/history"
	"github.com/notifykit/orchestrator/internal/retry"
)

type fakeRepo struct {
	notifications map[uuid.UUID]model.Notification
	counts        map[model.Status]int64
	pending       map[model.Priority]int64
}

func newFakeRepo(ns ...model.Notification) *fakeRepo {
	m := make(map[uuid.UUID]model.Notification, len(ns))
	for _, n := range ns {
		m[n.ID] = n
	}
	return &fakeRepo{notifications: m}
}

func (f *fakeRepo) Create(_ context.Context, n model.Notification) (uuid.UUID, error) {
	id := uuid.New()
	n.ID = id
	f.notifications[id] = n
	return id, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (model.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return model.Notification{}, errors.New("notification not found")
	}
	return n, nil
}

func (f *fakeRepo) Save(_ context.Context, n model.Notification) error {
	f.notifications[n.ID] = n
	return nil
}

func (f *fakeRepo) FindAll(_ context.Context) ([]model.Notification, error) {
	var out []model.Notification
	for _, n := range f.notifications {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeRepo) FindByRecipient(_ context.Context, recipientID uuid.UUID) ([]model.Notification, error) {
	var out []model.Notification
	for _, n := range f.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindByStatus(_ context.Context, status model.Status) ([]model.Notification, error) {
	var out []model.Notification
	for _, n := range f.notifications {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountByStatus(_ context.Context, status model.Status) (int64, error) {
	return f.counts[status], nil
}

func (f *fakeRepo) CountPendingByPriority(_ context.Context, priority model.Priority) (int64, error) {
	return f.pending[priority], nil
}

type fakeRecipients struct {
	recipients map[uuid.UUID]model.Recipient
}

func (f *fakeRecipients) FindByID(_ context.Context, id uuid.UUID) (model.Recipient, error) {
	r, ok := f.recipients[id]
	if !ok {
		return model.Recipient{}, errors.New("recipient not found")
	}
	return r, nil
}

type fakeHistories struct {
	entries []history.Entry
}

func (f *fakeHistories) Append(_ context.Context, e history.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeHistories) ListByNotification(_ context.Context, id uuid.UUID) ([]history.Entry, error) {
	var out []history.Entry
	for _, e := range f.entries {
		if e.NotificationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePublisher struct {
	published []queue.DispatchMessage
	err       error
}

func (f *fakePublisher) Publish(msg queue.DispatchMessage, _ wbfretry.Strategy) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

type fakeDispatcher struct {
	dispatched []uuid.UUID
	status     model.Status
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id uuid.UUID) (model.Status, error) {
	f.dispatched = append(f.dispatched, id)
	if f.status == "" {
		return model.StatusSent, nil
	}
	return f.status, nil
}

type fakeCache struct {
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (f *fakeCache) SetWithRetry(_ context.Context, _ wbfretry.Strategy, key string, value interface{}) error {
	f.values[key] = value.(string)
	return nil
}

func (f *fakeCache) GetWithRetry(_ context.Context, _ wbfretry.Strategy, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

type deps struct {
	repo       *fakeRepo
	recipients *fakeRecipients
	histories  *fakeHistories
	publisher  *fakePublisher
	orch       *fakeDispatcher
	cache      *fakeCache
}

func newTestService(d deps) *Service {
	if d.repo == nil {
		d.repo = newFakeRepo()
	}
	if d.recipients == nil {
		d.recipients = &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{}}
	}
	if d.histories == nil {
		d.histories = &fakeHistories{}
	}
	if d.publisher == nil {
		d.publisher = &fakePublisher{}
	}
	if d.orch == nil {
		d.orch = &fakeDispatcher{}
	}
	if d.cache == nil {
		d.cache = newFakeCache()
	}

	return NewService(d.repo, d.recipients, d.histories, d.publisher, d.orch, d.cache, retry.DefaultPolicy())
}

func emailRecipient(id uuid.UUID) model.Recipient {
	return model.Recipient{
		ID:                id,
		Active:            true,
		Email:             "user@example.com",
		PreferredChannels: []model.Channel{model.ChannelEmail},
	}
}

var strategy = wbfretry.Strategy{}

func TestCreate_ImmediatePublishesToQueue(t *testing.T) {
	recipientID := uuid.New()
	d := deps{
		recipients: &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{recipientID: emailRecipient(recipientID)}},
		publisher:  &fakePublisher{},
		cache:      newFakeCache(),
		histories:  &fakeHistories{},
	}
	svc := newTestService(d)

	n, err := svc.Create(context.Background(), strategy, CreateInput{
		RecipientID:  recipientID,
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleImmediate,
	})

	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, n.Status)
	assert.Equal(t, model.PriorityMedium, n.Priority, "priority defaults to medium")
	assert.Equal(t, 3, n.MaxAttempts, "attempts default from the backoff policy")

	if assert.Len(t, d.publisher.published, 1) {
		assert.Equal(t, n.ID, d.publisher.published[0].ID)
	}
	assert.Equal(t, string(model.StatusPending), d.cache.values[n.ID.String()])
	assert.Len(t, d.histories.entries, 1)
}

func TestCreate_ScheduledSkipsQueue(t *testing.T) {
	recipientID := uuid.New()
	d := deps{
		recipients: &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{recipientID: emailRecipient(recipientID)}},
		publisher:  &fakePublisher{},
	}
	svc := newTestService(d)

	at := time.Now().Add(time.Hour)
	n, err := svc.Create(context.Background(), strategy, CreateInput{
		RecipientID:  recipientID,
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleScheduled,
		ScheduledAt:  &at,
	})

	assert.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, n.Status)
	assert.Empty(t, d.publisher.published, "scheduled notifications wait for their sweep")
}

func TestCreate_PublishFailureIsNotFatal(t *testing.T) {
	recipientID := uuid.New()
	d := deps{
		recipients: &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{recipientID: emailRecipient(recipientID)}},
		publisher:  &fakePublisher{err: errors.New("broker unavailable")},
	}
	svc := newTestService(d)

	_, err := svc.Create(context.Background(), strategy, CreateInput{
		RecipientID:  recipientID,
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleImmediate,
	})

	assert.NoError(t, err, "the dispatch sweep picks up what the queue misses")
}

func TestCreate_UnknownRecipient(t *testing.T) {
	svc := newTestService(deps{})

	_, err := svc.Create(context.Background(), strategy, CreateInput{
		RecipientID:  uuid.New(),
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleImmediate,
	})

	assert.True(t, apperr.IsValidation(err))
}

func TestCreate_RecipientNotOptedIn(t *testing.T) {
	recipientID := uuid.New()
	r := emailRecipient(recipientID)
	r.PreferredChannels = []model.Channel{model.ChannelSMS}

	svc := newTestService(deps{
		recipients: &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{recipientID: r}},
	})

	_, err := svc.Create(context.Background(), strategy, CreateInput{
		RecipientID:  recipientID,
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleImmediate,
	})

	assert.True(t, apperr.IsValidation(err))
}

func TestValidateSchedule(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	later := now.Add(2 * time.Hour)

	tests := []struct {
		name    string
		in      CreateInput
		wantErr bool
	}{
		{"immediate", CreateInput{ScheduleKind: model.ScheduleImmediate}, false},
		{"scheduled ok", CreateInput{ScheduleKind: model.ScheduleScheduled, ScheduledAt: &future}, false},
		{"scheduled without time", CreateInput{ScheduleKind: model.ScheduleScheduled}, true},
		{"scheduled in the past", CreateInput{ScheduleKind: model.ScheduleScheduled, ScheduledAt: &past}, true},
		{"recurring ok", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &future,
			RecurrenceInterval: time.Hour, MaxOccurrences: 5,
		}, false},
		{"recurring without interval", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &future, MaxOccurrences: 5,
		}, true},
		{"recurring without start", CreateInput{
			ScheduleKind: model.ScheduleRecurring, RecurrenceInterval: time.Hour, MaxOccurrences: 5,
		}, true},
		{"recurring without bound", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &future, RecurrenceInterval: time.Hour,
		}, true},
		{"recurring end before start", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &later,
			RecurrenceInterval: time.Hour, RecurrenceEndAt: &future,
		}, true},
		{"recurring end after start", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &future,
			RecurrenceInterval: time.Hour, RecurrenceEndAt: &later,
		}, false},
		{"recurring over occurrence limit", CreateInput{
			ScheduleKind: model.ScheduleRecurring, ScheduledAt: &future,
			RecurrenceInterval: time.Hour, MaxOccurrences: maxOccurrencesLimit + 1,
		}, true},
		{"unknown kind", CreateInput{ScheduleKind: "weird"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSchedule(tt.in, now)
			if tt.wantErr {
				assert.True(t, apperr.IsValidation(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateBulk_PerRecipientIsolation(t *testing.T) {
	good := uuid.New()
	bad := uuid.New()

	d := deps{
		recipients: &fakeRecipients{recipients: map[uuid.UUID]model.Recipient{good: emailRecipient(good)}},
	}
	svc := newTestService(d)

	created, err := svc.CreateBulk(context.Background(), strategy, []uuid.UUID{good, bad}, CreateInput{
		Body:         "hello",
		Channel:      model.ChannelEmail,
		ScheduleKind: model.ScheduleImmediate,
	})

	assert.NoError(t, err)
	assert.Len(t, created, 1)
	assert.Equal(t, good, created[0].RecipientID)
}

func TestCreateBulk_EmptyRecipients(t *testing.T) {
	svc := newTestService(deps{})

	_, err := svc.CreateBulk(context.Background(), strategy, nil, CreateInput{})
	assert.True(t, apperr.IsValidation(err))
}

func TestGetStatus_CacheHit(t *testing.T) {
	id := uuid.New()
	cache := newFakeCache()
	cache.values[id.String()] = string(model.StatusSent)

	svc := newTestService(deps{cache: cache})

	status, err := svc.GetStatus(context.Background(), strategy, id)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSent, status)
}

func TestGetStatus_CacheMissFallsBackToRepo(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusRetry}
	cache := newFakeCache()

	svc := newTestService(deps{repo: newFakeRepo(n), cache: cache})

	status, err := svc.GetStatus(context.Background(), strategy, n.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusRetry, status)
	assert.Equal(t, string(model.StatusRetry), cache.values[n.ID.String()], "miss must recache")
}

func TestListByStatus(t *testing.T) {
	sent := model.Notification{ID: uuid.New(), Status: model.StatusSent}
	retrying := model.Notification{ID: uuid.New(), Status: model.StatusRetry}

	svc := newTestService(deps{repo: newFakeRepo(sent, retrying)})

	out, err := svc.ListByStatus(context.Background(), model.StatusRetry)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, retrying.ID, out[0].ID)

	_, err = svc.ListByStatus(context.Background(), model.Status("bogus"))
	assert.True(t, apperr.IsValidation(err), "unknown status must be rejected")
}

func TestReschedule(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusScheduled, ScheduleKind: model.ScheduleScheduled}
	repo := newFakeRepo(n)

	svc := newTestService(deps{repo: repo})

	at := time.Now().Add(time.Hour)
	updated, err := svc.Reschedule(context.Background(), strategy, n.ID, at)
	assert.NoError(t, err)
	assert.Equal(t, at, *updated.ScheduledAt)

	_, err = svc.Reschedule(context.Background(), strategy, n.ID, time.Now().Add(-time.Hour))
	assert.True(t, apperr.IsValidation(err), "past due time must be rejected")
}

func TestReschedule_ConflictLeavesRecordUntouched(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusSent}
	repo := newFakeRepo(n)

	svc := newTestService(deps{repo: repo})

	_, err := svc.Reschedule(context.Background(), strategy, n.ID, time.Now().Add(time.Hour))
	assert.True(t, apperr.IsStateConflict(err))

	stored, _ := repo.FindByID(context.Background(), n.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Nil(t, stored.ScheduledAt)
}

func TestCancel(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusScheduled}
	repo := newFakeRepo(n)

	svc := newTestService(deps{repo: repo})

	assert.NoError(t, svc.Cancel(context.Background(), strategy, n.ID))

	stored, _ := repo.FindByID(context.Background(), n.ID)
	assert.Equal(t, model.StatusCancelled, stored.Status)

	err := svc.Cancel(context.Background(), strategy, n.ID)
	assert.True(t, apperr.IsStateConflict(err), "cancel is only valid from scheduled")
}

func TestManualRetry(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusFailed, CurrentAttempt: 3, MaxAttempts: 3}
	repo := newFakeRepo(n)
	disp := &fakeDispatcher{}

	svc := newTestService(deps{repo: repo, orch: disp})

	status, err := svc.ManualRetry(context.Background(), strategy, n.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSent, status)
	assert.Equal(t, []uuid.UUID{n.ID}, disp.dispatched)
}

func TestManualRetry_Conflicts(t *testing.T) {
	for _, status := range []model.Status{model.StatusSent, model.StatusProcessing} {
		n := model.Notification{ID: uuid.New(), Status: status}
		svc := newTestService(deps{repo: newFakeRepo(n)})

		_, err := svc.ManualRetry(context.Background(), strategy, n.ID)
		assert.True(t, apperr.IsStateConflict(err), "status %s", status)
	}
}

func TestResetForRetry(t *testing.T) {
	n := model.Notification{ID: uuid.New(), Status: model.StatusFailed, CurrentAttempt: 3}
	repo := newFakeRepo(n)

	svc := newTestService(deps{repo: repo})

	assert.NoError(t, svc.ResetForRetry(context.Background(), strategy, n.ID))

	stored, _ := repo.FindByID(context.Background(), n.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Zero(t, stored.CurrentAttempt)
}

func TestGetRetryStats(t *testing.T) {
	repo := newFakeRepo()
	repo.counts = map[model.Status]int64{
		model.StatusRetry:  4,
		model.StatusFailed: 2,
	}

	svc := newTestService(deps{repo: repo})

	stats, err := svc.GetRetryStats(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(4), stats.RetryCount)
	assert.Equal(t, int64(2), stats.FailedCount)
	assert.Equal(t, retry.DefaultPolicy(), stats.Policy)
}

func TestGetBatchStats(t *testing.T) {
	repo := newFakeRepo()
	repo.counts = map[model.Status]int64{model.StatusPending: 10, model.StatusSent: 3}
	repo.pending = map[model.Priority]int64{model.PriorityHigh: 7, model.PriorityLow: 3}

	svc := newTestService(deps{repo: repo})

	stats, err := svc.GetBatchStats(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(10), stats.ByStatus[model.StatusPending])
	assert.Equal(t, int64(3), stats.ByStatus[model.StatusSent])
	assert.Equal(t, int64(7), stats.PendingByPriority[model.PriorityHigh])
	assert.Equal(t, int64(3), stats.PendingByPriority[model.PriorityLow])
}
