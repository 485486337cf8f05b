package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedBackoff(d time.Duration) BackoffFunc {
	return func(attempt int) time.Duration { return d }
}

func TestDispatchable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		n    Notification
		want bool
	}{
		{"pending", Notification{Status: StatusPending}, true},
		{"scheduled", Notification{Status: StatusScheduled}, true},
		{"retry due", Notification{Status: StatusRetry, NextRetryAt: &past}, true},
		{"retry not due", Notification{Status: StatusRetry, NextRetryAt: &future}, false},
		{"processing", Notification{Status: StatusProcessing}, false},
		{"sent", Notification{Status: StatusSent}, false},
		{"failed", Notification{Status: StatusFailed}, false},
		{"cancelled", Notification{Status: StatusCancelled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.Dispatchable(now))
		})
	}
}

func TestMarkSent_ResetsRetryState(t *testing.T) {
	next := time.Now()
	n := Notification{
		Status:            StatusProcessing,
		CurrentAttempt:    2,
		NextRetryAt:       &next,
		LastFailureReason: "smtp timeout",
	}

	n.MarkSent()

	assert.Equal(t, StatusSent, n.Status)
	assert.NotNil(t, n.SentAt)
	assert.Zero(t, n.CurrentAttempt)
	assert.Nil(t, n.NextRetryAt)
	assert.Empty(t, n.LastFailureReason)
}

func TestRecordFailure_MovesToRetryWhileAttemptsRemain(t *testing.T) {
	n := Notification{Status: StatusProcessing, MaxAttempts: 3}

	before := time.Now()
	n.RecordFailure("smtp timeout", fixedBackoff(2*time.Second))

	assert.Equal(t, StatusRetry, n.Status)
	assert.Equal(t, 1, n.CurrentAttempt)
	assert.Equal(t, "smtp timeout", n.LastFailureReason)
	if assert.NotNil(t, n.NextRetryAt) {
		assert.False(t, n.NextRetryAt.Before(before.Add(2*time.Second)))
	}
}

func TestRecordFailure_ExhaustsAfterMaxAttempts(t *testing.T) {
	n := Notification{Status: StatusProcessing, MaxAttempts: 3}
	backoff := fixedBackoff(time.Second)

	n.RecordFailure("boom", backoff)
	assert.Equal(t, StatusRetry, n.Status)
	n.RecordFailure("boom", backoff)
	assert.Equal(t, StatusRetry, n.Status)
	n.RecordFailure("boom", backoff)

	assert.Equal(t, StatusFailed, n.Status)
	assert.Equal(t, 3, n.CurrentAttempt)
	assert.Equal(t, ExhaustedPrefix+"boom", n.LastFailureReason)
	assert.NotNil(t, n.FailedAt)
	assert.Nil(t, n.NextRetryAt)
}

func TestRecordFailure_TruncatesLongReason(t *testing.T) {
	n := Notification{Status: StatusProcessing, MaxAttempts: 3}

	n.RecordFailure(strings.Repeat("x", 600), fixedBackoff(time.Second))

	assert.Len(t, n.LastFailureReason, maxFailureReasonLen)
}

func TestMarkCancelled(t *testing.T) {
	n := Notification{Status: StatusScheduled}
	assert.NoError(t, n.MarkCancelled())
	assert.Equal(t, StatusCancelled, n.Status)

	for _, status := range []Status{StatusPending, StatusProcessing, StatusSent, StatusRetry, StatusFailed} {
		n := Notification{Status: status}
		err := n.MarkCancelled()
		assert.Error(t, err, "status %s", status)
		assert.Equal(t, status, n.Status, "status must not change on conflict")
	}
}

func TestReschedule(t *testing.T) {
	at := time.Now().Add(time.Hour)

	n := Notification{Status: StatusPending, ScheduleKind: ScheduleImmediate}
	assert.NoError(t, n.Reschedule(at))
	assert.Equal(t, StatusScheduled, n.Status)
	assert.Equal(t, ScheduleScheduled, n.ScheduleKind)
	assert.Equal(t, at, *n.ScheduledAt)

	n = Notification{Status: StatusScheduled, ScheduleKind: ScheduleScheduled}
	assert.NoError(t, n.Reschedule(at))
	assert.Equal(t, StatusScheduled, n.Status)

	n = Notification{Status: StatusProcessing}
	err := n.Reschedule(at)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "currently being processed")
	assert.Equal(t, StatusProcessing, n.Status)
	assert.Nil(t, n.ScheduledAt, "due time must not change on conflict")

	for _, status := range []Status{StatusSent, StatusFailed, StatusCancelled, StatusRetry} {
		n := Notification{Status: status}
		assert.Error(t, n.Reschedule(at), "status %s", status)
		assert.Equal(t, status, n.Status)
	}
}

func TestPrepareManualRetry(t *testing.T) {
	failedAt := time.Now()
	n := Notification{
		Status:         StatusFailed,
		CurrentAttempt: 3,
		FailedAt:       &failedAt,
		MaxAttempts:    3,
	}

	assert.NoError(t, n.PrepareManualRetry())
	assert.Equal(t, StatusRetry, n.Status)
	assert.Zero(t, n.CurrentAttempt)
	assert.Nil(t, n.FailedAt)
	if assert.NotNil(t, n.NextRetryAt) {
		assert.False(t, n.NextRetryAt.After(time.Now()), "the retry must be due immediately")
	}

	for _, status := range []Status{StatusSent, StatusProcessing} {
		n := Notification{Status: status}
		assert.Error(t, n.PrepareManualRetry(), "status %s", status)
		assert.Equal(t, status, n.Status)
	}
}

func TestReleaseClaim(t *testing.T) {
	next := time.Now().Add(time.Hour)
	n := Notification{
		Status:         StatusProcessing,
		CurrentAttempt: 1,
		NextRetryAt:    &next,
	}

	n.ReleaseClaim()
	assert.Equal(t, StatusRetry, n.Status)
	assert.Equal(t, 1, n.CurrentAttempt, "releasing must not consume an attempt")
	assert.Equal(t, next, *n.NextRetryAt)
}

func TestResetForRetry(t *testing.T) {
	failedAt := time.Now()
	n := Notification{
		Status:            StatusFailed,
		CurrentAttempt:    3,
		LastFailureReason: ExhaustedPrefix + "boom",
		FailedAt:          &failedAt,
	}

	assert.NoError(t, n.ResetForRetry())
	assert.Equal(t, StatusPending, n.Status)
	assert.Zero(t, n.CurrentAttempt)
	assert.Empty(t, n.LastFailureReason)
	assert.Nil(t, n.FailedAt)

	n = Notification{Status: StatusCancelled}
	assert.NoError(t, n.ResetForRetry())
	assert.Equal(t, StatusPending, n.Status)

	for _, status := range []Status{StatusPending, StatusScheduled, StatusProcessing, StatusSent, StatusRetry} {
		n := Notification{Status: status}
		assert.Error(t, n.ResetForRetry(), "status %s", status)
		assert.Equal(t, status, n.Status)
	}
}

func TestShouldContinueRecurrence(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		n    Notification
		want bool
	}{
		{"unlimited", Notification{ScheduleKind: ScheduleRecurring}, true},
		{"under cap", Notification{ScheduleKind: ScheduleRecurring, MaxOccurrences: 5, OccurrenceCount: 4}, true},
		{"at cap", Notification{ScheduleKind: ScheduleRecurring, MaxOccurrences: 5, OccurrenceCount: 5}, false},
		{"before end", Notification{ScheduleKind: ScheduleRecurring, RecurrenceEndAt: &future}, true},
		{"after end", Notification{ScheduleKind: ScheduleRecurring, RecurrenceEndAt: &past}, false},
		{"not recurring", Notification{ScheduleKind: ScheduleScheduled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.ShouldContinueRecurrence(now))
		})
	}
}

func TestNewOccurrence(t *testing.T) {
	due := time.Now().Add(time.Hour)
	def := Notification{
		Status:             StatusScheduled,
		ScheduleKind:       ScheduleRecurring,
		ScheduledAt:        &due,
		RecurrenceInterval: RecurDaily,
		MaxOccurrences:     5,
		Subject:            "digest",
		Body:               "hello",
		Channel:            ChannelEmail,
		Priority:           PriorityLow,
		Metadata:           map[string]string{"k": "v"},
		MaxAttempts:        3,
	}

	occ := def.NewOccurrence()

	assert.Equal(t, StatusScheduled, occ.Status)
	assert.Equal(t, ScheduleScheduled, occ.ScheduleKind)
	assert.Equal(t, due, *occ.ScheduledAt)
	assert.Equal(t, def.Subject, occ.Subject)
	assert.Equal(t, def.Body, occ.Body)
	assert.Equal(t, def.Channel, occ.Channel)
	assert.Equal(t, def.Priority, occ.Priority)
	assert.Equal(t, def.MaxAttempts, occ.MaxAttempts)
	assert.Zero(t, occ.MaxOccurrences, "occurrences are one-shot")
	assert.Zero(t, occ.RecurrenceInterval)

	// The copy must be independent of the definition.
	occ.Metadata["k"] = "changed"
	assert.Equal(t, "v", def.Metadata["k"])
}

func TestAdvanceOccurrence(t *testing.T) {
	due := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	def := Notification{
		ScheduleKind:       ScheduleRecurring,
		ScheduledAt:        &due,
		RecurrenceInterval: RecurDaily,
		OccurrenceCount:    2,
	}

	def.AdvanceOccurrence()

	assert.Equal(t, 3, def.OccurrenceCount)
	assert.Equal(t, due.Add(RecurDaily), *def.ScheduledAt)
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestRecurrenceByName(t *testing.T) {
	for name, want := range map[string]time.Duration{
		"minutely": RecurMinutely,
		"hourly":   RecurHourly,
		"daily":    RecurDaily,
		"weekly":   RecurWeekly,
		"monthly":  RecurMonthly,
	} {
		got, ok := RecurrenceByName(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := RecurrenceByName("fortnightly")
	assert.False(t, ok)
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusScheduled, StatusProcessing, StatusSent,
		StatusRetry, StatusFailed, StatusCancelled,
	} {
		assert.True(t, s.Valid(), string(s))
	}

	assert.False(t, Status("bogus").Valid())
	assert.False(t, Status("").Valid())
}
