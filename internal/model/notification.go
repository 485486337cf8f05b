package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/notifykit/orchestrator/internal/apperr"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "pending"    // waiting for dispatch
	StatusScheduled  Status = "scheduled"  // waiting for its due time
	StatusProcessing Status = "processing" // claimed by a worker, send in flight
	StatusSent       Status = "sent"       // delivered successfully
	StatusRetry      Status = "retry"      // failed, waiting for the next attempt
	StatusFailed     Status = "failed"     // permanently failed
	StatusCancelled  Status = "cancelled"  // cancelled before dispatch
)

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusSent,
		StatusRetry, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority determines dispatch ordering: higher tiers are drained first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric dispatch rank of a priority, lower dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ScheduleKind determines when a notification becomes dispatchable.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleScheduled ScheduleKind = "scheduled"
	ScheduleRecurring ScheduleKind = "recurring"
)

// Named recurrence intervals, mirroring the common frequency presets.
const (
	RecurMinutely = time.Minute
	RecurHourly   = time.Hour
	RecurDaily    = 24 * time.Hour
	RecurWeekly   = 7 * 24 * time.Hour
	RecurMonthly  = 30 * 24 * time.Hour
)

// RecurrenceByName resolves a named frequency preset to its interval.
func RecurrenceByName(name string) (time.Duration, bool) {
	switch name {
	case "minutely":
		return RecurMinutely, true
	case "hourly":
		return RecurHourly, true
	case "daily":
		return RecurDaily, true
	case "weekly":
		return RecurWeekly, true
	case "monthly":
		return RecurMonthly, true
	}
	return 0, false
}

// maxFailureReasonLen bounds the stored failure reason.
const maxFailureReasonLen = 500

// ExhaustedPrefix marks a failure reason produced by running out of retry attempts.
const ExhaustedPrefix = "max retry attempts exceeded: "

// DefaultMaxAttempts is applied when a notification is created without an
// explicit retry budget.
const DefaultMaxAttempts = 3

// BackoffFunc computes the delay before the given attempt number is retried.
type BackoffFunc func(attempt int) time.Duration

// Notification is the aggregate root of the delivery engine. All state
// transitions go through the Mark*/Record* methods so that status, counters
// and timestamps never drift apart.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	RecipientID uuid.UUID `json:"recipient_id"`

	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Template string            `json:"template,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Channel  Channel  `json:"channel"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	ScheduleKind       ScheduleKind  `json:"schedule_kind"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
	RecurrenceInterval time.Duration `json:"recurrence_interval,omitempty"`
	RecurrenceEndAt    *time.Time    `json:"recurrence_end_at,omitempty"`
	MaxOccurrences     int           `json:"max_occurrences,omitempty"` // 0 means unlimited
	OccurrenceCount    int           `json:"occurrence_count"`

	MaxAttempts       int        `json:"max_attempts"`
	CurrentAttempt    int        `json:"current_attempt"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// Dispatchable reports whether the notification may be handed to a channel:
// PENDING, SCHEDULED (promoted by the sweep) or RETRY whose backoff has elapsed.
func (n *Notification) Dispatchable(now time.Time) bool {
	switch n.Status {
	case StatusPending, StatusScheduled:
		return true
	case StatusRetry:
		return n.NextRetryAt == nil || !n.NextRetryAt.After(now)
	default:
		return false
	}
}

// MarkProcessing transitions the notification into the transient PROCESSING
// state. It mirrors the atomic claim performed by the repository; no other
// component may treat PROCESSING as a stable state.
func (n *Notification) MarkProcessing() {
	n.Status = StatusProcessing
	n.UpdatedAt = time.Now()
}

// ReleaseClaim hands a claimed notification back to RETRY without consuming
// an attempt. Used when the worker that won the claim finds, on the re-loaded
// row, a backoff written by a concurrent attempt that has not elapsed yet.
func (n *Notification) ReleaseClaim() {
	n.Status = StatusRetry
	n.UpdatedAt = time.Now()
}

// MarkSent records a successful delivery and resets the retry state.
func (n *Notification) MarkSent() {
	now := time.Now()
	n.Status = StatusSent
	n.SentAt = &now
	n.CurrentAttempt = 0
	n.NextRetryAt = nil
	n.LastFailureReason = ""
	n.UpdatedAt = now
}

// MarkFailed transitions the notification to terminal FAILED with a reason.
func (n *Notification) MarkFailed(reason string) {
	now := time.Now()
	n.Status = StatusFailed
	n.FailedAt = &now
	n.LastFailureReason = truncateReason(reason)
	n.NextRetryAt = nil
	n.UpdatedAt = now
}

// RecordFailure registers a failed delivery attempt. While attempts remain it
// moves the notification to RETRY with the next retry time computed from the
// backoff function; once the budget is exhausted it becomes FAILED with the
// exhaustion marker prefixed to the reason.
func (n *Notification) RecordFailure(reason string, backoff BackoffFunc) {
	n.CurrentAttempt++

	if n.CurrentAttempt >= n.MaxAttempts {
		n.MarkFailed(ExhaustedPrefix + reason)
		return
	}

	now := time.Now()
	next := now.Add(backoff(n.CurrentAttempt))
	n.Status = StatusRetry
	n.NextRetryAt = &next
	n.LastFailureReason = truncateReason(reason)
	n.UpdatedAt = now
}

// MarkCancelled cancels a scheduled notification. Only SCHEDULED notifications
// can be cancelled; anything else is a state conflict.
func (n *Notification) MarkCancelled() error {
	if n.Status != StatusScheduled {
		return apperr.StateConflict("cannot cancel notification in status %q", n.Status)
	}

	n.Status = StatusCancelled
	n.NextRetryAt = nil
	n.UpdatedAt = time.Now()
	return nil
}

// Reschedule moves the notification to a new due time. Allowed only while the
// notification is still PENDING or SCHEDULED.
func (n *Notification) Reschedule(at time.Time) error {
	switch n.Status {
	case StatusPending, StatusScheduled:
	case StatusProcessing:
		return apperr.StateConflict("cannot reschedule notification that is currently being processed")
	default:
		return apperr.StateConflict("cannot reschedule notification in status %q", n.Status)
	}

	n.ScheduledAt = &at
	n.Status = StatusScheduled
	if n.ScheduleKind == ScheduleImmediate {
		n.ScheduleKind = ScheduleScheduled
	}
	n.UpdatedAt = time.Now()
	return nil
}

// PrepareManualRetry arms an immediate retry: the attempt counter is reset and
// the retry time set to now, so the next dispatch proceeds regardless of any
// pending backoff. Not allowed while the notification is SENT or in flight.
func (n *Notification) PrepareManualRetry() error {
	switch n.Status {
	case StatusSent:
		return apperr.StateConflict("cannot retry a notification that was already sent")
	case StatusProcessing:
		return apperr.StateConflict("cannot retry a notification that is currently being processed")
	}

	now := time.Now()
	n.Status = StatusRetry
	n.CurrentAttempt = 0
	n.NextRetryAt = &now
	n.FailedAt = nil
	n.UpdatedAt = now
	return nil
}

// ResetForRetry returns a FAILED or CANCELLED notification to PENDING with a
// clean retry state. This is the only way back from a terminal status.
func (n *Notification) ResetForRetry() error {
	if n.Status != StatusFailed && n.Status != StatusCancelled {
		return apperr.StateConflict("cannot reset notification in status %q", n.Status)
	}

	n.Status = StatusPending
	n.CurrentAttempt = 0
	n.NextRetryAt = nil
	n.LastFailureReason = ""
	n.FailedAt = nil
	n.UpdatedAt = time.Now()
	return nil
}

// ShouldContinueRecurrence reports whether a recurrence definition is still
// allowed to materialize its next occurrence at the given time.
func (n *Notification) ShouldContinueRecurrence(now time.Time) bool {
	if n.ScheduleKind != ScheduleRecurring {
		return false
	}

	if n.MaxOccurrences > 0 && n.OccurrenceCount >= n.MaxOccurrences {
		return false
	}

	if n.RecurrenceEndAt != nil && now.After(*n.RecurrenceEndAt) {
		return false
	}

	return true
}

// NewOccurrence spawns the concrete, dispatchable notification for the
// definition's current due time. The returned record carries the same content,
// routing and priority but is an independent SCHEDULED notification.
func (n *Notification) NewOccurrence() Notification {
	meta := make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		meta[k] = v
	}

	var due *time.Time
	if n.ScheduledAt != nil {
		t := *n.ScheduledAt
		due = &t
	}

	return Notification{
		RecipientID:  n.RecipientID,
		Subject:      n.Subject,
		Body:         n.Body,
		Template:     n.Template,
		Metadata:     meta,
		Channel:      n.Channel,
		Priority:     n.Priority,
		Status:       StatusScheduled,
		ScheduleKind: ScheduleScheduled,
		ScheduledAt:  due,
		MaxAttempts:  n.MaxAttempts,
	}
}

// AdvanceOccurrence moves the recurrence definition to its next due time and
// counts the occurrence that was just materialized.
func (n *Notification) AdvanceOccurrence() {
	n.OccurrenceCount++
	if n.ScheduledAt != nil {
		next := n.ScheduledAt.Add(n.RecurrenceInterval)
		n.ScheduledAt = &next
	}
	n.UpdatedAt = time.Now()
}

func truncateReason(reason string) string {
	if len(reason) > maxFailureReasonLen {
		return reason[:maxFailureReasonLen]
	}
	return reason
}
