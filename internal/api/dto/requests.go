package dto

// NotificationPayload carries the content and scheduling fields shared by the
// single and bulk create requests.
type NotificationPayload struct {
	Subject  string            `json:"subject" validate:"required"`
	Body     string            `json:"body" validate:"required,max=2000"`
	Template string            `json:"template"`
	Metadata map[string]string `json:"metadata"`
	Channel  string            `json:"channel" validate:"required,oneof=email sms push"`
	Priority string            `json:"priority" validate:"omitempty,oneof=high medium low"`

	ScheduleKind       string `json:"schedule_kind" validate:"omitempty,oneof=immediate scheduled recurring"`
	ScheduledAt        string `json:"scheduled_at"`        // RFC 3339
	RecurrenceInterval string `json:"recurrence_interval"` // Go duration ("90m") or a named frequency ("daily")
	RecurrenceEndAt    string `json:"recurrence_end_at"`   // RFC 3339
	MaxOccurrences     int    `json:"max_occurrences" validate:"omitempty,min=1,max=1000"`
	MaxAttempts        int    `json:"max_attempts" validate:"omitempty,min=1,max=10"`
}

// CreateRequest is the payload for creating a single notification.
type CreateRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,uuid"`

	NotificationPayload
}

// BulkCreateRequest creates one notification per recipient from a shared payload.
type BulkCreateRequest struct {
	RecipientIDs []string            `json:"recipient_ids" validate:"required,min=1,dive,uuid"`
	Notification NotificationPayload `json:"notification" validate:"required"`
}

// RescheduleRequest moves a notification to a new due time.
type RescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at" validate:"required"` // RFC 3339
}
