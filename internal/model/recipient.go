package model

import (
	"time"

	"github.com/google/uuid"
)

// Recipient is the owner of a delivery target. Recipient management lives
// outside the engine; the engine only reads contact data and eligibility.
type Recipient struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	PushToken string    `json:"push_token,omitempty"`
	Active    bool      `json:"active"`

	PreferredChannels []Channel `json:"preferred_channels"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContactFor returns the recipient's contact address for the given channel,
// empty when none is configured.
func (r *Recipient) ContactFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelPush:
		return r.PushToken
	default:
		return ""
	}
}

// CanReceiveOn reports whether the recipient accepts delivery on the channel:
// active, opted in, and a contact address is present.
func (r *Recipient) CanReceiveOn(ch Channel) bool {
	if !r.Active || r.ContactFor(ch) == "" {
		return false
	}

	for _, c := range r.PreferredChannels {
		if c == ch {
			return true
		}
	}

	return false
}
