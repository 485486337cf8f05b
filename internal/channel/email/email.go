// Package email adapts the SMTP client to the delivery-capability contract.
package email

import (
	"context"

	"github.com/notifykit/orchestrator/internal/channel"
	"github.com/notifykit/orchestrator/internal/model"
)

type client interface {
	Send(to, subject, body string) error
}

// Channel delivers notifications over SMTP.
type Channel struct {
	client client
}

// New creates the email channel over the given SMTP client.
func New(c client) *Channel {
	return &Channel{client: c}
}

func (ch *Channel) Name() model.Channel {
	return model.ChannelEmail
}

// Send delivers the notification to the recipient's email address. The SMTP
// client has no context support, so the dial-and-send runs in a goroutine and
// the deadline is enforced here.
func (ch *Channel) Send(ctx context.Context, n model.Notification, r model.Recipient) channel.Outcome {
	to := r.ContactFor(model.ChannelEmail)
	if to == "" {
		return channel.Failure("email address not found", "recipient has no email configured")
	}

	done := make(chan error, 1)
	go func() {
		done <- ch.client.Send(to, n.Subject, n.Body)
	}()

	select {
	case <-ctx.Done():
		return channel.Failure("email send timed out", ctx.Err().Error())
	case err := <-done:
		if err != nil {
			return channel.Failure("failed to send email", err.Error())
		}
	}

	return channel.Success("email sent to %s", to)
}

func (ch *Channel) CanDeliver(r model.Recipient) bool {
	return r.CanReceiveOn(model.ChannelEmail) && validAddress(r.Email)
}

func validAddress(addr string) bool {
	for _, c := range addr {
		if c == '@' {
			return true
		}
	}
	return false
}

var _ channel.Channel = (*Channel)(nil)
