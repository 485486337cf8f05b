// Package sms adapts the SMS provider client to the delivery-capability contract.
package sms

import (
	"context"

	"github.com/notifykit/orchestrator/internal/channel"
	"github.com/notifykit/orchestrator/internal/model"
)

type client interface {
	Send(ctx context.Context, to, body string) error
}

// Channel delivers notifications as text messages.
type Channel struct {
	client client
}

// New creates the SMS channel over the given provider client.
func New(c client) *Channel {
	return &Channel{client: c}
}

func (ch *Channel) Name() model.Channel {
	return model.ChannelSMS
}

// Send delivers the notification body to the recipient's phone number. SMS has
// no subject line; only the body is sent.
func (ch *Channel) Send(ctx context.Context, n model.Notification, r model.Recipient) channel.Outcome {
	to := r.ContactFor(model.ChannelSMS)
	if to == "" {
		return channel.Failure("phone number not found", "recipient has no phone configured")
	}

	if err := ch.client.Send(ctx, to, n.Body); err != nil {
		return channel.Failure("failed to send sms", err.Error())
	}

	return channel.Success("sms sent to %s", to)
}

func (ch *Channel) CanDeliver(r model.Recipient) bool {
	return r.CanReceiveOn(model.ChannelSMS)
}

var _ channel.Channel = (*Channel)(nil)
