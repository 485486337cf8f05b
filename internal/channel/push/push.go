// Package push adapts the push provider client to the delivery-capability contract.
package push

import (
	"context"

	"github.com/notifykit/orchestrator/internal/channel"
	"github.com/notifykit/orchestrator/internal/model"
)

type client interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// Channel delivers notifications to device push tokens.
type Channel struct {
	client client
}

// New creates the push channel over the given provider client.
func New(c client) *Channel {
	return &Channel{client: c}
}

func (ch *Channel) Name() model.Channel {
	return model.ChannelPush
}

// Send delivers the notification to the recipient's device token, forwarding
// the notification metadata as the data payload.
func (ch *Channel) Send(ctx context.Context, n model.Notification, r model.Recipient) channel.Outcome {
	token := r.ContactFor(model.ChannelPush)
	if token == "" {
		return channel.Failure("push token not found", "recipient has no device token configured")
	}

	if err := ch.client.Send(ctx, token, n.Subject, n.Body, n.Metadata); err != nil {
		return channel.Failure("failed to send push notification", err.Error())
	}

	return channel.Success("push notification sent to device")
}

func (ch *Channel) CanDeliver(r model.Recipient) bool {
	return r.CanReceiveOn(model.ChannelPush)
}

var _ channel.Channel = (*Channel)(nil)
