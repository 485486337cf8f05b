// Package channel defines the delivery-capability contract the orchestrator
// dispatches through, plus the registry mapping channel names to
// implementations. Adding a transport means implementing Channel and
// registering it at startup; the orchestrator never changes.
package channel

import (
	"context"
	"fmt"

	"github.com/notifykit/orchestrator/internal/model"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Success     bool
	Message     string
	ErrorDetail string
}

// Success builds a successful outcome with a human-readable message.
func Success(format string, args ...any) Outcome {
	return Outcome{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failure builds a failed outcome with a message and the underlying error detail.
func Failure(message, errorDetail string) Outcome {
	return Outcome{Success: false, Message: message, ErrorDetail: errorDetail}
}

// Channel is a delivery transport. Send must honor the context deadline; the
// orchestrator bounds every attempt with a per-attempt timeout.
type Channel interface {
	Name() model.Channel
	Send(ctx context.Context, n model.Notification, r model.Recipient) Outcome
	CanDeliver(r model.Recipient) bool
}

// Registry maps channel names to implementations, populated at startup.
type Registry struct {
	channels map[model.Channel]Channel
}

// NewRegistry builds a registry from the given channels.
func NewRegistry(channels ...Channel) *Registry {
	m := make(map[model.Channel]Channel, len(channels))
	for _, ch := range channels {
		m[ch.Name()] = ch
	}

	return &Registry{channels: m}
}

// Get returns the implementation for a channel name.
func (r *Registry) Get(name model.Channel) (Channel, bool) {
	ch, ok := r.channels[name]
	return ch, ok
}

// Supported returns the names of all registered channels.
func (r *Registry) Supported() []model.Channel {
	names := make([]model.Channel, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}

	return names
}
