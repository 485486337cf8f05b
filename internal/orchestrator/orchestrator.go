// Package orchestrator drives a single notification through one delivery
// attempt: claim, channel invocation, outcome recording, audit. Every send in
// the engine funnels through Dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/channel"
	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/repository/history"
	recipientrepo "github.com/notifykit/orchestrator/internal/repository/recipient"
	"github.com/notifykit/orchestrator/internal/retry"
)

//go:generate mockgen -source=orchestrator.go -destination=../mocks/orchestrator/mock.go -package=mocks

type notificationRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (model.Notification, error)
	Save(ctx context.Context, n model.Notification) error
	Claim(ctx context.Context, id uuid.UUID, from []model.Status) (bool, error)
}

type recipientRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (model.Recipient, error)
}

type auditSink interface {
	Append(ctx context.Context, e history.Entry) error
}

// Orchestrator performs delivery attempts. The claim to PROCESSING is written
// before the channel is invoked, so a crash mid-send leaves the record in
// PROCESSING for the reclaim sweep instead of silently pending.
type Orchestrator struct {
	repo        notificationRepository
	recipients  recipientRepository
	registry    *channel.Registry
	audit       auditSink
	backoff     retry.Policy
	sendTimeout time.Duration
}

// New creates an orchestrator.
func New(
	repo notificationRepository,
	recipients recipientRepository,
	registry *channel.Registry,
	audit auditSink,
	backoff retry.Policy,
	sendTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		recipients:  recipients,
		registry:    registry,
		audit:       audit,
		backoff:     backoff,
		sendTimeout: sendTimeout,
	}
}

// Dispatch attempts delivery of one notification and returns its resulting
// status. Repeated invocation on the same id is safe: terminal and in-flight
// notifications are skipped, and the atomic claim guarantees that concurrent
// sweeps racing on one id produce a single attempt.
func (o *Orchestrator) Dispatch(ctx context.Context, id uuid.UUID) (model.Status, error) {
	n, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load notification: %w", err)
	}

	// Terminal and in-flight records are skipped, as is a RETRY whose
	// backoff has not elapsed yet.
	if !n.Dispatchable(time.Now()) {
		return n.Status, nil
	}

	recipient, err := o.recipients.FindByID(ctx, n.RecipientID)
	if errors.Is(err, recipientrepo.ErrRecipientNotFound) {
		return o.reject(ctx, n, "recipient does not exist")
	}
	if err != nil {
		// Transient lookup failures leave the record untouched so the next
		// sweep picks it up again.
		return "", fmt.Errorf("load recipient: %w", err)
	}

	if !recipient.Active {
		return o.reject(ctx, n, "recipient is not active")
	}

	ch, ok := o.registry.Get(n.Channel)
	if !ok {
		return o.reject(ctx, n, fmt.Sprintf("channel %q is not registered", n.Channel))
	}

	if !ch.CanDeliver(recipient) {
		return o.reject(ctx, n, fmt.Sprintf("recipient cannot receive on channel %q", n.Channel))
	}

	// The claim is guarded by the exact status the snapshot was loaded in, so
	// a record that moved on since the load is never claimed from its new state.
	claimed, err := o.repo.Claim(ctx, n.ID, []model.Status{n.Status})
	if err != nil {
		return "", fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		// Lost the race to another worker, or the state moved on.
		zlog.Logger.Debug().Str("id", n.ID.String()).Msg("notification already claimed, skipping")
		return n.Status, nil
	}

	// Re-load after winning the claim: the qualifying snapshot may predate a
	// full dispatch cycle by another worker that ended back in the same
	// status, with a fresh attempt counter and backoff.
	n, err = o.repo.FindByID(ctx, n.ID)
	if err != nil {
		return "", fmt.Errorf("reload claimed notification: %w", err)
	}

	if n.NextRetryAt != nil && n.NextRetryAt.After(time.Now()) {
		n.ReleaseClaim()
		if err := o.repo.Save(ctx, n); err != nil {
			return "", fmt.Errorf("release claimed notification: %w", err)
		}
		return n.Status, nil
	}

	n.MarkProcessing()

	sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	outcome := ch.Send(sendCtx, n, recipient)
	cancel()

	if outcome.Success {
		n.MarkSent()
	} else {
		n.RecordFailure(outcome.ErrorDetail, o.backoff.Backoff)
	}

	if err := o.repo.Save(ctx, n); err != nil {
		return "", fmt.Errorf("save notification: %w", err)
	}

	o.appendAudit(ctx, n, outcome.Message, outcome.ErrorDetail)

	zlog.Logger.Info().
		Str("id", n.ID.String()).
		Str("channel", string(n.Channel)).
		Str("status", string(n.Status)).
		Int("attempt", n.CurrentAttempt).
		Msg("dispatch finished")

	return n.Status, nil
}

// reject marks the notification FAILED without attempting delivery. Used for
// pre-claim failures such as an inactive recipient or an unusable channel.
func (o *Orchestrator) reject(ctx context.Context, n model.Notification, reason string) (model.Status, error) {
	n.MarkFailed(reason)

	if err := o.repo.Save(ctx, n); err != nil {
		return "", fmt.Errorf("save rejected notification: %w", err)
	}

	o.appendAudit(ctx, n, "dispatch rejected", reason)

	zlog.Logger.Warn().Str("id", n.ID.String()).Str("reason", reason).Msg("dispatch rejected")
	return n.Status, nil
}

// appendAudit writes one audit entry for the attempt. Audit failures are
// logged, never propagated: the delivery outcome is already persisted.
func (o *Orchestrator) appendAudit(ctx context.Context, n model.Notification, message, errorDetail string) {
	entry := history.Entry{
		NotificationID: n.ID,
		Status:         n.Status,
		Attempt:        n.CurrentAttempt,
		Message:        message,
		ErrorDetail:    errorDetail,
	}

	if err := o.audit.Append(ctx, entry); err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to append audit entry")
	}
}
