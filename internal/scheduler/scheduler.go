// Package scheduler owns the engine's periodic work: promotion of due
// scheduled notifications, materialization of recurring definitions, the retry
// sweep, the batch-dispatch pass and reclaim of stuck PROCESSING records.
// Every sweep is a plain method so tests invoke them directly; Start only adds
// the tickers.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/config"
	"github.com/notifykit/orchestrator/internal/dispatch"
	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/repository/history"
	recipientrepo "github.com/notifykit/orchestrator/internal/repository/recipient"
	"github.com/notifykit/orchestrator/internal/retry"
)

//go:generate mockgen -source=scheduler.go -destination=../mocks/scheduler/mock.go -package=mocks

type notificationRepository interface {
	Create(ctx context.Context, n model.Notification) (uuid.UUID, error)
	Save(ctx context.Context, n model.Notification) error
	SaveIf(ctx context.Context, n model.Notification, expect model.Status) (bool, error)
	FindDueScheduled(ctx context.Context, now time.Time) ([]model.Notification, error)
	FindDueRetries(ctx context.Context, now time.Time) ([]model.Notification, error)
	FindRecurringDue(ctx context.Context, now time.Time) ([]model.Notification, error)
	FindStuckProcessing(ctx context.Context, olderThan time.Time) ([]model.Notification, error)
}

type recipientRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (model.Recipient, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (model.Status, error)
}

type batcher interface {
	Run(ctx context.Context) (dispatch.Stats, error)
}

type auditSink interface {
	Append(ctx context.Context, e history.Entry) error
}

// Scheduler runs the periodic sweeps on their configured intervals.
type Scheduler struct {
	repo       notificationRepository
	recipients recipientRepository
	orch       dispatcher
	batcher    batcher
	audit      auditSink
	backoff    retry.Policy
	cfg        config.Sweeps

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Start must be called to begin sweeping.
func New(
	repo notificationRepository,
	recipients recipientRepository,
	orch dispatcher,
	b batcher,
	audit auditSink,
	backoff retry.Policy,
	cfg config.Sweeps,
) *Scheduler {
	return &Scheduler{
		repo:       repo,
		recipients: recipients,
		orch:       orch,
		batcher:    b,
		audit:      audit,
		backoff:    backoff,
		cfg:        cfg,
	}
}

// Start launches one goroutine per sweep. The sweeps stop when the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.run(ctx, "scheduled-promotion", s.cfg.ScheduledInterval, s.PromoteDueScheduled)
	s.run(ctx, "recurrence-materialization", s.cfg.RecurrenceInterval, s.MaterializeRecurring)
	s.run(ctx, "retry-sweep", s.cfg.RetryInterval, s.SweepRetries)
	s.run(ctx, "batch-dispatch", s.cfg.DispatchInterval, s.DispatchBatch)
	s.run(ctx, "processing-reclaim", s.cfg.ReclaimInterval, s.ReclaimStuck)

	zlog.Logger.Info().Msg("scheduler started")
}

// Stop cancels the sweeps and waits for in-flight ones to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	zlog.Logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				zlog.Logger.Info().Str("sweep", name).Msg("sweep stopped")
				return
			case <-ticker.C:
				if err := sweep(ctx); err != nil {
					zlog.Logger.Error().Err(err).Str("sweep", name).Msg("sweep failed")
				}
			}
		}
	}()
}

// PromoteDueScheduled dispatches SCHEDULED notifications whose due time has
// passed. A recipient that became ineligible since scheduling fails the
// notification without a delivery attempt; other per-item errors are logged
// and never abort the sweep.
func (s *Scheduler) PromoteDueScheduled(ctx context.Context) error {
	due, err := s.repo.FindDueScheduled(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, n := range due {
		recipient, err := s.recipients.FindByID(ctx, n.RecipientID)
		if err != nil && !errors.Is(err, recipientrepo.ErrRecipientNotFound) {
			// Transient lookup failure: leave the record for the next pass.
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to load recipient for promotion")
			continue
		}

		if err != nil || !recipient.Active {
			n.MarkFailed("recipient ineligible at scheduled time")
			if err := s.repo.Save(ctx, n); err != nil {
				zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to fail ineligible notification")
				continue
			}

			s.append(ctx, n, "scheduled promotion rejected", n.LastFailureReason)
			continue
		}

		if _, err := s.orch.Dispatch(ctx, n.ID); err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to dispatch scheduled notification")
		}
	}

	return nil
}

// MaterializeRecurring spawns the next occurrence of each due recurrence
// definition and advances the definition. The occurrence is persisted before
// the definition advances, so a crash between the two produces a duplicate
// occurrence at worst, never a lost one.
func (s *Scheduler) MaterializeRecurring(ctx context.Context) error {
	now := time.Now()

	definitions, err := s.repo.FindRecurringDue(ctx, now)
	if err != nil {
		return err
	}

	for _, def := range definitions {
		if !def.ShouldContinueRecurrence(now) {
			continue
		}

		occurrence := def.NewOccurrence()
		id, err := s.repo.Create(ctx, occurrence)
		if err != nil {
			zlog.Logger.Error().Err(err).Str("definition", def.ID.String()).Msg("failed to materialize occurrence")
			continue
		}

		def.AdvanceOccurrence()
		if err := s.repo.Save(ctx, def); err != nil {
			zlog.Logger.Error().Err(err).Str("definition", def.ID.String()).Msg("failed to advance recurrence definition")
			continue
		}

		zlog.Logger.Info().
			Str("definition", def.ID.String()).
			Str("occurrence", id.String()).
			Int("count", def.OccurrenceCount).
			Msg("materialized recurring occurrence")
	}

	return nil
}

// SweepRetries re-dispatches RETRY notifications whose backoff has elapsed.
// Each notification is dispatched independently; the atomic claim inside
// Dispatch protects against a concurrent batch pass targeting the same id.
func (s *Scheduler) SweepRetries(ctx context.Context) error {
	due, err := s.repo.FindDueRetries(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, n := range due {
		if _, err := s.orch.Dispatch(ctx, n.ID); err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to retry notification")
		}
	}

	return nil
}

// DispatchBatch runs one priority batch-dispatch pass.
func (s *Scheduler) DispatchBatch(ctx context.Context) error {
	stats, err := s.batcher.Run(ctx)
	if err != nil {
		return err
	}

	if stats.Total() > 0 {
		zlog.Logger.Info().Interface("stats", stats).Msg("batch dispatch stats")
	}

	return nil
}

// ReclaimStuck feeds notifications stuck in PROCESSING longer than the
// configured timeout back into the retry path. A dispatch that crashed after
// claiming but before recording an outcome counts as a failed attempt.
func (s *Scheduler) ReclaimStuck(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.ProcessingTimeout)

	stuck, err := s.repo.FindStuckProcessing(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, n := range stuck {
		n.RecordFailure("processing timeout exceeded", s.backoff.Backoff)

		// Guarded by PROCESSING so a worker that recorded its outcome after
		// the stuck query ran is never overwritten.
		ok, err := s.repo.SaveIf(ctx, n, model.StatusProcessing)
		if err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to reclaim stuck notification")
			continue
		}
		if !ok {
			continue
		}

		s.append(ctx, n, "reclaimed from processing", "processing timeout exceeded")

		zlog.Logger.Warn().
			Str("id", n.ID.String()).
			Str("status", string(n.Status)).
			Msg("reclaimed stuck notification")
	}

	return nil
}

func (s *Scheduler) append(ctx context.Context, n model.Notification, message, errorDetail string) {
	entry := history.Entry{
		NotificationID: n.ID,
		Status:         n.Status,
		Attempt:        n.CurrentAttempt,
		Message:        message,
		ErrorDetail:    errorDetail,
	}

	if err := s.audit.Append(ctx, entry); err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to append audit entry")
	}
}
