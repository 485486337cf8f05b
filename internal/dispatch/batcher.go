// Package dispatch implements the priority-aware batcher: one pass selects the
// dispatchable set, groups it into priority tiers and drains each tier fully
// before the next one begins.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/model"
)

type notificationRepository interface {
	FindDispatchable(ctx context.Context, now time.Time) ([]model.Notification, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (model.Status, error)
}

// TierStats aggregates dispatch counts for one priority tier.
type TierStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats aggregates dispatch counts for one batch pass.
type Stats struct {
	Tiers map[model.Priority]TierStats `json:"tiers"`
}

// Total returns the number of attempted dispatches across all tiers.
func (s Stats) Total() int {
	total := 0
	for _, t := range s.Tiers {
		total += t.Attempted
	}
	return total
}

// Batcher drains the dispatchable set in priority order. Within a batch,
// dispatches run concurrently up to the worker limit; a single item's failure
// never aborts the rest of the batch or later tiers.
type Batcher struct {
	repo      notificationRepository
	orch      dispatcher
	batchSize int
	workers   int
}

// NewBatcher creates a batcher with the given batch size and worker limit.
func NewBatcher(repo notificationRepository, orch dispatcher, batchSize, workers int) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 1
	}

	return &Batcher{repo: repo, orch: orch, batchSize: batchSize, workers: workers}
}

// Run executes one batch-dispatch pass. Priority ordering is guaranteed within
// this pass only; items arriving mid-pass wait for the next one.
func (b *Batcher) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Tiers: make(map[model.Priority]TierStats)}

	notifications, err := b.repo.FindDispatchable(ctx, time.Now())
	if err != nil {
		return stats, err
	}

	if len(notifications) == 0 {
		return stats, nil
	}

	tiers := make(map[model.Priority][]model.Notification)
	for _, n := range notifications {
		tiers[n.Priority] = append(tiers[n.Priority], n)
	}

	// HIGH is exhausted before any MEDIUM item, and MEDIUM before any LOW.
	priorities := make([]model.Priority, 0, len(tiers))
	for priority := range tiers {
		priorities = append(priorities, priority)
	}
	sort.Slice(priorities, func(i, j int) bool {
		return priorities[i].Rank() < priorities[j].Rank()
	})

	for _, priority := range priorities {
		stats.Tiers[priority] = b.drainTier(ctx, priority, tiers[priority])
	}

	zlog.Logger.Info().
		Int("total", stats.Total()).
		Msg("batch dispatch pass completed")

	return stats, nil
}

// drainTier processes one priority tier in fixed-size batches, waiting for
// each batch to finish before the next starts.
func (b *Batcher) drainTier(ctx context.Context, priority model.Priority, tier []model.Notification) TierStats {
	var (
		mu sync.Mutex
		ts TierStats
	)

	zlog.Logger.Info().
		Str("priority", string(priority)).
		Int("count", len(tier)).
		Msg("draining priority tier")

	for start := 0; start < len(tier); start += b.batchSize {
		end := start + b.batchSize
		if end > len(tier) {
			end = len(tier)
		}

		batch := tier[start:end]
		sem := make(chan struct{}, b.workers)

		var wg sync.WaitGroup
		for _, n := range batch {
			wg.Add(1)
			sem <- struct{}{}

			go func(id uuid.UUID) {
				defer wg.Done()
				defer func() { <-sem }()

				status, err := b.orch.Dispatch(ctx, id)

				mu.Lock()
				defer mu.Unlock()

				ts.Attempted++
				switch {
				case err != nil:
					ts.Failed++
					zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("dispatch failed in batch")
				case status == model.StatusSent:
					ts.Succeeded++
				default:
					ts.Failed++
				}
			}(n.ID)
		}

		wg.Wait()
	}

	return ts
}
