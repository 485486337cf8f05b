// Package worker consumes the immediate-dispatch queue and drives each message
// through the orchestrator with a bounded pool of goroutines.
package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/notifykit/orchestrator/internal/model"
	"github.com/notifykit/orchestrator/internal/rabbitmq/queue"
)

//go:generate mockgen -source=pool.go -destination=../mocks/worker/mock.go -package=mocks

type dispatchConsumer interface {
	Consume(out chan<- queue.DispatchMessage, strategy retry.Strategy) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (model.Status, error)
}

// Pool consumes dispatch messages and hands them to the orchestrator.
type Pool struct {
	queue dispatchConsumer
	orch  dispatcher
}

// NewPool creates a consumer pool.
func NewPool(q dispatchConsumer, orch dispatcher) *Pool {
	return &Pool{queue: q, orch: orch}
}

// Run consumes messages with workerCount goroutines until the context is
// cancelled. The orchestrator's claim makes redelivered messages harmless.
func (p *Pool) Run(ctx context.Context, strategy retry.Strategy, workerCount int) {
	var wg sync.WaitGroup
	msgChan := make(chan queue.DispatchMessage, workerCount*10)

	go func() {
		if err := p.queue.Consume(msgChan, strategy); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to consume messages")
		}
	}()

	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(id int) {
			defer wg.Done()

			zlog.Logger.Printf("worker-%d started", id)

			for {
				select {
				case <-ctx.Done():
					zlog.Logger.Printf("worker-%d shutting down", id)
					return
				case msg, ok := <-msgChan:
					if !ok {
						zlog.Logger.Printf("worker-%d channel closed, shutting down", id)
						return
					}

					status, err := p.orch.Dispatch(ctx, msg.ID)
					if err != nil {
						zlog.Logger.Error().Err(err).Str("id", msg.ID.String()).Msg("failed to dispatch notification")
						continue
					}

					zlog.Logger.Printf("worker-%d dispatched %s: %s", id, msg.ID, status)
				}
			}
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	zlog.Logger.Print("worker pool stopped")
}
