package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/g960059/bridged/internal/applog"
	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	sweepInterval       = 5 * time.Minute
	drainBatchSize      = 10
)

// QueueProcessor drains enqueued offline deliveries once their target
// comes back online and periodically sweeps exhausted queue rows. Each
// loop runs one pass immediately on Start before settling into its
// ticker interval, so a restart doesn't wait a full interval before its
// first sweep.
type QueueProcessor struct {
	store        *store.Store
	clients      *registry.ClientRegistry
	pollInterval time.Duration

	now func() time.Time
}

func NewQueueProcessor(st *store.Store, clients *registry.ClientRegistry, pollInterval time.Duration) *QueueProcessor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &QueueProcessor{
		store:        st,
		clients:      clients,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Start launches the drain and sweep loops and returns once ctx is done.
func (q *QueueProcessor) Start(ctx context.Context) {
	q.drainAll(ctx)
	go q.runTicker(ctx, q.pollInterval, q.drainAll)
	go q.runTicker(ctx, sweepInterval, q.sweep)
}

func (q *QueueProcessor) runTicker(ctx context.Context, interval time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (q *QueueProcessor) drainAll(ctx context.Context) {
	for _, target := range []model.AssistantId{model.AssistantClaude, model.AssistantCodex} {
		if q.clients.IsOnline(target) {
			q.drainTarget(ctx, target)
		}
	}
}

// OnClientOnline performs an immediate drain for an assistant that just
// established a session, called from the transport's session-initialised hook.
func (q *QueueProcessor) OnClientOnline(ctx context.Context, id model.AssistantId) {
	q.drainTarget(ctx, id)
}

func (q *QueueProcessor) drainTarget(ctx context.Context, target model.AssistantId) {
	entries, err := q.store.DequeueMessages(ctx, target, drainBatchSize, q.now())
	if err != nil {
		applog.Errorf("queue.drain", err)
		return
	}
	for _, entry := range entries {
		q.drainOne(ctx, entry)
	}
}

func (q *QueueProcessor) drainOne(ctx context.Context, entry model.QueueEntry) {
	msg, err := q.store.GetMessage(ctx, entry.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if removeErr := q.store.RemoveFromQueue(ctx, entry.MessageID); removeErr != nil {
				applog.Errorf("queue.remove-missing", removeErr)
			}
			return
		}
		applog.Errorf("queue.load", fmt.Errorf("message %s: %w", entry.MessageID, err))
		q.scheduleRetry(ctx, entry)
		return
	}

	if !q.clients.IsOnline(entry.Target) {
		q.scheduleRetry(ctx, entry)
		return
	}

	if err := q.store.UpdateMessageStatus(ctx, msg.ID, model.MessageDelivered, q.now()); err != nil {
		applog.Errorf("queue.deliver", err)
		q.scheduleRetry(ctx, entry)
		return
	}
	if err := q.store.RemoveFromQueue(ctx, entry.MessageID); err != nil {
		applog.Errorf("queue.remove-delivered", err)
	}
}

// scheduleRetry computes delay = min(30 * 2^attempts, 3600) seconds.
func (q *QueueProcessor) scheduleRetry(ctx context.Context, entry model.QueueEntry) {
	delaySeconds := int(math.Min(30*math.Pow(2, float64(entry.Attempts)), 3600))
	if err := q.store.IncrementAttempts(ctx, entry.ID, delaySeconds, q.now()); err != nil {
		applog.Errorf("queue.retry", fmt.Errorf("message %s: %w", entry.MessageID, err))
	}
}

func (q *QueueProcessor) sweep(ctx context.Context) {
	removed, err := q.store.ClearExhausted(ctx)
	if err != nil {
		applog.Errorf("queue.sweep", err)
		return
	}
	if removed > 0 {
		applog.Infof("queue: cleared %d exhausted entries", removed)
	}
}
