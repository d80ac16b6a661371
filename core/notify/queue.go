package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/observability"
	"github.com/m3rciful/shopfleet/core/order"
)

type queuedEvent struct {
	ctx context.Context
	ev  order.Event
}

// Queue hands order events to a Notifier on a fixed set of background
// workers, so the caller never waits on delivery. A full or closed queue
// delivers the event inline instead of dropping it.
type Queue struct {
	next order.Notifier
	warn *logger.WarnLimiter

	mu     sync.RWMutex
	closed bool
	events chan queuedEvent
	wg     sync.WaitGroup
}

// NewQueue starts workers draining a queue of size events. Zero values
// default to 256 events and 4 workers.
func NewQueue(next order.Notifier, size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		next:   next,
		warn:   logger.NewWarnLimiter(logger.CompNotify, 0),
		events: make(chan queuedEvent, size),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Notify enqueues ev. It satisfies order.Notifier. The caller's context
// values travel with the event; its cancellation does not.
func (q *Queue) Notify(ctx context.Context, ev order.Event) {
	ctx = context.WithoutCancel(ctx)
	q.mu.RLock()
	if !q.closed {
		select {
		case q.events <- queuedEvent{ctx: ctx, ev: ev}:
			q.mu.RUnlock()
			return
		default:
		}
	}
	q.mu.RUnlock()

	observability.Notifications.WithLabelValues("queue", "inline").Inc()
	q.warn.Warn(ctx, "queue_inline", "notify_queue",
		slog.String("status", "degraded"),
		slog.String("event", string(ev.Type)),
	)
	q.next.Notify(ctx, ev)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for e := range q.events {
		q.next.Notify(e.ctx, e.ev)
	}
}

// Close stops accepting events and waits for the queued ones until ctx is
// done. Events raised after Close are delivered inline.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
