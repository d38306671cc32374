// Package memory implements the job queue on in-process channels. It keeps
// the broker's at-least-once contract (failed jobs are requeued) without any
// external dependency, which makes it the provider of choice for tests and
// single-host runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// defaultBuffer bounds each queue so a runaway producer blocks instead of
// growing without limit.
const defaultBuffer = 4096

// delivery is one queued job plus the count of failed attempts so far, which
// is how the queue enforces the job's retry budget.
type delivery struct {
	job      harvest.Job
	failures int
}

// Queue implements harvest.Queue in process memory.
type Queue struct {
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]chan delivery
	closed bool
}

// New builds an empty queue set.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{logger: logger, queues: make(map[string]chan delivery)}
}

func (q *Queue) channel(name string) (chan delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("queue %s: %w", name, harvest.ErrUnavailable)
	}
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan delivery, defaultBuffer)
		q.queues[name] = ch
	}
	return ch, nil
}

// Push enqueues one job, blocking when the queue is full.
func (q *Queue) Push(ctx context.Context, queue string, job harvest.Job) error {
	ch, err := q.channel(queue)
	if err != nil {
		return err
	}
	select {
	case ch <- delivery{job: job}:
		metrics.ObserveEnqueued(queue, job.Type)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushBulk enqueues jobs one at a time; there is no batching to exploit in
// process memory.
func (q *Queue) PushBulk(ctx context.Context, queue string, jobs []harvest.Job) error {
	for _, job := range jobs {
		if err := q.Push(ctx, queue, job); err != nil {
			return err
		}
	}
	return nil
}

// Consume dispatches jobs to handlers with bounded concurrency until ctx is
// cancelled. A transiently failed job goes back on the queue until its retry
// budget is spent; terminal failures and unroutable jobs are dropped.
func (q *Queue) Consume(ctx context.Context, queue string, concurrency int, handlers map[string]harvest.Handler) error {
	ch, err := q.channel(queue)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-ch:
					q.dispatch(ctx, queue, ch, d, handlers)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) dispatch(ctx context.Context, queue string, ch chan delivery, d delivery, handlers map[string]harvest.Handler) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	handler, ok := handlers[d.job.Type]
	if !ok {
		metrics.ObserveProcessed(queue, "unroutable")
		return
	}

	// The reservation bounds one attempt; a handler that overruns it loses
	// the job to redelivery, same as a lost broker lease.
	hctx := ctx
	if d.job.ReserveFor > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.job.ReserveFor)
		defer cancel()
	}

	switch err := handler(hctx, d.job); {
	case err == nil:
		metrics.ObserveProcessed(queue, "ok")
	case harvest.Terminal(err):
		metrics.ObserveProcessed(queue, "terminal")
	default:
		d.failures++
		if d.failures > d.job.Retry {
			q.logger.Warn("dropping job, retry budget spent",
				zap.String("queue", queue), zap.String("job_id", d.job.ID),
				zap.Int("failures", d.failures), zap.Error(err))
			metrics.ObserveProcessed(queue, "exhausted")
			return
		}
		metrics.ObserveProcessed(queue, "retry")
		q.requeue(ctx, queue, ch, d)
	}
}

// requeue puts a failed delivery back without blocking the consumer that must
// keep draining the channel. A full buffer falls back to an async send.
func (q *Queue) requeue(ctx context.Context, queue string, ch chan delivery, d delivery) {
	select {
	case ch <- d:
		return
	default:
	}
	go func() {
		select {
		case ch <- d:
		case <-ctx.Done():
			q.logger.Warn("dropping requeued job on shutdown",
				zap.String("queue", queue), zap.String("job_id", d.job.ID))
		}
	}()
}

// Close marks the queue set closed. Pending jobs are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
