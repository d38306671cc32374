// Package pubsub implements the job queue on Google Cloud Pub/Sub. Each
// named queue maps to one topic and one subscription, both created on first
// use. A message whose handler errors is nacked and redelivered until the
// job's retry budget is spent; each attempt runs under the job's reservation
// deadline, and the client library extends the broker lease for handlers that
// run up to it.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// attrType carries the job type on the message so consumers can route without
// unmarshalling everything twice.
const attrType = "job_type"

// defaultAckDeadline is the subscription-level ack deadline. Leases beyond it
// are covered by client-side extension up to maxLeaseExtension.
const (
	defaultAckDeadline = 60 * time.Second
	maxLeaseExtension  = 30 * time.Minute
)

// Queue implements harvest.Queue on Pub/Sub. Topic and subscription ids are
// derived from the queue name with a deployment prefix so multiple
// environments can share a project.
type Queue struct {
	client *pubsub.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects to Pub/Sub using Application Default Credentials unless opts
// override the endpoint (tests pass a pstest connection).
func New(ctx context.Context, projectID, prefix string, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		prefix: prefix,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (q *Queue) topicID(queue string) string {
	return q.prefix + "-" + queue
}

func (q *Queue) subscriptionID(queue string) string {
	return q.prefix + "-" + queue + "-sub"
}

// topic returns a publish handle for the queue, creating the topic if it does
// not exist yet. Handles are cached for the life of the Queue.
func (q *Queue) topic(ctx context.Context, queue string) (*pubsub.Topic, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.topics[queue]; ok {
		return t, nil
	}

	t := q.client.Topic(q.topicID(queue))
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", q.topicID(queue), err)
	}
	if !exists {
		if t, err = q.client.CreateTopic(ctx, q.topicID(queue)); err != nil {
			return nil, fmt.Errorf("create topic %s: %w", q.topicID(queue), err)
		}
	}

	q.topics[queue] = t
	return t, nil
}

// subscription returns the queue's subscription, creating it against the
// queue's topic when missing.
func (q *Queue) subscription(ctx context.Context, queue string) (*pubsub.Subscription, error) {
	t, err := q.topic(ctx, queue)
	if err != nil {
		return nil, err
	}

	sub := q.client.Subscription(q.subscriptionID(queue))
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", q.subscriptionID(queue), err)
	}
	if !exists {
		sub, err = q.client.CreateSubscription(ctx, q.subscriptionID(queue), pubsub.SubscriptionConfig{
			Topic:       t,
			AckDeadline: defaultAckDeadline,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %s: %w", q.subscriptionID(queue), err)
		}
	}
	return sub, nil
}

// Push publishes one job and waits for the server ack so the caller can
// count enqueue failures.
func (q *Queue) Push(ctx context.Context, queue string, job harvest.Job) error {
	t, err := q.topic(ctx, queue)
	if err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	res := t.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{attrType: job.Type},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	metrics.ObserveEnqueued(queue, job.Type)
	return nil
}

// PushBulk publishes a batch, letting the client library coalesce sends, and
// waits for every ack. The first failure is returned after all results are
// drained.
func (q *Queue) PushBulk(ctx context.Context, queue string, jobs []harvest.Job) error {
	t, err := q.topic(ctx, queue)
	if err != nil {
		return err
	}

	results := make([]*pubsub.PublishResult, 0, len(jobs))
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		results = append(results, t.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{attrType: job.Type},
		}))
	}

	var firstErr error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish job %s: %w", jobs[i].ID, err)
			}
			continue
		}
		metrics.ObserveEnqueued(queue, jobs[i].Type)
	}
	return firstErr
}

// attempts tracks transient failures per job so redelivery stops once the
// job's retry budget is spent. Counts live in process memory; a redelivery
// that lands on another worker restarts its count there.
type attempts struct {
	mu       sync.Mutex
	failures map[string]int
}

func newAttempts() *attempts {
	return &attempts{failures: make(map[string]int)}
}

// fail records one more failed attempt and reports whether the budget is now
// exhausted. Retry is the number of redeliveries allowed after the first
// attempt, so a job with Retry 3 runs at most four times.
func (a *attempts) fail(jobID string, retry int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[jobID]++
	if a.failures[jobID] > retry {
		delete(a.failures, jobID)
		return true
	}
	return false
}

func (a *attempts) settle(jobID string) {
	a.mu.Lock()
	delete(a.failures, jobID)
	a.mu.Unlock()
}

// Consume receives from the queue's subscription until ctx is cancelled.
// Terminal handler errors and spent retry budgets ack the message so poison
// jobs do not loop forever; other failures nack for redelivery. Each attempt
// runs under the job's reservation deadline when one is set.
func (q *Queue) Consume(ctx context.Context, queue string, concurrency int, handlers map[string]harvest.Handler) error {
	sub, err := q.subscription(ctx, queue)
	if err != nil {
		return err
	}

	sub.ReceiveSettings.MaxOutstandingMessages = concurrency
	sub.ReceiveSettings.MaxExtension = maxLeaseExtension

	tracker := newAttempts()
	log := q.logger.With(zap.String("queue", queue))
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		metrics.IncActiveWorkers()
		defer metrics.DecActiveWorkers()

		var job harvest.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Warn("dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
			metrics.ObserveProcessed(queue, "malformed")
			msg.Ack()
			return
		}

		handler, ok := handlers[job.Type]
		if !ok {
			log.Warn("dropping job with no handler", zap.String("job_id", job.ID), zap.String("type", job.Type))
			metrics.ObserveProcessed(queue, "unroutable")
			msg.Ack()
			return
		}

		hctx := ctx
		if job.ReserveFor > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, job.ReserveFor)
			defer cancel()
		}

		switch err := handler(hctx, job); {
		case err == nil:
			tracker.settle(job.ID)
			metrics.ObserveProcessed(queue, "ok")
			msg.Ack()
		case harvest.Terminal(err):
			tracker.settle(job.ID)
			log.Warn("job failed terminally", zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Error(err))
			metrics.ObserveProcessed(queue, "terminal")
			msg.Ack()
		case tracker.fail(job.ID, job.Retry):
			log.Warn("dropping job, retry budget spent", zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Error(err))
			metrics.ObserveProcessed(queue, "exhausted")
			msg.Ack()
		default:
			log.Warn("job failed, redelivering", zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Error(err))
			metrics.ObserveProcessed(queue, "retry")
			msg.Nack()
		}
	})
}

// Close stops cached publishers and closes the client.
func (q *Queue) Close() error {
	q.mu.Lock()
	for _, t := range q.topics {
		t.Stop()
	}
	q.mu.Unlock()

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
