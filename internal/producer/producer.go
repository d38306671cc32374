// Package producer turns scan results into queued jobs. It owns job
// construction (ids, retry budget, reservation timeout) and the bulk-push
// batching; the cron cadence is wired by the binary.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/scanner"
)

const defaultRetryBudget = 3

// Options carries the per-deployment knobs.
type Options struct {
	Boards     []string
	Subreddits []string

	// Harvest range for timeline window jobs.
	Start time.Time
	End   time.Time

	ChunkSize       time.Duration
	RefreshInterval time.Duration

	// JobBatchSize bounds one PushBulk call.
	JobBatchSize int
	// PostBatchSize bounds the ids packed into one refresh_posts job.
	PostBatchSize int

	BoardReserveFor    time.Duration
	TimelineReserveFor time.Duration
}

// Producer builds and enqueues crawl jobs.
type Producer struct {
	queue    harvest.Queue
	boards   *scanner.BoardScanner
	timeline *scanner.TimelineScanner
	posts    harvest.TimelineStore
	ids      harvest.IDGenerator
	clock    harvest.Clock
	logger   *zap.Logger
	opts     Options

	pushFailures atomic.Int64
}

// New builds a Producer.
func New(queue harvest.Queue, boards *scanner.BoardScanner, timeline *scanner.TimelineScanner, posts harvest.TimelineStore, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger, opts Options) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.JobBatchSize <= 0 {
		opts.JobBatchSize = 50
	}
	if opts.PostBatchSize <= 0 {
		opts.PostBatchSize = 100
	}
	return &Producer{
		queue:    queue,
		boards:   boards,
		timeline: timeline,
		posts:    posts,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// PushFailures reports how many batch pushes have failed since start. Failed
// batches are not retried in place; the next cycle reselects their targets.
func (p *Producer) PushFailures() int64 {
	return p.pushFailures.Load()
}

func (p *Producer) newJob(jobType string, args any, reserveFor time.Duration) (harvest.Job, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("new job id: %w", err)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("marshal %s args: %w", jobType, err)
	}
	return harvest.Job{
		ID:         id,
		Type:       jobType,
		Args:       raw,
		Retry:      defaultRetryBudget,
		ReserveFor: reserveFor,
		EnqueuedAt: p.clock.Now().Unix(),
	}, nil
}

// pushBatched pushes jobs in JobBatchSize groups. A failed group is counted
// and skipped so one bad batch never blocks the rest of the cycle.
func (p *Producer) pushBatched(ctx context.Context, queue string, jobs []harvest.Job) {
	for _, batch := range batchJobs(jobs, p.opts.JobBatchSize) {
		if err := p.queue.PushBulk(ctx, queue, batch); err != nil {
			p.pushFailures.Add(1)
			p.logger.Error("batch push failed",
				zap.String("queue", queue),
				zap.Int("jobs", len(batch)),
				zap.Error(err))
		}
	}
}

func batchJobs(jobs []harvest.Job, size int) [][]harvest.Job {
	var out [][]harvest.Job
	for len(jobs) > 0 {
		n := size
		if n > len(jobs) {
			n = len(jobs)
		}
		out = append(out, jobs[:n])
		jobs = jobs[n:]
	}
	return out
}

// RunBoardCycle scans every configured board and enqueues a fetch job per
// due thread. A failed board scan is logged and the cycle moves on.
func (p *Producer) RunBoardCycle(ctx context.Context) {
	for _, board := range p.opts.Boards {
		due, err := p.boards.Scan(ctx, board)
		if err != nil {
			p.logger.Error("board scan failed", zap.String("board", board), zap.Error(err))
			continue
		}

		jobs := make([]harvest.Job, 0, len(due))
		for _, key := range due {
			job, err := p.newJob(harvest.JobTypeFetchThread, harvest.FetchThreadArgs{
				Board:    key.Board,
				ThreadID: key.ThreadID,
			}, p.opts.BoardReserveFor)
			if err != nil {
				p.logger.Error("job construction failed", zap.Error(err))
				continue
			}
			jobs = append(jobs, job)
		}

		p.pushBatched(ctx, harvest.QueueBoardThreads, jobs)
		p.logger.Info("board cycle",
			zap.String("board", board),
			zap.Int("enqueued", len(jobs)))
	}
}

// RunTimelineCycle enqueues one window job per chunk per community, then
// batches stale stored posts into refresh jobs. Candidates are marked
// enqueued before the push so an overlapping cycle skips them.
func (p *Producer) RunTimelineCycle(ctx context.Context) {
	// An unset end keeps the window open: each cycle reaches up to now.
	end := p.opts.End
	if end.IsZero() {
		end = p.clock.Now()
	}

	// An unset start disables window jobs; refresh selection still covers
	// everything stored before end.
	var windows []scanner.Window
	if !p.opts.Start.IsZero() {
		windows = scanner.Windows(p.opts.Start, end, p.opts.ChunkSize)
	}

	for _, sub := range p.opts.Subreddits {
		var jobs []harvest.Job
		for _, w := range windows {
			job, err := p.newJob(harvest.JobTypeRefreshWindow, harvest.RefreshWindowArgs{
				Subreddit: sub,
				Start:     w.Start,
				End:       w.End,
			}, p.opts.TimelineReserveFor)
			if err != nil {
				p.logger.Error("job construction failed", zap.Error(err))
				continue
			}
			jobs = append(jobs, job)
		}

		refreshJobs, err := p.refreshJobs(ctx, sub, end)
		if err != nil {
			p.logger.Error("refresh selection failed", zap.String("subreddit", sub), zap.Error(err))
		}
		jobs = append(jobs, refreshJobs...)

		p.pushBatched(ctx, harvest.QueueTimelineRefresh, jobs)
		p.logger.Info("timeline cycle",
			zap.String("subreddit", sub),
			zap.Int("windows", len(windows)),
			zap.Int("refresh_jobs", len(refreshJobs)))
	}
}

func (p *Producer) refreshJobs(ctx context.Context, sub string, end time.Time) ([]harvest.Job, error) {
	var start int64
	if !p.opts.Start.IsZero() {
		start = p.opts.Start.Unix()
	}
	batches, err := p.timeline.StaleBatches(ctx, sub, start, end.Unix(), p.opts.RefreshInterval, p.opts.PostBatchSize)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().Unix()
	var jobs []harvest.Job
	for _, ids := range batches {
		// Stamp the cool-down marker first. If the push then fails the
		// marker expires after an hour and the posts are reselected.
		if err := p.posts.MarkEnqueued(ctx, ids, now); err != nil {
			p.logger.Error("mark enqueued failed", zap.Int("posts", len(ids)), zap.Error(err))
			continue
		}
		job, err := p.newJob(harvest.JobTypeRefreshPosts, harvest.RefreshPostsArgs{
			Subreddit: sub,
			PostIDs:   ids,
		}, p.opts.TimelineReserveFor)
		if err != nil {
			p.logger.Error("job construction failed", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
