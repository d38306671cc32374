// Package worker consumes queued jobs: it fetches board threads and timeline
// posts, folds them into documents and commits them through the store. A
// handler returning nil acknowledges the job; anything transient is returned
// so the queue redelivers.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/media"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// ThreadFetcher supplies full thread snapshots.
type ThreadFetcher interface {
	Thread(ctx context.Context, board string, threadID int64) ([]fetch.RawPost, error)
}

// BoardWorker handles fetch_thread jobs.
type BoardWorker struct {
	fetcher ThreadFetcher
	store   harvest.ThreadStore
	mirror  *media.Mirror
	clock   harvest.Clock
	logger  *zap.Logger
}

// NewBoardWorker builds a BoardWorker. mirror may be nil when media
// mirroring is disabled.
func NewBoardWorker(fetcher ThreadFetcher, store harvest.ThreadStore, mirror *media.Mirror, clock harvest.Clock, logger *zap.Logger) *BoardWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoardWorker{fetcher: fetcher, store: store, mirror: mirror, clock: clock, logger: logger}
}

// buildThreadDocs folds one fetched post list into the thread document and
// its post documents. The aggregates are recomputed from the full set every
// time, never incremented.
func buildThreadDocs(board string, threadID int64, raw []fetch.RawPost, now time.Time) (harvest.Thread, []harvest.Post) {
	op := raw[0]
	thread := harvest.Thread{
		Board:       board,
		ThreadID:    threadID,
		Subject:     op.Sub,
		CreatedTime: op.Time,
		ReplyCount:  len(raw) - 1,
		Archived:    harvest.Archived(op.Time, now),
		Sticky:      op.Sticky == 1,
		Closed:      op.Closed == 1,
		UpdatedAt:   now.Unix(),
	}

	for _, p := range raw {
		if p.Time > thread.LastModified {
			thread.LastModified = p.Time
		}
		if p.Tim != 0 {
			thread.ImageCount++
		}
	}

	posts := make([]harvest.Post, 0, len(raw))
	for _, p := range raw {
		posts = append(posts, harvest.Post{
			Board:        board,
			ThreadID:     threadID,
			No:           p.No,
			Time:         p.Time,
			Name:         p.Name,
			Comment:      p.Com,
			Subject:      p.Sub,
			Filename:     p.Filename,
			Ext:          p.Ext,
			ImageID:      p.Tim,
			MD5:          p.MD5,
			FileSize:     p.Fsize,
			ReplyTo:      p.Resto,
			Capcode:      p.Capcode,
			Replies:      p.Replies,
			Images:       p.Images,
			UniqueIPs:    p.UniqueIPs,
			Sticky:       p.Sticky == 1,
			Closed:       p.Closed == 1,
			LastModified: thread.LastModified,
		})
	}
	return thread, posts
}

// HandleFetchThread fetches one thread snapshot and commits it. A pruned or
// empty thread is an end state: logged, counted and acknowledged.
func (w *BoardWorker) HandleFetchThread(ctx context.Context, job harvest.Job) error {
	var args harvest.FetchThreadArgs
	if err := job.DecodeArgs(&args); err != nil {
		return err
	}
	log := w.logger.With(zap.String("board", args.Board), zap.Int64("thread_id", args.ThreadID))

	raw, err := w.fetcher.Thread(ctx, args.Board, args.ThreadID)
	if errors.Is(err, harvest.ErrNotFound) {
		log.Info("thread gone, dropping")
		metrics.ObserveSkip(fetch.SourceBoard, "pruned")
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		log.Info("thread empty, dropping")
		metrics.ObserveSkip(fetch.SourceBoard, "empty")
		return nil
	}

	thread, posts := buildThreadDocs(args.Board, args.ThreadID, raw, w.clock.Now())

	if w.mirror != nil {
		for i := range posts {
			w.mirror.MirrorPost(ctx, &posts[i])
		}
	}

	if err := w.store.BulkUpsertPosts(ctx, posts); err != nil {
		return err
	}
	if err := w.store.UpsertThread(ctx, thread); err != nil {
		return err
	}

	log.Debug("thread committed",
		zap.Int("posts", len(posts)),
		zap.Bool("archived", thread.Archived))
	return nil
}
