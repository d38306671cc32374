package worker

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
	"github.com/datapipe-labs/harvester/internal/scanner"
)

const (
	deletedMarker = "[deleted]"
	removedMarker = "[removed]"
)

// TimelineFetcher supplies timeline posts and comment forests.
type TimelineFetcher interface {
	NewPosts(ctx context.Context, subreddit string, oldest int64) ([]fetch.PostData, error)
	PostByID(ctx context.Context, id string) (fetch.PostData, error)
	Comments(ctx context.Context, postID string) ([]fetch.Thing, error)
	MoreChildren(ctx context.Context, linkID string, ids []string) ([]fetch.Thing, error)
}

// TimelineWorker handles refresh_window and refresh_posts jobs.
type TimelineWorker struct {
	fetcher   TimelineFetcher
	store     harvest.TimelineStore
	clock     harvest.Clock
	logger    *zap.Logger
	moreBatch int
	maxDepth  int
}

// NewTimelineWorker builds a TimelineWorker.
func NewTimelineWorker(fetcher TimelineFetcher, store harvest.TimelineStore, clock harvest.Clock, logger *zap.Logger, moreBatch, maxDepth int) *TimelineWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if moreBatch <= 0 {
		moreBatch = 100
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &TimelineWorker{
		fetcher:   fetcher,
		store:     store,
		clock:     clock,
		logger:    logger,
		moreBatch: moreBatch,
		maxDepth:  maxDepth,
	}
}

// convertPost maps raw listing data onto the stored document shape.
func convertPost(d fetch.PostData) harvest.TimelinePost {
	return harvest.TimelinePost{
		ID:          d.ID,
		Created:     int64(d.Created),
		Subreddit:   d.Subreddit,
		Title:       d.Title,
		Selftext:    d.Selftext,
		URL:         d.URL,
		Permalink:   d.Permalink,
		Domain:      d.Domain,
		Author:      d.Author,
		Score:       d.Score,
		NumComments: d.NumComments,
		UpvoteRatio: d.UpvoteRatio,
		Removed:     d.RemovedByCategory != nil || d.Selftext == removedMarker,
		Deleted:     d.Author == deletedMarker,
		IsSelf:      d.IsSelf,
		IsVideo:     d.IsVideo,
		Over18:      d.Over18,
		Spoiler:     d.Spoiler,
		Stickied:    d.Stickied,
	}
}

// mergeAndUpsert folds the fetched post over the stored one and commits it.
// consumeMarker clears the refresh cool-down stamp, which only a completed
// refresh job should do.
func (w *TimelineWorker) mergeAndUpsert(ctx context.Context, fresh harvest.TimelinePost, stats *harvest.CommentStats, consumeMarker bool) error {
	stored, found, err := w.store.GetPost(ctx, fresh.ID)
	if err != nil {
		return err
	}

	var existing *harvest.TimelinePost
	if found {
		existing = &stored
	}
	merged := harvest.ApplySnapshot(fresh, existing, w.clock.Now().Unix())
	if stats != nil {
		merged.CommentStats = stats
	} else if existing != nil {
		merged.CommentStats = existing.CommentStats
	}
	if consumeMarker {
		merged.EnqueuedAt = 0
	}
	return w.store.UpsertPost(ctx, merged)
}

// HandleRefreshWindow walks the community's new listing and commits every
// post created inside the job's window, comment tree included. Posts outside
// the window ride along in the listing but are not committed.
func (w *TimelineWorker) HandleRefreshWindow(ctx context.Context, job harvest.Job) error {
	var args harvest.RefreshWindowArgs
	if err := job.DecodeArgs(&args); err != nil {
		return err
	}
	log := w.logger.With(zap.String("subreddit", args.Subreddit), zap.Int64("start", args.Start), zap.Int64("end", args.End))

	posts, err := w.fetcher.NewPosts(ctx, args.Subreddit, args.Start)
	if err != nil {
		return err
	}

	committed := 0
	for _, d := range posts {
		created := int64(d.Created)
		if created < args.Start || created >= args.End {
			continue
		}
		err := w.commitPost(ctx, d, false)
		if errors.Is(err, harvest.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			log.Warn("post commit skipped", zap.String("post_id", d.ID), zap.Error(err))
			metrics.ObserveSkip(fetch.SourceTimeline, "commit_failed")
			continue
		}
		committed++
	}

	log.Debug("window committed", zap.Int("listed", len(posts)), zap.Int("committed", committed))
	return nil
}

// HandleRefreshPosts re-fetches a batch of stored posts with their comment
// trees. Per-post failures are skips; only a store outage fails the job.
func (w *TimelineWorker) HandleRefreshPosts(ctx context.Context, job harvest.Job) error {
	var args harvest.RefreshPostsArgs
	if err := job.DecodeArgs(&args); err != nil {
		return err
	}
	log := w.logger.With(zap.String("subreddit", args.Subreddit))

	refreshed := 0
	for _, id := range args.PostIDs {
		err := w.refreshPost(ctx, id)
		if errors.Is(err, harvest.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			log.Warn("post refresh skipped", zap.String("post_id", id), zap.Error(err))
			metrics.ObserveSkip(fetch.SourceTimeline, "refresh_failed")
			continue
		}
		refreshed++
	}

	log.Debug("refresh batch done", zap.Int("requested", len(args.PostIDs)), zap.Int("refreshed", refreshed))
	return nil
}

func (w *TimelineWorker) refreshPost(ctx context.Context, id string) error {
	fresh, err := w.fetcher.PostByID(ctx, id)
	if err != nil {
		return err
	}
	return w.commitPost(ctx, fresh, true)
}

// commitPost persists one post snapshot together with its expanded comment
// tree and the stats tallied from it.
func (w *TimelineWorker) commitPost(ctx context.Context, d fetch.PostData, consumeMarker bool) error {
	comments, err := w.expandComments(ctx, d.ID)
	if err != nil {
		return err
	}

	var stats *harvest.CommentStats
	if len(comments) > 0 {
		s := harvest.TallyComments(comments, w.clock.Now().Unix())
		stats = &s
		if err := w.store.BulkUpsertComments(ctx, comments); err != nil {
			return err
		}
	}

	return w.mergeAndUpsert(ctx, convertPost(d), stats, consumeMarker)
}

// expandComments fetches the shallow forest and then resolves "more"
// placeholders breadth first: each round batches the current frontier of
// placeholder ids, and whatever new placeholders come back form the next
// frontier, up to maxDepth rounds. A failed batch is dropped, not fatal.
func (w *TimelineWorker) expandComments(ctx context.Context, postID string) ([]harvest.Comment, error) {
	now := w.clock.Now().Unix()

	var comments []harvest.Comment
	collect := func(things []fetch.Thing) []string {
		var more []string
		for _, th := range things {
			switch th.Kind {
			case "t1":
				comments = append(comments, flattenComment(postID, th.Data, now))
			case "more":
				more = append(more, th.Data.Children...)
			}
		}
		return more
	}

	forest, err := w.fetcher.Comments(ctx, postID)
	if err != nil {
		return nil, err
	}

	frontier := collect(forest)
	for depth := 0; depth < w.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, batch := range scanner.Batch(frontier, w.moreBatch) {
			things, err := w.fetcher.MoreChildren(ctx, postID, batch)
			if err != nil {
				w.logger.Warn("placeholder batch dropped",
					zap.String("post_id", postID),
					zap.Int("ids", len(batch)),
					zap.Error(err))
				metrics.ObserveSkip(fetch.SourceTimeline, "more_failed")
				continue
			}
			next = append(next, collect(things)...)
		}
		frontier = next
	}
	return comments, nil
}

// flattenComment maps one forest node to its stored document. The raw
// parent id is kind-prefixed ("t3_" link, "t1_" comment); the prefix decides
// is_root and is then stripped.
func flattenComment(postID string, d fetch.CommentData, now int64) harvest.Comment {
	isRoot := strings.HasPrefix(d.ParentID, "t3_")
	parent := d.ParentID
	if i := strings.Index(parent, "_"); i >= 0 {
		parent = parent[i+1:]
	}
	return harvest.Comment{
		ID:               d.ID,
		PostID:           postID,
		ParentID:         parent,
		Author:           d.Author,
		Body:             d.Body,
		CreatedUTC:       int64(d.CreatedUTC),
		Score:            d.Score,
		Edited:           bool(d.Edited),
		Removed:          d.Body == removedMarker,
		Deleted:          d.Body == deletedMarker || d.Author == deletedMarker,
		IsRoot:           isRoot,
		Depth:            d.Depth,
		Distinguished:    d.Distinguished,
		Controversiality: d.Controversiality,
		Controversial:    harvest.Controversial(d.Controversiality, d.Score, d.Ups),
		LastUpdated:      now,
	}
}
