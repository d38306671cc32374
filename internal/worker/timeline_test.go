package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

type fakeTimelineFetcher struct {
	listing    []fetch.PostData
	listingErr error

	byID    map[string]fetch.PostData
	forests map[string][]fetch.Thing
	more    map[string][]fetch.Thing
	moreErr error

	moreCalls int
}

func (f *fakeTimelineFetcher) NewPosts(ctx context.Context, subreddit string, oldest int64) ([]fetch.PostData, error) {
	return f.listing, f.listingErr
}

func (f *fakeTimelineFetcher) PostByID(ctx context.Context, id string) (fetch.PostData, error) {
	d, ok := f.byID[id]
	if !ok {
		return fetch.PostData{}, fmt.Errorf("post %s: %w", id, harvest.ErrNotFound)
	}
	return d, nil
}

func (f *fakeTimelineFetcher) Comments(ctx context.Context, postID string) ([]fetch.Thing, error) {
	return f.forests[postID], nil
}

func (f *fakeTimelineFetcher) MoreChildren(ctx context.Context, linkID string, ids []string) ([]fetch.Thing, error) {
	f.moreCalls++
	if f.moreErr != nil {
		return nil, f.moreErr
	}
	var out []fetch.Thing
	for _, id := range ids {
		out = append(out, f.more[id]...)
	}
	return out, nil
}

type fakeTimelineStore struct {
	posts    map[string]harvest.TimelinePost
	comments map[string]harvest.Comment
	getErr   error
	putErr   error
}

func newFakeTimelineStore() *fakeTimelineStore {
	return &fakeTimelineStore{
		posts:    map[string]harvest.TimelinePost{},
		comments: map[string]harvest.Comment{},
	}
}

func (f *fakeTimelineStore) GetPost(ctx context.Context, id string) (harvest.TimelinePost, bool, error) {
	if f.getErr != nil {
		return harvest.TimelinePost{}, false, f.getErr
	}
	p, ok := f.posts[id]
	return p, ok, nil
}

func (f *fakeTimelineStore) UpsertPost(ctx context.Context, p harvest.TimelinePost) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.posts[p.ID] = p
	return nil
}

func (f *fakeTimelineStore) BulkUpsertComments(ctx context.Context, comments []harvest.Comment) error {
	if f.putErr != nil {
		return f.putErr
	}
	for _, c := range comments {
		if prev, ok := f.comments[c.ID]; ok {
			c.Annotation = prev.Annotation
		}
		f.comments[c.ID] = c
	}
	return nil
}

func (f *fakeTimelineStore) RefreshCandidates(ctx context.Context, subreddit string, start, end, cutoff, staleBefore int64) ([]string, error) {
	return nil, nil
}

func (f *fakeTimelineStore) MarkEnqueued(ctx context.Context, ids []string, at int64) error {
	return nil
}

func newTimelineWorker(fetcher *fakeTimelineFetcher, store *fakeTimelineStore, now time.Time) *TimelineWorker {
	metrics.Init()
	return NewTimelineWorker(fetcher, store, &fakeClock{now: now}, nil, 2, 10)
}

func windowJob(t *testing.T, sub string, start, end int64) harvest.Job {
	t.Helper()
	raw, err := json.Marshal(harvest.RefreshWindowArgs{Subreddit: sub, Start: start, End: end})
	require.NoError(t, err)
	return harvest.Job{ID: "job-1", Type: harvest.JobTypeRefreshWindow, Args: raw}
}

func refreshJob(t *testing.T, sub string, ids ...string) harvest.Job {
	t.Helper()
	raw, err := json.Marshal(harvest.RefreshPostsArgs{Subreddit: sub, PostIDs: ids})
	require.NoError(t, err)
	return harvest.Job{ID: "job-2", Type: harvest.JobTypeRefreshPosts, Args: raw}
}

func TestHandleRefreshWindowFiltersAndCommits(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	fetcher := &fakeTimelineFetcher{listing: []fetch.PostData{
		{ID: "in1", Created: 1500, Subreddit: "politics", Title: "a", Author: "u1"},
		{ID: "in2", Created: 1900, Subreddit: "politics", Title: "b", Author: "u2"},
		{ID: "out", Created: 2500, Subreddit: "politics", Title: "c", Author: "u3"},
	}}
	store := newFakeTimelineStore()
	w := newTimelineWorker(fetcher, store, now)

	require.NoError(t, w.HandleRefreshWindow(context.Background(), windowJob(t, "politics", 1000, 2000)))

	require.Len(t, store.posts, 2)
	require.NotContains(t, store.posts, "out")
	require.Equal(t, now.Unix(), store.posts["in1"].LastUpdated)
	require.Equal(t, "a", store.posts["in1"].Title)
	require.Len(t, store.posts["in1"].History, 1)
}

func TestHandleRefreshWindowPreservesOriginals(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	store := newFakeTimelineStore()
	store.posts["in1"] = harvest.TimelinePost{
		ID:               "in1",
		OriginalSelftext: "the original text",
		OriginalAuthor:   "u1",
		History:          []harvest.Snapshot{{Timestamp: 500}},
	}

	fetcher := &fakeTimelineFetcher{listing: []fetch.PostData{
		{ID: "in1", Created: 1500, Author: "[deleted]", Selftext: "[removed]"},
	}}
	w := newTimelineWorker(fetcher, store, now)

	require.NoError(t, w.HandleRefreshWindow(context.Background(), windowJob(t, "politics", 1000, 2000)))

	got := store.posts["in1"]
	require.Equal(t, "the original text", got.OriginalSelftext)
	require.Equal(t, "u1", got.OriginalAuthor)
	require.True(t, got.Removed)
	require.True(t, got.Deleted)
	require.Len(t, got.History, 2)
}

func TestHandleRefreshWindowExpandsComments(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	fetcher := &fakeTimelineFetcher{
		listing: []fetch.PostData{
			{ID: "in1", Created: 1500, Subreddit: "politics", Title: "a"},
		},
		forests: map[string][]fetch.Thing{
			"in1": {
				{Kind: "t1", Data: fetch.CommentData{ID: "c1", ParentID: "t3_in1", Body: "root", Score: 4, Ups: 4}},
				{Kind: "more", Data: fetch.CommentData{Children: []string{"c2"}}},
			},
		},
		more: map[string][]fetch.Thing{
			"c2": {{Kind: "t1", Data: fetch.CommentData{ID: "c2", ParentID: "t1_c1", Body: "leaf", Depth: 1}}},
		},
	}
	store := newFakeTimelineStore()
	w := newTimelineWorker(fetcher, store, now)

	require.NoError(t, w.HandleRefreshWindow(context.Background(), windowJob(t, "politics", 1000, 2000)))

	require.Len(t, store.comments, 2)
	require.Equal(t, "in1", store.comments["c1"].PostID)
	require.Equal(t, "c1", store.comments["c2"].ParentID)

	post := store.posts["in1"]
	require.NotNil(t, post.CommentStats)
	require.Equal(t, 2, post.CommentStats.TotalComments)
	require.Equal(t, 1, post.CommentStats.MaxDepth)
}

func TestHandleRefreshWindowStoreOutageRedelivers(t *testing.T) {
	t.Parallel()

	fetcher := &fakeTimelineFetcher{listing: []fetch.PostData{
		{ID: "in1", Created: 1500, Subreddit: "politics"},
	}}
	store := newFakeTimelineStore()
	store.getErr = fmt.Errorf("boom: %w", harvest.ErrStoreUnavailable)
	w := newTimelineWorker(fetcher, store, time.Unix(1_000_000, 0).UTC())

	err := w.HandleRefreshWindow(context.Background(), windowJob(t, "politics", 1000, 2000))
	require.ErrorIs(t, err, harvest.ErrStoreUnavailable)
}

func TestHandleRefreshWindowListingFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeTimelineFetcher{listingErr: harvest.ErrUnavailable}
	w := newTimelineWorker(fetcher, newFakeTimelineStore(), time.Now())

	err := w.HandleRefreshWindow(context.Background(), windowJob(t, "politics", 0, 100))
	require.ErrorIs(t, err, harvest.ErrUnavailable)
}

func TestHandleRefreshPostsExpandsComments(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	fetcher := &fakeTimelineFetcher{
		byID: map[string]fetch.PostData{
			"p1": {ID: "p1", Created: 1500, Title: "t", Score: 42},
		},
		forests: map[string][]fetch.Thing{
			"p1": {
				{Kind: "t1", Data: fetch.CommentData{ID: "c1", ParentID: "t3_p1", Body: "root", Score: 5, Ups: 5}},
				{Kind: "more", Data: fetch.CommentData{Children: []string{"c2", "c3"}}},
			},
		},
		more: map[string][]fetch.Thing{
			"c2": {{Kind: "t1", Data: fetch.CommentData{ID: "c2", ParentID: "t1_c1", Body: "leaf", Depth: 1}}},
			"c3": {{Kind: "t1", Data: fetch.CommentData{ID: "c3", ParentID: "t1_c1", Body: "[deleted]", Depth: 1}}},
		},
	}
	store := newFakeTimelineStore()
	store.posts["p1"] = harvest.TimelinePost{ID: "p1", EnqueuedAt: now.Unix() - 60}

	w := newTimelineWorker(fetcher, store, now)
	require.NoError(t, w.HandleRefreshPosts(context.Background(), refreshJob(t, "politics", "p1")))

	require.Len(t, store.comments, 3)
	require.True(t, store.comments["c1"].IsRoot)
	require.Equal(t, "p1", store.comments["c1"].ParentID)
	require.False(t, store.comments["c2"].IsRoot)
	require.Equal(t, "c1", store.comments["c2"].ParentID)
	require.True(t, store.comments["c3"].Deleted)

	post := store.posts["p1"]
	require.NotNil(t, post.CommentStats)
	require.Equal(t, 3, post.CommentStats.TotalComments)
	require.Equal(t, 1, post.CommentStats.RootComments)
	require.Equal(t, 1, post.CommentStats.MaxDepth)
	require.Equal(t, 1, post.CommentStats.DeletedComments)
	require.Zero(t, post.EnqueuedAt, "refresh consumes the cool-down marker")
}

func TestHandleRefreshPostsSkipsMissing(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	fetcher := &fakeTimelineFetcher{
		byID: map[string]fetch.PostData{"p2": {ID: "p2", Created: 1500}},
	}
	store := newFakeTimelineStore()
	w := newTimelineWorker(fetcher, store, now)

	require.NoError(t, w.HandleRefreshPosts(context.Background(), refreshJob(t, "politics", "p1", "p2")))
	require.NotContains(t, store.posts, "p1")
	require.Contains(t, store.posts, "p2")
}

func TestHandleRefreshPostsStoreOutageRedelivers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0).UTC()
	fetcher := &fakeTimelineFetcher{byID: map[string]fetch.PostData{"p1": {ID: "p1"}}}
	store := newFakeTimelineStore()
	store.getErr = fmt.Errorf("boom: %w", harvest.ErrStoreUnavailable)
	w := newTimelineWorker(fetcher, store, now)

	err := w.HandleRefreshPosts(context.Background(), refreshJob(t, "politics", "p1"))
	require.ErrorIs(t, err, harvest.ErrStoreUnavailable)
}

func TestExpandCommentsDepthCap(t *testing.T) {
	t.Parallel()

	// Every resolved batch yields another placeholder, so only the depth
	// cap stops the walk.
	fetcher := &fakeTimelineFetcher{
		forests: map[string][]fetch.Thing{
			"p1": {{Kind: "more", Data: fetch.CommentData{Children: []string{"x"}}}},
		},
		more: map[string][]fetch.Thing{
			"x": {{Kind: "more", Data: fetch.CommentData{Children: []string{"x"}}}},
		},
	}
	w := newTimelineWorker(fetcher, newFakeTimelineStore(), time.Now())

	comments, err := w.expandComments(context.Background(), "p1")
	require.NoError(t, err)
	require.Empty(t, comments)
	require.Equal(t, 10, fetcher.moreCalls)
}

func TestExpandCommentsBatchFailureIsSkip(t *testing.T) {
	t.Parallel()

	fetcher := &fakeTimelineFetcher{
		forests: map[string][]fetch.Thing{
			"p1": {
				{Kind: "t1", Data: fetch.CommentData{ID: "c1", ParentID: "t3_p1"}},
				{Kind: "more", Data: fetch.CommentData{Children: []string{"c2"}}},
			},
		},
		moreErr: harvest.ErrUnavailable,
	}
	w := newTimelineWorker(fetcher, newFakeTimelineStore(), time.Now())

	comments, err := w.expandComments(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, comments, 1, "the shallow forest survives a failed placeholder batch")
}

func TestFlattenCommentControversy(t *testing.T) {
	t.Parallel()

	c := flattenComment("p1", fetch.CommentData{ID: "c1", ParentID: "t1_c0", Score: 20, Ups: 9}, 100)
	require.True(t, c.Controversial, "high score with low upvote share")
	require.False(t, c.IsRoot)

	c = flattenComment("p1", fetch.CommentData{ID: "c2", ParentID: "t3_p1", Score: 20, Ups: 18}, 100)
	require.False(t, c.Controversial)
	require.True(t, c.IsRoot)

	c = flattenComment("p1", fetch.CommentData{ID: "c3", ParentID: "t3_p1", Controversiality: 1}, 100)
	require.True(t, c.Controversial)
}
