package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// GetPost returns the stored timeline post, ok=false when none exists.
func (s *Store) GetPost(ctx context.Context, id string) (harvest.TimelinePost, bool, error) {
	var p harvest.TimelinePost
	err := s.timelinePosts.FindOne(ctx, bson.M{"id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return harvest.TimelinePost{}, false, nil
	}
	if err != nil {
		return harvest.TimelinePost{}, false, storeErr("get post "+id, err)
	}
	return p, true, nil
}

// UpsertPost applies the merged post document built by the worker.
func (s *Store) UpsertPost(ctx context.Context, p harvest.TimelinePost) error {
	_, err := s.timelinePosts.UpdateOne(ctx, bson.M{"id": p.ID}, timelinePostUpdate(p), options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("upsert post "+p.ID, err)
	}
	metrics.ObserveUpserts("timeline_posts", 1)
	return nil
}

// BulkUpsertComments applies one unordered bulk write keyed by id.
func (s *Store) BulkUpsertComments(ctx context.Context, comments []harvest.Comment) error {
	if len(comments) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(comments))
	for _, c := range comments {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"id": c.ID}).
			SetUpdate(commentUpdate(c)).
			SetUpsert(true))
	}

	_, err := s.comments.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return storeErr(fmt.Sprintf("bulk upsert %d comments", len(comments)), err)
	}
	metrics.ObserveUpserts("comments", len(comments))
	return nil
}

// RefreshCandidates selects stored posts in [start, end) that have gone
// stale, skipping those already carrying a fresh enqueue marker.
func (s *Store) RefreshCandidates(ctx context.Context, subreddit string, start, end, cutoff, staleBefore int64) ([]string, error) {
	filter := bson.M{
		"subreddit": subreddit,
		"created":   bson.M{"$gte": start, "$lt": end},
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"last_updated": bson.M{"$lt": cutoff}},
				bson.M{"last_updated": bson.M{"$exists": false}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"enqueued_at": bson.M{"$lt": staleBefore}},
				bson.M{"enqueued_at": bson.M{"$exists": false}},
			}},
		},
	}

	cur, err := s.timelinePosts.Find(ctx, filter, options.Find().SetProjection(bson.M{"id": 1}))
	if err != nil {
		return nil, storeErr("refresh candidates r/"+subreddit, err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, storeErr("decode candidate", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("refresh candidates cursor", err)
	}
	return ids, nil
}

// MarkEnqueued stamps the refresh cool-down marker before jobs are pushed,
// so a producer cycle racing the queue does not double-enqueue.
func (s *Store) MarkEnqueued(ctx context.Context, ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.timelinePosts.UpdateMany(ctx,
		bson.M{"id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"enqueued_at": at}})
	if err != nil {
		return storeErr(fmt.Sprintf("mark %d posts enqueued", len(ids)), err)
	}
	return nil
}
