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

// GetThread returns the stored thread document, ok=false when none exists.
func (s *Store) GetThread(ctx context.Context, key harvest.ThreadKey) (harvest.Thread, bool, error) {
	var t harvest.Thread
	err := s.threads.FindOne(ctx, bson.M{"board": key.Board, "thread_id": key.ThreadID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return harvest.Thread{}, false, nil
	}
	if err != nil {
		return harvest.Thread{}, false, storeErr(fmt.Sprintf("get thread %s/%d", key.Board, key.ThreadID), err)
	}
	return t, true, nil
}

// UpsertThread applies the thread snapshot. The archived flag only ever moves
// from false to true.
func (s *Store) UpsertThread(ctx context.Context, t harvest.Thread) error {
	filter := bson.M{"board": t.Board, "thread_id": t.ThreadID}
	_, err := s.threads.UpdateOne(ctx, filter, threadUpdate(t), options.Update().SetUpsert(true))
	if err != nil {
		return storeErr(fmt.Sprintf("upsert thread %s/%d", t.Board, t.ThreadID), err)
	}
	metrics.ObserveUpserts("threads", 1)
	return nil
}

// BulkUpsertPosts applies one unordered bulk write keyed by
// (board, thread_id, no). Annotation fields on already-stored posts are left
// untouched.
func (s *Store) BulkUpsertPosts(ctx context.Context, posts []harvest.Post) error {
	if len(posts) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(posts))
	for _, p := range posts {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"board": p.Board, "thread_id": p.ThreadID, "no": p.No}).
			SetUpdate(boardPostUpdate(p)).
			SetUpsert(true))
	}

	_, err := s.boardPosts.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return storeErr(fmt.Sprintf("bulk upsert %d posts", len(posts)), err)
	}
	metrics.ObserveUpserts("posts", len(posts))
	return nil
}
