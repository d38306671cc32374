// Package store persists harvested documents in MongoDB. Board and timeline
// sources live in separate databases; every write is an idempotent upsert so
// redelivered jobs converge instead of duplicating.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

const connectTimeout = 10 * time.Second

// Store implements the ThreadStore, TimelineStore and AnnotationStore
// boundaries on one Mongo connection.
type Store struct {
	client *mongo.Client
	logger *zap.Logger

	threads       *mongo.Collection
	boardPosts    *mongo.Collection
	timelinePosts *mongo.Collection
	comments      *mongo.Collection
}

var (
	_ harvest.ThreadStore     = (*Store)(nil)
	_ harvest.TimelineStore   = (*Store)(nil)
	_ harvest.AnnotationStore = (*Store)(nil)
)

// Connect dials Mongo, retrying the initial ping so the process survives a
// database that comes up after it does.
func Connect(ctx context.Context, uri, boardDB, timelineDB string, retries int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	for attempt := 0; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err == nil {
			break
		}
		if attempt >= retries {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo after %d attempts: %v: %w", attempt+1, err, harvest.ErrStoreUnavailable)
		}
		logger.Warn("mongo not reachable yet, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-time.After(time.Duration(attempt+1) * time.Second):
		case <-ctx.Done():
			_ = client.Disconnect(context.Background())
			return nil, ctx.Err()
		}
	}

	board := client.Database(boardDB)
	timeline := client.Database(timelineDB)
	return &Store{
		client:        client,
		logger:        logger,
		threads:       board.Collection("threads"),
		boardPosts:    board.Collection("posts"),
		timelinePosts: timeline.Collection("posts"),
		comments:      timeline.Collection("comments"),
	}, nil
}

// indexSpecs lists the indexes each collection needs, keyed by role. Beyond
// the identity keys, every field the scanners and enqueuers range over gets
// its own index: thread change detection reads last_modified, refresh
// candidate selection reads last_updated and enqueued_at, and annotation
// candidate selection reads hate_speech_analyzed and hate_speech_enqueued_at.
func indexSpecs() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		"threads": {
			{Keys: bson.D{{Key: "board", Value: 1}, {Key: "thread_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "board", Value: 1}, {Key: "archived", Value: 1}}},
			{Keys: bson.D{{Key: "last_modified", Value: 1}}},
		},
		"board_posts": {
			{Keys: bson.D{{Key: "board", Value: 1}, {Key: "thread_id", Value: 1}, {Key: "no", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "hate_speech_analyzed", Value: 1}}},
			{Keys: bson.D{{Key: "hate_speech_enqueued_at", Value: 1}}},
		},
		"timeline_posts": {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "subreddit", Value: 1}, {Key: "created", Value: 1}}},
			{Keys: bson.D{{Key: "last_updated", Value: 1}}},
			{Keys: bson.D{{Key: "enqueued_at", Value: 1}}},
			{Keys: bson.D{{Key: "hate_speech_analyzed", Value: 1}}},
			{Keys: bson.D{{Key: "hate_speech_enqueued_at", Value: 1}}},
		},
		"comments": {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "post_id", Value: 1}}},
			{Keys: bson.D{{Key: "hate_speech_analyzed", Value: 1}}},
			{Keys: bson.D{{Key: "hate_speech_enqueued_at", Value: 1}}},
		},
	}
}

// EnsureIndexes creates the indexes every query path depends on. Safe to call
// on every startup; existing indexes are left alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := indexSpecs()
	colls := map[string]*mongo.Collection{
		"threads":        s.threads,
		"board_posts":    s.boardPosts,
		"timeline_posts": s.timelinePosts,
		"comments":       s.comments,
	}

	for role, coll := range colls {
		if _, err := coll.Indexes().CreateMany(ctx, specs[role]); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// storeErr tags a driver failure with the transient sentinel so handlers
// nack for redelivery instead of dropping the job.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, harvest.ErrStoreUnavailable)
}
