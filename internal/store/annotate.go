package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// Board post content ids are "board/no", since a post number is only unique
// within its board.
func boardContentID(board string, no int64) string {
	return board + "/" + strconv.FormatInt(no, 10)
}

func parseBoardContentID(id string) (string, int64, error) {
	board, noStr, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("board content id %q: %w", id, harvest.ErrMalformed)
	}
	no, err := strconv.ParseInt(noStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("board content id %q: %w", id, harvest.ErrMalformed)
	}
	return board, no, nil
}

func (s *Store) contentCollection(contentType string) (*mongo.Collection, error) {
	switch contentType {
	case harvest.ContentTimelinePost:
		return s.timelinePosts, nil
	case harvest.ContentComment:
		return s.comments, nil
	case harvest.ContentBoardPost:
		return s.boardPosts, nil
	default:
		return nil, fmt.Errorf("content type %q: %w", contentType, harvest.ErrMalformed)
	}
}

func contentFilter(contentType, id string) (bson.M, error) {
	if contentType == harvest.ContentBoardPost {
		board, no, err := parseBoardContentID(id)
		if err != nil {
			return nil, err
		}
		return bson.M{"board": board, "no": no}, nil
	}
	return bson.M{"id": id}, nil
}

// UnanalyzedContent selects up to limit documents with no verdict and no
// fresh enqueue marker, stamping the marker on everything it returns so
// overlapping producer cycles do not double-enqueue.
func (s *Store) UnanalyzedContent(ctx context.Context, contentType string, limit int, now, staleBefore int64) ([]string, error) {
	coll, err := s.contentCollection(contentType)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"hate_speech_analyzed": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"hate_speech_enqueued_at": bson.M{"$lt": staleBefore}},
			bson.M{"hate_speech_enqueued_at": bson.M{"$exists": false}},
		},
	}

	cur, err := coll.Find(ctx, filter, options.Find().
		SetLimit(int64(limit)).
		SetProjection(bson.M{"id": 1, "board": 1, "no": 1}))
	if err != nil {
		return nil, storeErr("find unanalyzed "+contentType, err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	var ids []string
	var filters bson.A
	for cur.Next(ctx) {
		var doc struct {
			ID    string `bson:"id"`
			Board string `bson:"board"`
			No    int64  `bson:"no"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, storeErr("decode unanalyzed "+contentType, err)
		}
		if contentType == harvest.ContentBoardPost {
			ids = append(ids, boardContentID(doc.Board, doc.No))
			filters = append(filters, bson.M{"board": doc.Board, "no": doc.No})
		} else {
			ids = append(ids, doc.ID)
			filters = append(filters, bson.M{"id": doc.ID})
		}
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("unanalyzed cursor "+contentType, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = coll.UpdateMany(ctx, bson.M{"$or": filters},
		bson.M{"$set": bson.M{"hate_speech_enqueued_at": now}})
	if err != nil {
		return nil, storeErr("mark unanalyzed enqueued "+contentType, err)
	}
	return ids, nil
}

// ContentText returns the text the classifier should see, ok=false when the
// document is gone.
func (s *Store) ContentText(ctx context.Context, contentType, id string) (string, bool, error) {
	coll, err := s.contentCollection(contentType)
	if err != nil {
		return "", false, err
	}
	filter, err := contentFilter(contentType, id)
	if err != nil {
		return "", false, err
	}

	var doc struct {
		Title    string `bson:"title"`
		Selftext string `bson:"selftext"`
		Body     string `bson:"body"`
		Com      string `bson:"com"`
	}
	err = coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("get content "+contentType+" "+id, err)
	}

	switch contentType {
	case harvest.ContentTimelinePost:
		if doc.Selftext == "" {
			return doc.Title, true, nil
		}
		return doc.Title + "\n\n" + doc.Selftext, true, nil
	case harvest.ContentComment:
		return doc.Body, true, nil
	default:
		return doc.Com, true, nil
	}
}

// SaveAnnotation records the verdict and consumes the enqueue marker.
func (s *Store) SaveAnnotation(ctx context.Context, contentType, id string, res harvest.ModerationResult) error {
	coll, err := s.contentCollection(contentType)
	if err != nil {
		return err
	}
	filter, err := contentFilter(contentType, id)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"hate_speech_analyzed":   true,
			"hate_speech_result":     res,
			"hate_speech_updated_at": res.AnalyzedAt,
		},
		"$unset": bson.M{"hate_speech_enqueued_at": ""},
	}
	if _, err := coll.UpdateOne(ctx, filter, update); err != nil {
		return storeErr("save annotation "+contentType+" "+id, err)
	}
	return nil
}
