package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

func annotated() harvest.Annotation {
	analyzed := true
	return harvest.Annotation{
		HateSpeechAnalyzed:   &analyzed,
		HateSpeechResult:     &harvest.ModerationResult{Class: "normal", Confidence: 0.99, AnalyzedAt: 1000},
		HateSpeechUpdatedAt:  1000,
		HateSpeechEnqueuedAt: 900,
	}
}

func requireNoAnnotationKeys(t *testing.T, update bson.M) {
	t.Helper()
	for _, section := range update {
		doc, ok := section.(bson.M)
		require.True(t, ok)
		for _, field := range annotationFields {
			require.NotContains(t, doc, field)
		}
	}
}

func TestThreadUpdateArchivedIsMonotonic(t *testing.T) {
	t.Parallel()

	update := threadUpdate(harvest.Thread{Board: "pol", ThreadID: 123, Archived: false})
	require.NotContains(t, update["$set"], "archived")
	require.Equal(t, bson.M{"archived": false}, update["$max"])

	update = threadUpdate(harvest.Thread{Board: "pol", ThreadID: 123, Archived: true})
	require.Equal(t, bson.M{"archived": true}, update["$max"])
}

func TestBoardPostUpdateOmitsAnnotationFields(t *testing.T) {
	t.Parallel()

	p := harvest.Post{
		Board:      "pol",
		ThreadID:   123,
		No:         456,
		Comment:    "hello",
		Filename:   "cat",
		Ext:        ".jpg",
		ImageID:    1650000000123,
		MD5:        "abc=",
		FileSize:   2048,
		ReplyTo:    123,
		Annotation: annotated(),
	}
	update := boardPostUpdate(p)
	requireNoAnnotationKeys(t, update)

	set := update["$set"].(bson.M)
	require.Equal(t, "cat", set["filename"])
	require.NotContains(t, set, "replies", "aggregate counts belong to the OP row only")
	require.Equal(t, bson.M{"board": "pol", "thread_id": int64(123), "no": int64(456)}, update["$setOnInsert"])
}

func TestBoardPostUpdateOPCarriesAggregates(t *testing.T) {
	t.Parallel()

	op := harvest.Post{Board: "pol", ThreadID: 123, No: 123, ReplyTo: 0, Replies: 7, Images: 2, UniqueIPs: 5}
	set := boardPostUpdate(op)["$set"].(bson.M)
	require.Equal(t, 7, set["replies"])
	require.Equal(t, 2, set["images"])
	require.Equal(t, 5, set["unique_ips"])
}

func TestTimelinePostUpdateOmitsAnnotationFields(t *testing.T) {
	t.Parallel()

	p := harvest.TimelinePost{
		ID:               "abc",
		Title:            "t",
		Selftext:         "s",
		OriginalSelftext: "s",
		OriginalAuthor:   "u",
		History:          []harvest.Snapshot{{Timestamp: 1}},
		Annotation:       annotated(),
	}
	update := timelinePostUpdate(p)
	requireNoAnnotationKeys(t, update)

	set := update["$set"].(bson.M)
	require.Equal(t, "s", set["original_selftext"])
	require.Equal(t, bson.M{"id": "abc"}, update["$setOnInsert"])
}

func TestTimelinePostUpdateConsumesMarker(t *testing.T) {
	t.Parallel()

	update := timelinePostUpdate(harvest.TimelinePost{ID: "abc"})
	require.Equal(t, bson.M{"enqueued_at": ""}, update["$unset"])
	require.NotContains(t, update["$set"], "enqueued_at")

	update = timelinePostUpdate(harvest.TimelinePost{ID: "abc", EnqueuedAt: 500})
	require.NotContains(t, update, "$unset")
	require.Equal(t, int64(500), update["$set"].(bson.M)["enqueued_at"])
}

func TestCommentUpdateOmitsAnnotationFields(t *testing.T) {
	t.Parallel()

	c := harvest.Comment{ID: "c1", PostID: "abc", Body: "b", Annotation: annotated()}
	update := commentUpdate(c)
	requireNoAnnotationKeys(t, update)
	require.Equal(t, bson.M{"id": "c1"}, update["$setOnInsert"])
}

func TestBoardContentIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := boardContentID("pol", 456)
	require.Equal(t, "pol/456", id)

	board, no, err := parseBoardContentID(id)
	require.NoError(t, err)
	require.Equal(t, "pol", board)
	require.Equal(t, int64(456), no)

	_, _, err = parseBoardContentID("nonsense")
	require.ErrorIs(t, err, harvest.ErrMalformed)
}
