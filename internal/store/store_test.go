package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func indexKeys(t *testing.T, models []mongo.IndexModel) []string {
	t.Helper()
	var keys []string
	for _, m := range models {
		doc, ok := m.Keys.(bson.D)
		require.True(t, ok)
		key := ""
		for _, e := range doc {
			if key != "" {
				key += "+"
			}
			key += e.Key
		}
		keys = append(keys, key)
	}
	return keys
}

func TestIndexSpecsCoverQueryPaths(t *testing.T) {
	t.Parallel()

	specs := indexSpecs()
	require.Len(t, specs, 4)

	require.ElementsMatch(t, []string{
		"board+thread_id",
		"board+archived",
		"last_modified",
	}, indexKeys(t, specs["threads"]))

	require.ElementsMatch(t, []string{
		"board+thread_id+no",
		"hate_speech_analyzed",
		"hate_speech_enqueued_at",
	}, indexKeys(t, specs["board_posts"]))

	require.ElementsMatch(t, []string{
		"id",
		"subreddit+created",
		"last_updated",
		"enqueued_at",
		"hate_speech_analyzed",
		"hate_speech_enqueued_at",
	}, indexKeys(t, specs["timeline_posts"]))

	require.ElementsMatch(t, []string{
		"id",
		"post_id",
		"hate_speech_analyzed",
		"hate_speech_enqueued_at",
	}, indexKeys(t, specs["comments"]))
}

func TestIndexSpecsIdentityKeysAreUnique(t *testing.T) {
	t.Parallel()

	unique := func(m mongo.IndexModel) bool {
		return m.Options != nil && m.Options.Unique != nil && *m.Options.Unique
	}

	for role, models := range indexSpecs() {
		count := 0
		for _, m := range models {
			if unique(m) {
				count++
			}
		}
		require.Equal(t, 1, count, "collection %s must have exactly one identity index", role)
	}
}
