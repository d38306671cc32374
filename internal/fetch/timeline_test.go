package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/metrics"
)

func authServer(t *testing.T, exchanges *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`)) //nolint:errcheck
	}))
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	t.Parallel()

	var exchanges atomic.Int32
	auth := authServer(t, &exchanges)
	defer auth.Close()

	ts := NewTokenSource(auth.Client(), auth.URL, "client-id", "secret", "test-agent")

	for i := 0; i < 5; i++ {
		tok, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", tok)
	}
	require.Equal(t, int32(1), exchanges.Load())
}

func TestNewPostsWalksCursor(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var exchanges atomic.Int32
	auth := authServer(t, &exchanges)
	defer auth.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bearer tok-1", r.Header.Get("Authorization"))
		require.Equal(t, "/r/politics/new", r.URL.Path)

		after := r.URL.Query().Get("after")
		switch after {
		case "":
			w.Write([]byte(`{"data":{"children":[{"data":{"id":"p1","created_utc":2000}},{"data":{"id":"p2","created_utc":1900}}],"after":"cur1"}}`)) //nolint:errcheck
		case "cur1":
			w.Write([]byte(`{"data":{"children":[{"data":{"id":"p3","created_utc":1800}}],"after":""}}`)) //nolint:errcheck
		default:
			t.Fatalf("unexpected cursor %q", after)
		}
	}))
	defer srv.Close()

	ts := NewTokenSource(auth.Client(), auth.URL, "client-id", "secret", "test-agent")
	tc := NewTimelineClient(NewClient(srv.Client(), nil, fastPolicy(), nil), srv.URL, ts, "test-agent")

	posts, err := tc.NewPosts(context.Background(), "politics", 0)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	require.Equal(t, "p3", posts[2].ID)
}

func TestNewPostsStopsPastOldest(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var exchanges atomic.Int32
	auth := authServer(t, &exchanges)
	defer auth.Close()

	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		w.Write([]byte(`{"data":{"children":[{"data":{"id":"p1","created_utc":500}}],"after":"more"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	ts := NewTokenSource(auth.Client(), auth.URL, "client-id", "secret", "test-agent")
	tc := NewTimelineClient(NewClient(srv.Client(), nil, fastPolicy(), nil), srv.URL, ts, "test-agent")

	posts, err := tc.NewPosts(context.Background(), "politics", 1000)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, int32(1), pages.Load(), "listing walk must stop once posts predate the window")
}

func TestCommentsReturnsForest(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var exchanges atomic.Int32
	auth := authServer(t, &exchanges)
	defer auth.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/comments/p1", r.URL.Path)
		w.Write([]byte(`[
			{"data":{"children":[{"kind":"t3","data":{"id":"p1"}}]}},
			{"data":{"children":[
				{"kind":"t1","data":{"id":"c1","parent_id":"t3_p1","body":"root","edited":false}},
				{"kind":"more","data":{"children":["c2","c3"]}}
			]}}
		]`)) //nolint:errcheck
	}))
	defer srv.Close()

	ts := NewTokenSource(auth.Client(), auth.URL, "client-id", "secret", "test-agent")
	tc := NewTimelineClient(NewClient(srv.Client(), nil, fastPolicy(), nil), srv.URL, ts, "test-agent")

	forest, err := tc.Comments(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, forest, 2)
	require.Equal(t, "t1", forest[0].Kind)
	require.False(t, bool(forest[0].Data.Edited))
	require.Equal(t, "more", forest[1].Kind)
	require.Equal(t, []string{"c2", "c3"}, forest[1].Data.Children)
}

func TestMoreChildrenPostsBatch(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var exchanges atomic.Int32
	auth := authServer(t, &exchanges)
	defer auth.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "t3_p1", r.PostForm.Get("link_id"))
		require.Equal(t, "c2,c3", r.PostForm.Get("children"))
		w.Write([]byte(`{"json":{"data":{"things":[
			{"kind":"t1","data":{"id":"c2","parent_id":"t1_c1","body":"leaf","edited":1650000000}}
		]}}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	ts := NewTokenSource(auth.Client(), auth.URL, "client-id", "secret", "test-agent")
	tc := NewTimelineClient(NewClient(srv.Client(), nil, fastPolicy(), nil), srv.URL, ts, "test-agent")

	things, err := tc.MoreChildren(context.Background(), "p1", []string{"c2", "c3"})
	require.NoError(t, err)
	require.Len(t, things, 1)
	require.Equal(t, "c2", things[0].Data.ID)
	require.True(t, bool(things[0].Data.Edited), "numeric edited timestamp decodes as true")
}

func TestEditedDecode(t *testing.T) {
	t.Parallel()

	var c CommentData
	require.NoError(t, json.Unmarshal([]byte(`{"edited":false}`), &c))
	require.False(t, bool(c.Edited))
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprintf(`{"edited":%d}`, 1650000000)), &c))
	require.True(t, bool(c.Edited))
}
