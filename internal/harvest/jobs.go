package harvest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Named queues. Each job type has a home queue so worker concurrency can be
// tuned per source.
const (
	QueueBoardThreads    = "board_threads"
	QueueTimelineRefresh = "timeline_refresh"
	QueueAnnotations     = "annotations"
)

// Job type tags.
const (
	JobTypeFetchThread   = "fetch_thread"
	JobTypeRefreshWindow = "refresh_window"
	JobTypeRefreshPosts  = "refresh_posts"
	JobTypeAnnotate      = "annotate"
)

// Job is the unit of work exchanged through the queue. Args is an opaque
// JSON payload decoded by the handler registered for Type.
type Job struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Args       json.RawMessage   `json:"args"`
	Retry      int               `json:"retry"`
	ReserveFor time.Duration     `json:"reserve_for"`
	EnqueuedAt int64             `json:"enqueued_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DecodeArgs unmarshals the job payload into the handler's argument struct.
func (j Job) DecodeArgs(v any) error {
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("decode %s args: %w", j.Type, ErrMalformed)
	}
	return nil
}

// FetchThreadArgs targets one board thread snapshot.
type FetchThreadArgs struct {
	Board    string `json:"board"`
	ThreadID int64  `json:"thread_id"`
}

// RefreshWindowArgs targets one community time chunk, [Start, End) in unix
// seconds.
type RefreshWindowArgs struct {
	Subreddit string `json:"subreddit"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// RefreshPostsArgs re-fetches a batch of already-stored timeline posts by id.
type RefreshPostsArgs struct {
	Subreddit string   `json:"subreddit"`
	PostIDs   []string `json:"post_ids"`
}

// Content kinds accepted by annotation jobs.
const (
	ContentTimelinePost = "timeline_post"
	ContentComment      = "comment"
	ContentBoardPost    = "board_post"
)

// AnnotateArgs targets one piece of content for moderation classification.
type AnnotateArgs struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
}
