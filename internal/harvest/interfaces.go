package harvest

import (
	"context"
	"time"
)

// Queue is the durable job queue boundary. Delivery is at-least-once: a job
// whose handler returns an error (or whose worker dies) is redelivered after
// its reservation lapses, so handlers must be idempotent.
type Queue interface {
	Push(ctx context.Context, queue string, job Job) error
	PushBulk(ctx context.Context, queue string, jobs []Job) error

	// Consume blocks, dispatching deliveries on the named queue to the
	// handler registered for each job type, with the given bounded
	// concurrency. A nil handler error acknowledges the job.
	Consume(ctx context.Context, queue string, concurrency int, handlers map[string]Handler) error

	Close() error
}

// Handler processes one delivered job.
type Handler func(ctx context.Context, job Job) error

// ThreadStore persists board-source documents.
type ThreadStore interface {
	// GetThread returns the stored thread, or ok=false when none exists.
	GetThread(ctx context.Context, key ThreadKey) (Thread, bool, error)

	// UpsertThread replaces-or-inserts the thread document. The archived
	// flag is monotonic: a stored true is never reset by the write.
	UpsertThread(ctx context.Context, t Thread) error

	// BulkUpsertPosts applies unordered idempotent upserts keyed by
	// (board, thread_id, no), leaving annotation fields untouched.
	BulkUpsertPosts(ctx context.Context, posts []Post) error
}

// TimelineStore persists social-source documents.
type TimelineStore interface {
	// GetPost returns the stored post, or ok=false when none exists.
	GetPost(ctx context.Context, id string) (TimelinePost, bool, error)

	UpsertPost(ctx context.Context, p TimelinePost) error

	// BulkUpsertComments applies unordered idempotent upserts keyed by id,
	// leaving annotation fields untouched.
	BulkUpsertComments(ctx context.Context, comments []Comment) error

	// RefreshCandidates returns ids of stored posts in [start, end) whose
	// last_updated predates cutoff (or is missing), skipping posts carrying
	// an enqueue marker newer than staleBefore.
	RefreshCandidates(ctx context.Context, subreddit string, start, end, cutoff, staleBefore int64) ([]string, error)

	// MarkEnqueued stamps the refresh cool-down marker on the given posts.
	MarkEnqueued(ctx context.Context, ids []string, at int64) error
}

// AnnotationStore is the analysis subsystem's view of the document store.
type AnnotationStore interface {
	// UnanalyzedContent selects content with no verdict and no fresh
	// enqueue marker, and stamps the marker in the same pass.
	UnanalyzedContent(ctx context.Context, contentType string, limit int, now, staleBefore int64) ([]string, error)

	// ContentText returns the body to classify, or ok=false when the
	// content no longer exists.
	ContentText(ctx context.Context, contentType, id string) (string, bool, error)

	SaveAnnotation(ctx context.Context, contentType, id string, res ModerationResult) error
}

// BlobStore writes binary artifacts (mirrored media) and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Moderator is the third-party moderation classifier.
type Moderator interface {
	// Classify returns ok=false when the text is empty or a deletion
	// placeholder and no verdict applies.
	Classify(ctx context.Context, text string) (ModerationResult, bool, error)
}

// Clock returns the current time; injected for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}
