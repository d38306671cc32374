package harvest

// Thread is the per-thread document for the board source, keyed by
// (board, thread_id). It is created on first fetch and rewritten on every
// re-fetch; the aggregate fields are always recomputed from the full post set
// of that fetch, never incremented.
type Thread struct {
	Board        string `bson:"board" json:"board"`
	ThreadID     int64  `bson:"thread_id" json:"thread_id"`
	Subject      string `bson:"subject" json:"subject"`
	CreatedTime  int64  `bson:"created_time" json:"created_time"`
	LastModified int64  `bson:"last_modified" json:"last_modified"`
	ReplyCount   int    `bson:"reply_count" json:"reply_count"`
	ImageCount   int    `bson:"image_count" json:"image_count"`
	Archived     bool   `bson:"archived" json:"archived"`
	Sticky       bool   `bson:"sticky" json:"sticky"`
	Closed       bool   `bson:"closed" json:"closed"`
	UpdatedAt    int64  `bson:"updated_at" json:"updated_at"`
}

// Key identifies the thread document.
func (t Thread) Key() ThreadKey {
	return ThreadKey{Board: t.Board, ThreadID: t.ThreadID}
}

// ThreadKey is the unique identity of a board thread.
type ThreadKey struct {
	Board    string `bson:"board" json:"board"`
	ThreadID int64  `bson:"thread_id" json:"thread_id"`
}

// Post is a single board post, keyed by (board, thread_id, no). The
// HateSpeech* fields are owned by the annotation subsystem: the crawl worker
// never writes them and the upsert layer must leave stored values untouched
// when re-applying a fetched snapshot.
type Post struct {
	Board        string `bson:"board" json:"board"`
	ThreadID     int64  `bson:"thread_id" json:"thread_id"`
	No           int64  `bson:"no" json:"no"`
	Time         int64  `bson:"time" json:"time"`
	Name         string `bson:"name" json:"name"`
	Comment      string `bson:"com" json:"com"`
	Subject      string `bson:"sub,omitempty" json:"sub,omitempty"`
	Filename     string `bson:"filename,omitempty" json:"filename,omitempty"`
	Ext          string `bson:"ext,omitempty" json:"ext,omitempty"`
	ImageID      int64  `bson:"tim,omitempty" json:"tim,omitempty"`
	MD5          string `bson:"md5,omitempty" json:"md5,omitempty"`
	FileSize     int64  `bson:"fsize,omitempty" json:"fsize,omitempty"`
	ReplyTo      int64  `bson:"resto" json:"resto"`
	Capcode      string `bson:"capcode,omitempty" json:"capcode,omitempty"`
	Replies      int    `bson:"replies,omitempty" json:"replies,omitempty"`
	Images       int    `bson:"images,omitempty" json:"images,omitempty"`
	UniqueIPs    int    `bson:"unique_ips,omitempty" json:"unique_ips,omitempty"`
	Sticky       bool   `bson:"sticky,omitempty" json:"sticky,omitempty"`
	Closed       bool   `bson:"closed,omitempty" json:"closed,omitempty"`
	LastModified int64  `bson:"last_modified" json:"last_modified"`

	// Media mirror metadata, set only when the blob copy succeeded.
	MediaPath string `bson:"media_path,omitempty" json:"media_path,omitempty"`
	LocalMD5  string `bson:"local_md5,omitempty" json:"local_md5,omitempty"`

	Annotation
}

// TimelinePost is the per-post document for the social-news source, keyed by
// the source id. OriginalSelftext and OriginalAuthor are captured on first
// sight and never overwritten, so content survives later deletion or removal.
type TimelinePost struct {
	ID          string  `bson:"id" json:"id"`
	Created     int64   `bson:"created" json:"created"`
	Subreddit   string  `bson:"subreddit" json:"subreddit"`
	Title       string  `bson:"title" json:"title"`
	Selftext    string  `bson:"selftext" json:"selftext"`
	URL         string  `bson:"url" json:"url"`
	Permalink   string  `bson:"permalink" json:"permalink"`
	Domain      string  `bson:"domain" json:"domain"`
	Author      string  `bson:"author" json:"author"`
	Score       int     `bson:"score" json:"score"`
	NumComments int     `bson:"num_comments" json:"num_comments"`
	UpvoteRatio float64 `bson:"upvote_ratio" json:"upvote_ratio"`
	Removed     bool    `bson:"removed" json:"removed"`
	Deleted     bool    `bson:"deleted" json:"deleted"`
	IsSelf      bool    `bson:"is_self" json:"is_self"`
	IsVideo     bool    `bson:"is_video" json:"is_video"`
	Over18      bool    `bson:"over_18" json:"over_18"`
	Spoiler     bool    `bson:"spoiler" json:"spoiler"`
	Stickied    bool    `bson:"stickied" json:"stickied"`
	LastUpdated int64   `bson:"last_updated" json:"last_updated"`

	History          []Snapshot    `bson:"history" json:"history"`
	OriginalSelftext string        `bson:"original_selftext" json:"original_selftext"`
	OriginalAuthor   string        `bson:"original_author" json:"original_author"`
	CommentStats     *CommentStats `bson:"comment_stats,omitempty" json:"comment_stats,omitempty"`

	// EnqueuedAt is the refresh cool-down marker set by the producer before a
	// refresh job is pushed. A marker older than an hour is treated as lost.
	EnqueuedAt int64 `bson:"enqueued_at,omitempty" json:"enqueued_at,omitempty"`

	Annotation
}

// Snapshot is one entry of a timeline post's bounded mutation history.
type Snapshot struct {
	Timestamp   int64   `bson:"timestamp" json:"timestamp"`
	Score       int     `bson:"score" json:"score"`
	NumComments int     `bson:"num_comments" json:"num_comments"`
	UpvoteRatio float64 `bson:"upvote_ratio" json:"upvote_ratio"`
	Removed     bool    `bson:"removed" json:"removed"`
	Deleted     bool    `bson:"deleted" json:"deleted"`
}

// HistoryLimit bounds the snapshot history kept on a timeline post.
const HistoryLimit = 10

// Comment is a flattened comment document, keyed by the source id. Tree
// position is recorded (parent, depth) but identity alone drives upserts.
type Comment struct {
	ID               string `bson:"id" json:"id"`
	PostID           string `bson:"post_id" json:"post_id"`
	ParentID         string `bson:"parent_id" json:"parent_id"`
	Author           string `bson:"author" json:"author"`
	Body             string `bson:"body" json:"body"`
	CreatedUTC       int64  `bson:"created_utc" json:"created_utc"`
	Score            int    `bson:"score" json:"score"`
	Edited           bool   `bson:"edited" json:"edited"`
	Removed          bool   `bson:"removed" json:"removed"`
	Deleted          bool   `bson:"deleted" json:"deleted"`
	IsRoot           bool   `bson:"is_root" json:"is_root"`
	Depth            int    `bson:"depth" json:"depth"`
	Distinguished    string `bson:"distinguished,omitempty" json:"distinguished,omitempty"`
	Controversiality int    `bson:"controversiality" json:"controversiality"`
	Controversial    bool   `bson:"controversial" json:"controversial"`
	LastUpdated      int64  `bson:"last_updated" json:"last_updated"`

	Annotation
}

// CommentStats aggregates a single comment-tree fetch. Recomputed whole on
// every refresh.
type CommentStats struct {
	TotalComments         int     `bson:"total_comments" json:"total_comments"`
	RootComments          int     `bson:"root_comments" json:"root_comments"`
	MaxDepth              int     `bson:"max_depth" json:"max_depth"`
	DeletedComments       int     `bson:"deleted_comments" json:"deleted_comments"`
	RemovedComments       int     `bson:"removed_comments" json:"removed_comments"`
	ControversialComments int     `bson:"controversial_comments" json:"controversial_comments"`
	TotalScore            int     `bson:"total_score" json:"total_score"`
	AverageScore          float64 `bson:"average_score,omitempty" json:"average_score,omitempty"`
	DeletionRate          float64 `bson:"deletion_rate,omitempty" json:"deletion_rate,omitempty"`
	LastUpdated           int64   `bson:"last_updated" json:"last_updated"`
}

// Annotation carries the moderation-classifier fields shared by posts and
// comments. Write-once-by-owner: only the annotation subsystem sets them.
type Annotation struct {
	HateSpeechAnalyzed   *bool             `bson:"hate_speech_analyzed,omitempty" json:"hate_speech_analyzed,omitempty"`
	HateSpeechResult     *ModerationResult `bson:"hate_speech_result,omitempty" json:"hate_speech_result,omitempty"`
	HateSpeechUpdatedAt  int64             `bson:"hate_speech_updated_at,omitempty" json:"hate_speech_updated_at,omitempty"`
	HateSpeechEnqueuedAt int64             `bson:"hate_speech_enqueued_at,omitempty" json:"hate_speech_enqueued_at,omitempty"`
}

// ModerationResult is the classifier verdict for one piece of content.
type ModerationResult struct {
	Class      string  `bson:"class" json:"class"`
	Confidence float64 `bson:"confidence" json:"confidence"`
	AnalyzedAt int64   `bson:"analyzed_at" json:"analyzed_at"`
}
