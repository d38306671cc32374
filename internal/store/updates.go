package store

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// Update documents are built field by field instead of marshalling the whole
// struct: the annotation fields are owned by the analysis subsystem and must
// never appear in a crawl-side $set, or a concurrent verdict write would be
// clobbered.

func threadUpdate(t harvest.Thread) bson.M {
	return bson.M{
		"$set": bson.M{
			"subject":       t.Subject,
			"created_time":  t.CreatedTime,
			"last_modified": t.LastModified,
			"reply_count":   t.ReplyCount,
			"image_count":   t.ImageCount,
			"sticky":        t.Sticky,
			"closed":        t.Closed,
			"updated_at":    t.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"board":     t.Board,
			"thread_id": t.ThreadID,
		},
		// In BSON true compares greater than false, so $max makes the
		// archived flag monotonic: once a thread is seen archived no later
		// write resets it.
		"$max": bson.M{
			"archived": t.Archived,
		},
	}
}

func boardPostUpdate(p harvest.Post) bson.M {
	set := bson.M{
		"time":          p.Time,
		"name":          p.Name,
		"com":           p.Comment,
		"resto":         p.ReplyTo,
		"last_modified": p.LastModified,
	}
	if p.Subject != "" {
		set["sub"] = p.Subject
	}
	if p.Filename != "" {
		set["filename"] = p.Filename
		set["ext"] = p.Ext
		set["tim"] = p.ImageID
		set["md5"] = p.MD5
		set["fsize"] = p.FileSize
	}
	if p.Capcode != "" {
		set["capcode"] = p.Capcode
	}
	if p.ReplyTo == 0 {
		set["replies"] = p.Replies
		set["images"] = p.Images
		set["unique_ips"] = p.UniqueIPs
		set["sticky"] = p.Sticky
		set["closed"] = p.Closed
	}
	if p.MediaPath != "" {
		set["media_path"] = p.MediaPath
		set["local_md5"] = p.LocalMD5
	}
	return bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"board":     p.Board,
			"thread_id": p.ThreadID,
			"no":        p.No,
		},
	}
}

func timelinePostUpdate(p harvest.TimelinePost) bson.M {
	set := bson.M{
		"created":           p.Created,
		"subreddit":         p.Subreddit,
		"title":             p.Title,
		"selftext":          p.Selftext,
		"url":               p.URL,
		"permalink":         p.Permalink,
		"domain":            p.Domain,
		"author":            p.Author,
		"score":             p.Score,
		"num_comments":      p.NumComments,
		"upvote_ratio":      p.UpvoteRatio,
		"removed":           p.Removed,
		"deleted":           p.Deleted,
		"is_self":           p.IsSelf,
		"is_video":          p.IsVideo,
		"over_18":           p.Over18,
		"spoiler":           p.Spoiler,
		"stickied":          p.Stickied,
		"last_updated":      p.LastUpdated,
		"history":           p.History,
		"original_selftext": p.OriginalSelftext,
		"original_author":   p.OriginalAuthor,
	}
	if p.CommentStats != nil {
		set["comment_stats"] = p.CommentStats
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"id": p.ID},
	}
	// A completed refresh consumes the cool-down marker.
	if p.EnqueuedAt == 0 {
		update["$unset"] = bson.M{"enqueued_at": ""}
	} else {
		set["enqueued_at"] = p.EnqueuedAt
	}
	return update
}

func commentUpdate(c harvest.Comment) bson.M {
	set := bson.M{
		"post_id":          c.PostID,
		"parent_id":        c.ParentID,
		"author":           c.Author,
		"body":             c.Body,
		"created_utc":      c.CreatedUTC,
		"score":            c.Score,
		"edited":           c.Edited,
		"removed":          c.Removed,
		"deleted":          c.Deleted,
		"is_root":          c.IsRoot,
		"depth":            c.Depth,
		"controversiality": c.Controversiality,
		"controversial":    c.Controversial,
		"last_updated":     c.LastUpdated,
	}
	if c.Distinguished != "" {
		set["distinguished"] = c.Distinguished
	}
	return bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"id": c.ID},
	}
}

// annotationFields is consulted by tests to guarantee the crawl-side update
// builders never touch analysis-owned keys.
var annotationFields = []string{
	"hate_speech_analyzed",
	"hate_speech_result",
	"hate_speech_updated_at",
	"hate_speech_enqueued_at",
}
