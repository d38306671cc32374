package harvest

import "time"

// ArchiveThreshold is the age past which a board thread is considered
// archived. Archived threads receive one final update and then drop out of
// normal catalog rescheduling.
const ArchiveThreshold = 48 * time.Hour

// Archived reports whether a thread whose original post was written at
// opTime (unix seconds) has crossed the archive threshold.
func Archived(opTime int64, now time.Time) bool {
	return now.Unix()-opTime > int64(ArchiveThreshold/time.Second)
}

// ApplySnapshot folds a freshly fetched timeline post over what is already
// stored. It appends one history entry (bounded to HistoryLimit), carries the
// write-once original content fields forward, and preserves annotation
// fields, which the crawl subsystem never computes.
func ApplySnapshot(fresh TimelinePost, existing *TimelinePost, now int64) TimelinePost {
	out := fresh
	out.LastUpdated = now

	entry := Snapshot{
		Timestamp:   now,
		Score:       fresh.Score,
		NumComments: fresh.NumComments,
		UpvoteRatio: fresh.UpvoteRatio,
		Removed:     fresh.Removed,
		Deleted:     fresh.Deleted,
	}

	if existing == nil {
		out.History = []Snapshot{entry}
		out.OriginalSelftext = fresh.Selftext
		out.OriginalAuthor = fresh.Author
		return out
	}

	history := existing.History
	if len(history) > HistoryLimit-1 {
		history = history[len(history)-(HistoryLimit-1):]
	}
	out.History = append(append([]Snapshot(nil), history...), entry)

	// First-sight capture wins; a deleted author or blanked body never
	// replaces what was stored.
	out.OriginalSelftext = existing.OriginalSelftext
	out.OriginalAuthor = existing.OriginalAuthor
	if out.OriginalSelftext == "" && !fresh.Removed && !fresh.Deleted {
		out.OriginalSelftext = fresh.Selftext
	}
	if out.OriginalAuthor == "" && !fresh.Deleted {
		out.OriginalAuthor = fresh.Author
	}

	out.Annotation = existing.Annotation
	out.EnqueuedAt = existing.EnqueuedAt
	return out
}

// Controversial derives the comment controversy flag from the source
// counters: either the source marked it, or a high-score comment has a low
// upvote share.
func Controversial(controversiality, score, ups int) bool {
	if controversiality > 0 {
		return true
	}
	return score > 10 && float64(ups)/float64(score) < 0.6
}

// TallyComments recomputes the per-post comment aggregates from one full
// tree fetch.
func TallyComments(comments []Comment, now int64) CommentStats {
	stats := CommentStats{LastUpdated: now}
	for _, c := range comments {
		stats.TotalComments++
		stats.TotalScore += c.Score
		if c.IsRoot {
			stats.RootComments++
		}
		if c.Depth > stats.MaxDepth {
			stats.MaxDepth = c.Depth
		}
		if c.Deleted {
			stats.DeletedComments++
		}
		if c.Removed {
			stats.RemovedComments++
		}
		if c.Controversial {
			stats.ControversialComments++
		}
	}
	if stats.TotalComments > 0 {
		stats.AverageScore = float64(stats.TotalScore) / float64(stats.TotalComments)
		// Removed counts toward the rate too: either way the body is gone.
		stats.DeletionRate = float64(stats.DeletedComments+stats.RemovedComments) / float64(stats.TotalComments)
	}
	return stats
}
