package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// markerTTL is how long a refresh enqueue marker is trusted. Posts whose
// marker is older than this are treated as lost and become candidates again.
const markerTTL = time.Hour

// Window is a half-open [Start, End) slice of the configured harvest range,
// in unix seconds.
type Window struct {
	Start int64
	End   int64
}

// Windows partitions [start, end) into fixed-size chunks. The final chunk is
// clamped to end.
func Windows(start, end time.Time, size time.Duration) []Window {
	if size <= 0 || !start.Before(end) {
		return nil
	}
	var out []Window
	for cur := start; cur.Before(end); cur = cur.Add(size) {
		stop := cur.Add(size)
		if stop.After(end) {
			stop = end
		}
		out = append(out, Window{Start: cur.Unix(), End: stop.Unix()})
	}
	return out
}

// Batch splits ids into groups of at most size.
func Batch(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// TimelineScanner selects stored posts due for a refresh.
type TimelineScanner struct {
	store  harvest.TimelineStore
	clock  harvest.Clock
	logger *zap.Logger
}

// NewTimelineScanner builds a TimelineScanner.
func NewTimelineScanner(store harvest.TimelineStore, clock harvest.Clock, logger *zap.Logger) *TimelineScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineScanner{store: store, clock: clock, logger: logger}
}

// StaleBatches returns refresh-candidate ids for one community, batched for
// job construction. Candidates are posts in [start, end) whose last refresh
// predates the interval and which carry no fresh enqueue marker.
func (s *TimelineScanner) StaleBatches(ctx context.Context, subreddit string, start, end int64, interval time.Duration, batchSize int) ([][]string, error) {
	now := s.clock.Now()
	cutoff := now.Add(-interval).Unix()
	staleBefore := now.Add(-markerTTL).Unix()

	ids, err := s.store.RefreshCandidates(ctx, subreddit, start, end, cutoff, staleBefore)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	s.logger.Debug("timeline scan complete",
		zap.String("subreddit", subreddit),
		zap.Int("stale", len(ids)))
	return Batch(ids, batchSize), nil
}
