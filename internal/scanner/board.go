// Package scanner decides what to crawl next: which board threads are due
// for a re-fetch and which timeline windows and posts need refreshing. It
// produces targets only; turning them into queued jobs is the producer's job.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// courtesyFloor is the minimum spacing between catalog polls of one board.
// It is tracked in memory only; a restart may poll immediately, and the
// store's staleness checks stay authoritative.
const courtesyFloor = time.Second

// Update tiers by content age, measured from the catalog's last_modified.
// Recently active threads move fast and get rescanned often; quiet ones
// settle down.
const (
	tierYoung  = 60 * time.Second
	tierMature = 180 * time.Second
	tierOld    = 300 * time.Second

	youngAge  = time.Hour
	matureAge = 24 * time.Hour
)

// CatalogFetcher supplies one board's catalog.
type CatalogFetcher interface {
	Catalog(ctx context.Context, board string) ([]fetch.CatalogThread, error)
}

// BoardScanner walks board catalogs and selects the threads worth fetching.
type BoardScanner struct {
	catalogs CatalogFetcher
	threads  harvest.ThreadStore
	clock    harvest.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	lastPoll map[string]time.Time
}

// NewBoardScanner builds a BoardScanner.
func NewBoardScanner(catalogs CatalogFetcher, threads harvest.ThreadStore, clock harvest.Clock, logger *zap.Logger) *BoardScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoardScanner{
		catalogs: catalogs,
		threads:  threads,
		clock:    clock,
		logger:   logger,
		lastPoll: make(map[string]time.Time),
	}
}

// ShouldUpdate reports whether a catalog entry warrants a thread fetch given
// what is already stored. Unknown threads and threads the catalog reports as
// modified are always due. A thread past the archive age gets one final
// fetch before its stored archived flag retires it for good.
func ShouldUpdate(cat fetch.CatalogThread, stored harvest.Thread, found bool, now time.Time) bool {
	if !found {
		return true
	}
	if stored.Archived {
		return false
	}
	if cat.LastModified > stored.LastModified {
		return true
	}
	if harvest.Archived(stored.CreatedTime, now) {
		return true
	}

	// Tier on how long ago the thread last saw activity, not on how old
	// the thread is. An old thread that is still being replied to keeps
	// the fast rescan cadence.
	age := time.Duration(now.Unix()-cat.LastModified) * time.Second
	tier := tierOld
	switch {
	case age < youngAge:
		tier = tierYoung
	case age < matureAge:
		tier = tierMature
	}
	return time.Duration(now.Unix()-stored.UpdatedAt)*time.Second >= tier
}

// waitCourtesy blocks until the board may be polled again.
func (s *BoardScanner) waitCourtesy(ctx context.Context, board string) error {
	s.mu.Lock()
	last, ok := s.lastPoll[board]
	now := s.clock.Now()
	s.lastPoll[board] = now
	s.mu.Unlock()

	if !ok {
		return nil
	}
	remaining := courtesyFloor - now.Sub(last)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan polls one board's catalog and returns the keys of threads due for a
// fetch. A store read failure for a single thread skips that thread rather
// than aborting the scan.
func (s *BoardScanner) Scan(ctx context.Context, board string) ([]harvest.ThreadKey, error) {
	if err := s.waitCourtesy(ctx, board); err != nil {
		return nil, err
	}

	catalog, err := s.catalogs.Catalog(ctx, board)
	if err != nil {
		return nil, fmt.Errorf("scan board %s: %w", board, err)
	}

	now := s.clock.Now()
	var due []harvest.ThreadKey
	for _, cat := range catalog {
		key := harvest.ThreadKey{Board: board, ThreadID: cat.No}
		stored, found, err := s.threads.GetThread(ctx, key)
		if err != nil {
			s.logger.Warn("skipping thread on store read failure",
				zap.String("board", board),
				zap.Int64("thread_id", cat.No),
				zap.Error(err))
			metrics.ObserveSkip(fetch.SourceBoard, "store_read")
			continue
		}
		if ShouldUpdate(cat, stored, found, now) {
			due = append(due, key)
		} else {
			metrics.ObserveSkip(fetch.SourceBoard, "fresh")
		}
	}

	s.logger.Debug("board scan complete",
		zap.String("board", board),
		zap.Int("catalog_size", len(catalog)),
		zap.Int("due", len(due)))
	return due, nil
}
