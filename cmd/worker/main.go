// Command worker consumes fetch jobs from the queues and writes the results
// into the document store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datapipe-labs/harvester/internal/blobstore/gcs"
	"github.com/datapipe-labs/harvester/internal/blobstore/local"
	"github.com/datapipe-labs/harvester/internal/blobstore/noop"
	systemclock "github.com/datapipe-labs/harvester/internal/clock/system"
	"github.com/datapipe-labs/harvester/internal/config"
	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/logging"
	"github.com/datapipe-labs/harvester/internal/media"
	"github.com/datapipe-labs/harvester/internal/metrics"
	"github.com/datapipe-labs/harvester/internal/ops"
	memoryqueue "github.com/datapipe-labs/harvester/internal/queue/memory"
	pubsubqueue "github.com/datapipe-labs/harvester/internal/queue/pubsub"
	"github.com/datapipe-labs/harvester/internal/ratelimit"
	"github.com/datapipe-labs/harvester/internal/store"
	"github.com/datapipe-labs/harvester/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func newQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (harvest.Queue, error) {
	if cfg.Provider == "memory" {
		return memoryqueue.New(logger), nil
	}
	return pubsubqueue.New(ctx, cfg.ProjectID, cfg.Prefix, logger)
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (harvest.BlobStore, func() error, error) {
	switch cfg.Provider {
	case "gcs":
		bs, err := gcs.New(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	case "local":
		bs, err := local.New(cfg.LocalDir)
		return bs, nil, err
	default:
		return noop.New(), nil, nil
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	log := logging.Named(logger, "worker")

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Store.URI, cfg.Store.BoardDatabase, cfg.Store.TimelineDatabase, cfg.Store.ConnectRetries, log)
	if err != nil {
		return err
	}
	defer st.Close(context.Background()) //nolint:errcheck
	if err := st.EnsureIndexes(ctx); err != nil {
		return err
	}

	queue, err := newQueue(ctx, cfg.Queue, log)
	if err != nil {
		return err
	}
	defer queue.Close() //nolint:errcheck

	limiter := ratelimit.New(map[string]int{
		fetch.SourceBoard:    cfg.Board.RequestsPerMinute,
		fetch.SourceTimeline: cfg.Timeline.RequestsPerMinute,
	})
	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := fetch.NewClient(httpClient, limiter, fetch.DefaultRetryPolicy(), log)
	boardClient := fetch.NewBoardClient(client, cfg.Board.BaseURL, cfg.Board.MediaBaseURL)

	tokens := fetch.NewTokenSource(httpClient, cfg.Timeline.AuthURL, cfg.Timeline.ClientID, cfg.Timeline.ClientSecret, cfg.Timeline.UserAgent)
	timelineClient := fetch.NewTimelineClient(client, cfg.Timeline.BaseURL, tokens, cfg.Timeline.UserAgent)

	clock := systemclock.New()

	var mirror *media.Mirror
	if cfg.Board.MirrorMedia {
		blobs, closeBlobs, err := newBlobStore(ctx, cfg.Blob)
		if err != nil {
			return err
		}
		if closeBlobs != nil {
			defer closeBlobs() //nolint:errcheck
		}
		mirror = media.New(boardClient, blobs, log)
	}

	boardWorker := worker.NewBoardWorker(boardClient, st, mirror, clock, log)
	timelineWorker := worker.NewTimelineWorker(timelineClient, st, clock, log,
		cfg.Timeline.CommentBatchSize, cfg.Timeline.CommentMaxDepth)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks := map[string]ops.ReadyCheck{
			"store": func(ctx context.Context) error { return st.Ping(ctx) },
		}
		return ops.NewServer(cfg.Ops.Port, checks, log).Run(ctx)
	})
	g.Go(func() error {
		return worker.Supervise(ctx, queue, harvest.QueueBoardThreads, cfg.Worker.BoardConcurrency,
			map[string]harvest.Handler{
				harvest.JobTypeFetchThread: boardWorker.HandleFetchThread,
			}, worker.SuperviseConfig{}, log)
	})
	g.Go(func() error {
		return worker.Supervise(ctx, queue, harvest.QueueTimelineRefresh, cfg.Worker.TimelineConcurrency,
			map[string]harvest.Handler{
				harvest.JobTypeRefreshWindow: timelineWorker.HandleRefreshWindow,
				harvest.JobTypeRefreshPosts:  timelineWorker.HandleRefreshPosts,
			}, worker.SuperviseConfig{}, log)
	})

	log.Info("worker started",
		zap.Int("board_concurrency", cfg.Worker.BoardConcurrency),
		zap.Int("timeline_concurrency", cfg.Worker.TimelineConcurrency),
		zap.Bool("mirror_media", cfg.Board.MirrorMedia),
		zap.Int("ops_port", cfg.Ops.Port))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
