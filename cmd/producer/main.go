// Command producer runs the catalog/window scanners on a cron cadence and
// turns what they find into queued fetch jobs.
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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	systemclock "github.com/datapipe-labs/harvester/internal/clock/system"
	"github.com/datapipe-labs/harvester/internal/config"
	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/id/uuid"
	"github.com/datapipe-labs/harvester/internal/logging"
	"github.com/datapipe-labs/harvester/internal/metrics"
	"github.com/datapipe-labs/harvester/internal/ops"
	"github.com/datapipe-labs/harvester/internal/producer"
	memoryqueue "github.com/datapipe-labs/harvester/internal/queue/memory"
	pubsubqueue "github.com/datapipe-labs/harvester/internal/queue/pubsub"
	"github.com/datapipe-labs/harvester/internal/ratelimit"
	"github.com/datapipe-labs/harvester/internal/scanner"
	"github.com/datapipe-labs/harvester/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "producer:", err)
		os.Exit(1)
	}
}

func newQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (harvest.Queue, error) {
	if cfg.Provider == "memory" {
		return memoryqueue.New(logger), nil
	}
	return pubsubqueue.New(ctx, cfg.ProjectID, cfg.Prefix, logger)
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
	log := logging.Named(logger, "producer")

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
		fetch.SourceBoard: cfg.Board.RequestsPerMinute,
	})
	client := fetch.NewClient(&http.Client{Timeout: 30 * time.Second}, limiter, fetch.DefaultRetryPolicy(), log)
	boardClient := fetch.NewBoardClient(client, cfg.Board.BaseURL, cfg.Board.MediaBaseURL)

	clock := systemclock.New()
	boardScanner := scanner.NewBoardScanner(boardClient, st, clock, log)
	timelineScanner := scanner.NewTimelineScanner(st, clock, log)

	start, end, err := cfg.Timeline.DateRange()
	if err != nil {
		return err
	}

	prod := producer.New(queue, boardScanner, timelineScanner, st, uuid.New(), clock, log, producer.Options{
		Boards:             cfg.Board.Boards,
		Subreddits:         cfg.Timeline.Subreddits,
		Start:              start,
		End:                end,
		ChunkSize:          cfg.Timeline.ChunkSize(),
		RefreshInterval:    cfg.Timeline.RefreshInterval(),
		JobBatchSize:       cfg.Board.JobBatchSize,
		BoardReserveFor:    time.Duration(cfg.Board.ReserveForMinutes) * time.Minute,
		TimelineReserveFor: time.Duration(cfg.Timeline.ReserveForMinutes) * time.Minute,
	})

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", cfg.Board.CycleSeconds), func() {
		prod.RunBoardCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule board cycle: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", cfg.Timeline.CycleSeconds), func() {
		prod.RunTimelineCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule timeline cycle: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks := map[string]ops.ReadyCheck{
			"store": func(ctx context.Context) error { return st.Ping(ctx) },
		}
		return ops.NewServer(cfg.Ops.Port, checks, log).Run(ctx)
	})
	g.Go(func() error {
		// One immediate pass so a fresh deployment does not idle until the
		// first tick.
		prod.RunBoardCycle(ctx)
		prod.RunTimelineCycle(ctx)

		sched.Start()
		<-ctx.Done()
		<-sched.Stop().Done()
		return ctx.Err()
	})

	log.Info("producer started",
		zap.Strings("boards", cfg.Board.Boards),
		zap.Strings("subreddits", cfg.Timeline.Subreddits),
		zap.Int("ops_port", cfg.Ops.Port))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("producer stopped")
	return nil
}
