// Command annotator enqueues unanalyzed content for the moderation classifier
// and consumes the resulting annotation jobs.
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

	"github.com/datapipe-labs/harvester/internal/annotate"
	systemclock "github.com/datapipe-labs/harvester/internal/clock/system"
	"github.com/datapipe-labs/harvester/internal/config"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/id/uuid"
	"github.com/datapipe-labs/harvester/internal/logging"
	"github.com/datapipe-labs/harvester/internal/metrics"
	"github.com/datapipe-labs/harvester/internal/ops"
	memoryqueue "github.com/datapipe-labs/harvester/internal/queue/memory"
	pubsubqueue "github.com/datapipe-labs/harvester/internal/queue/pubsub"
	"github.com/datapipe-labs/harvester/internal/store"
	"github.com/datapipe-labs/harvester/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "annotator:", err)
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
	if cfg.Annotate.APIURL == "" || cfg.Annotate.APIKey == "" {
		return fmt.Errorf("annotate.api_url and annotate.api_key must be set")
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	log := logging.Named(logger, "annotator")

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

	clock := systemclock.New()
	classifier := annotate.NewClassifier(&http.Client{Timeout: 60 * time.Second}, cfg.Annotate.APIURL, cfg.Annotate.APIKey, clock, log)
	enqueuer := annotate.NewEnqueuer(st, queue, uuid.New(), clock, log, cfg.Annotate.BatchSize)
	annotateWorker := annotate.NewWorker(st, classifier, clock, log)

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", cfg.Annotate.CycleSeconds), func() {
		enqueuer.RunCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule annotation cycle: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks := map[string]ops.ReadyCheck{
			"store": func(ctx context.Context) error { return st.Ping(ctx) },
		}
		return ops.NewServer(cfg.Ops.Port, checks, log).Run(ctx)
	})
	g.Go(func() error {
		enqueuer.RunCycle(ctx)

		sched.Start()
		<-ctx.Done()
		<-sched.Stop().Done()
		return ctx.Err()
	})
	g.Go(func() error {
		return worker.Supervise(ctx, queue, harvest.QueueAnnotations, cfg.Annotate.Concurrency,
			map[string]harvest.Handler{
				harvest.JobTypeAnnotate: annotateWorker.HandleAnnotate,
			}, worker.SuperviseConfig{}, log)
	})

	log.Info("annotator started",
		zap.Int("batch_size", cfg.Annotate.BatchSize),
		zap.Int("concurrency", cfg.Annotate.Concurrency),
		zap.Int("ops_port", cfg.Ops.Port))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("annotator stopped")
	return nil
}
