package annotate

import (
	"context"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// classSkipped marks content the model never saw: empty bodies and deletion
// placeholders. Recording it keeps the content out of later selections.
const classSkipped = "skipped"

// Worker handles annotate jobs.
type Worker struct {
	store     harvest.AnnotationStore
	moderator harvest.Moderator
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewWorker builds an annotation Worker.
func NewWorker(store harvest.AnnotationStore, moderator harvest.Moderator, clock harvest.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{store: store, moderator: moderator, clock: clock, logger: logger}
}

// HandleAnnotate classifies one piece of content and records the verdict.
// Content that disappeared since selection is an end state.
func (w *Worker) HandleAnnotate(ctx context.Context, job harvest.Job) error {
	var args harvest.AnnotateArgs
	if err := job.DecodeArgs(&args); err != nil {
		return err
	}
	log := w.logger.With(zap.String("content_type", args.ContentType), zap.String("content_id", args.ContentID))

	text, found, err := w.store.ContentText(ctx, args.ContentType, args.ContentID)
	if err != nil {
		return err
	}
	if !found {
		log.Info("content gone, dropping")
		metrics.ObserveSkip(SourceModeration, "missing")
		return nil
	}

	res, scored, err := w.moderator.Classify(ctx, text)
	if err != nil {
		return err
	}
	if !scored {
		metrics.ObserveSkip(SourceModeration, "placeholder")
		res = harvest.ModerationResult{Class: classSkipped, AnalyzedAt: w.clock.Now().Unix()}
	}

	return w.store.SaveAnnotation(ctx, args.ContentType, args.ContentID, res)
}
