package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// markerTTL is how long an annotation enqueue marker is trusted before the
// content is considered lost and reselected.
const markerTTL = time.Hour

// contentTypes is the selection order for one enqueue cycle.
var contentTypes = []string{
	harvest.ContentTimelinePost,
	harvest.ContentComment,
	harvest.ContentBoardPost,
}

// Enqueuer selects unanalyzed content and queues annotation jobs.
type Enqueuer struct {
	store     harvest.AnnotationStore
	queue     harvest.Queue
	ids       harvest.IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
	batchSize int
}

// NewEnqueuer builds an Enqueuer.
func NewEnqueuer(store harvest.AnnotationStore, queue harvest.Queue, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger, batchSize int) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Enqueuer{
		store:     store,
		queue:     queue,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		batchSize: batchSize,
	}
}

// RunCycle selects up to batchSize items per content type and enqueues one
// annotation job each. The store stamps enqueue markers during selection, so
// overlapping cycles do not double up.
func (e *Enqueuer) RunCycle(ctx context.Context) {
	now := e.clock.Now()
	for _, contentType := range contentTypes {
		ids, err := e.store.UnanalyzedContent(ctx, contentType, e.batchSize, now.Unix(), now.Add(-markerTTL).Unix())
		if err != nil {
			e.logger.Error("unanalyzed selection failed", zap.String("content_type", contentType), zap.Error(err))
			continue
		}
		if len(ids) == 0 {
			continue
		}

		jobs := make([]harvest.Job, 0, len(ids))
		for _, id := range ids {
			job, err := e.newJob(contentType, id)
			if err != nil {
				e.logger.Error("job construction failed", zap.Error(err))
				continue
			}
			jobs = append(jobs, job)
		}

		if err := e.queue.PushBulk(ctx, harvest.QueueAnnotations, jobs); err != nil {
			e.logger.Error("annotation push failed",
				zap.String("content_type", contentType),
				zap.Int("jobs", len(jobs)),
				zap.Error(err))
			continue
		}
		e.logger.Debug("annotation cycle",
			zap.String("content_type", contentType),
			zap.Int("enqueued", len(jobs)))
	}
}

func (e *Enqueuer) newJob(contentType, contentID string) (harvest.Job, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("new job id: %w", err)
	}
	raw, err := json.Marshal(harvest.AnnotateArgs{ContentType: contentType, ContentID: contentID})
	if err != nil {
		return harvest.Job{}, fmt.Errorf("marshal annotate args: %w", err)
	}
	return harvest.Job{
		ID:         id,
		Type:       harvest.JobTypeAnnotate,
		Args:       raw,
		Retry:      3,
		ReserveFor: 15 * time.Minute,
		EnqueuedAt: e.clock.Now().Unix(),
	}, nil
}
