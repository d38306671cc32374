package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// SuperviseConfig tunes the consumer restart policy. The zero value gets
// production defaults.
type SuperviseConfig struct {
	// RestartBase is the first cooldown; it doubles per consecutive failure
	// up to RestartCeiling.
	RestartBase    time.Duration
	RestartCeiling time.Duration

	// HealthyRun is how long a consume loop must survive for the
	// consecutive failure count to reset.
	HealthyRun time.Duration

	// MaxConsecutive is the run of quick failures treated as unrecoverable.
	MaxConsecutive int
}

func (c *SuperviseConfig) defaults() {
	if c.RestartBase <= 0 {
		c.RestartBase = 30 * time.Second
	}
	if c.RestartCeiling <= 0 {
		c.RestartCeiling = 5 * time.Minute
	}
	if c.HealthyRun <= 0 {
		c.HealthyRun = 5 * time.Minute
	}
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = 3
	}
}

// Supervise runs the consume loop for one queue, restarting it after
// failures with a growing cooldown. A run of consecutive quick failures is
// returned to the caller, which should exit.
func Supervise(ctx context.Context, queue harvest.Queue, queueName string, concurrency int, handlers map[string]harvest.Handler, cfg SuperviseConfig, logger *zap.Logger) error {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("queue", queueName))

	consecutive := 0
	cooldown := cfg.RestartBase
	for {
		started := time.Now()
		err := queue.Consume(ctx, queueName, concurrency, handlers)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= cfg.HealthyRun {
			consecutive = 0
			cooldown = cfg.RestartBase
		}
		consecutive++
		if consecutive >= cfg.MaxConsecutive {
			return fmt.Errorf("consumer for %s failed %d times in a row: %w", queueName, consecutive, err)
		}

		log.Error("consume loop died, restarting",
			zap.Int("consecutive", consecutive),
			zap.Duration("cooldown", cooldown),
			zap.Error(err))

		select {
		case <-time.After(cooldown):
		case <-ctx.Done():
			return ctx.Err()
		}
		cooldown *= 2
		if cooldown > cfg.RestartCeiling {
			cooldown = cfg.RestartCeiling
		}
	}
}
