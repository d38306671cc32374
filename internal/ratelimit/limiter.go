// Package ratelimit implements per-source token-bucket pacing for outbound
// API calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/datapipe-labs/harvester/internal/metrics"
)

// Limiter manages one token bucket per named source. The published budgets
// are requests per rolling minute; a caller exceeding the budget blocks until
// tokens accrue. No request is ever dropped to enforce the limit.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	budgets  map[string]int
}

// New creates a Limiter with the given per-source requests-per-minute
// budgets. Sources without an entry are unlimited.
func New(budgets map[string]int) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		budgets:  make(map[string]int, len(budgets)),
	}
	for source, rpm := range budgets {
		l.budgets[source] = rpm
	}
	return l
}

// Wait blocks until the source's budget admits one request, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	limiter := l.limiterFor(source)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", source, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(l.rateFor(source), 1)
		l.limiters[source] = limiter
	}
	return limiter
}

func (l *Limiter) rateFor(source string) rate.Limit {
	rpm, ok := l.budgets[source]
	if !ok || rpm <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60.0)
}
