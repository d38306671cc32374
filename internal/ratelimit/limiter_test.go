package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/metrics"
)

func TestWaitDelaysBeyondBudget(t *testing.T) {
	metrics.Init()

	// 600/min = one token every 100ms, burst 1. The second request inside
	// the window must block until the bucket refills, never be dropped.
	l := New(map[string]int{"board": 600})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "board"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "board"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitUnlimitedSource(t *testing.T) {
	metrics.Init()

	l := New(nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "anything"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	metrics.Init()

	l := New(map[string]int{"slow": 1}) // one token per minute
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow")
	require.Error(t, err)
}
