package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduler_RunNow_SingleInstance(t *testing.T) {
	s := New(zap.NewNop())

	var running atomic.Bool
	var overlapDetected atomic.Bool
	require.NoError(t, s.Register("slow", "@every 1h", 0, func(ctx context.Context) error {
		if !running.CompareAndSwap(false, true) {
			overlapDetected.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		running.Store(false)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		_ = s.RunNow(context.Background())
		close(done)
	}()
	// second concurrent call should be skipped, not run overlapping
	_ = s.RunNow(context.Background())
	<-done

	require.False(t, overlapDetected.Load())

	stats := s.Stats()
	require.Len(t, stats, 1)
	require.GreaterOrEqual(t, stats[0].Runs+stats[0].SkippedOverlap, int64(1))
}

func TestScheduler_RunNow_ReportsFailures(t *testing.T) {
	s := New(zap.NewNop())
	require.NoError(t, s.Register("failing", "@every 1h", 0, func(ctx context.Context) error {
		return context.DeadlineExceeded
	}))

	err := s.RunNow(context.Background())
	require.Error(t, err)

	stats := s.Stats()
	require.Equal(t, int64(1), stats[0].Failures)
}
