package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/metrics"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestScheduleBeforeStart(t *testing.T) {
	p := NewPool(1, 1)
	assert.ErrorIs(t, p.Schedule(func() {}), ErrPoolNotStarted)
}

func TestPoolRunsTasks(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	p := NewPool(2, 16, WithMetrics(m))
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Schedule(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()

	require.NoError(t, p.StopWithTimeout(time.Second))
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int64(10), p.Stats().Processed)
	assert.Equal(t, float64(10), testutil.ToFloat64(m.SchedulerTasks.WithLabelValues("processed")))
	assert.ErrorIs(t, p.Schedule(func() {}), ErrPoolStopped)
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	restore := logging.SetOutput(discard{})
	defer restore()

	p := NewPool(1, 4)
	require.NoError(t, p.Start(context.Background()))

	done := make(chan struct{})
	require.NoError(t, p.Schedule(func() { panic("boom") }))
	require.NoError(t, p.Schedule(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second task did not run")
	}
	require.NoError(t, p.StopWithTimeout(time.Second))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestFullQueueDropsTask(t *testing.T) {
	p := NewPool(1, 1)
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Schedule(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Schedule(func() {}))
	assert.ErrorIs(t, p.Schedule(func() {}), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.StopWithTimeout(time.Second))
}

func TestStopTimesOut(t *testing.T) {
	p := NewPool(1, 1)
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Schedule(func() { <-release }))

	assert.ErrorIs(t, p.StopWithTimeout(20*time.Millisecond), ErrStopTimeout)
}
