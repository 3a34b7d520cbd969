package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/logging"
)

func quiet(t *testing.T) {
	t.Helper()
	restore := logging.SetOutput(&discard{})
	t.Cleanup(restore)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestObtainReadLockIsNotReentrant(t *testing.T) {
	l := New("test")
	ctx, acquired := l.ObtainReadLock(context.Background(), "outer")
	require.True(t, acquired)
	assert.Equal(t, ModeRead, l.Held(ctx))

	nested, again := l.ObtainReadLock(ctx, "inner")
	assert.False(t, again)
	assert.Equal(t, ctx, nested)
	assert.Equal(t, 1, l.Readers())

	l.ReleaseReadLock(ctx, "outer")
	assert.Equal(t, 0, l.Readers())
	assert.Equal(t, ModeNone, l.Held(ctx))
}

func TestEscalateThenDeescalateRestoresReadHold(t *testing.T) {
	l := New("test")
	ctx, _ := l.ObtainReadLock(context.Background(), "op")

	l.EscalateLock(ctx, "op")
	assert.Equal(t, ModeWrite, l.Held(ctx))
	assert.True(t, l.WriteLocked())
	assert.Equal(t, 0, l.Readers())

	l.DeescalateLock(ctx, "op")
	assert.Equal(t, ModeRead, l.Held(ctx))
	assert.False(t, l.WriteLocked())
	assert.Equal(t, 1, l.Readers())

	l.ReleaseReadLock(ctx, "op")
	assert.Equal(t, 0, l.Readers())
}

func TestNestedCallSeesWriteHold(t *testing.T) {
	l := New("test")
	ctx, _ := l.ObtainReadLock(context.Background(), "op")
	l.EscalateLock(ctx, "op")

	_, acquired := l.ObtainReadLock(ctx, "nested")
	assert.False(t, acquired, "a nested read under the write hold must not block or acquire")

	l.DeescalateLock(ctx, "op")
	l.ReleaseReadLock(ctx, "op")
}

func TestWriterExcludesReaders(t *testing.T) {
	l := New("test")
	ctx, _ := l.ObtainReadLock(context.Background(), "writer")
	l.EscalateLock(ctx, "writer")

	var readerIn atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		rctx, _ := l.ObtainReadLock(context.Background(), "reader")
		readerIn.Store(true)
		l.ReleaseReadLock(rctx, "reader")
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, readerIn.Load())

	l.DeescalateLock(ctx, "writer")
	<-done
	assert.True(t, readerIn.Load())
	l.ReleaseReadLock(ctx, "writer")
}

func TestEscalationWaitsForOtherReaders(t *testing.T) {
	l := New("test")
	other, _ := l.ObtainReadLock(context.Background(), "other")

	ctx, _ := l.ObtainReadLock(context.Background(), "op")
	escalated := make(chan struct{})
	go func() {
		l.EscalateLock(ctx, "op")
		close(escalated)
	}()

	select {
	case <-escalated:
		t.Fatal("escalation must wait for the other reader")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseReadLock(other, "other")
	<-escalated
	assert.True(t, l.WriteLocked())
	l.DeescalateLock(ctx, "op")
	l.ReleaseReadLock(ctx, "op")
}

func TestTimeoutProceedsDegraded(t *testing.T) {
	quiet(t)
	var timeouts atomic.Int32
	l := New("test", WithTimeout(30*time.Millisecond), WithTimeoutHandler(func(string) {
		timeouts.Add(1)
	}))

	writer, _ := l.ObtainReadLock(context.Background(), "writer")
	l.EscalateLock(writer, "writer")

	ctx, acquired := l.ObtainReadLock(context.Background(), "blocked")
	assert.True(t, acquired)
	assert.Equal(t, ModeRead, l.Held(ctx))
	assert.Equal(t, int32(1), timeouts.Load())
	assert.Equal(t, 0, l.Readers(), "a degraded hold owns nothing")

	l.ReleaseReadLock(ctx, "blocked")
	assert.Equal(t, 0, l.Readers())

	l.DeescalateLock(writer, "writer")
	l.ReleaseReadLock(writer, "writer")
	assert.Equal(t, 0, l.Readers())
}

func TestConcurrentReadersAndEscalations(t *testing.T) {
	l := New("test")
	var inWrite atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ctx, _ := l.ObtainReadLock(context.Background(), "op")
				l.EscalateLock(ctx, "op")
				assert.Equal(t, int32(1), inWrite.Add(1))
				inWrite.Add(-1)
				l.DeescalateLock(ctx, "op")
				l.ReleaseReadLock(ctx, "op")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, l.Readers())
	assert.False(t, l.WriteLocked())
}

func TestReleaseWithoutHoldIsLogged(t *testing.T) {
	quiet(t)
	l := New("test")
	l.ReleaseReadLock(context.Background(), "nothing")
	l.DeescalateLock(context.Background(), "nothing")
	l.EscalateLock(context.Background(), "nothing")
	assert.Equal(t, 0, l.Readers())
	assert.False(t, l.WriteLocked())
}

func TestLatch(t *testing.T) {
	latch := NewLatch()
	assert.False(t, latch.IsOpen())
	assert.False(t, latch.Await(10*time.Millisecond))

	go latch.CountDown()
	assert.True(t, latch.Await(time.Second))
	latch.CountDown()
	assert.True(t, latch.IsOpen())
}

func TestDumpGoroutines(t *testing.T) {
	assert.Contains(t, DumpGoroutines(), "goroutine")
}
