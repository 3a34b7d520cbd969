package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/moolen/scr/internal/logging"
)

func TestEdgeInfoRange(t *testing.T) {
	e := newEdgeInfo()
	assert.True(t, e.outOfRange(0), "unopened edge drops every event")
	assert.True(t, e.outOfRange(100))

	e.setOpen(7)
	assert.True(t, e.beforeRange(6))
	assert.False(t, e.outOfRange(7))
	assert.False(t, e.outOfRange(1000), "no close yet")

	e.setClose(12)
	for _, c := range []int{7, 9, 12} {
		assert.False(t, e.outOfRange(c), "count %d", c)
	}
	assert.True(t, e.outOfRange(6))
	assert.True(t, e.outOfRange(13))
	assert.True(t, e.afterRange(13))
	assert.False(t, e.afterRange(12))

	open, closed := e.Range()
	assert.Equal(t, 7, open)
	assert.Equal(t, 12, closed)
}

func TestEdgeInfoWaitForOpen(t *testing.T) {
	logger := logging.GetLogger("test")
	e := newEdgeInfo()

	start := time.Now()
	e.waitForOpen(20*time.Millisecond, logger, "clock", 3)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "closed latch waits for the timeout")

	e.openLatch.CountDown()
	start = time.Now()
	e.waitForOpen(time.Second, logger, "clock", 3)
	assert.Less(t, time.Since(start), time.Second)
}
