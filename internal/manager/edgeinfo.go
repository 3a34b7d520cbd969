package manager

import (
	"sync"
	"time"

	"github.com/moolen/scr/internal/lock"
	"github.com/moolen/scr/internal/logging"
)

// EdgeInfo records, for one dependency of one implementation object, the
// tracking counts at which binding started and unbinding started.
//
// A service event with tracking count c is handled by the customizer only
// when open <= c <= close; events before open are already reflected in the
// snapshot bound by Open, events after close are left to Close.
type EdgeInfo struct {
	mu         sync.Mutex
	open       int
	close      int
	openLatch  *lock.Latch
	closeLatch *lock.Latch
}

func newEdgeInfo() *EdgeInfo {
	return &EdgeInfo{
		open:       -1,
		close:      -1,
		openLatch:  lock.NewLatch(),
		closeLatch: lock.NewLatch(),
	}
}

func (e *EdgeInfo) setOpen(c int) {
	e.mu.Lock()
	e.open = c
	e.mu.Unlock()
}

func (e *EdgeInfo) setClose(c int) {
	e.mu.Lock()
	e.close = c
	e.mu.Unlock()
}

// Range returns open and close.
func (e *EdgeInfo) Range() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, e.close
}

// beforeRange is true for events already covered by the open snapshot, and
// for every event while the edge has not been opened.
func (e *EdgeInfo) beforeRange(c int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open == -1 || c < e.open
}

func (e *EdgeInfo) afterRange(c int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.close != -1 && c > e.close
}

func (e *EdgeInfo) outOfRange(c int) bool {
	return e.beforeRange(c) || e.afterRange(c)
}

func (e *EdgeInfo) waitForOpen(timeout time.Duration, logger *logging.Logger, reference string, trackingCount int) {
	if !e.openLatch.Await(timeout) {
		logger.Error("Timeout waiting for reference %s to open, tracking count %d", reference, trackingCount)
		logger.Error("goroutine dump:\n%s", lock.DumpGoroutines())
	}
}

func (e *EdgeInfo) waitForClose(timeout time.Duration, logger *logging.Logger, reference string, trackingCount int) {
	if !e.closeLatch.Await(timeout) {
		logger.Error("Timeout waiting for reference %s to close, tracking count %d", reference, trackingCount)
		logger.Error("goroutine dump:\n%s", lock.DumpGoroutines())
	}
}
