package manager

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/moolen/scr/internal/lock"
	"github.com/moolen/scr/internal/logging"
)

// trackingCounter records which tracking counts have been fully handled by
// a customizer. Counts can complete out of order across trackers; gaps below
// the highest completed count are kept in missing.
type trackingCounter struct {
	mu      sync.Mutex
	floor   int
	ceiling int
	missing *btree.BTreeG[int]
	changed chan struct{}
}

func newTrackingCounter() *trackingCounter {
	return &trackingCounter{
		missing: btree.NewOrderedG[int](8),
		changed: make(chan struct{}),
	}
}

func (t *trackingCounter) tracked(c int) {
	if c < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c == t.floor+1 {
		t.floor++
		t.missing.Delete(c)
	} else if c < t.ceiling {
		t.missing.Delete(c)
	}
	if c > t.ceiling {
		for i := t.ceiling + 1; i < c; i++ {
			t.missing.ReplaceOrInsert(i)
		}
		t.ceiling = c
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// waitFor blocks until every count up to c has been tracked. On timeout the
// gaps are forgotten so later waits do not stall on them again.
func (t *trackingCounter) waitFor(c int, timeout time.Duration, logger *logging.Logger) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	t.mu.Lock()
	for {
		lowest, hasMissing := t.missing.Min()
		if t.ceiling >= c && (!hasMissing || lowest >= c) {
			t.mu.Unlock()
			return
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			t.mu.Lock()
			logger.ErrorWithFields("Timeout waiting for tracking count",
				logging.Field("tracking_count", c),
				logging.Field("ceiling", t.ceiling),
				logging.Field("missing", t.missing.Len()),
			)
			t.missing.Clear(false)
			t.mu.Unlock()
			logger.Error("goroutine dump:\n%s", lock.DumpGoroutines())
			return
		}
		t.mu.Lock()
	}
}

func (t *trackingCounter) state() (floor, ceiling, missing int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.floor, t.ceiling, t.missing.Len()
}
