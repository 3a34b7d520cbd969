package lock

import (
	"runtime"
	"sync"
	"time"
)

// Latch is a one-shot gate: Await blocks until CountDown has been called.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns a closed-off latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// CountDown opens the latch. Further calls do nothing.
func (l *Latch) CountDown() {
	l.once.Do(func() { close(l.ch) })
}

// Await waits up to timeout and reports whether the latch opened.
func (l *Latch) Await(timeout time.Duration) bool {
	select {
	case <-l.ch:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.ch:
		return true
	case <-timer.C:
		return false
	}
}

// IsOpen reports whether CountDown was called.
func (l *Latch) IsOpen() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// DumpGoroutines returns the stacks of all goroutines.
func DumpGoroutines() string {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		if len(buf) >= 8<<20 {
			return string(buf[:n]) + "\n... truncated"
		}
		buf = make([]byte, 2*len(buf))
	}
}
