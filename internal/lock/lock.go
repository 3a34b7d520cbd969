// Package lock provides the read/write lock that serializes a component's
// state transitions.
//
// Go has no notion of goroutine identity, so lock ownership travels in the
// context.Context passed down a synchronous call chain. ObtainReadLock
// returns a derived context carrying a hold; any nested call that receives
// that context (including synchronous service-event callbacks) sees the hold
// and does not acquire again:
//
//	ctx, acquired := l.ObtainReadLock(ctx, "enable")
//	if acquired {
//	    defer l.ReleaseReadLock(ctx, "enable")
//	}
//
// Escalation releases the read hold and acquires the write lock; de-escalation
// converts the write hold back to a read hold without an unlocked gap.
//
// Acquisition is bounded by a timeout. On timeout the lock logs an error with
// a dump of every goroutine and the call site of the current writer, then
// lets the caller proceed without owning the lock.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-stack/stack"

	"github.com/moolen/scr/internal/logging"
)

// DefaultTimeout bounds every lock acquisition and latch wait.
const DefaultTimeout = 5000 * time.Millisecond

// Mode is the kind of hold a context carries.
type Mode int

const (
	ModeNone Mode = iota
	ModeRead
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "none"
	}
}

type holdKey struct{ l *Lock }

type hold struct {
	mode Mode
	// degraded holds were granted after a timeout and own nothing
	degraded bool
}

// Lock is a timed, reader-preferring read/write lock with escalation.
type Lock struct {
	name    string
	timeout time.Duration
	logger  *logging.Logger

	onTimeout func(op string)

	mu          sync.Mutex
	readers     int
	writer      bool
	writerStack stack.CallStack
	changed     chan struct{}
}

// Option configures a Lock.
type Option func(*Lock)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithTimeoutHandler registers fn to be called on every acquisition timeout.
func WithTimeoutHandler(fn func(op string)) Option {
	return func(l *Lock) {
		l.onTimeout = fn
	}
}

// New creates a lock. name appears in diagnostics.
func New(name string, opts ...Option) *Lock {
	l := &Lock{
		name:    name,
		timeout: DefaultTimeout,
		logger:  logging.GetLogger("lock"),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timeout returns the acquisition timeout.
func (l *Lock) Timeout() time.Duration {
	return l.timeout
}

func (l *Lock) holdOf(ctx context.Context) *hold {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(holdKey{l}).(*hold)
	return h
}

// Held returns the mode of the hold ctx carries on l.
func (l *Lock) Held(ctx context.Context) Mode {
	if h := l.holdOf(ctx); h != nil {
		return h.mode
	}
	return ModeNone
}

// ObtainReadLock acquires the read lock unless ctx already holds l in any
// mode, in which case it returns false and the caller must not release.
func (l *Lock) ObtainReadLock(ctx context.Context, source string) (context.Context, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	h := l.holdOf(ctx)
	if h != nil && h.mode != ModeNone {
		return ctx, false
	}
	if h == nil {
		h = &hold{}
		ctx = context.WithValue(ctx, holdKey{l}, h)
	}
	h.degraded = !l.acquire(false, source)
	h.mode = ModeRead
	return ctx, true
}

// ReleaseReadLock releases a read hold taken with ObtainReadLock.
func (l *Lock) ReleaseReadLock(ctx context.Context, source string) {
	h := l.holdOf(ctx)
	if h == nil || h.mode != ModeRead {
		l.logger.Error("%s: release of read lock at %s without a read hold (mode %s)", l.name, source, l.Held(ctx))
		return
	}
	if !h.degraded {
		l.releaseRead()
	}
	h.mode = ModeNone
	h.degraded = false
}

// EscalateLock trades the read hold in ctx for the write lock. The read
// lock is released before the write lock is requested.
func (l *Lock) EscalateLock(ctx context.Context, source string) {
	h := l.holdOf(ctx)
	if h == nil || h.mode != ModeRead {
		l.logger.Error("%s: escalation at %s without a read hold (mode %s)", l.name, source, l.Held(ctx))
		return
	}
	if !h.degraded {
		l.releaseRead()
	}
	h.degraded = !l.acquire(true, source)
	h.mode = ModeWrite
}

// DeescalateLock converts the write hold in ctx back to a read hold. The
// read lock is taken before the write lock is given up.
func (l *Lock) DeescalateLock(ctx context.Context, source string) {
	h := l.holdOf(ctx)
	if h == nil || h.mode != ModeWrite {
		l.logger.Error("%s: de-escalation at %s without a write hold (mode %s)", l.name, source, l.Held(ctx))
		return
	}
	if h.degraded {
		h.degraded = !l.acquire(false, source)
		h.mode = ModeRead
		return
	}

	l.mu.Lock()
	l.readers++
	l.writer = false
	l.writerStack = nil
	l.broadcastLocked()
	l.mu.Unlock()
	h.mode = ModeRead
}

// Readers returns the number of read holds, for diagnostics and tests.
func (l *Lock) Readers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers
}

// WriteLocked reports whether some caller holds the write lock.
func (l *Lock) WriteLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

func (l *Lock) acquire(write bool, op string) bool {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	l.mu.Lock()
	for {
		if write && !l.writer && l.readers == 0 {
			l.writer = true
			l.writerStack = stack.Trace().TrimRuntime()
			l.mu.Unlock()
			return true
		}
		if !write && !l.writer {
			l.readers++
			l.mu.Unlock()
			return true
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			l.timedOut(write, op)
			return false
		}
		l.mu.Lock()
	}
}

func (l *Lock) releaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		l.logger.Error("%s: read lock released more often than acquired", l.name)
		return
	}
	l.readers--
	l.broadcastLocked()
}

func (l *Lock) releaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = false
	l.writerStack = nil
	l.broadcastLocked()
}

func (l *Lock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Lock) timedOut(write bool, op string) {
	l.mu.Lock()
	readers, writer, writerStack := l.readers, l.writer, l.writerStack
	l.mu.Unlock()

	kind := "read"
	if write {
		kind = "write"
	}
	holder := "none"
	if writer {
		holder = fmt.Sprintf("%+v", writerStack)
	}
	l.logger.ErrorWithFields(
		fmt.Sprintf("%s: timeout acquiring %s lock for %s after %dms, proceeding without it", l.name, kind, op, l.timeout.Milliseconds()),
		logging.Field("readers", readers),
		logging.Field("writer", holder),
	)
	l.logger.Error("goroutine dump:\n%s", DumpGoroutines())
	if l.onTimeout != nil {
		l.onTimeout(op)
	}
}

// ReleaseWriteLock releases a write hold without converting it to a read
// hold. Used when an operation escalated from no hold at all.
func (l *Lock) ReleaseWriteLock(ctx context.Context, source string) {
	h := l.holdOf(ctx)
	if h == nil || h.mode != ModeWrite {
		l.logger.Error("%s: release of write lock at %s without a write hold (mode %s)", l.name, source, l.Held(ctx))
		return
	}
	if !h.degraded {
		l.releaseWrite()
	}
	h.mode = ModeNone
	h.degraded = false
}
