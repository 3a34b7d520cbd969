// Package scheduler runs asynchronous component enable, disable and
// reactivation tasks on an owned pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/metrics"
)

// Sentinel errors for pool operations
var (
	ErrPoolNotStarted     = errors.New("scheduler not started")
	ErrPoolStopped        = errors.New("scheduler stopped")
	ErrPoolAlreadyStarted = errors.New("scheduler already started")
	ErrQueueFull          = errors.New("scheduler queue full")
	ErrStopTimeout        = errors.New("timeout waiting for scheduler workers to stop")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Pool is a fixed set of workers draining a bounded task queue. It
// implements framework.Scheduler.
type Pool struct {
	workers   int
	queueSize int
	tasks     chan func()
	metrics   *metrics.Metrics
	logger    *logging.Logger
	wg        sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports queue depth and task outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a pool; non-positive sizes fall back to the defaults.
func NewPool(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		workers:   workers,
		queueSize: queueSize,
		tasks:     make(chan func(), queueSize),
		logger:    logging.GetLogger("scheduler"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements lifecycle.Component.
func (p *Pool) Name() string {
	return "scheduler"
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.started = true
	p.logger.Info("Started %d scheduler workers (queue size %d)", p.workers, p.queueSize)
	return nil
}

// Stop closes the queue and waits for queued tasks to finish, up to the
// context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	close(p.tasks)
	p.stopped = true
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Scheduler stopped: %d processed, %d failed, %d dropped",
			p.processed.Load(), p.failed.Load(), p.dropped.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}
}

// Schedule queues task. It never blocks: a full queue drops the task.
func (p *Pool) Schedule(task func()) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.metrics.SchedulerTask("submitted", len(p.tasks))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.SchedulerTask("dropped", len(p.tasks))
		return ErrQueueFull
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.tasks),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// Stats represents scheduler statistics
type Stats struct {
	Workers    int   `json:"workers" yaml:"workers"`
	QueueSize  int   `json:"queue_size" yaml:"queue_size"`
	QueueDepth int   `json:"queue_depth" yaml:"queue_depth"`
	Submitted  int64 `json:"submitted" yaml:"submitted"`
	Processed  int64 `json:"processed" yaml:"processed"`
	Failed     int64 `json:"failed" yaml:"failed"`
	Dropped    int64 `json:"dropped" yaml:"dropped"`
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			status := "processed"
			if err := p.run(task); err != nil {
				p.failed.Add(1)
				status = "failed"
				p.logger.ErrorWithErr("Scheduler worker %d: task failed", err, id)
			}
			p.processed.Add(1)
			p.metrics.SchedulerTask(status, len(p.tasks))
		}
	}
}

// run executes task, turning a panic into an error so one bad task cannot
// take down a worker.
func (p *Pool) run(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	task()
	return nil
}

// StopWithTimeout stops the pool, waiting at most timeout for queued tasks.
func (p *Pool) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Stop(ctx)
}
