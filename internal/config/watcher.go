package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/moolen/scr/internal/logging"
)

// ReloadCallback is called with every successfully loaded components file.
// If the callback returns an error, it is logged and the watcher keeps
// watching.
type ReloadCallback func(cfg *ComponentsFile) error

// WatcherConfig holds configuration for the ComponentsWatcher.
type WatcherConfig struct {
	// FilePath is the components file to watch
	FilePath string

	// DebounceMillis coalesces change events within the period into one
	// reload. Default: 500ms
	DebounceMillis int

	// RetryMillis is the pause between load attempts of a file that could
	// not be parsed, e.g. because it is still being written. Default: 100ms
	RetryMillis int

	// MaxRetries bounds the load attempts after the first. Default: 3
	MaxRetries int

	// OnError, if set, is told about every failed reload
	OnError func(err error)
}

// ComponentsWatcher watches a components file and reloads it on change.
// Invalid files are logged and the previous configuration stays in effect.
type ComponentsWatcher struct {
	config   WatcherConfig
	callback ReloadCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{}
	mu       sync.Mutex

	debounceTimer *time.Timer
}

// NewComponentsWatcher creates a watcher for the given file.
func NewComponentsWatcher(config WatcherConfig, callback ReloadCallback) (*ComponentsWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}
	if config.RetryMillis == 0 {
		config.RetryMillis = 100
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &ComponentsWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher").WithField("file", config.FilePath),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the file, calls the callback with it and starts watching.
// It returns once the file watch is in place. Errors loading the initial
// file or from the initial callback are returned.
func (w *ComponentsWatcher) Start(ctx context.Context) error {
	initial, err := w.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}
	if err := w.callback(initial); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}
	w.logger.Info("Loaded initial components config")

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}
	return nil
}

func (w *ComponentsWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *ComponentsWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.ErrorWithErr("Failed to create file watcher", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.ErrorWithErr("Failed to watch file", err)
		return
	}

	w.logger.Debug("Watching for changes (debounce: %dms)", w.config.DebounceMillis)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			// atomic writes replace the inode, the watch has to follow
			if event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.config.FilePath); err != nil {
					w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.handleFileChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.ErrorWithErr("Watcher error", err)
		}
	}
}

func (w *ComponentsWatcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		func() { w.reload(ctx) },
	)
}

func (w *ComponentsWatcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}

func (w *ComponentsWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Debug("Reloading components config")

	cfg, err := w.load(ctx)
	if err != nil {
		w.logger.ErrorWithErr("Failed to load config, keeping previous config", err)
		w.reportError(err)
		return
	}
	if err := w.callback(cfg); err != nil {
		w.logger.ErrorWithErr("Reload callback failed", err)
		w.reportError(err)
		return
	}
	w.logger.Info("Components config reloaded")
}

func (w *ComponentsWatcher) reportError(err error) {
	if w.config.OnError != nil {
		w.config.OnError(err)
	}
}

// load retries files that cannot be read or parsed. Validation errors are
// final.
func (w *ComponentsWatcher) load(ctx context.Context) (*ComponentsFile, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(time.Duration(w.config.RetryMillis)*time.Millisecond),
			uint64(w.config.MaxRetries),
		),
		ctx,
	)
	return backoff.RetryWithData(func() (*ComponentsFile, error) {
		cfg, err := LoadComponentsFile(w.config.FilePath)
		if err != nil {
			var cerr *ConfigError
			if errors.As(err, &cerr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return cfg, nil
	}, policy)
}

// Stop stops watching and waits up to 5 seconds for the watch loop to exit.
func (w *ComponentsWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	} else {
		return nil
	}

	select {
	case <-w.stopped:
		w.logger.Debug("Stopped")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
