package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 3 * time.Second
	tick        = 20 * time.Millisecond
)

func greeterConfig(greeting string) string {
	return `schema_version: v1
components:
  - name: greeter
    properties:
      greeting: ` + greeting + "\n"
}

type reloads struct {
	mu    sync.Mutex
	count atomic.Int32
	last  *ComponentsFile
	err   error
}

func (r *reloads) callback(cfg *ComponentsFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = cfg
	r.count.Add(1)
	return r.err
}

func (r *reloads) greeting() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	c, _ := r.last.Lookup("greeter")
	return c.Properties["greeting"]
}

func startWatcher(t *testing.T, cfg WatcherConfig, r *reloads) *ComponentsWatcher {
	t.Helper()
	w, err := NewComponentsWatcher(cfg, r.callback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })
	return w
}

func TestNewComponentsWatcherValidation(t *testing.T) {
	_, err := NewComponentsWatcher(WatcherConfig{}, func(*ComponentsFile) error { return nil })
	assert.Error(t, err)

	_, err = NewComponentsWatcher(WatcherConfig{FilePath: "x.yaml"}, nil)
	assert.Error(t, err)
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	startWatcher(t, WatcherConfig{FilePath: path, DebounceMillis: 50}, r)

	assert.Equal(t, int32(1), r.count.Load())
	assert.Equal(t, "hello", r.greeting())
}

func TestWatcherStartFailsOnInvalidFile(t *testing.T) {
	path := writeFile(t, "components.yaml", "schema_version: v7\n")
	w, err := NewComponentsWatcher(WatcherConfig{FilePath: path}, func(*ComponentsFile) error { return nil })
	require.NoError(t, err)

	start := time.Now()
	assert.Error(t, w.Start(context.Background()))
	// validation errors are not retried
	assert.Less(t, time.Since(start), time.Second)
}

func TestWatcherDetectsChange(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	startWatcher(t, WatcherConfig{FilePath: path, DebounceMillis: 50}, r)

	require.NoError(t, os.WriteFile(path, []byte(greeterConfig("bonjour")), 0600))

	assert.Eventually(t, func() bool { return r.greeting() == "bonjour" }, waitTimeout, tick)
}

func TestWatcherFollowsAtomicWrites(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	startWatcher(t, WatcherConfig{FilePath: path, DebounceMillis: 50}, r)

	cfg, err := LoadComponentsFile(path)
	require.NoError(t, err)
	cfg.Components[0].Properties["greeting"] = "hallo"
	require.NoError(t, WriteComponentsFile(path, cfg))
	assert.Eventually(t, func() bool { return r.greeting() == "hallo" }, waitTimeout, tick)

	cfg.Components[0].Properties["greeting"] = "ciao"
	require.NoError(t, WriteComponentsFile(path, cfg))
	assert.Eventually(t, func() bool { return r.greeting() == "ciao" }, waitTimeout, tick)
}

func TestWatcherDebounces(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	startWatcher(t, WatcherConfig{FilePath: path, DebounceMillis: 300}, r)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(greeterConfig("again")), 0600))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return r.count.Load() == 2 }, waitTimeout, tick)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(2), r.count.Load())
}

func TestWatcherKeepsPreviousConfigOnInvalidFile(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	var failures atomic.Int32
	startWatcher(t, WatcherConfig{
		FilePath:       path,
		DebounceMillis: 50,
		OnError:        func(error) { failures.Add(1) },
	}, r)

	require.NoError(t, os.WriteFile(path, []byte("schema_version: v9\n"), 0600))
	assert.Eventually(t, func() bool { return failures.Load() > 0 }, waitTimeout, tick)
	assert.Equal(t, int32(1), r.count.Load())
	assert.Equal(t, "hello", r.greeting())

	require.NoError(t, os.WriteFile(path, []byte(greeterConfig("recovered")), 0600))
	assert.Eventually(t, func() bool { return r.greeting() == "recovered" }, waitTimeout, tick)
}

func TestWatcherContinuesAfterCallbackError(t *testing.T) {
	path := writeFile(t, "components.yaml", greeterConfig("hello"))
	r := &reloads{}
	var failures atomic.Int32
	startWatcher(t, WatcherConfig{
		FilePath:       path,
		DebounceMillis: 50,
		OnError:        func(error) { failures.Add(1) },
	}, r)

	r.mu.Lock()
	r.err = errors.New("rejected")
	r.mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(greeterConfig("one")), 0600))
	assert.Eventually(t, func() bool { return failures.Load() > 0 }, waitTimeout, tick)

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(greeterConfig("two")), 0600))
	assert.Eventually(t, func() bool { return r.greeting() == "two" }, waitTimeout, tick)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w, err := NewComponentsWatcher(WatcherConfig{FilePath: "x.yaml"}, func(*ComponentsFile) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
