package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	t.Setenv("LOG_TIMESTAMP", "2024-01-01T00:00:00Z")
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	t.Cleanup(restore)
	return &buf
}

func resetLevels(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = Initialize("info")
		_ = SetPackageLogLevels(map[string]string{})
	})
}

func TestLevelFiltering(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)
	require.NoError(t, Initialize("warn"))

	logger := GetLogger("manager.component")
	logger.Debug("debug %d", 1)
	logger.Info("info %d", 2)
	logger.Warn("warn %d", 3)
	logger.Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[2024-01-01T00:00:00Z] [WARN] manager.component: warn 3")
	assert.Contains(t, out, "[ERROR] manager.component: error 4")
}

func TestPackageLevelOverride(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)
	require.NoError(t, Initialize("info", map[string]string{
		"manager.*":        "debug",
		"manager.tracking": "error",
	}))

	GetLogger("manager.component").Debug("visible")
	GetLogger("manager.tracking").Warn("hidden")
	GetLogger("tracker").Debug("also hidden")

	out := buf.String()
	assert.Contains(t, out, "visible")
	assert.NotContains(t, out, "hidden")
}

func TestSetPackageLogLevelsRejectsInvalidLevel(t *testing.T) {
	resetLevels(t)
	err := SetPackageLogLevels(map[string]string{"tracker": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `package "tracker"`)
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, matchesPattern("manager.component", "manager.component"))
	assert.True(t, matchesPattern("manager.component", "manager.*"))
	assert.False(t, matchesPattern("manager", "manager.*"))
	assert.False(t, matchesPattern("tracker", "manager.*"))
}

func TestFieldsAreSorted(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)

	GetLogger("scr").WithField("zeta", 1).InfoWithFields("bound",
		Field("alpha", "a"),
		Field("mid", 2),
	)

	assert.Contains(t, buf.String(), "bound | alpha=a mid=2 zeta=1")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)

	parent := GetLogger("scr")
	_ = parent.WithField("component", "greeter")
	parent.Info("plain")

	assert.NotContains(t, buf.String(), "component=")
}

func TestLogErrAppendsCause(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)

	GetLogger("manager.component").LogErr(ERROR, errors.New("boom"), "activate of %s failed", "greeter")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "activate of greeter failed - boom")
	assert.Contains(t, line, "error=boom")
}

func TestLogErrWithoutCause(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)

	GetLogger("manager.component").LogErr(WARN, nil, "timeout on %s latch", "open")

	assert.Contains(t, buf.String(), "[WARN] manager.component: timeout on open latch")
	assert.NotContains(t, buf.String(), "error=")
}

func TestFatalCallsExit(t *testing.T) {
	resetLevels(t)
	_ = captureLogs(t)

	var code int
	old := exitFunc
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() { exitFunc = old })

	GetLogger("scr").Fatal("cannot start")
	assert.Equal(t, 1, code)
}

func TestWithContextAddsSpanIDs(t *testing.T) {
	resetLevels(t)
	buf := captureLogs(t)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	GetLogger("scr").WithContext(ctx).Info("activated")

	out := buf.String()
	assert.Contains(t, out, "trace_id=4bf92f3577b34da6a3ce929d0e0e4736")
	assert.Contains(t, out, "span_id=00f067aa0ba902b7")
}

func TestWithContextWithoutSpan(t *testing.T) {
	assert.Nil(t, extractContextFields(context.Background()))
	assert.Nil(t, extractContextFields(nil)) //nolint:staticcheck
}

func TestNamed(t *testing.T) {
	assert.Equal(t, "manager.dependency", GetLogger("manager").Named("dependency").Name())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, WARN, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "ERROR", ERROR.String())
}
