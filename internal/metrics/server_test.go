package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	m.SetRuntimeID("abc")

	s := NewServer("127.0.0.1:0", reg, map[string]http.Handler{
		"/extra": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("extra"))
		}),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	assert.Error(t, s.Start(context.Background()), "already running")

	base := "http://" + s.Addr()
	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `scr_runtime_info`)

	code, body = get(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	_, body = get(t, base+"/extra")
	assert.Equal(t, "extra", body)
}

func TestServerStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry(), nil)
	assert.NoError(t, s.Stop(context.Background()), "stop before start")

	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())

	_, err := http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestServerListenError(t *testing.T) {
	s := NewServer("256.0.0.1:1", prometheus.NewRegistry(), nil)
	assert.Error(t, s.Start(context.Background()))
}
