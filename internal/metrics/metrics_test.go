package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.StateChanged("", "disabled")
	m.StateChanged("disabled", "unsatisfied")
	m.StateChanged("unsatisfied", "active")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StateTransitions.WithLabelValues("unsatisfied", "active")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ComponentStates.WithLabelValues("disabled")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ComponentStates.WithLabelValues("active")))

	m.ObserveActivation(time.Now(), nil)
	m.ObserveActivation(time.Now(), errors.New("boom"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Activations.WithLabelValues("error")))

	m.LockTimeout("enable")
	m.LockTimeout("enable")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LockTimeouts.WithLabelValues("enable")))

	m.SchedulerTask("dropped", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.SchedulerQueueDepth))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			var found bool
			for _, l := range metric.GetLabel() {
				if l.GetName() == "instance" && l.GetValue() == "test" {
					found = true
				}
			}
			assert.True(t, found, "metric %s lacks the instance label", f.GetName())
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StateChanged("a", "b")
		m.ObserveActivation(time.Now(), nil)
		m.Deactivated("disabled")
		m.LockTimeout("x")
		m.BindFailed()
		m.SetMissingDependencies(3)
		m.SchedulerTask("processed", 0)
		m.ConfigReloaded(nil)
		m.SetRuntimeID("id")
	})
}
