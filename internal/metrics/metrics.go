// Package metrics holds the Prometheus collectors of the component runtime.
//
// Every method is safe on a nil *Metrics so that runtime parts can be built
// without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for runtime observability.
type Metrics struct {
	StateTransitions    *prometheus.CounterVec // Component state changes by from/to state
	Activations         *prometheus.CounterVec // Implementation activations by result
	ActivationDuration  prometheus.Histogram   // Time spent creating an implementation object
	Deactivations       *prometheus.CounterVec // Deactivations by reason
	LockTimeouts        *prometheus.CounterVec // Lock acquisitions that timed out, by operation
	BindFailures        prometheus.Counter     // Failed service lookups while binding
	MissingDependencies prometheus.Gauge       // References waiting for a service to reappear
	ComponentStates     *prometheus.GaugeVec   // Number of components per state
	SchedulerQueueDepth prometheus.Gauge       // Tasks waiting in the scheduler
	SchedulerTasks      *prometheus.CounterVec // Scheduler tasks by status
	ConfigReloads       *prometheus.CounterVec // Component configuration reloads by result
	Info                *prometheus.GaugeVec   // Constant 1, labelled with the runtime id
}

// NewMetrics creates the runtime metrics and registers them with reg.
// instanceName is attached to every metric as a const label.
func NewMetrics(reg prometheus.Registerer, instanceName string) *Metrics {
	labels := prometheus.Labels{"instance": instanceName}

	stateTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_component_state_transitions_total",
		Help:        "Total number of component state transitions",
		ConstLabels: labels,
	}, []string{"from", "to"})

	activations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_component_activations_total",
		Help:        "Total number of component implementation activations",
		ConstLabels: labels,
	}, []string{"result"})

	activationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "scr_component_activation_duration_seconds",
		Help:        "Time spent creating and activating component implementations",
		ConstLabels: labels,
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	deactivations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_component_deactivations_total",
		Help:        "Total number of component deactivations",
		ConstLabels: labels,
	}, []string{"reason"})

	lockTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_lock_timeouts_total",
		Help:        "Total number of component lock acquisitions that timed out",
		ConstLabels: labels,
	}, []string{"operation"})

	bindFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "scr_bind_failures_total",
		Help:        "Total number of service lookups that failed while binding",
		ConstLabels: labels,
	})

	missing := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "scr_missing_dependencies",
		Help:        "Number of references waiting for a service to reappear",
		ConstLabels: labels,
	})

	componentStates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "scr_components",
		Help:        "Number of components per state",
		ConstLabels: labels,
	}, []string{"state"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "scr_scheduler_queue_depth",
		Help:        "Current number of tasks waiting in the scheduler",
		ConstLabels: labels,
	})

	schedulerTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_scheduler_tasks_total",
		Help:        "Total number of scheduler tasks by status",
		ConstLabels: labels,
	}, []string{"status"})

	configReloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "scr_config_reloads_total",
		Help:        "Total number of component configuration reloads",
		ConstLabels: labels,
	}, []string{"result"})

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "scr_runtime_info",
		Help:        "Runtime information",
		ConstLabels: labels,
	}, []string{"runtime_id"})

	reg.MustRegister(stateTransitions)
	reg.MustRegister(activations)
	reg.MustRegister(activationDuration)
	reg.MustRegister(deactivations)
	reg.MustRegister(lockTimeouts)
	reg.MustRegister(bindFailures)
	reg.MustRegister(missing)
	reg.MustRegister(componentStates)
	reg.MustRegister(queueDepth)
	reg.MustRegister(schedulerTasks)
	reg.MustRegister(configReloads)
	reg.MustRegister(info)

	return &Metrics{
		StateTransitions:    stateTransitions,
		Activations:         activations,
		ActivationDuration:  activationDuration,
		Deactivations:       deactivations,
		LockTimeouts:        lockTimeouts,
		BindFailures:        bindFailures,
		MissingDependencies: missing,
		ComponentStates:     componentStates,
		SchedulerQueueDepth: queueDepth,
		SchedulerTasks:      schedulerTasks,
		ConfigReloads:       configReloads,
		Info:                info,
	}
}

// StateChanged records a transition and moves one component between the
// per-state gauges. An empty from means a new component.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.ComponentStates.WithLabelValues(from).Dec()
	}
	m.ComponentStates.WithLabelValues(to).Inc()
}

// ObserveActivation records one implementation activation.
func (m *Metrics) ObserveActivation(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Activations.WithLabelValues(result).Inc()
	m.ActivationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Deactivated(reason string) {
	if m == nil {
		return
	}
	m.Deactivations.WithLabelValues(reason).Inc()
}

// LockTimeout counts a timed out lock acquisition.
func (m *Metrics) LockTimeout(op string) {
	if m == nil {
		return
	}
	m.LockTimeouts.WithLabelValues(op).Inc()
}

func (m *Metrics) BindFailed() {
	if m == nil {
		return
	}
	m.BindFailures.Inc()
}

func (m *Metrics) SetMissingDependencies(n int) {
	if m == nil {
		return
	}
	m.MissingDependencies.Set(float64(n))
}

// SchedulerTask counts a task by status: submitted, processed, failed or dropped.
func (m *Metrics) SchedulerTask(status string, queueDepth int) {
	if m == nil {
		return
	}
	m.SchedulerTasks.WithLabelValues(status).Inc()
	m.SchedulerQueueDepth.Set(float64(queueDepth))
}

func (m *Metrics) ConfigReloaded(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}

// SetRuntimeID publishes the runtime id as an info metric.
func (m *Metrics) SetRuntimeID(id string) {
	if m == nil {
		return
	}
	m.Info.WithLabelValues(id).Set(1)
}
