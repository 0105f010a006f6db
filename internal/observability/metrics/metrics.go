// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskd/internal/task/scheduler"
)

// PrometheusMetrics implements scheduler.Observer.
type PrometheusMetrics struct {
	scheduled   *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	cancelled   *prometheus.CounterVec
	finished    *prometheus.CounterVec
	live        prometheus.Gauge
}

var _ scheduler.Observer = (*PrometheusMetrics)(nil)

// InitPrometheusMetrics creates the scheduler metrics and registers them on
// reg (prometheus.DefaultRegisterer when nil).
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		scheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_scheduled_total",
				Help:      "Total number of tasks started, by kind",
			},
			[]string{"kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Total number of work executions, by kind and result",
			},
			[]string{"kind", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_run_duration_seconds",
				Help:      "Duration of work executions",
				Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		cancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_cancelled_total",
				Help:      "Total number of cancelled tasks, by kind",
			},
			[]string{"kind"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_done_total",
				Help:      "Total number of tasks that completed, by kind",
			},
			[]string{"kind"},
		),
		live: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_live",
				Help:      "Number of created or running tasks",
			},
		),
	}

	reg.MustRegister(
		m.scheduled,
		m.runs,
		m.runDuration,
		m.cancelled,
		m.finished,
		m.live,
	)
	return m
}

func (m *PrometheusMetrics) TaskScheduled(kind scheduler.Kind) {
	m.scheduled.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) TaskRun(kind scheduler.Kind, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(kind.String(), result).Inc()
	m.runDuration.WithLabelValues(kind.String()).Observe(took.Seconds())
}

func (m *PrometheusMetrics) TaskCancelled(kind scheduler.Kind) {
	m.cancelled.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) TaskFinished(kind scheduler.Kind) {
	m.finished.WithLabelValues(kind.String()).Inc()
}

func (m *PrometheusMetrics) LiveTasks(n int) { m.live.Set(float64(n)) }
