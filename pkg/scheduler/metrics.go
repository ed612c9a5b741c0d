package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// Metrics tracks scheduler activity in Prometheus. A nil *Metrics is valid
// and turns every recording method into a no-op, which keeps tests free of
// registry setup.
type Metrics struct {
	submitted    *prometheus.CounterVec
	terminal     *prometheus.CounterVec
	running      prometheus.Gauge
	taskDuration *prometheus.HistogramVec
}

// NewMetrics registers the scheduler metric family with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphops_tasks_submitted_total",
			Help: "Total tasks admitted to the queue by kind",
		}, []string{"kind"}),
		terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphops_tasks_terminal_total",
			Help: "Total tasks reaching a terminal status by kind and status",
		}, []string{"kind", "status"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphops_tasks_running",
			Help: "Tasks currently executing on a worker",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphops_task_duration_seconds",
			Help:    "Wall-clock task execution duration by kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45m
		}, []string{"kind"}),
	}
}

func (m *Metrics) taskSubmitted(kind types.TaskKind) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) taskFinished() {
	if m == nil {
		return
	}
	m.running.Dec()
}

func (m *Metrics) taskTerminal(kind types.TaskKind, status types.TaskStatus) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) observeDuration(kind types.TaskKind, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
