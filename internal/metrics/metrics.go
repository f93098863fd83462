// Package metrics provides Prometheus metrics export for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter exports engine metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	// Dispatch metrics
	taskClaims   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	tasksRunning prometheus.Gauge

	// Scheduler metrics
	schedulerPasses prometheus.Counter
	tasksReady      prometheus.Counter

	// Pipeline metrics
	pipelinesTotal *prometheus.CounterVec

	// Retry and recovery metrics
	retriesScheduled prometheus.Counter
	recoveredTasks   prometheus.Counter

	// Cron metrics
	cronFires  *prometheus.CounterVec
	cronClaims *prometheus.CounterVec
}

// Config configures the metrics exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for task duration histograms (in seconds)
	DurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}
}

// NewExporter creates a new metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultConfig().DurationBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.taskClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "dispatcher",
			Name:      "task_claims_total",
			Help:      "Total number of task claims",
		},
		[]string{"status"},
	)

	e.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aqueduct",
			Subsystem: "dispatcher",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   cfg.DurationBuckets,
		},
		[]string{"backend", "status"},
	)

	e.tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aqueduct",
			Subsystem: "dispatcher",
			Name:      "tasks_running",
			Help:      "Number of tasks currently executing",
		},
	)

	e.schedulerPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Total number of scheduler evaluation passes",
		},
	)

	e.tasksReady = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "scheduler",
			Name:      "tasks_ready_total",
			Help:      "Total number of tasks transitioned to Ready",
		},
	)

	e.pipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "scheduler",
			Name:      "pipelines_total",
			Help:      "Total number of pipelines by terminal status",
		},
		[]string{"status"},
	)

	e.retriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "retry",
			Name:      "retries_scheduled_total",
			Help:      "Total number of task retries scheduled",
		},
	)

	e.recoveredTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "recovery",
			Name:      "recovered_tasks_total",
			Help:      "Total number of orphaned tasks reset to Ready",
		},
	)

	e.cronFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "cron",
			Name:      "fires_total",
			Help:      "Total number of cron-triggered pipeline creations",
		},
		[]string{"workflow"},
	)

	e.cronClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aqueduct",
			Subsystem: "cron",
			Name:      "claims_total",
			Help:      "Total number of cron schedule claim attempts",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		e.taskClaims,
		e.taskDuration,
		e.tasksRunning,
		e.schedulerPasses,
		e.tasksReady,
		e.pipelinesTotal,
		e.retriesScheduled,
		e.recoveredTasks,
		e.cronFires,
		e.cronClaims,
	)

	return e
}

// Registry returns the underlying Prometheus registry for scrape handlers.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) RecordClaim(status string, n int) {
	e.taskClaims.WithLabelValues(status).Add(float64(n))
}

func (e *Exporter) RecordTaskDuration(backend, status string, d time.Duration) {
	e.taskDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

func (e *Exporter) TaskStarted()  { e.tasksRunning.Inc() }
func (e *Exporter) TaskFinished() { e.tasksRunning.Dec() }

func (e *Exporter) RecordSchedulerPass(readyCount int) {
	e.schedulerPasses.Inc()
	if readyCount > 0 {
		e.tasksReady.Add(float64(readyCount))
	}
}

func (e *Exporter) RecordPipeline(status string) {
	e.pipelinesTotal.WithLabelValues(status).Inc()
}

func (e *Exporter) RecordRetryScheduled() { e.retriesScheduled.Inc() }
func (e *Exporter) RecordRecoveredTask()  { e.recoveredTasks.Inc() }

func (e *Exporter) RecordCronFire(workflow string) {
	e.cronFires.WithLabelValues(workflow).Inc()
}

func (e *Exporter) RecordCronClaim(won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	e.cronClaims.WithLabelValues(outcome).Inc()
}
