package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probe_sessions_started_total",
			Help: "Total number of probe sessions started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_sessions_finished_total",
			Help: "Total number of probe sessions reaching a terminal status",
		},
		[]string{"status", "reason"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probe_sessions_active",
			Help: "Number of sessions currently dispatching",
		},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probe_session_duration_seconds",
			Help:    "Wall time of a session run",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"status"},
	)

	// Task metrics
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_tasks_processed_total",
			Help: "Total number of (query, engine) tasks processed",
		},
		[]string{"provider", "result"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probe_task_duration_seconds",
			Help:    "Duration of a task including retries, excluding pacing delays",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"provider"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_task_retries_total",
			Help: "Retries of transient provider failures",
		},
		[]string{"provider"},
	)

	PacingDelaySeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_pacing_delay_seconds_total",
			Help: "Time spent in inter-call, backoff and recovery delays",
		},
		[]string{"provider", "kind"},
	)

	// Analysis metrics
	AnalysisDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_analysis_degraded_total",
			Help: "Analysis stages that fell back to a degraded result",
		},
		[]string{"stage"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "probe_stream_subscribers",
			Help: "Attached progress observers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probe_stream_events_dropped_total",
			Help: "Progress events dropped for slow observers",
		},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_notifications_total",
			Help: "Terminal outcome notifications by result",
		},
		[]string{"result"},
	)

	// Execution log sink
	ExecLogWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "probe_execution_log_write_failures_total",
			Help: "Execution log entries that could not be persisted",
		},
	)
)

// RecordTask records the outcome of one task
func RecordTask(provider string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	TasksProcessed.WithLabelValues(provider, result).Inc()
	TaskDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordSessionFinished records a terminal session outcome
func RecordSessionFinished(status, reason string, durationSeconds float64) {
	SessionsFinished.WithLabelValues(status, reason).Inc()
	SessionDuration.WithLabelValues(status).Observe(durationSeconds)
}
