// Package metrics exposes Prometheus collectors for the orchestrator and
// the worker fleet.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiopg",
		Subsystem: "worker",
		Name:      "tasks_claimed_total",
		Help:      "Tasks claimed from the queue, by task type.",
	}, []string{"type"})

	tasksSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiopg",
		Subsystem: "worker",
		Name:      "tasks_succeeded_total",
		Help:      "Tasks finished successfully, by task type.",
	}, []string{"type"})

	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiopg",
		Subsystem: "worker",
		Name:      "tasks_failed_total",
		Help:      "Task attempt failures, by task type and terminality.",
	}, []string{"type", "terminal"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aiopg",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task handler duration, by task type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiopg",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests, by route and status code.",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aiopg",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	askPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aiopg",
		Subsystem: "orchestrator",
		Name:      "ask_phase_duration_seconds",
		Help:      "Duration of each /ask pipeline phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})
)

// TaskClaimed records a queue claim.
func TaskClaimed(taskType string) {
	tasksClaimed.WithLabelValues(taskType).Inc()
}

// TaskSucceeded records a successful completion.
func TaskSucceeded(taskType string, took time.Duration) {
	tasksSucceeded.WithLabelValues(taskType).Inc()
	taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

// TaskFailed records a failed attempt.
func TaskFailed(taskType string, terminal bool, took time.Duration) {
	tasksFailed.WithLabelValues(taskType, strconv.FormatBool(terminal)).Inc()
	taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

// HTTPRequest records one served request.
func HTTPRequest(route string, status int, took time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(took.Seconds())
}

// AskPhase records the duration of one /ask pipeline phase.
func AskPhase(phase string, took time.Duration) {
	askPhaseDuration.WithLabelValues(phase).Observe(took.Seconds())
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
