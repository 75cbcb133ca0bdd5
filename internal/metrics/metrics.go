// Package metrics registers the station's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Executor
	ExecutorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "station_executor_queue_depth",
			Help: "Number of tasks waiting for a worker",
		},
	)

	ExecutorTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_executor_tasks_total",
			Help: "Total number of executor tasks by outcome",
		},
		[]string{"outcome"}, // "success", "error", "panic", "cancelled"
	)

	ExecutorTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "station_executor_task_duration_seconds",
			Help:    "Wall clock duration of executor tasks",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Processing
	ProcessingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_video_processing_total",
			Help: "Total number of video processing runs by terminal status",
		},
		[]string{"status"},
	)

	// Remote sync
	SyncRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_sync_requests_total",
			Help: "Total number of entity sync attempts by entity kind and outcome",
		},
		[]string{"entity", "outcome"}, // outcome: "synced", "rejected", "unreachable", "timeout", "error", "dependency"
	)

	SyncConnectionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "station_sync_connection_retries_total",
			Help: "Total number of retried requests after a connection failure",
		},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_token_refresh_total",
			Help: "Total number of access token refreshes by outcome",
		},
		[]string{"outcome"},
	)
)
