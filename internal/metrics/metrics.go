package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rjq_jobs_submitted_total",
			Help: "Total number of jobs submitted to the queue",
		},
		[]string{"lane"}, // priority, wait
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rjq_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"}, // completed, failed, canceled
	)

	JobTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rjq_job_timeouts_total",
			Help: "Total number of jobs that lost the race against their timeout",
		},
	)

	DequeueErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rjq_dequeue_errors_total",
			Help: "Total number of failed dequeue attempts",
		},
	)

	// Gauges
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rjq_queue_length",
			Help: "Current number of jobs in each lane",
		},
		[]string{"lane"},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rjq_running_jobs",
			Help: "Jobs currently being executed",
		},
	)

	// Buckets: 10ms to ~163s
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rjq_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"executor", "status"},
	)
)
