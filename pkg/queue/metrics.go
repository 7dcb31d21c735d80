package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appbuilder",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs added to the queue.",
	}, []string{"name"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appbuilder",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal state.",
	}, []string{"name", "state"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "appbuilder",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Wall time of a single job attempt.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"name"})
)
