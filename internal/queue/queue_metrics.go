package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the queue subsystem.
type Metrics struct {
	EnqueuedTotal *prometheus.CounterVec
	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_queue_enqueued_total",
			Help: "Total jobs accepted per queue.",
		}, []string{"queue"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_queue_jobs_total",
			Help: "Job attempt outcomes per queue.",
		}, []string{"queue", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escalate_queue_job_duration_seconds",
			Help:    "Duration of job attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~200s
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.EnqueuedTotal,
		m.JobsTotal,
		m.JobDuration,
	)

	return m
}
