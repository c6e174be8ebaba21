package analysis

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the analysis pipeline.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	SummarizeDuration prometheus.Histogram
	GatherFailures    *prometheus.CounterVec
	CacheHits         prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_analysis_runs_total",
			Help: "Pipeline run outcomes.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalate_analysis_run_duration_seconds",
			Help:    "End-to-end pipeline run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		SummarizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalate_analysis_summarize_duration_seconds",
			Help:    "Summarizer call duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		GatherFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_analysis_gather_failures_total",
			Help: "Data collaborator fetch failures per source.",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escalate_analysis_cache_hits_total",
			Help: "Analysis requests served from the result cache.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.SummarizeDuration,
		m.GatherFailures,
		m.CacheHits,
	)

	return m
}
