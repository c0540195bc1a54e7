package control

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_submissions_total",
			Help: "Total number of job submissions by outcome.",
		},
		[]string{"outcome"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_jobs_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"kind", "status"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "muster_active_jobs",
			Help: "Number of tracked jobs not yet in a terminal status.",
		},
	)

	pollTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_poll_ticks_total",
			Help: "Total number of poll loop ticks executed.",
		},
	)

	pollTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_poll_tick_duration_seconds",
			Help:    "Duration of one poll tick across all active jobs, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(pollTicksTotal)
	prometheus.MustRegister(pollTickDuration)
}
