package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsSubmittedTotal, jobsCompletedTotal, pollerInFlight) }

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_submitted_total",
			Help: "Generation jobs submitted to external providers, by kind.",
		},
		[]string{"kind"}, // voice_clone, plan, video, audio
	)

	jobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_completed_total",
			Help: "Generation jobs that reached a terminal state, by kind and outcome.",
		},
		[]string{"kind", "outcome"}, // success, failure, timeout, cancelled
	)

	pollerInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_tasks_in_flight",
			Help: "Jobs currently tracked by the task poller.",
		},
		[]string{"kind"},
	)
)

func IncJobSubmitted(kind string) {
	jobsSubmittedTotal.WithLabelValues(norm(kind)).Inc()
}

func IncJobCompleted(kind, outcome string) {
	jobsCompletedTotal.WithLabelValues(norm(kind), norm(outcome)).Inc()
}

func PollerTracked(kind string) {
	pollerInFlight.WithLabelValues(norm(kind)).Inc()
}

func PollerReleased(kind string) {
	pollerInFlight.WithLabelValues(norm(kind)).Dec()
}
