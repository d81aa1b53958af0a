package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(segmentTransitionsTotal, finalizationStepSeconds) }

var (
	segmentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_transitions_total",
			Help: "Segment state machine transitions, by target status.",
		},
		[]string{"to"},
	)

	finalizationStepSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finalization_step_seconds",
			Help:    "Duration of finalization pipeline steps.",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step", "success"},
	)
)

func IncSegmentTransition(to string) {
	segmentTransitionsTotal.WithLabelValues(norm(to)).Inc()
}

func ObserveFinalizationStep(step string, d time.Duration, success bool) {
	finalizationStepSeconds.WithLabelValues(norm(step), strconv.FormatBool(success)).Observe(d.Seconds())
}
