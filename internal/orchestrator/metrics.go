package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "orchestrator",
			Name:      "results_total",
			Help:      "Generation attempts by outcome",
		},
		[]string{"status", "kind"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewgen",
			Subsystem: "orchestrator",
			Name:      "generation_duration_seconds",
			Help:      "Wall time per generation attempt",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 300},
		},
		[]string{"status"},
	)

	staleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "orchestrator",
			Name:      "stale_events_dropped_total",
			Help:      "Progress and preview events dropped because their attempt was superseded",
		},
	)

	previewsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "orchestrator",
			Name:      "previews_relayed_total",
			Help:      "Preview frames forwarded to the overlay",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "viewgen",
			Subsystem: "orchestrator",
			Name:      "inflight",
			Help:      "1 while a generation attempt is running",
		},
	)
)

func init() {
	prometheus.MustRegister(resultsTotal, generationDuration, staleEvents, previewsRelayed, inflight)
}
