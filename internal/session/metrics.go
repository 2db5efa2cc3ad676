package session

import "github.com/prometheus/client_golang/prometheus"

var (
	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewgen",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Open event stream subscriptions",
	})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewgen",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events not delivered to a lagging subscriber",
	})
	framesRendered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewgen",
		Subsystem: "overlay",
		Name:      "frames_rendered_total",
		Help:      "Overlay frames drawn by the host loop",
	})
)

func init() {
	prometheus.MustRegister(subscribers, eventsDropped, framesRendered)
}
