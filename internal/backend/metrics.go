package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "backend",
			Name:      "connect_attempts_total",
			Help:      "Streaming channel connect attempts by result",
		},
		[]string{"result"},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "backend",
			Name:      "dropped_messages_total",
			Help:      "Stream messages dropped without delivery",
		},
		[]string{"reason"},
	)

	pollFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "backend",
			Name:      "poll_fallbacks_total",
			Help:      "Awaits that switched from the stream to polling",
		},
	)

	interrupts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewgen",
			Subsystem: "backend",
			Name:      "interrupts_total",
			Help:      "Interrupt requests sent to the backend by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(connectAttempts, droppedMessages, pollFallbacks, interrupts)
}
