package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mevflow",
			Name:      "events_received_total",
			Help:      "Total number of events received from collectors.",
		},
		[]string{"collector", "kind"},
	)

	StreamReopenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mevflow",
			Name:      "stream_reopen_total",
			Help:      "Total number of collector stream reopens.",
		},
		[]string{"collector"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mevflow",
			Name:      "bus_dropped_total",
			Help:      "Total number of events dropped by the event bus.",
		},
		[]string{"collector"},
	)

	ActionsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mevflow",
			Name:      "actions_executed_total",
			Help:      "Total number of actions handed to executors.",
		},
		[]string{"executor", "result"}, // result: ok/error
	)
)

func MustRegister() {
	prometheus.MustRegister(EventsReceivedTotal, StreamReopenTotal, BusDroppedTotal, ActionsExecutedTotal)
}
