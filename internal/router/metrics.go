package router

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hydrad",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Total routed requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hydrad",
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "End-to-end routed request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	attemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hydrad",
			Subsystem: "router",
			Name:      "attempt_failures_total",
			Help:      "Failed node attempts by node and failure kind",
		},
		[]string{"node", "kind"},
	)

	fallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hydrad",
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Fallback-chain model switches",
		},
	)

	overloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hydrad",
			Subsystem: "router",
			Name:      "overloads_total",
			Help:      "Requests rejected by admission backpressure",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, attemptFailuresTotal, fallbacksTotal, overloadsTotal)
}
