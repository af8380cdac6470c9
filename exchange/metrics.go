package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// exchangesTotal counts completed exchanges.
	// Labels: direction (forward, reverse)
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spmv",
		Subsystem: "exchange",
		Name:      "exchanges_total",
		Help:      "Total completed vector exchanges",
	}, []string{"direction"})

	// valuesMoved counts scalars sent by this process.
	// Labels: direction
	valuesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spmv",
		Subsystem: "exchange",
		Name:      "values_sent_total",
		Help:      "Total vector entries sent to peers",
	}, []string{"direction"})

	// exchangeDuration measures one exchange including waits on peers.
	// Labels: direction
	exchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spmv",
		Subsystem: "exchange",
		Name:      "duration_seconds",
		Help:      "Vector exchange latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"direction"})

	// exchangeFailures counts exchanges and plan builds that failed.
	// Labels: stage (build, forward, reverse)
	exchangeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spmv",
		Subsystem: "exchange",
		Name:      "failures_total",
		Help:      "Total failed plan builds and exchanges",
	}, []string{"stage"})

	// planBuilds counts plans built.
	planBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spmv",
		Subsystem: "exchange",
		Name:      "plan_builds_total",
		Help:      "Total communication plans built",
	})
)
