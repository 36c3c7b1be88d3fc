package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/quietguard/internal/metrics"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "transitions_total",
		Help:      "Monitoring state transitions.",
	}, []string{"from", "to"})

	registrationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "registration_failures_total",
		Help:      "Failed host transitions by operation and whether they rolled back.",
	}, []string{"op", "rolled_back"})

	hostCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "host_call_duration_seconds",
		Help:      "Host monitor call latency including retries.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
	}, []string{"op", "result"})

	unblocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "unblocks_total",
		Help:      "Temporary unblocks granted, by purchase type.",
	}, []string{"purchase_type"})

	appOpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "app_opens_total",
		Help:      "App-open callbacks by decision.",
	}, []string{"decision"})

	reblockFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "reblock_failures_total",
		Help:      "Re-block attempts that failed and were rescheduled.",
	})

	persistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "persistence_failures_total",
		Help:      "Failed store writes by entity.",
	}, []string{"entity"})

	timerRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "coordinator",
		Name:      "timer_races_total",
		Help:      "Timer callbacks that observed a live token while stopped.",
	})

	riskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of computed risk scores.",
		Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})
)

func init() {
	prometheus.MustRegister(
		transitionsTotal,
		registrationFailures,
		hostCallDuration,
		unblocksTotal,
		appOpensTotal,
		reblockFailures,
		persistenceFailures,
		timerRaces,
		riskScores,
	)
}
