package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poolkeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "launches_total",
			Help:      "Number of successful worker launches.",
		},
	)
	launchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "launch_failures_total",
			Help:      "Number of failed worker launch attempts.",
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "terminations_total",
			Help:      "Termination requests by reason (stale, request, stop_all, kill, cleanup) and outcome.",
		}, []string{"reason", "outcome"},
	)
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Number of reconciliation ticks run.",
		},
	)
	tickFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "tick_failures_total",
			Help:      "Ticks that ended early on an error or a recovered panic.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one reconciliation tick, including stale terminations.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "live_workers",
			Help:      "Workers found in the process table at the last tick.",
		},
	)
	desiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "desired_workers",
			Help:      "Target number of workers.",
		},
	)
	paused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "paused",
			Help:      "1 when desired-count enforcement is paused.",
		},
	)
	lifetimeCompleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "lifetime_completed",
			Help:      "Completed units found in the heartbeat log since the last reset.",
		},
	)
	workerCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "cpu_percent",
			Help:      "Summed CPU usage of live workers.",
		},
	)
	malformedLines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "malformed_lines",
			Help:      "Heartbeat log lines skipped as unparsable since the last reset.",
		},
	)
	workerRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "memory_rss_bytes",
			Help:      "Summed resident memory of live workers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		launches, launchFailures, terminations, ticks, tickFailures, tickDuration,
		liveWorkers, desiredWorkers, paused, lifetimeCompleted, malformedLines, workerCPU, workerRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeds.

func IncLaunch() {
	if regOK.Load() {
		launches.Inc()
	}
}

func IncLaunchFailure() {
	if regOK.Load() {
		launchFailures.Inc()
	}
}

func IncTermination(reason, outcome string) {
	if regOK.Load() {
		terminations.WithLabelValues(reason, outcome).Inc()
	}
}

func ObserveTick(seconds float64, failed bool) {
	if !regOK.Load() {
		return
	}
	ticks.Inc()
	tickDuration.Observe(seconds)
	if failed {
		tickFailures.Inc()
	}
}

// SetPoolState publishes the supervisor state gauges in one call.
func SetPoolState(live, desired int, isPaused bool, completed int64) {
	if !regOK.Load() {
		return
	}
	liveWorkers.Set(float64(live))
	desiredWorkers.Set(float64(desired))
	var p float64
	if isPaused {
		p = 1
	}
	paused.Set(p)
	lifetimeCompleted.Set(float64(completed))
}

func SetWorkerUsage(cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		workerCPU.Set(cpuPercent)
		workerRSS.Set(float64(rssBytes))
	}
}

func SetMalformedLines(n int) {
	if regOK.Load() {
		malformedLines.Set(float64(n))
	}
}
