package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "run",
			Name:      "starts_total",
			Help:      "Number of recorded run starts.",
		}, []string{"name"},
	)
	runFinishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "run",
			Name:      "finishes_total",
			Help:      "Number of recorded run finishes by terminal status.",
		}, []string{"name", "status"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skeelzdb",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of guarded runs.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"name"},
	)
	runSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "run",
			Name:      "suppressed_failures_total",
			Help:      "Failures swallowed because of a recent successful run.",
		}, []string{"name"},
	)
	batchFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Batched mutation log flushes by result.",
		}, []string{"result"},
	)
	batchStatements = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "skeelzdb",
			Subsystem: "batch",
			Name:      "statements_per_flush",
			Help:      "Statements committed per flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	batchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "skeelzdb",
			Subsystem: "batch",
			Name:      "flush_duration_seconds",
			Help:      "Time spent committing a flush.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	syncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "sync",
			Name:      "entities_total",
			Help:      "Entities processed by a sync driver, by object type and outcome.",
		}, []string{"object_type", "outcome"},
	)
	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skeelzdb",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "HTTP requests against external APIs, by service and status class.",
		}, []string{"service", "code"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runStarts, runFinishes, runDuration, runSuppressed, batchFlushes, batchStatements, batchFlushDuration, syncOutcomes, remoteRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRunStart(name string) {
	if regOK.Load() {
		runStarts.WithLabelValues(name).Inc()
	}
}

func IncRunFinish(name, status string) {
	if regOK.Load() {
		runFinishes.WithLabelValues(name, status).Inc()
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncRunSuppressed(name string) {
	if regOK.Load() {
		runSuppressed.WithLabelValues(name).Inc()
	}
}

func IncFlush(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		batchFlushes.WithLabelValues(result).Inc()
	}
}

func ObserveFlush(statements int, seconds float64) {
	if regOK.Load() {
		batchStatements.Observe(float64(statements))
		batchFlushDuration.Observe(seconds)
	}
}

func IncSyncOutcome(objectType, outcome string) {
	if regOK.Load() {
		syncOutcomes.WithLabelValues(objectType, outcome).Inc()
	}
}

// IncRemoteRequest counts one request; code is the HTTP status or "error"
// for transport failures.
func IncRemoteRequest(service, code string) {
	if regOK.Load() {
		remoteRequests.WithLabelValues(service, code).Inc()
	}
}
