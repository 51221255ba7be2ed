// Package metrics defines Prometheus instrumentation for the aid dispatch plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Claims counts claim attempts by outcome (won, lost, error).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_claims_total",
		Help: "Job claim attempts by outcome",
	}, []string{"outcome"})

	// Updates counts progress updates by outcome (ok, rejected, error).
	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_updates_total",
		Help: "Job progress updates by outcome",
	}, []string{"outcome"})

	// Completions counts completion requests by outcome (ok, rejected, error).
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_completions_total",
		Help: "Job completions by outcome",
	}, []string{"outcome"})

	// AuthFailures counts rejected dispatch requests by reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_auth_failures_total",
		Help: "Dispatch authorization failures by reason",
	}, []string{"reason"})

	// TimeoutReleases counts jobs reclaimed by the timeout monitor.
	TimeoutReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aidgate_timeout_releases_total",
		Help: "Jobs released after their encoder stopped pinging",
	})

	// Heals counts healer repairs by kind (stuck_job, video_record).
	Heals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_heals_total",
		Help: "Healer repairs by kind",
	}, []string{"kind"})

	// StoreErrors counts job store failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidgate_store_errors_total",
		Help: "Job store failures by operation",
	}, []string{"op"})

	// DispatchDuration observes dispatch operation latency.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aidgate_dispatch_duration_seconds",
		Help:    "Duration of dispatch operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 12),
	}, []string{"op"})
)
