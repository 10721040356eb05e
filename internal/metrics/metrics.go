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

	serviceLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "launches_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "deaths_total",
			Help:      "Number of monitored service deaths.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a death.",
		}, []string{"name"},
	)
	policyActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "policy",
			Name:      "actions_total",
			Help:      "Escalation decisions taken by the death policy.",
		}, []string{"action"},
	)
	servicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "service",
			Name:      "running",
			Help:      "Current number of services with a live pid.",
		},
	)
	startupPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "startup",
			Name:      "phase",
			Help:      "Current startup coordinator phase as an ordinal.",
		},
	)
	ackLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "startup",
			Name:      "ack_latency_seconds",
			Help:      "Time between a launch and the service's startup acknowledgment.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer. Calling it
// again, with the same or another registerer, is safe; duplicates are
// ignored.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{serviceLaunches, serviceDeaths, serviceRestarts, policyActions, servicesRunning, startupPhase, ackLatency}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(name string) {
	if regOK.Load() {
		serviceLaunches.WithLabelValues(name).Inc()
	}
}
func IncDeath(name string) {
	if regOK.Load() {
		serviceDeaths.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}
func IncPolicyAction(action string) {
	if regOK.Load() {
		policyActions.WithLabelValues(action).Inc()
	}
}
func SetRunning(n int) {
	if regOK.Load() {
		servicesRunning.Set(float64(n))
	}
}
func SetStartupPhase(phase int) {
	if regOK.Load() {
		startupPhase.Set(float64(phase))
	}
}
func ObserveAckLatency(name string, seconds float64) {
	if regOK.Load() {
		ackLatency.WithLabelValues(name).Observe(seconds)
	}
}
