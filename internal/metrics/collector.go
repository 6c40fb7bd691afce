// Package metrics exposes login-flow counters and provider latency
// histograms over a dedicated Prometheus registry, plus a point-in-time
// system snapshot for the status endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Provider operations
const (
	OpExchangeCode = "exchange_code"
	OpFetchProfile = "fetch_profile"
)

// Collector owns the module's Prometheus registry and instruments.
type Collector struct {
	registry *prometheus.Registry

	loginOutcomes    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	usersCreated     prometheus.Counter
	activeSessions   prometheus.GaugeFunc
}

// NewCollector creates a collector with all instruments registered.
// sessionCount feeds the active-sessions gauge; nil disables it.
func NewCollector(sessionCount func() int) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loginbridge",
			Name:      "login_attempts_total",
			Help:      "Login flow completions by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loginbridge",
			Name:      "provider_request_duration_seconds",
			Help:      "Round-trip latency of Graph API requests by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loginbridge",
			Name:      "users_created_total",
			Help:      "Local users created from external identities.",
		}),
	}

	registry.MustRegister(c.loginOutcomes, c.providerDuration, c.usersCreated)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if sessionCount != nil {
		c.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loginbridge",
			Name:      "active_sessions",
			Help:      "Browser sessions currently held in the TTL store.",
		}, func() float64 { return float64(sessionCount()) })
		registry.MustRegister(c.activeSessions)
	}

	return c
}

// ObserveLogin counts a completed login flow. reason is empty on success.
func (c *Collector) ObserveLogin(outcome, reason string) {
	c.loginOutcomes.WithLabelValues(outcome, reason).Inc()
}

// ObserveProvider records the latency of one Graph API round trip.
func (c *Collector) ObserveProvider(operation string, elapsed time.Duration) {
	c.providerDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// UserCreated counts a newly provisioned local user.
func (c *Collector) UserCreated() {
	c.usersCreated.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
