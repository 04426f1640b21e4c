// Package metrics provides Prometheus instrumentation for the enforcer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enforcer"

// Collectors groups the enforcer's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	registry *prometheus.Registry

	// Outcomes counts finished pipeline runs by outcome
	// (pass, filtered, relay, block, challenge, monitor).
	Outcomes *prometheus.CounterVec
	// Filtered counts hard filter hits by filter.
	Filtered *prometheus.CounterVec
	// CookieResults counts cookie fast-path results by reason ("valid" on success).
	CookieResults *prometheus.CounterVec
	// RiskAPIDuration observes remote risk call latency by result.
	RiskAPIDuration *prometheus.HistogramVec
	// RelayRequests counts first-party relay calls by kind and result.
	RelayRequests *prometheus.CounterVec
	// ActivitySends counts activity batch sends by result.
	ActivitySends *prometheus.CounterVec
	// ActivityEvents counts activity events enqueued by type.
	ActivityEvents *prometheus.CounterVec
}

// New registers the enforcer collectors on a fresh registry, together with
// the Go and process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collectors{
		registry: reg,
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Enforced requests by outcome.",
		}, []string{"outcome"}),
		Filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filtered_total",
			Help:      "Requests skipped by a hard filter, by filter.",
		}, []string{"filter"}),
		CookieResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cookie_results_total",
			Help:      "Risk cookie evaluations by result.",
		}, []string{"result"}),
		RiskAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_api_duration_seconds",
			Help:      "Remote risk API call duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"result"}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "first_party_requests_total",
			Help:      "First-party relay requests by kind and result.",
		}, []string{"kind", "result"}),
		ActivitySends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_sends_total",
			Help:      "Activity batch sends by result.",
		}, []string{"result"}),
		ActivityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "Activity events enqueued by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.Outcomes,
		c.Filtered,
		c.CookieResults,
		c.RiskAPIDuration,
		c.RelayRequests,
		c.ActivitySends,
		c.ActivityEvents,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Outcome counts one finished request.
func (c *Collectors) Outcome(outcome string) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(outcome).Inc()
}

// Filter counts one hard filter hit.
func (c *Collectors) Filter(filter string) {
	if c == nil {
		return
	}
	c.Filtered.WithLabelValues(filter).Inc()
}

// Cookie counts one cookie evaluation.
func (c *Collectors) Cookie(result string) {
	if c == nil {
		return
	}
	c.CookieResults.WithLabelValues(result).Inc()
}

// RiskAPI observes one remote risk call.
func (c *Collectors) RiskAPI(result string, seconds float64) {
	if c == nil {
		return
	}
	c.RiskAPIDuration.WithLabelValues(result).Observe(seconds)
}

// Relay counts one first-party relay request.
func (c *Collectors) Relay(kind, result string) {
	if c == nil {
		return
	}
	c.RelayRequests.WithLabelValues(kind, result).Inc()
}

// ActivitySend counts one activity batch send.
func (c *Collectors) ActivitySend(result string) {
	if c == nil {
		return
	}
	c.ActivitySends.WithLabelValues(result).Inc()
}

// ActivityEvent counts one enqueued activity.
func (c *Collectors) ActivityEvent(typ string) {
	if c == nil {
		return
	}
	c.ActivityEvents.WithLabelValues(typ).Inc()
}
