// Package metrics holds the gateway's Prometheus collectors. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	sessionsActive      prometheus.Gauge
	subscriptionsActive prometheus.Gauge
	logins              *prometheus.CounterVec
	calls               *prometheus.CounterVec
	callDuration        prometheus.Histogram
	removals            *prometheus.CounterVec
}

// New registers the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "shv_gateway_sessions_active",
			Help: "Number of sessions currently in the store",
		}),
		subscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "shv_gateway_subscriptions_active",
			Help: "Number of open subscription streams",
		}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shv_gateway_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shv_gateway_rpc_calls_total",
			Help: "Proxied RPC calls by outcome",
		}, []string{"outcome"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shv_gateway_rpc_call_duration_seconds",
			Help:    "Duration of proxied RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		removals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shv_gateway_session_removals_total",
			Help: "Sessions removed from the store by reason",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.removals.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Dec()
}

// Call records a finished RPC call. outcome is "ok" or the error tag.
func (m *Metrics) Call(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(d.Seconds())
}
