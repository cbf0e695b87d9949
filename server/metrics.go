package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login methods and outcomes used as metric labels.
const (
	LoginMethodCognito = "cognito"
	LoginMethodLocal   = "local"
	LoginMethodToken   = "token"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics instruments the authentication flow. Each App owns its registry so
// tests can build many apps without collector collisions.
type Metrics struct {
	registry         *prometheus.Registry
	logins           *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

// NewMetrics builds the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashgw",
			Name:      "logins_total",
			Help:      "Login attempts by method and outcome",
		}, []string{"method", "outcome"}),
		callbackFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashgw",
			Name:      "callback_failures_total",
			Help:      "OIDC callback failures by reason",
		}, []string{"reason"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dashgw",
			Name:      "sessions_active",
			Help:      "Number of authenticated sessions",
		}),
	}
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LoginSucceeded records a completed login.
func (m *Metrics) LoginSucceeded(method string) {
	m.logins.WithLabelValues(method, OutcomeSuccess).Inc()
}

// SessionStarted records a session turning authenticated. Callers invoke it
// only on the anonymous-to-authenticated transition so that re-logins on a
// live session do not inflate the gauge.
func (m *Metrics) SessionStarted() {
	m.sessionsActive.Inc()
}

// LoginFailed records a failed login attempt.
func (m *Metrics) LoginFailed(method string) {
	m.logins.WithLabelValues(method, OutcomeFailure).Inc()
}

// CallbackFailed records a callback failure with a bounded reason label.
func (m *Metrics) CallbackFailed(reason string) {
	m.callbackFailures.WithLabelValues(reason).Inc()
}

// SessionEnded records an authenticated session going away.
func (m *Metrics) SessionEnded() {
	m.sessionsActive.Dec()
}
