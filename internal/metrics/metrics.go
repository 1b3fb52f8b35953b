// Package metrics expõe os contadores Prometheus das decisões do perímetro.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrupa os coletores do perímetro
type Metrics struct {
	RateLimitDecisions     *prometheus.CounterVec
	RateLimitDegraded      *prometheus.CounterVec
	CSRFRejections         prometheus.Counter
	AllowListDenials       prometheus.Counter
	CredentialsStored      prometheus.Counter
	CredentialsConsumed    *prometheus.CounterVec
	CredentialsSwept       prometheus.Counter
	CredentialsOutstanding prometheus.Gauge
}

// New registra os coletores no registerer informado.
// Testes devem passar um prometheus.NewRegistry() próprio para evitar registro duplicado.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perimeter_ratelimit_decisions_total",
			Help: "Rate limit checks by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RateLimitDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perimeter_ratelimit_backend_degraded_total",
			Help: "Rate limit checks served by the fallback policy because the counter store failed",
		}, []string{"policy"}),
		CSRFRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "perimeter_csrf_rejections_total",
			Help: "Mutating requests rejected by CSRF validation",
		}),
		AllowListDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "perimeter_allowlist_denials_total",
			Help: "Requests to protected prefixes rejected by the IP allow-list",
		}),
		CredentialsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "perimeter_credentials_stored_total",
			Help: "One-time credentials stored",
		}),
		CredentialsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perimeter_credentials_consume_total",
			Help: "One-time credential consumption attempts by result",
		}, []string{"result"}),
		CredentialsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "perimeter_credentials_swept_total",
			Help: "Expired one-time credentials removed by the sweeper",
		}),
		CredentialsOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perimeter_credentials_outstanding",
			Help: "One-time credentials currently held in memory",
		}),
	}
}

// NewNop cria métricas registradas em um registry descartável
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRateLimit conta uma decisão do rate limiter por endpoint e resultado
func (m *Metrics) ObserveRateLimit(endpoint string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.RateLimitDecisions.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveDegraded conta uma decisão tomada pela política de fallback
func (m *Metrics) ObserveDegraded(policy string) {
	m.RateLimitDegraded.WithLabelValues(policy).Inc()
}

// IncrementCSRFRejections conta uma requisição rejeitada pelo CSRF
func (m *Metrics) IncrementCSRFRejections() {
	m.CSRFRejections.Inc()
}

// IncrementAllowListDenials conta uma requisição barrada pela allow-list
func (m *Metrics) IncrementAllowListDenials() {
	m.AllowListDenials.Inc()
}

// ObserveCredentialConsume conta uma tentativa de consumo, com ou sem acerto
func (m *Metrics) ObserveCredentialConsume(found bool) {
	result := "hit"
	if !found {
		result = "miss"
	}
	m.CredentialsConsumed.WithLabelValues(result).Inc()
}
