package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// MetricsObserver counts engine events with Prometheus.
type MetricsObserver struct {
	authorizationsTotal *prometheus.CounterVec
	codesIssuedTotal    prometheus.Counter
	tokensIssuedTotal   *prometheus.CounterVec
	grantErrorsTotal    *prometheus.CounterVec
	securityViolations  *prometheus.CounterVec
}

// NewMetricsObserver creates and registers the counters. It should be
// called once at application startup.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	m := &MetricsObserver{
		authorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_authorizations_total",
			Help: "Total number of authorization requests by outcome.",
		}, []string{"outcome"}),
		codesIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oidc_codes_issued_total",
			Help: "Total number of authorization codes issued.",
		}),
		tokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_tokens_issued_total",
			Help: "Total number of token responses by grant type.",
		}, []string{"grant_type"}),
		grantErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_grant_errors_total",
			Help: "Total number of failed token exchanges by error code.",
		}, []string{"error"}),
		securityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_security_violations_total",
			Help: "Total number of detected security violations by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.authorizationsTotal, m.codesIssuedTotal, m.tokensIssuedTotal,
			m.grantErrorsTotal, m.securityViolations,
		} {
			if err := reg.Register(c); err != nil {
				log.Warn().Err(err).Msg("failed to register metric")
			}
		}
	}

	return m
}

func (m *MetricsObserver) Notify(ev Event) {
	switch ev.Name {
	case AuthorizationSuccess:
		m.authorizationsTotal.WithLabelValues("success").Inc()
	case AuthorizationError:
		m.authorizationsTotal.WithLabelValues("error").Inc()
	case CodeIssued:
		m.codesIssuedTotal.Inc()
	case TokenIssued:
		m.tokensIssuedTotal.WithLabelValues(ev.Detail).Inc()
	case GrantError:
		m.grantErrorsTotal.WithLabelValues(ev.Detail).Inc()
	case SecurityViolation:
		m.securityViolations.WithLabelValues(ev.Detail).Inc()
	}
}

var _ Observer = (*MetricsObserver)(nil)
