package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oauthd"

type Metrics struct {
	AuthorizeRequests *prometheus.CounterVec
	TokenRequests     *prometheus.CounterVec
	ReuseDetected     *prometheus.CounterVec
	Logins            *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	CleanupRemoved    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthorizeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_requests_total",
			Help:      "Authorization requests by resulting attempt status.",
		}, []string{"status"}),
		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant type and OAuth error code.",
		}, []string{"grant_type", "result"}),
		ReuseDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reuse_detected_total",
			Help:      "Replayed authorization codes and refresh tokens.",
		}, []string{"kind"}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Password logins by result.",
		}, []string{"result"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the failure rate limiter.",
		}, []string{"scope"}),
		CleanupRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_rows_total",
			Help:      "Expired rows deleted by the cleanup job.",
		}, []string{"table"}),
	}
}
