package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/gatewarden/guard"
	"github.com/jmcleod/gatewarden/ratelimit"
)

type promMetrics struct {
	registry    *prometheus.Registry
	decisions   *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	quotaChecks *prometheus.CounterVec
	conversions *prometheus.CounterVec
	logins      *prometheus.CounterVec
	alerts      *prometheus.CounterVec
}

func newPromMetrics(reg *prometheus.Registry, limiter *ratelimit.Limiter) *promMetrics {
	f := promauto.With(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if limiter != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gatewarden_ratelimit_tracked_keys",
			Help: "Client keys currently held by the rate limiter",
		}, func() float64 { return float64(limiter.Len()) })
	}
	return &promMetrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_decisions_total",
			Help: "Pipeline decisions by deciding stage and verdict",
		}, []string{"stage", "verdict"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_session_validations_total",
			Help: "Session validation results for requests that reached the validator",
		}, []string{"status"}),
		quotaChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_quota_checks_total",
			Help: "Quota gate results",
		}, []string{"result"}),
		conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_conversions_total",
			Help: "Conversion outcomes",
		}, []string{"result"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_logins_total",
			Help: "Password and demo sign-in outcomes",
		}, []string{"kind", "result"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_alerts_total",
			Help: "Spike alerts raised",
		}, []string{"type"}),
	}
}

func (m *promMetrics) observe(out guard.Outcome) {
	switch out.Verdict {
	case guard.VerdictRateLimited:
		m.decisions.WithLabelValues("ratelimit", string(out.Verdict)).Inc()
		return
	case guard.VerdictBlocked:
		m.decisions.WithLabelValues("anomaly", string(out.Verdict)).Inc()
		return
	}
	m.decisions.WithLabelValues("session", string(out.Verdict)).Inc()
	m.sessions.WithLabelValues(string(out.Session.Status)).Inc()
}

func (m *promMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
