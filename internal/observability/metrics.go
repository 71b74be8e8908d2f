package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"triage/internal/domain"
)

// Metrics centralizes Prometheus instrumentation for the engine and the
// front-door agent. Every series carries the triage_ prefix.
type Metrics struct {
	registry *prometheus.Registry

	evaluations       *prometheus.CounterVec
	compositeScore    *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec
	breakerMoves      *prometheus.CounterVec
	healingAttempts   *prometheus.CounterVec
	collectorFailures *prometheus.CounterVec
	collectorLatency  *prometheus.HistogramVec
	dispatchRequests  *prometheus.CounterVec

	failoverDecision prometheus.Gauge
	backendHealthy   prometheus.Gauge
	healthyTenants   prometheus.Gauge
	failoverMoves    *prometheus.CounterVec

	persistenceDegraded prometheus.Gauge
}

// NewMetrics builds a metrics container backed by the provided registry.
// If no registry is supplied, a new one is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	m.evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_evaluations_total",
		Help: "Evaluation cycles grouped by tenant and result",
	}, []string{"tenant", "result"})
	m.compositeScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_composite_score",
		Help: "Latest composite health score per tenant",
	}, []string{"tenant"})
	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_breaker_state",
		Help: "Breaker position per tenant: 0 closed, 1 open, 2 half-open",
	}, []string{"tenant"})
	m.breakerMoves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_breaker_transitions_total",
		Help: "Breaker state transitions grouped by tenant",
	}, []string{"tenant", "from", "to"})
	m.healingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_healing_attempts_total",
		Help: "Resolved healing attempts grouped by tenant, action and outcome",
	}, []string{"tenant", "action", "outcome"})
	m.collectorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_collector_failures_total",
		Help: "Signal source failures grouped by tenant and source",
	}, []string{"tenant", "source"})
	m.collectorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triage_collector_latency_seconds",
		Help:    "Signal collection latency distributions per source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
	m.dispatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_dispatch_requests_total",
		Help: "Healing action dispatches grouped by action and status",
	}, []string{"action", "status"})

	m.failoverDecision = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "triage_failover_decision",
		Help: "Front-door decision: 0 stable, 1 pending failover, 2 failover",
	})
	m.backendHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "triage_backend_healthy_percent",
		Help: "Healthy backend percentage observed by the front-door agent",
	})
	m.healthyTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "triage_healthy_tenants",
		Help: "Distinct tenants with at least one healthy backend",
	})
	m.failoverMoves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_failover_transitions_total",
		Help: "Failover decision transitions grouped by new decision",
	}, []string{"decision"})

	m.persistenceDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "triage_persistence_degraded",
		Help: "1 while the durable store is unavailable and state is memory-only",
	})

	reg.MustRegister(
		m.evaluations, m.compositeScore,
		m.breakerState, m.breakerMoves,
		m.healingAttempts, m.collectorFailures, m.collectorLatency,
		m.dispatchRequests,
		m.failoverDecision, m.backendHealthy, m.healthyTenants, m.failoverMoves,
		m.persistenceDegraded,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordEvaluation(tenant, result string) {
	m.evaluations.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) SetScore(tenant string, value float64) {
	m.compositeScore.WithLabelValues(tenant).Set(value)
}

func (m *Metrics) SetBreakerState(tenant string, status domain.BreakerStatus) {
	m.breakerState.WithLabelValues(tenant).Set(breakerValue(status))
}

func (m *Metrics) RecordBreakerTransition(tenant string, from, to domain.BreakerStatus) {
	m.breakerMoves.WithLabelValues(tenant, string(from), string(to)).Inc()
	m.SetBreakerState(tenant, to)
}

func (m *Metrics) RecordHealingAttempt(tenant string, action domain.ActionKind, outcome domain.Outcome) {
	m.healingAttempts.WithLabelValues(tenant, string(action), string(outcome)).Inc()
}

func (m *Metrics) RecordCollectorFailure(tenant, source string) {
	m.collectorFailures.WithLabelValues(tenant, source).Inc()
}

func (m *Metrics) ObserveCollectorLatency(source string, d time.Duration) {
	m.collectorLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) RecordDispatch(action string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dispatchRequests.WithLabelValues(action, status).Inc()
}

func (m *Metrics) SetFailoverDecision(d domain.Decision) {
	m.failoverDecision.Set(decisionValue(d))
}

func (m *Metrics) RecordFailoverTransition(to domain.Decision) {
	m.failoverMoves.WithLabelValues(string(to)).Inc()
	m.SetFailoverDecision(to)
}

func (m *Metrics) SetBackendHealth(percent float64, tenants int) {
	m.backendHealthy.Set(percent)
	m.healthyTenants.Set(float64(tenants))
}

func (m *Metrics) SetPersistenceDegraded(degraded bool) {
	if degraded {
		m.persistenceDegraded.Set(1)
		return
	}
	m.persistenceDegraded.Set(0)
}

func breakerValue(s domain.BreakerStatus) float64 {
	switch s {
	case domain.BreakerOpen:
		return 1
	case domain.BreakerHalfOpen:
		return 2
	}
	return 0
}

func decisionValue(d domain.Decision) float64 {
	switch d {
	case domain.DecisionPendingFailover:
		return 1
	case domain.DecisionFailover:
		return 2
	}
	return 0
}
