// Package engine runs the evaluation cycle: collect samples, aggregate a
// composite score, track the trend, and route unhealthy tenants through
// the breaker into the healing orchestrator.
package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"triage/internal/breaker"
	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/healer"
	"triage/internal/locks"
	"triage/internal/logging"
	"triage/internal/score"
	"triage/internal/trend"
)

var (
	// ErrUnknownTenant means the named tenant is not configured, is
	// disabled, or failed validation.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrNoScore means the tenant has not completed an evaluation yet.
	ErrNoScore = errors.New("tenant not evaluated yet")
)

// Evaluation results, one per cycle per tenant.
const (
	ResultHealthy        = "healthy"
	ResultDegraded       = "degraded"
	ResultNoData         = "no_data"
	ResultDispatched     = "dispatched"
	ResultPending        = "pending"
	ResultSuppressed     = "suppressed"
	ResultUnhealthy      = "unhealthy"
	ResultDispatchFailed = "dispatch_failed"
	ResultSkipped        = "skipped"
)

// Collector fetches one cycle's health samples for a tenant.
type Collector interface {
	Collect(ctx context.Context, tenant config.Tenant) []domain.HealthSample
}

// Store is the slice of the state store the engine itself writes through
// to. The healing orchestrator holds its own narrower view.
type Store interface {
	SaveScore(ctx context.Context, score domain.CompositeScore, healthy bool) error
	ScoreHistory(ctx context.Context, tenant string, limit int) ([]trend.Point, error)
	PruneScores(ctx context.Context, olderThan time.Time) (int64, error)
	SaveBreaker(ctx context.Context, st domain.BreakerState) error
	Breakers(ctx context.Context) ([]domain.BreakerState, error)
	Mode() string
}

// Metrics receives engine telemetry. A nil Metrics disables reporting.
type Metrics interface {
	RecordEvaluation(tenant, result string)
	SetScore(tenant string, value float64)
	SetBreakerState(tenant string, status domain.BreakerStatus)
	RecordBreakerTransition(tenant string, from, to domain.BreakerStatus)
	RecordHealingAttempt(tenant string, action domain.ActionKind, outcome domain.Outcome)
	SetPersistenceDegraded(degraded bool)
}

// Evaluation is the outcome of one cycle for one tenant.
type Evaluation struct {
	Tenant  string                 `json:"tenant"`
	Result  string                 `json:"result"`
	Score   domain.CompositeScore  `json:"score"`
	Trend   trend.Snapshot         `json:"trend"`
	Breaker domain.BreakerState    `json:"breaker"`
	Attempt *domain.HealingAttempt `json:"attempt,omitempty"`
}

// TenantInfo summarizes one configured tenant for the API surface.
// Invalid tenants stay visible here even though they are never evaluated.
type TenantInfo struct {
	Name     string             `json:"name"`
	Tier     string             `json:"tier,omitempty"`
	Enabled  bool               `json:"enabled"`
	Valid    bool               `json:"valid"`
	Problems map[string]string  `json:"problems,omitempty"`
	Active   domain.Environment `json:"active_environment,omitempty"`
}

// Status is the engine's liveness summary.
type Status struct {
	Tenants     int    `json:"tenants"`
	Evaluations uint64 `json:"evaluations"`
	Persistence string `json:"persistence"`
	Dispatcher  string `json:"dispatcher"`
}

// Engine owns the per-tenant evaluation loops. It holds the breaker,
// trend tracker and healing orchestrator, and serializes cycles per
// tenant through a striped lock so the scheduler and the API never
// evaluate the same tenant concurrently.
type Engine struct {
	cfg     config.Config
	col     Collector
	store   Store
	healer  *healer.Orchestrator
	brk     *breaker.Breaker
	trends  *trend.Tracker
	agg     *score.Aggregator
	locks   *locks.Striped
	log     *logging.Logger
	metrics Metrics
	now     func() time.Time

	mu          sync.Mutex
	tenants     map[string]config.Tenant
	infos       []TenantInfo
	lastScores  map[string]domain.CompositeScore
	lastBreaker map[string]domain.BreakerStatus
	evaluations uint64
	loops       map[string]context.CancelFunc
	baseCtx     context.Context
	wg          sync.WaitGroup
}

func New(cfg config.Config, col Collector, st Store, heal *healer.Orchestrator, brk *breaker.Breaker, log *logging.Logger) *Engine {
	capacity := trend.WindowSize(cfg.Engine.TrendWindow, cfg.Engine.EvaluationWindow)
	e := &Engine{
		cfg:         cfg,
		col:         col,
		store:       st,
		healer:      heal,
		brk:         brk,
		trends:      trend.NewTracker(capacity, cfg.Engine.DegradingAfter, cfg.Engine.RecoverySamples),
		agg:         score.NewAggregator(score.SingleSourcePolicy(cfg.Engine.SingleSourcePolicy)),
		locks:       locks.NewStriped(32),
		log:         log,
		now:         time.Now,
		tenants:     make(map[string]config.Tenant),
		lastScores:  make(map[string]domain.CompositeScore),
		lastBreaker: make(map[string]domain.BreakerStatus),
		loops:       make(map[string]context.CancelFunc),
	}
	e.setTenants(cfg)
	return e
}

// SetMetrics attaches engine telemetry.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// setTenants partitions the configured tenants, installs the evaluable
// set, and returns the names that were added and removed.
func (e *Engine) setTenants(cfg config.Config) (added, removed []string) {
	valid, invalid := cfg.PartitionTenants()
	for name, err := range invalid {
		e.log.Error("tenant config invalid, excluded from evaluation",
			"tenant", name, "error", err)
	}

	enabled := make(map[string]config.Tenant, len(valid))
	var seed []config.Tenant
	for _, t := range valid {
		if !t.Enabled {
			continue
		}
		enabled[t.Name] = t
		seed = append(seed, t)
	}
	e.healer.SeedEnvironments(seed)

	infos := make([]TenantInfo, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		info := TenantInfo{Name: t.Name, Tier: t.Tier, Enabled: t.Enabled, Valid: true}
		if ce, ok := invalid[t.Name]; ok {
			info.Valid = false
			info.Problems = ce.Fields
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range enabled {
		if _, ok := e.tenants[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range e.tenants {
		if _, ok := enabled[name]; !ok {
			removed = append(removed, name)
		}
	}
	e.tenants = enabled
	e.infos = infos
	return added, removed
}

func (e *Engine) tenant(name string) (config.Tenant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tenants[name]
	return t, ok
}

// activeEnv resolves the tenant's runtime environment so probes follow
// blue/green switches made after the config was loaded.
func (e *Engine) activeEnv(t config.Tenant) domain.Environment {
	if env, ok := e.healer.Environment(t.Name); ok {
		return env.Active
	}
	return t.Environment.Active
}

// Assess runs a read-only scoring pass: collect, aggregate, report.
// Nothing is recorded, persisted, or dispatched.
func (e *Engine) Assess(ctx context.Context, tenant string) (Evaluation, error) {
	t, ok := e.tenant(tenant)
	if !ok {
		return Evaluation{}, ErrUnknownTenant
	}
	t.Environment.Active = e.activeEnv(t)

	sc := e.agg.Aggregate(t, e.col.Collect(ctx, t), e.now())
	ev := Evaluation{
		Tenant: t.Name,
		Score:  sc,
		Trend:  e.trends.Snapshot(t.Name, availabilityTarget(t.Thresholds)),
	}
	ev.Breaker, _ = e.brk.State(t.Name)

	switch {
	case sc.NoData:
		ev.Result = ResultNoData
	case sc.Value >= t.Thresholds.HealthyCutoff:
		ev.Result = ResultHealthy
	case sc.Value >= t.Thresholds.ActionThreshold:
		ev.Result = ResultDegraded
	default:
		ev.Result = ResultUnhealthy
	}
	return ev, nil
}

// Evaluate runs one full cycle for the tenant, blocking until any
// in-flight cycle for the same tenant finishes.
func (e *Engine) Evaluate(ctx context.Context, tenant string) (Evaluation, error) {
	t, ok := e.tenant(tenant)
	if !ok {
		return Evaluation{}, ErrUnknownTenant
	}
	e.locks.Lock(tenant)
	defer e.locks.Unlock(tenant)
	return e.evaluateLocked(ctx, t), nil
}

// evaluateLocked is the cycle body. The caller holds the tenant's stripe.
func (e *Engine) evaluateLocked(ctx context.Context, t config.Tenant) Evaluation {
	t.Environment.Active = e.activeEnv(t)

	sc := e.agg.Aggregate(t, e.col.Collect(ctx, t), e.now())
	healthy := !sc.NoData && sc.Value >= t.Thresholds.HealthyCutoff

	e.trends.Record(t.Name, sc, t.Thresholds.HealthyCutoff)
	snap := e.trends.Snapshot(t.Name, availabilityTarget(t.Thresholds))
	if snap.Samples > 0 && !snap.Meets {
		sc.Breached = append(sc.Breached, "availability")
	}

	if err := e.store.SaveScore(ctx, sc, healthy); err != nil {
		e.log.Warn("persist score failed", "tenant", t.Name, "error", err)
	}

	e.mu.Lock()
	e.lastScores[t.Name] = sc
	e.evaluations++
	e.mu.Unlock()

	ev := Evaluation{Tenant: t.Name, Score: sc, Trend: snap}
	switch {
	case sc.NoData:
		// Silence is not failure: the breaker only hears about tenants
		// we actually observed.
		ev.Result = ResultNoData
		ev.Breaker = e.breakerRead(ctx, t.Name)
		e.log.Warn("no valid signal source, skipping health decision",
			"tenant", t.Name, "missing", len(sc.Missing))
	case healthy:
		st, changed := e.brk.NoteHealthy(t.Name)
		e.syncBreaker(ctx, st, changed)
		ev.Result = ResultHealthy
		ev.Breaker = st
	case sc.Value >= t.Thresholds.ActionThreshold:
		ev.Result = ResultDegraded
		ev.Breaker = e.breakerRead(ctx, t.Name)
		e.log.Info("tenant degraded, holding off healing",
			"tenant", t.Name, "score", sc.Value,
			"breached", strings.Join(sc.Breached, ","))
	default:
		ev = e.healUnhealthy(ctx, t, ev)
	}

	if snap.Degrading {
		e.log.Warn("score trend degrading",
			"tenant", t.Name, "score", sc.Value, "compliance", snap.Compliance)
	}
	if e.metrics != nil {
		e.metrics.RecordEvaluation(t.Name, ev.Result)
		e.metrics.SetScore(t.Name, sc.Value)
	}
	return ev
}

// healUnhealthy routes an unhealthy cycle through the breaker gate into
// the orchestrator and maps the dispatch result.
func (e *Engine) healUnhealthy(ctx context.Context, t config.Tenant, ev Evaluation) Evaluation {
	st := e.breakerRead(ctx, t.Name)
	ev.Breaker = st

	if st.Status == domain.BreakerOpen {
		ev.Result = ResultSuppressed
		e.log.Info("healing suppressed while breaker open",
			"tenant", t.Name, "score", ev.Score.Value,
			"open_until", st.OpenedAt.Add(st.OpenDuration).Format(time.RFC3339))
		return ev
	}

	attempt, err := e.healer.Dispatch(ctx, t, st)
	switch {
	case err == nil:
		ev.Result = ResultDispatched
		ev.Attempt = &attempt
		if attempt.Outcome.Resolved() {
			// The dispatcher reported back before returning; show the
			// post-outcome breaker instead of the stale gate snapshot.
			ev.Breaker = e.breakerRead(ctx, t.Name)
		}
	case errors.Is(err, healer.ErrAttemptPending):
		ev.Result = ResultPending
		ev.Attempt = &attempt
	case errors.Is(err, healer.ErrNoEligibleAction):
		st, changed := e.brk.NoteUnhealthy(t.Name, t.Healing)
		e.syncBreaker(ctx, st, changed)
		ev.Result = ResultUnhealthy
		ev.Breaker = st
		e.log.Warn("tenant unhealthy with no healing dispatched",
			"tenant", t.Name, "score", ev.Score.Value, "failures", st.Failures)
	default:
		st, changed := e.brk.NoteOutcome(t.Name, domain.OutcomeFailed, t.Healing)
		e.syncBreaker(ctx, st, changed)
		ev.Result = ResultDispatchFailed
		ev.Breaker = st
		ev.Attempt = &attempt
		e.recordAttempt(attempt)
		e.log.Error("healing dispatch failed",
			"tenant", t.Name, "attempt_id", attempt.ID, "error", err)
	}
	return ev
}

// HandleOutcome resolves a healing attempt and feeds the breaker exactly
// once per attempt. Duplicate reports return the resolved attempt and
// change nothing.
func (e *Engine) HandleOutcome(ctx context.Context, attemptID string, outcome domain.Outcome, detail string) (domain.HealingAttempt, error) {
	attempt, applied, err := e.healer.ReportOutcome(ctx, attemptID, outcome, detail)
	if err != nil {
		return attempt, err
	}
	if !applied {
		return attempt, nil
	}

	st, changed := e.brk.NoteOutcome(attempt.Tenant, attempt.Outcome, e.policyFor(attempt.Tenant))
	e.syncBreaker(ctx, st, changed)
	e.recordAttempt(attempt)
	e.log.Info("healing attempt resolved",
		"tenant", attempt.Tenant, "attempt_id", attempt.ID,
		"action", string(attempt.Action), "outcome", string(attempt.Outcome))
	return attempt, nil
}

// CancelAttempt resolves the tenant's pending attempt as cancelled.
// Cancellation never feeds the breaker.
func (e *Engine) CancelAttempt(ctx context.Context, tenant string) (domain.HealingAttempt, error) {
	if _, ok := e.tenant(tenant); !ok {
		return domain.HealingAttempt{}, ErrUnknownTenant
	}
	attempt, err := e.healer.Cancel(ctx, tenant)
	if err != nil {
		return domain.HealingAttempt{}, err
	}
	e.recordAttempt(attempt)
	return attempt, nil
}

// Restore reloads persisted state at startup: breaker positions, score
// windows, pending attempts and environment switches. Every piece is
// best-effort; a fresh process with an empty store starts clean.
func (e *Engine) Restore(ctx context.Context) {
	states, err := e.store.Breakers(ctx)
	if err != nil {
		e.log.Warn("restore breaker states failed", "error", err)
	} else if len(states) > 0 {
		e.brk.Seed(states)
		e.mu.Lock()
		for _, st := range states {
			e.lastBreaker[st.Tenant] = st.Status
		}
		e.mu.Unlock()
	}

	capacity := trend.WindowSize(e.cfg.Engine.TrendWindow, e.cfg.Engine.EvaluationWindow)
	seeded := 0
	for _, t := range e.tenantList() {
		points, err := e.store.ScoreHistory(ctx, t.Name, capacity)
		if err != nil {
			e.log.Warn("restore score history failed", "tenant", t.Name, "error", err)
			continue
		}
		if len(points) == 0 {
			continue
		}
		scores := make([]domain.CompositeScore, len(points))
		for i, p := range points {
			scores[i] = domain.CompositeScore{Tenant: t.Name, Value: p.Value, EvaluatedAt: p.At}
		}
		e.trends.Seed(t.Name, scores, t.Thresholds.HealthyCutoff)
		seeded++
	}

	if err := e.healer.Restore(ctx); err != nil {
		e.log.Warn("restore healing state failed", "error", err)
	}
	e.log.Info("persisted state restored",
		"breakers", len(states), "trend_windows", seeded)
}

// LastScore returns the tenant's most recent composite score.
func (e *Engine) LastScore(tenant string) (domain.CompositeScore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tenants[tenant]; !ok {
		return domain.CompositeScore{}, ErrUnknownTenant
	}
	sc, ok := e.lastScores[tenant]
	if !ok {
		return domain.CompositeScore{}, ErrNoScore
	}
	return sc, nil
}

// TrendSnapshot returns the tenant's current score window.
func (e *Engine) TrendSnapshot(tenant string) (trend.Snapshot, error) {
	t, ok := e.tenant(tenant)
	if !ok {
		return trend.Snapshot{}, ErrUnknownTenant
	}
	return e.trends.Snapshot(t.Name, availabilityTarget(t.Thresholds)), nil
}

// BreakerState returns the tenant's breaker snapshot, persisting a lazy
// open-to-half-open transition if the read triggered one.
func (e *Engine) BreakerState(ctx context.Context, tenant string) (domain.BreakerState, error) {
	if _, ok := e.tenant(tenant); !ok {
		return domain.BreakerState{}, ErrUnknownTenant
	}
	return e.breakerRead(ctx, tenant), nil
}

// PendingAttempt returns the tenant's in-flight healing attempt, if any.
func (e *Engine) PendingAttempt(tenant string) (domain.HealingAttempt, bool) {
	return e.healer.Pending(tenant)
}

// Environment returns the tenant's blue/green state.
func (e *Engine) Environment(tenant string) (domain.EnvironmentState, bool) {
	return e.healer.Environment(tenant)
}

// Tenants lists every configured tenant, including disabled and invalid
// ones, sorted by name.
func (e *Engine) Tenants() []TenantInfo {
	e.mu.Lock()
	infos := make([]TenantInfo, len(e.infos))
	copy(infos, e.infos)
	e.mu.Unlock()

	for i := range infos {
		if env, ok := e.healer.Environment(infos[i].Name); ok {
			infos[i].Active = env.Active
		}
	}
	return infos
}

// Status reports the engine's liveness summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Tenants:     len(e.tenants),
		Evaluations: e.evaluations,
		Persistence: e.store.Mode(),
		Dispatcher:  e.cfg.Dispatch.Provider,
	}
}

func (e *Engine) tenantList() []config.Tenant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]config.Tenant, 0, len(e.tenants))
	for _, t := range e.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// breakerRead fetches the breaker snapshot, syncing any lazy transition.
func (e *Engine) breakerRead(ctx context.Context, tenant string) domain.BreakerState {
	st, changed := e.brk.State(tenant)
	e.syncBreaker(ctx, st, changed)
	return st
}

// syncBreaker persists a changed breaker state and emits the transition
// telemetry derived from the previously observed status.
func (e *Engine) syncBreaker(ctx context.Context, st domain.BreakerState, changed bool) {
	e.mu.Lock()
	prev, seen := e.lastBreaker[st.Tenant]
	e.lastBreaker[st.Tenant] = st.Status
	e.mu.Unlock()
	if !seen {
		prev = domain.BreakerClosed
	}

	if prev != st.Status {
		if e.metrics != nil {
			e.metrics.RecordBreakerTransition(st.Tenant, prev, st.Status)
		}
		e.log.Info("breaker state changed",
			"tenant", st.Tenant, "from", string(prev), "to", string(st.Status),
			"failures", st.Failures)
	} else if e.metrics != nil {
		e.metrics.SetBreakerState(st.Tenant, st.Status)
	}

	if !changed {
		return
	}
	if err := e.store.SaveBreaker(ctx, st); err != nil {
		e.log.Warn("persist breaker state failed", "tenant", st.Tenant, "error", err)
	}
}

func (e *Engine) recordAttempt(a domain.HealingAttempt) {
	if e.metrics != nil {
		e.metrics.RecordHealingAttempt(a.Tenant, a.Action, a.Outcome)
	}
}

// policyFor looks up the tenant's healing policy, falling back to the
// configured defaults for tenants that left the config mid-flight.
func (e *Engine) policyFor(tenant string) config.HealingPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tenants[tenant]; ok {
		return t.Healing
	}
	return e.cfg.Engine.Defaults.Healing
}

// availabilityTarget converts the configured availability fraction into
// the compliance percentage the trend window is measured against.
func availabilityTarget(th config.Thresholds) float64 {
	return th.MinAvailability * 100
}
