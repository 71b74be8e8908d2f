package frontdoor

import (
	"context"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/failover"
	"triage/internal/logging"
)

// Poller yields one snapshot of backend health facts per call.
type Poller interface {
	Poll(ctx context.Context) ([]domain.BackendHealthFact, error)
}

// VIP moves the routed address between the active pair and back.
type VIP interface {
	Failover(ctx context.Context) error
	Failback(ctx context.Context) error
}

// StateStore persists the failover decision across restarts.
type StateStore interface {
	Save(st domain.FailoverState) error
	Load() (domain.FailoverState, bool, error)
}

// Metrics receives agent telemetry. A nil Metrics disables reporting.
type Metrics interface {
	SetBackendHealth(percent float64, tenants int)
	SetFailoverDecision(d domain.Decision)
	RecordFailoverTransition(to domain.Decision)
}

// Agent runs the front-door control loop: poll the stats surface, let
// the arbiter decide, move the VIP on decision changes, and persist the
// decision so a restart mid-grace does not restart the clock.
type Agent struct {
	cfg     config.FrontdoorConfig
	poller  Poller
	arbiter *failover.Arbiter
	vip     VIP
	states  StateStore
	log     *logging.Logger
	metrics Metrics

	vipDirty bool
}

func NewAgent(cfg config.FrontdoorConfig, poller Poller, arb *failover.Arbiter, vip VIP, states StateStore, log *logging.Logger) *Agent {
	if cfg.NodeName != "" {
		log = log.With("node", cfg.NodeName)
	}
	return &Agent{
		cfg:     cfg,
		poller:  poller,
		arbiter: arb,
		vip:     vip,
		states:  states,
		log:     log,
	}
}

// SetMetrics attaches agent telemetry.
func (a *Agent) SetMetrics(m Metrics) { a.metrics = m }

// Run restores persisted state and polls until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	a.restore()
	a.log.Info("front door agent starting",
		"interval", a.cfg.PollInterval.String(),
		"threshold", a.cfg.BackendHealthThreshold,
		"quorum", a.cfg.TeamQuorum,
		"grace", a.cfg.GracePeriod.String())

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			a.log.Info("front door agent stopped")
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) restore() {
	st, found, err := a.states.Load()
	if err != nil {
		a.log.Error("failover state unrecoverable, starting fresh", "error", err)
		return
	}
	if !found {
		a.log.Info("no persisted failover state, starting stable")
		return
	}
	a.arbiter.Seed(st)
	if a.metrics != nil {
		a.metrics.SetFailoverDecision(st.Decision)
	}
	a.log.Info("failover state restored",
		"decision", string(st.Decision), "healthy_percent", st.HealthyPercent)
	if st.Decision == domain.DecisionFailover {
		a.log.Warn("node restored in failover state, traffic stays rerouted")
	}
}

// tick runs one poll cycle. A failed poll keeps the previous decision:
// losing sight of the stats endpoint is a node-local fault, not evidence
// the backends died.
func (a *Agent) tick(ctx context.Context) {
	pollCtx := ctx
	if a.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, a.cfg.PollTimeout)
		defer cancel()
	}

	facts, err := a.poller.Poll(pollCtx)
	if err != nil {
		a.log.Warn("stats poll failed, keeping previous decision", "error", err)
		return
	}
	if len(facts) == 0 {
		a.log.Warn("stats poll returned no recognized backends")
		return
	}

	state, tr := a.arbiter.Observe(facts)
	if a.metrics != nil {
		a.metrics.SetBackendHealth(state.HealthyPercent, state.HealthyTenants)
		a.metrics.SetFailoverDecision(state.Decision)
	}

	switch {
	case tr != nil:
		a.transition(ctx, tr)
	case a.vipDirty:
		a.applyVIP(ctx, state.Decision)
	}
}

func (a *Agent) transition(ctx context.Context, tr *failover.Transition) {
	if a.metrics != nil {
		a.metrics.RecordFailoverTransition(tr.To)
	}
	a.log.Info("failover decision changed",
		"from", string(tr.From), "to", string(tr.To),
		"healthy_percent", tr.State.HealthyPercent,
		"healthy_tenants", tr.State.HealthyTenants,
		"elapsed", tr.Elapsed.String())

	if err := a.states.Save(tr.State); err != nil {
		a.log.Warn("persist failover state failed", "error", err)
	}

	// Traffic moves on entry to failover and on the way back from it.
	// Abandoning a grace period that never rerouted touches nothing.
	if tr.To == domain.DecisionFailover ||
		(tr.To == domain.DecisionStable && tr.From == domain.DecisionFailover) {
		a.applyVIP(ctx, tr.To)
	}
}

// applyVIP moves traffic for a decision. Pending failover moves nothing.
// A provider failure marks the VIP dirty so every following poll retries
// until the routed address matches the decision again.
func (a *Agent) applyVIP(ctx context.Context, d domain.Decision) {
	var err error
	switch d {
	case domain.DecisionFailover:
		err = a.vip.Failover(ctx)
	case domain.DecisionStable:
		err = a.vip.Failback(ctx)
	default:
		return
	}
	if err != nil {
		a.vipDirty = true
		a.log.Error("vip update failed, will retry", "decision", string(d), "error", err)
		return
	}
	a.vipDirty = false
	a.log.Info("vip updated", "decision", string(d))
}
