package failover

import (
	"sync"
	"time"

	"triage/internal/domain"
)

// Transition is one decision change worth acting on. The agent triggers
// the VIP provider on entry to Failover and on return to Stable; repeated
// observations inside a decision never re-fire.
type Transition struct {
	From    domain.Decision
	To      domain.Decision
	State   domain.FailoverState
	Elapsed time.Duration
}

// Arbiter turns each poll's backend facts into a failover decision for
// this front-door node. It holds no history beyond the grace timer, so
// independent nodes looking at the same backends converge on the same
// decision without coordinating.
type Arbiter struct {
	threshold float64
	quorum    int
	grace     time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state domain.FailoverState
}

func New(threshold float64, quorum int, grace time.Duration) *Arbiter {
	return &Arbiter{
		threshold: threshold,
		quorum:    quorum,
		grace:     grace,
		now:       time.Now,
		state:     domain.FailoverState{Decision: domain.DecisionStable},
	}
}

// Seed restores a persisted decision, grace timer included, so a node
// restart mid-grace does not restart the clock.
func (a *Arbiter) Seed(st domain.FailoverState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st.Decision == "" {
		st.Decision = domain.DecisionStable
	}
	a.state = st
}

// State returns the current decision snapshot.
func (a *Arbiter) State() domain.FailoverState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Observe folds one poll into the decision. An empty poll keeps the
// current decision: an unreachable stats endpoint is a node-local fault,
// not a fleet outage. The returned transition is nil unless the decision
// changed this call.
func (a *Arbiter) Observe(facts []domain.BackendHealthFact) (domain.FailoverState, *Transition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(facts) == 0 {
		return a.state, nil
	}

	now := a.now()
	healthy := 0
	tenantsUp := make(map[string]bool)
	for _, f := range facts {
		if f.Up {
			healthy++
			tenantsUp[f.Tenant] = true
		}
	}
	pct := float64(healthy) * 100 / float64(len(facts))

	prev := a.state.Decision
	a.state.HealthyPercent = pct
	a.state.HealthyTenants = len(tenantsUp)
	a.state.TotalBackends = len(facts)
	a.state.DecidedAt = now

	below := pct < a.threshold && len(tenantsUp) < a.quorum
	if !below {
		a.state.Decision = domain.DecisionStable
		a.state.GraceStart = time.Time{}
		return a.state, a.transition(prev, 0)
	}

	if a.state.GraceStart.IsZero() {
		a.state.GraceStart = now
	}
	elapsed := now.Sub(a.state.GraceStart)
	if prev == domain.DecisionFailover {
		return a.state, nil
	}
	if elapsed >= a.grace {
		a.state.Decision = domain.DecisionFailover
		return a.state, a.transition(prev, elapsed)
	}
	a.state.Decision = domain.DecisionPendingFailover
	return a.state, a.transition(prev, elapsed)
}

func (a *Arbiter) transition(prev domain.Decision, elapsed time.Duration) *Transition {
	if prev == a.state.Decision {
		return nil
	}
	return &Transition{
		From:    prev,
		To:      a.state.Decision,
		State:   a.state,
		Elapsed: elapsed,
	}
}
