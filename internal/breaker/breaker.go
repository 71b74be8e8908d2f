package breaker

import (
	"math"
	"sort"
	"sync"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
)

// Breaker owns the per-tenant circuit breaker state machine. Nothing else
// mutates BreakerState; other components read snapshots.
//
// The failure counter advances on Failed/TimedOut healing outcomes and on
// unhealthy evaluations that did not hand the cycle to the orchestrator
// (healing disabled, no eligible action). Evaluations that dispatched an
// attempt, or arrived while one was pending, do not count: their failure
// arrives exactly once through the outcome path.
type Breaker struct {
	mu     sync.Mutex
	states map[string]*domain.BreakerState
	now    func() time.Time
}

func New() *Breaker {
	return &Breaker{
		states: make(map[string]*domain.BreakerState),
		now:    time.Now,
	}
}

// Seed loads persisted breaker states, typically at startup. An Open state
// whose cooldown elapsed while the process was down flips to HalfOpen on
// the first read.
func (b *Breaker) Seed(states []domain.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range states {
		cp := st
		b.states[st.Tenant] = &cp
	}
}

// State returns the tenant's current snapshot, applying the automatic
// Open to HalfOpen transition when the cooldown has elapsed.
func (b *Breaker) State(tenant string) (domain.BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(tenant)
	changed := b.maybeHalfOpen(st)
	return *st, changed
}

// All returns every tracked tenant's snapshot, sorted by tenant name.
func (b *Breaker) All() []domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BreakerState, 0, len(b.states))
	for _, st := range b.states {
		b.maybeHalfOpen(st)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// NoteHealthy records a healthy evaluation. It resets the failure run in
// Closed and closes a HalfOpen breaker: a tenant that recovered on its own
// counts as a successful probe. Open is untouched until the cooldown runs.
func (b *Breaker) NoteHealthy(tenant string) (domain.BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(tenant)
	changed := b.maybeHalfOpen(st)

	switch st.Status {
	case domain.BreakerClosed:
		if st.Failures != 0 {
			st.Failures = 0
			st.UpdatedAt = b.now()
			changed = true
		}
	case domain.BreakerHalfOpen:
		b.close(st)
		changed = true
	}
	return *st, changed
}

// NoteUnhealthy records an unhealthy evaluation that no healing attempt
// covers. In Closed it advances the failure run and opens the breaker at
// the policy's max attempts; in HalfOpen it reopens with backoff. Open
// swallows it: suppressed evaluations are the caller's to log.
func (b *Breaker) NoteUnhealthy(tenant string, pol config.HealingPolicy) (domain.BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(tenant)
	changed := b.maybeHalfOpen(st)

	switch st.Status {
	case domain.BreakerClosed:
		b.countFailure(st, pol)
		changed = true
	case domain.BreakerHalfOpen:
		b.reopen(st, pol)
		changed = true
	}
	return *st, changed
}

// NoteOutcome feeds a resolved healing attempt outcome into the machine.
// Cancelled never counts. Duplicate-report filtering is the orchestrator's
// job; every call here is assumed to be a first report.
func (b *Breaker) NoteOutcome(tenant string, outcome domain.Outcome, pol config.HealingPolicy) (domain.BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(tenant)
	changed := b.maybeHalfOpen(st)

	switch {
	case outcome == domain.OutcomeSucceeded:
		switch st.Status {
		case domain.BreakerClosed:
			if st.Failures != 0 {
				st.Failures = 0
				st.UpdatedAt = b.now()
				changed = true
			}
		case domain.BreakerHalfOpen:
			b.close(st)
			changed = true
		}
	case outcome.CountsAsFailure():
		switch st.Status {
		case domain.BreakerClosed:
			b.countFailure(st, pol)
			changed = true
		case domain.BreakerHalfOpen:
			b.reopen(st, pol)
			changed = true
		}
	}
	return *st, changed
}

func (b *Breaker) get(tenant string) *domain.BreakerState {
	st := b.states[tenant]
	if st == nil {
		st = &domain.BreakerState{
			Tenant: tenant,
			Status: domain.BreakerClosed,
		}
		b.states[tenant] = st
	}
	return st
}

func (b *Breaker) maybeHalfOpen(st *domain.BreakerState) bool {
	if st.Status != domain.BreakerOpen {
		return false
	}
	if b.now().Sub(st.OpenedAt) < st.OpenDuration {
		return false
	}
	st.Status = domain.BreakerHalfOpen
	st.UpdatedAt = b.now()
	return true
}

// countFailure advances the failure run in Closed. A run whose last
// failure is older than the cooldown window starts over instead of
// chaining across quiet periods.
func (b *Breaker) countFailure(st *domain.BreakerState, pol config.HealingPolicy) {
	now := b.now()
	if !st.LastFailureAt.IsZero() && pol.OpenDuration > 0 && now.Sub(st.LastFailureAt) > pol.OpenDuration {
		st.Failures = 0
	}
	st.Failures++
	st.LastFailureAt = now
	st.UpdatedAt = now

	max := pol.MaxAttempts
	if max < 1 {
		max = 1
	}
	if st.Failures >= max {
		st.Status = domain.BreakerOpen
		st.OpenedAt = now
		st.OpenDuration = pol.OpenDuration
		st.Reopens = 0
	}
}

// reopen sends a HalfOpen breaker back to Open after a failed probe,
// stretching the cooldown exponentially when a backoff factor is set.
func (b *Breaker) reopen(st *domain.BreakerState, pol config.HealingPolicy) {
	now := b.now()
	st.Reopens++
	st.Status = domain.BreakerOpen
	st.OpenedAt = now
	st.OpenDuration = openFor(pol, st.Reopens)
	st.Failures++
	st.LastFailureAt = now
	st.UpdatedAt = now
}

func (b *Breaker) close(st *domain.BreakerState) {
	st.Status = domain.BreakerClosed
	st.Failures = 0
	st.Reopens = 0
	st.OpenedAt = time.Time{}
	st.OpenDuration = 0
	st.UpdatedAt = b.now()
}

func openFor(pol config.HealingPolicy, reopens int) time.Duration {
	d := pol.OpenDuration
	if pol.BackoffFactor > 1 && reopens > 0 {
		scaled := float64(d) * math.Pow(pol.BackoffFactor, float64(reopens))
		d = time.Duration(scaled)
		if pol.MaxOpenDuration > 0 && d > pol.MaxOpenDuration {
			d = pol.MaxOpenDuration
		}
	}
	return d
}
