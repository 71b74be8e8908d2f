package healer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"triage/internal/config"
	"triage/internal/dispatch"
	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/logging"
)

var (
	// ErrAttemptPending means the tenant already has an in-flight attempt;
	// the evaluation that wanted a new one is a logged no-op.
	ErrAttemptPending = errors.New("healing attempt already pending")
	// ErrNoEligibleAction means the policy offered nothing dispatchable
	// this cycle, e.g. healing disabled or every action damped.
	ErrNoEligibleAction = errors.New("no eligible healing action")
	// ErrUnknownAttempt means an outcome report named an attempt id this
	// process has never seen.
	ErrUnknownAttempt = errors.New("unknown healing attempt")
	// ErrNoPendingAttempt means a cancel found nothing to cancel.
	ErrNoPendingAttempt = errors.New("no pending healing attempt")
)

// resolvedRetention bounds how long resolved attempts stay queryable for
// duplicate-report detection.
const resolvedRetention = time.Hour

// Store is the slice of the state store the orchestrator writes through to.
type Store interface {
	SaveAttempt(ctx context.Context, a domain.HealingAttempt) error
	PendingAttempts(ctx context.Context) ([]domain.HealingAttempt, error)
	SaveEnvironment(ctx context.Context, e domain.EnvironmentState) error
	Environments(ctx context.Context) ([]domain.EnvironmentState, error)
}

// Orchestrator owns HealingAttempt and EnvironmentState for every tenant.
// It guarantees one pending attempt per tenant, resolves attempts exactly
// once, and flips blue/green state when a switch succeeds. It reads breaker
// snapshots but never mutates the breaker; outcome bookkeeping there is the
// caller's job.
type Orchestrator struct {
	mu         sync.Mutex
	pending    map[string]*domain.HealingAttempt // keyed by tenant
	byID       map[string]*domain.HealingAttempt // pending, keyed by attempt id
	resolved   map[string]domain.HealingAttempt  // recently resolved, keyed by attempt id
	envs       map[string]*domain.EnvironmentState
	lastSwitch map[string]time.Time

	store Store
	disp  dispatch.Dispatcher
	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

func New(store Store, disp dispatch.Dispatcher, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		pending:    make(map[string]*domain.HealingAttempt),
		byID:       make(map[string]*domain.HealingAttempt),
		resolved:   make(map[string]domain.HealingAttempt),
		envs:       make(map[string]*domain.EnvironmentState),
		lastSwitch: make(map[string]time.Time),
		store:      store,
		disp:       disp,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// SetDispatcher swaps the action executor, used when the dispatcher needs
// a reference back to this orchestrator for outcome reporting.
func (o *Orchestrator) SetDispatcher(d dispatch.Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disp = d
}

// SeedEnvironments installs the configured starting environment for each
// tenant. Persisted switches, restored afterwards, win over these.
func (o *Orchestrator) SeedEnvironments(tenants []config.Tenant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range tenants {
		if _, ok := o.envs[t.Name]; ok {
			continue
		}
		active := t.Environment.Active
		if !active.Valid() {
			active = domain.EnvironmentBlue
		}
		o.envs[t.Name] = &domain.EnvironmentState{Tenant: t.Name, Active: active}
	}
}

// Restore reloads pending attempts and environment state from the store.
// Attempts whose deadline passed while the process was down resolve as
// TimedOut on the next sweep.
func (o *Orchestrator) Restore(ctx context.Context) error {
	attempts, err := o.store.PendingAttempts(ctx)
	if err != nil {
		return fmt.Errorf("restore pending attempts: %w", err)
	}
	envs, err := o.store.Environments(ctx)
	if err != nil {
		return fmt.Errorf("restore environment state: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range attempts {
		cp := a
		o.pending[a.Tenant] = &cp
		o.byID[a.ID] = &cp
	}
	for _, e := range envs {
		cp := e
		o.envs[e.Tenant] = &cp
		if !e.LastSwitchAt.IsZero() {
			o.lastSwitch[e.Tenant] = e.LastSwitchAt
		}
	}
	return nil
}

// Dispatch picks the next action for an unhealthy tenant and hands it to
// the dispatcher under a fresh attempt id. The breaker snapshot chooses
// the cursor into the tenant's ordered action list: one failure moves one
// action further down.
//
// A dispatcher rejection resolves the attempt as Failed immediately and
// returns the dispatcher's error; the caller decides what the breaker
// hears about it.
func (o *Orchestrator) Dispatch(ctx context.Context, tenant config.Tenant, brk domain.BreakerState) (domain.HealingAttempt, error) {
	o.mu.Lock()
	if cur := o.pending[tenant.Name]; cur != nil {
		cp := *cur
		o.mu.Unlock()
		o.log.Info("healing attempt already pending, skipping",
			"tenant", tenant.Name, "attempt_id", cp.ID)
		return cp, ErrAttemptPending
	}
	if !tenant.Healing.Enabled || len(tenant.Healing.Actions) == 0 {
		o.mu.Unlock()
		return domain.HealingAttempt{}, ErrNoEligibleAction
	}

	now := o.now()
	action, ok := o.selectAction(tenant, brk, now)
	if !ok {
		o.mu.Unlock()
		o.log.Info("no eligible healing action this cycle", "tenant", tenant.Name)
		return domain.HealingAttempt{}, ErrNoEligibleAction
	}

	env := o.activeEnv(tenant.Name)
	attempt := &domain.HealingAttempt{
		ID:         o.newID(),
		Tenant:     tenant.Name,
		Action:     action,
		FromEnv:    env,
		ToEnv:      env,
		AttemptNum: brk.Failures + 1,
		StartedAt:  now,
		Deadline:   now.Add(tenant.Healing.AttemptTimeout),
		Outcome:    domain.OutcomePending,
	}
	if action == domain.ActionSwitchEnvironment {
		attempt.ToEnv = env.Other()
	}
	o.pending[tenant.Name] = attempt
	o.byID[attempt.ID] = attempt
	cp := *attempt
	o.mu.Unlock()

	o.persistAttempt(ctx, cp)
	o.log.Info("dispatching healing action",
		"tenant", tenant.Name, "action", string(action),
		"attempt_id", cp.ID, "attempt_num", cp.AttemptNum)

	var err error
	switch action {
	case domain.ActionSwitchEnvironment:
		err = o.disp.SwitchEnvironment(ctx, cp.ID, tenant.Name, cp.FromEnv, cp.ToEnv)
	default:
		err = o.disp.Restart(ctx, cp.ID, tenant.Name, cp.FromEnv)
	}
	if err != nil {
		failed, _ := o.resolve(ctx, cp.ID, domain.OutcomeFailed, "dispatch: "+err.Error())
		return failed, fmt.Errorf("dispatch %s for %s: %w", action, tenant.Name, err)
	}

	// The dispatcher may have reported an outcome before returning, so
	// hand back whatever the attempt looks like now.
	o.mu.Lock()
	if cur, ok := o.byID[cp.ID]; ok {
		cp = *cur
	} else if done, ok := o.resolved[cp.ID]; ok {
		cp = done
	}
	o.mu.Unlock()
	return cp, nil
}

// selectAction walks the ordered action list starting at the failure
// cursor and returns the first action allowed right now. switch_environment
// needs blue/green enabled and sits out min_switch_interval after the last
// switch.
func (o *Orchestrator) selectAction(tenant config.Tenant, brk domain.BreakerState, now time.Time) (domain.ActionKind, bool) {
	actions := tenant.Healing.Actions
	start := brk.Failures
	if start >= len(actions) {
		start = len(actions) - 1
	}
	for i := 0; i < len(actions); i++ {
		action := actions[(start+i)%len(actions)]
		if action == domain.ActionSwitchEnvironment {
			if !tenant.Environment.BlueGreen {
				continue
			}
			if last, ok := o.lastSwitch[tenant.Name]; ok && tenant.Healing.MinSwitchInterval > 0 &&
				now.Sub(last) < tenant.Healing.MinSwitchInterval {
				continue
			}
		}
		return action, true
	}
	return "", false
}

// ReportOutcome resolves a pending attempt. The first report per attempt
// id wins; duplicates return the already-resolved attempt with applied
// false and change nothing.
func (o *Orchestrator) ReportOutcome(ctx context.Context, attemptID string, outcome domain.Outcome, detail string) (domain.HealingAttempt, bool, error) {
	if !outcome.Resolved() {
		return domain.HealingAttempt{}, false, fmt.Errorf("outcome %q is not terminal", outcome)
	}

	o.mu.Lock()
	if done, ok := o.resolved[attemptID]; ok {
		o.mu.Unlock()
		o.log.Info("duplicate outcome report ignored",
			"attempt_id", attemptID, "outcome", string(outcome))
		return done, false, nil
	}
	if _, ok := o.byID[attemptID]; !ok {
		o.mu.Unlock()
		return domain.HealingAttempt{}, false, ErrUnknownAttempt
	}
	o.mu.Unlock()

	attempt, ok := o.resolve(ctx, attemptID, outcome, detail)
	if !ok {
		// Raced with another resolution; report it as a duplicate.
		o.mu.Lock()
		done := o.resolved[attemptID]
		o.mu.Unlock()
		return done, false, nil
	}
	return attempt, true, nil
}

// Cancel resolves a tenant's pending attempt as Cancelled and releases the
// exclusivity lock immediately.
func (o *Orchestrator) Cancel(ctx context.Context, tenant string) (domain.HealingAttempt, error) {
	o.mu.Lock()
	var id string
	if cur := o.pending[tenant]; cur != nil {
		id = cur.ID
	}
	o.mu.Unlock()
	if id == "" {
		return domain.HealingAttempt{}, ErrNoPendingAttempt
	}

	attempt, ok := o.resolve(ctx, id, domain.OutcomeCancelled, "cancelled by operator")
	if !ok {
		return domain.HealingAttempt{}, ErrNoPendingAttempt
	}
	o.log.Info("healing attempt cancelled", "tenant", tenant, "attempt_id", attempt.ID)
	return attempt, nil
}

// SweepTimeouts resolves every pending attempt whose deadline has passed
// and returns them so the caller can feed the breaker. It also prunes the
// resolved window.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) []domain.HealingAttempt {
	now := o.now()

	o.mu.Lock()
	var expired []string
	for _, a := range o.pending {
		if now.After(a.Deadline) {
			expired = append(expired, a.ID)
		}
	}
	for id, a := range o.resolved {
		if now.Sub(a.ResolvedAt) > resolvedRetention {
			delete(o.resolved, id)
		}
	}
	o.mu.Unlock()

	var out []domain.HealingAttempt
	for _, id := range expired {
		if a, ok := o.resolve(ctx, id, domain.OutcomeTimedOut, faults.ErrAttemptTimeout.Error()); ok {
			o.log.Warn("healing attempt timed out",
				"tenant", a.Tenant, "attempt_id", a.ID)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// resolve moves a pending attempt to its terminal outcome, releases the
// tenant lock, and applies environment flips for successful switches.
func (o *Orchestrator) resolve(ctx context.Context, attemptID string, outcome domain.Outcome, detail string) (domain.HealingAttempt, bool) {
	o.mu.Lock()
	a, ok := o.byID[attemptID]
	if !ok {
		o.mu.Unlock()
		return domain.HealingAttempt{}, false
	}
	now := o.now()
	a.Outcome = outcome
	a.Detail = detail
	a.ResolvedAt = now
	delete(o.pending, a.Tenant)
	delete(o.byID, attemptID)
	cp := *a
	o.resolved[attemptID] = cp

	var flipped *domain.EnvironmentState
	if outcome == domain.OutcomeSucceeded && a.Action == domain.ActionSwitchEnvironment {
		env := o.envs[a.Tenant]
		if env == nil {
			env = &domain.EnvironmentState{Tenant: a.Tenant, Active: a.FromEnv}
			o.envs[a.Tenant] = env
		}
		env.Active = a.ToEnv
		env.LastSwitchAt = now
		env.SwitchCount++
		o.lastSwitch[a.Tenant] = now
		cpEnv := *env
		flipped = &cpEnv
	}
	o.mu.Unlock()

	o.persistAttempt(ctx, cp)
	if flipped != nil {
		o.log.Info("environment switched",
			"tenant", flipped.Tenant, "active", string(flipped.Active),
			"switch_count", flipped.SwitchCount)
		if err := o.store.SaveEnvironment(ctx, *flipped); err != nil {
			o.log.Warn("persist environment state failed",
				"tenant", flipped.Tenant, "error", err)
		}
	}
	return cp, true
}

func (o *Orchestrator) persistAttempt(ctx context.Context, a domain.HealingAttempt) {
	if err := o.store.SaveAttempt(ctx, a); err != nil {
		o.log.Warn("persist healing attempt failed",
			"tenant", a.Tenant, "attempt_id", a.ID, "error", err)
	}
}

func (o *Orchestrator) activeEnv(tenant string) domain.Environment {
	if env := o.envs[tenant]; env != nil {
		return env.Active
	}
	return domain.EnvironmentBlue
}

// Pending returns the tenant's in-flight attempt, if any.
func (o *Orchestrator) Pending(tenant string) (domain.HealingAttempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a := o.pending[tenant]; a != nil {
		return *a, true
	}
	return domain.HealingAttempt{}, false
}

// Environment returns the tenant's blue/green state.
func (o *Orchestrator) Environment(tenant string) (domain.EnvironmentState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if env := o.envs[tenant]; env != nil {
		return *env, true
	}
	return domain.EnvironmentState{}, false
}

// Environments returns every tenant's blue/green state, sorted by tenant.
func (o *Orchestrator) Environments() []domain.EnvironmentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.EnvironmentState, 0, len(o.envs))
	for _, env := range o.envs {
		out = append(out, *env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}
