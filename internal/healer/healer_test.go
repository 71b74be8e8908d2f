package healer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/logging"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	restarts []string
	switches []string
	lastEnv  domain.Environment
	lastFrom domain.Environment
	lastTo   domain.Environment
	err      error
}

func (f *fakeDispatcher) Restart(_ context.Context, attemptID, _ string, env domain.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.restarts = append(f.restarts, attemptID)
	f.lastEnv = env
	return nil
}

func (f *fakeDispatcher) SwitchEnvironment(_ context.Context, attemptID, _ string, from, to domain.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.switches = append(f.switches, attemptID)
	f.lastFrom = from
	f.lastTo = to
	return nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts) + len(f.switches)
}

type fakeStore struct {
	mu          sync.Mutex
	saved       []domain.HealingAttempt
	savedEnvs   []domain.EnvironmentState
	pending     []domain.HealingAttempt
	restoreEnvs []domain.EnvironmentState
}

func (f *fakeStore) SaveAttempt(_ context.Context, a domain.HealingAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakeStore) PendingAttempts(context.Context) ([]domain.HealingAttempt, error) {
	return f.pending, nil
}

func (f *fakeStore) SaveEnvironment(_ context.Context, e domain.EnvironmentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedEnvs = append(f.savedEnvs, e)
	return nil
}

func (f *fakeStore) Environments(context.Context) ([]domain.EnvironmentState, error) {
	return f.restoreEnvs, nil
}

func healTenant() config.Tenant {
	return config.Tenant{
		Name: "devops",
		Healing: config.HealingPolicy{
			Enabled:           true,
			Actions:           []domain.ActionKind{domain.ActionRestart, domain.ActionSwitchEnvironment},
			MaxAttempts:       3,
			OpenDuration:      30 * time.Minute,
			AttemptTimeout:    5 * time.Minute,
			MinSwitchInterval: 10 * time.Minute,
		},
		Environment: config.EnvState{Active: domain.EnvironmentBlue, BlueGreen: true},
	}
}

func newTestOrchestrator(d *fakeDispatcher) (*Orchestrator, *fakeStore, *time.Time) {
	st := &fakeStore{}
	o := New(st, d, logging.New("test"))
	now := time.Unix(1700000000, 0).UTC()
	o.now = func() time.Time { return now }
	n := 0
	o.newID = func() string { n++; return fmt.Sprintf("att-%d", n) }
	o.SeedEnvironments([]config.Tenant{healTenant()})
	return o, st, &now
}

func TestDispatchCreatesPendingAttempt(t *testing.T) {
	d := &fakeDispatcher{}
	o, st, _ := newTestOrchestrator(d)

	got, err := o.Dispatch(context.Background(), healTenant(), domain.BreakerState{Status: domain.BreakerClosed})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Action != domain.ActionRestart || got.AttemptNum != 1 {
		t.Fatalf("attempt = %+v, want restart #1", got)
	}
	if got.Outcome != domain.OutcomePending {
		t.Fatalf("outcome = %s, want pending", got.Outcome)
	}
	if len(d.restarts) != 1 || d.restarts[0] != got.ID {
		t.Fatalf("dispatcher saw restarts %v", d.restarts)
	}
	if d.lastEnv != domain.EnvironmentBlue {
		t.Fatalf("restart targeted %s, want blue", d.lastEnv)
	}
	if pending, ok := o.Pending("devops"); !ok || pending.ID != got.ID {
		t.Fatalf("Pending = %+v/%v", pending, ok)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.saved) == 0 {
		t.Fatal("attempt was not persisted")
	}
}

func TestDispatchExclusivity(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(d)
	ctx := context.Background()

	first, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{})
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}

	second, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{})
	if !errors.Is(err, ErrAttemptPending) {
		t.Fatalf("second Dispatch err = %v, want ErrAttemptPending", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second Dispatch returned %s, want the pending attempt %s", second.ID, first.ID)
	}
	if d.calls() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.calls())
	}

	// Any resolution releases the lock.
	if _, _, err := o.ReportOutcome(ctx, first.ID, domain.OutcomeSucceeded, "done"); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if _, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{}); err != nil {
		t.Fatalf("Dispatch after resolution: %v", err)
	}
}

func TestDispatchFollowsFailureCursor(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(d)

	got, err := o.Dispatch(context.Background(), healTenant(), domain.BreakerState{Failures: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Action != domain.ActionSwitchEnvironment {
		t.Fatalf("action = %s, want switch_environment after one failure", got.Action)
	}
	if got.FromEnv != domain.EnvironmentBlue || got.ToEnv != domain.EnvironmentGreen {
		t.Fatalf("switch %s -> %s, want blue -> green", got.FromEnv, got.ToEnv)
	}
	if got.AttemptNum != 2 {
		t.Fatalf("attempt_num = %d, want 2", got.AttemptNum)
	}
}

func TestDispatchFailureResolvesImmediately(t *testing.T) {
	d := &fakeDispatcher{err: fmt.Errorf("%w: connection refused", faults.ErrDispatchFailure)}
	o, _, _ := newTestOrchestrator(d)
	ctx := context.Background()

	got, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{})
	if !errors.Is(err, faults.ErrDispatchFailure) {
		t.Fatalf("err = %v, want ErrDispatchFailure", err)
	}
	if got.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got.Outcome)
	}
	if !strings.HasPrefix(got.Detail, "dispatch:") {
		t.Fatalf("detail = %q", got.Detail)
	}
	if _, ok := o.Pending("devops"); ok {
		t.Fatal("lock must release when dispatch fails")
	}
}

func TestReportOutcomeIsIdempotent(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(d)
	ctx := context.Background()

	attempt, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	first, applied, err := o.ReportOutcome(ctx, attempt.ID, domain.OutcomeSucceeded, "recovered")
	if err != nil || !applied {
		t.Fatalf("first report applied=%v err=%v", applied, err)
	}
	if first.Outcome != domain.OutcomeSucceeded || first.ResolvedAt.IsZero() {
		t.Fatalf("resolved attempt = %+v", first)
	}

	second, applied, err := o.ReportOutcome(ctx, attempt.ID, domain.OutcomeFailed, "late duplicate")
	if err != nil {
		t.Fatalf("duplicate report err = %v", err)
	}
	if applied {
		t.Fatal("duplicate report must not apply")
	}
	if second.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("duplicate flipped outcome to %s", second.Outcome)
	}
}

func TestReportOutcomeUnknownAttempt(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeDispatcher{})
	_, _, err := o.ReportOutcome(context.Background(), "nope", domain.OutcomeFailed, "")
	if !errors.Is(err, ErrUnknownAttempt) {
		t.Fatalf("err = %v, want ErrUnknownAttempt", err)
	}
}

func TestReportOutcomeRejectsNonTerminal(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeDispatcher{})
	if _, _, err := o.ReportOutcome(context.Background(), "att-x", domain.OutcomePending, ""); err == nil {
		t.Fatal("pending is not a reportable outcome")
	}
}

func TestCancelReleasesLock(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(d)
	ctx := context.Background()

	if _, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := o.Cancel(ctx, "devops")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Outcome != domain.OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", got.Outcome)
	}
	if _, ok := o.Pending("devops"); ok {
		t.Fatal("cancel must release the lock")
	}
	if _, err := o.Cancel(ctx, "devops"); !errors.Is(err, ErrNoPendingAttempt) {
		t.Fatalf("second cancel err = %v, want ErrNoPendingAttempt", err)
	}
}

func TestSweepResolvesExpiredAttempts(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, now := newTestOrchestrator(d)
	ctx := context.Background()

	attempt, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if timedOut := o.SweepTimeouts(ctx); len(timedOut) != 0 {
		t.Fatalf("sweep before deadline resolved %v", timedOut)
	}

	*now = now.Add(6 * time.Minute)
	timedOut := o.SweepTimeouts(ctx)
	if len(timedOut) != 1 || timedOut[0].ID != attempt.ID {
		t.Fatalf("sweep = %+v, want the dispatched attempt", timedOut)
	}
	if timedOut[0].Outcome != domain.OutcomeTimedOut {
		t.Fatalf("outcome = %s, want timed_out", timedOut[0].Outcome)
	}
	if _, ok := o.Pending("devops"); ok {
		t.Fatal("timeout must release the lock")
	}
}

func TestSwitchSuccessFlipsEnvironment(t *testing.T) {
	d := &fakeDispatcher{}
	o, st, _ := newTestOrchestrator(d)
	ctx := context.Background()

	attempt, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{Failures: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, _, err := o.ReportOutcome(ctx, attempt.ID, domain.OutcomeSucceeded, "traffic moved"); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	env, ok := o.Environment("devops")
	if !ok || env.Active != domain.EnvironmentGreen {
		t.Fatalf("environment = %+v, want active green", env)
	}
	if env.SwitchCount != 1 || env.LastSwitchAt.IsZero() {
		t.Fatalf("switch bookkeeping = %+v", env)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.savedEnvs) != 1 || st.savedEnvs[0].Active != domain.EnvironmentGreen {
		t.Fatalf("persisted envs = %+v", st.savedEnvs)
	}
}

func TestSwitchDampingFallsThrough(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, now := newTestOrchestrator(d)
	ctx := context.Background()

	// One switch just happened.
	attempt, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{Failures: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, _, err := o.ReportOutcome(ctx, attempt.ID, domain.OutcomeSucceeded, ""); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	// Inside min_switch_interval the cursor still points at switch, but
	// the orchestrator falls through to restart.
	*now = now.Add(time.Minute)
	got, err := o.Dispatch(ctx, healTenant(), domain.BreakerState{Failures: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Action != domain.ActionRestart {
		t.Fatalf("action = %s, want restart while switch is damped", got.Action)
	}
	if d.lastEnv != domain.EnvironmentGreen {
		t.Fatalf("restart targeted %s, want the now-active green", d.lastEnv)
	}
}

func TestSwitchOnlyPolicyNoOpsWhileDamped(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, now := newTestOrchestrator(d)
	ctx := context.Background()

	tenant := healTenant()
	tenant.Healing.Actions = []domain.ActionKind{domain.ActionSwitchEnvironment}

	attempt, err := o.Dispatch(ctx, tenant, domain.BreakerState{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, _, err := o.ReportOutcome(ctx, attempt.ID, domain.OutcomeSucceeded, ""); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	*now = now.Add(time.Minute)
	if _, err := o.Dispatch(ctx, tenant, domain.BreakerState{}); !errors.Is(err, ErrNoEligibleAction) {
		t.Fatalf("err = %v, want ErrNoEligibleAction", err)
	}
}

func TestSwitchRequiresBlueGreen(t *testing.T) {
	d := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(d)

	tenant := healTenant()
	tenant.Environment.BlueGreen = false
	tenant.Healing.Actions = []domain.ActionKind{domain.ActionSwitchEnvironment, domain.ActionRestart}

	got, err := o.Dispatch(context.Background(), tenant, domain.BreakerState{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Action != domain.ActionRestart {
		t.Fatalf("action = %s, want restart when blue/green is off", got.Action)
	}
}

func TestHealingDisabled(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeDispatcher{})
	tenant := healTenant()
	tenant.Healing.Enabled = false

	if _, err := o.Dispatch(context.Background(), tenant, domain.BreakerState{}); !errors.Is(err, ErrNoEligibleAction) {
		t.Fatalf("err = %v, want ErrNoEligibleAction", err)
	}
}

func TestRestoreRehydratesState(t *testing.T) {
	d := &fakeDispatcher{}
	st := &fakeStore{}
	o := New(st, d, logging.New("test"))
	now := time.Unix(1700000000, 0).UTC()
	o.now = func() time.Time { return now }

	st.pending = []domain.HealingAttempt{{
		ID:        "att-old",
		Tenant:    "devops",
		Action:    domain.ActionRestart,
		StartedAt: now.Add(-10 * time.Minute),
		Deadline:  now.Add(-5 * time.Minute),
		Outcome:   domain.OutcomePending,
	}}
	st.restoreEnvs = []domain.EnvironmentState{{
		Tenant:       "devops",
		Active:       domain.EnvironmentGreen,
		LastSwitchAt: now.Add(-time.Hour),
		SwitchCount:  2,
	}}

	if err := o.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if pending, ok := o.Pending("devops"); !ok || pending.ID != "att-old" {
		t.Fatalf("pending after restore = %+v/%v", pending, ok)
	}
	if env, ok := o.Environment("devops"); !ok || env.Active != domain.EnvironmentGreen {
		t.Fatalf("environment after restore = %+v", env)
	}

	// The deadline passed while the process was down.
	timedOut := o.SweepTimeouts(context.Background())
	if len(timedOut) != 1 || timedOut[0].ID != "att-old" {
		t.Fatalf("sweep after restore = %+v", timedOut)
	}
}
