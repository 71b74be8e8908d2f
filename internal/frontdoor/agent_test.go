package frontdoor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/failover"
	"triage/internal/logging"
	"triage/internal/statefile"
)

type fakePoller struct {
	mu    sync.Mutex
	facts []domain.BackendHealthFact
	err   error
}

func (p *fakePoller) Poll(ctx context.Context) ([]domain.BackendHealthFact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.facts, nil
}

func (p *fakePoller) set(facts []domain.BackendHealthFact, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.facts, p.err = facts, err
}

type fakeVIP struct {
	mu        sync.Mutex
	failovers int
	failbacks int
	err       error
}

func (v *fakeVIP) Failover(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.failovers++
	return nil
}

func (v *fakeVIP) Failback(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.failbacks++
	return nil
}

func (v *fakeVIP) counts() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failovers, v.failbacks
}

func (v *fakeVIP) setErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func fleetFacts(up bool) []domain.BackendHealthFact {
	at := time.Unix(1700000000, 0).UTC()
	return []domain.BackendHealthFact{
		{Tenant: "devops", Environment: domain.EnvironmentBlue, Up: up, ObservedAt: at},
		{Tenant: "payments", Environment: domain.EnvironmentBlue, Up: up, ObservedAt: at},
		{Tenant: "search", Environment: domain.EnvironmentBlue, Up: up, ObservedAt: at},
	}
}

func newTestAgent(t *testing.T, grace time.Duration) (*Agent, *fakePoller, *fakeVIP, *statefile.File) {
	t.Helper()
	log := logging.New("test")
	cfg := config.FrontdoorConfig{
		PollInterval:           time.Second,
		PollTimeout:            time.Second,
		BackendHealthThreshold: 50,
		TeamQuorum:             2,
		GracePeriod:            grace,
		StatePath:              filepath.Join(t.TempDir(), "failover-state.json"),
		NodeName:               "edge-a",
	}
	poller := &fakePoller{}
	vip := &fakeVIP{}
	states := statefile.New(cfg.StatePath, log)
	arb := failover.New(cfg.BackendHealthThreshold, cfg.TeamQuorum, cfg.GracePeriod)
	return NewAgent(cfg, poller, arb, vip, states, log), poller, vip, states
}

func TestAgentFailoverOnFleetCollapse(t *testing.T) {
	agent, poller, vip, states := newTestAgent(t, 0)
	ctx := context.Background()

	poller.set(fleetFacts(true), nil)
	agent.tick(ctx)
	if fo, fb := vip.counts(); fo != 0 || fb != 0 {
		t.Fatalf("vip touched on healthy poll: failovers=%d failbacks=%d", fo, fb)
	}

	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)
	if fo, _ := vip.counts(); fo != 1 {
		t.Fatalf("failovers = %d, want 1", fo)
	}

	// Staying down never re-fires the provider.
	agent.tick(ctx)
	if fo, _ := vip.counts(); fo != 1 {
		t.Fatalf("failovers after repeat poll = %d, want 1", fo)
	}

	st, found, err := states.Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if st.Decision != domain.DecisionFailover {
		t.Errorf("persisted decision = %q, want failover", st.Decision)
	}
}

func TestAgentGracePeriodDelaysFailover(t *testing.T) {
	agent, poller, vip, _ := newTestAgent(t, 50*time.Millisecond)
	ctx := context.Background()

	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)
	if agent.arbiter.State().Decision != domain.DecisionPendingFailover {
		t.Fatalf("decision = %q, want pending_failover", agent.arbiter.State().Decision)
	}
	if fo, _ := vip.counts(); fo != 0 {
		t.Fatalf("vip failed over during grace: %d", fo)
	}

	time.Sleep(60 * time.Millisecond)
	agent.tick(ctx)
	if agent.arbiter.State().Decision != domain.DecisionFailover {
		t.Fatalf("decision = %q, want failover after grace", agent.arbiter.State().Decision)
	}
	if fo, _ := vip.counts(); fo != 1 {
		t.Fatalf("failovers = %d, want 1", fo)
	}
}

func TestAgentRecoveryFailsBack(t *testing.T) {
	agent, poller, vip, _ := newTestAgent(t, 0)
	ctx := context.Background()

	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)
	poller.set(fleetFacts(true), nil)
	agent.tick(ctx)

	fo, fb := vip.counts()
	if fo != 1 || fb != 1 {
		t.Fatalf("failovers=%d failbacks=%d, want 1 and 1", fo, fb)
	}

	agent.tick(ctx)
	if _, fb := vip.counts(); fb != 1 {
		t.Fatalf("failbacks after repeat poll = %d, want 1", fb)
	}
}

func TestAgentAbandonedGraceTouchesNothing(t *testing.T) {
	agent, poller, vip, _ := newTestAgent(t, time.Hour)
	ctx := context.Background()

	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)
	poller.set(fleetFacts(true), nil)
	agent.tick(ctx)

	if agent.arbiter.State().Decision != domain.DecisionStable {
		t.Fatalf("decision = %q, want stable", agent.arbiter.State().Decision)
	}
	if fo, fb := vip.counts(); fo != 0 || fb != 0 {
		t.Errorf("vip touched for an abandoned grace: failovers=%d failbacks=%d", fo, fb)
	}
}

func TestAgentPollFailureKeepsDecision(t *testing.T) {
	agent, poller, vip, _ := newTestAgent(t, 0)
	ctx := context.Background()

	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)

	poller.set(nil, errors.New("stats endpoint unreachable"))
	agent.tick(ctx)

	if agent.arbiter.State().Decision != domain.DecisionFailover {
		t.Fatalf("decision = %q, want failover held through poll failure", agent.arbiter.State().Decision)
	}
	if _, fb := vip.counts(); fb != 0 {
		t.Errorf("failbacks = %d, want 0", fb)
	}
}

func TestAgentRetriesFailedVIPUpdate(t *testing.T) {
	agent, poller, vip, _ := newTestAgent(t, 0)
	ctx := context.Background()

	vip.setErr(errors.New("dns api throttled"))
	poller.set(fleetFacts(false), nil)
	agent.tick(ctx)
	if fo, _ := vip.counts(); fo != 0 {
		t.Fatalf("failovers = %d, want 0 while provider errors", fo)
	}

	vip.setErr(nil)
	agent.tick(ctx)
	if fo, _ := vip.counts(); fo != 1 {
		t.Fatalf("failovers = %d, want 1 after retry", fo)
	}

	agent.tick(ctx)
	if fo, _ := vip.counts(); fo != 1 {
		t.Fatalf("failovers = %d, want no further retries once synced", fo)
	}
}

func TestAgentRestoresPersistedDecision(t *testing.T) {
	agent, poller, vip, states := newTestAgent(t, 0)
	ctx := context.Background()

	if err := states.Save(domain.FailoverState{
		HealthyPercent: 10,
		Decision:       domain.DecisionFailover,
		DecidedAt:      time.Unix(1700000000, 0).UTC(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	agent.restore()
	if agent.arbiter.State().Decision != domain.DecisionFailover {
		t.Fatalf("restored decision = %q, want failover", agent.arbiter.State().Decision)
	}

	poller.set(fleetFacts(true), nil)
	agent.tick(ctx)
	if _, fb := vip.counts(); fb != 1 {
		t.Errorf("failbacks = %d, want 1 after recovery from restored failover", fb)
	}
}
