package dispatch

import (
	"context"

	"triage/internal/domain"
	"triage/internal/logging"
)

// Dispatcher hands healing actions to whatever executes them. Outcomes do
// not travel back on this path: executors report them asynchronously
// against the attempt id they were given.
type Dispatcher interface {
	Restart(ctx context.Context, attemptID, tenant string, env domain.Environment) error
	SwitchEnvironment(ctx context.Context, attemptID, tenant string, from, to domain.Environment) error
}

// Reporter delivers an attempt outcome back to the orchestrator.
type Reporter func(ctx context.Context, attemptID string, outcome domain.Outcome, detail string) error

// Noop logs every action and drops it. Attempts dispatched through it
// resolve only by deadline, which makes it safe while wiring up a new
// environment.
type Noop struct {
	Log *logging.Logger
}

func (n Noop) Restart(ctx context.Context, attemptID, tenant string, env domain.Environment) error {
	if n.Log != nil {
		n.Log.Info("noop dispatch: restart",
			"attempt_id", attemptID, "tenant", tenant, "environment", string(env))
	}
	return nil
}

func (n Noop) SwitchEnvironment(ctx context.Context, attemptID, tenant string, from, to domain.Environment) error {
	if n.Log != nil {
		n.Log.Info("noop dispatch: switch environment",
			"attempt_id", attemptID, "tenant", tenant, "from", string(from), "to", string(to))
	}
	return nil
}

// Loopback accepts every action and immediately reports it as succeeded.
// It stands in for external action executors in single-node setups and
// keeps the whole attempt lifecycle running without them.
type Loopback struct {
	log    *logging.Logger
	report Reporter
}

func NewLoopback(log *logging.Logger) *Loopback {
	return &Loopback{log: log}
}

// SetReporter wires the outcome path. Loopback and the orchestrator
// reference each other, so the reporter arrives after construction.
func (l *Loopback) SetReporter(r Reporter) { l.report = r }

func (l *Loopback) Restart(ctx context.Context, attemptID, tenant string, env domain.Environment) error {
	l.log.Info("loopback dispatch: restart",
		"attempt_id", attemptID, "tenant", tenant, "environment", string(env))
	return l.resolve(ctx, attemptID, "restart accepted")
}

func (l *Loopback) SwitchEnvironment(ctx context.Context, attemptID, tenant string, from, to domain.Environment) error {
	l.log.Info("loopback dispatch: switch environment",
		"attempt_id", attemptID, "tenant", tenant, "from", string(from), "to", string(to))
	return l.resolve(ctx, attemptID, "environment switch accepted")
}

func (l *Loopback) resolve(ctx context.Context, attemptID, detail string) error {
	if l.report == nil {
		return nil
	}
	return l.report(ctx, attemptID, domain.OutcomeSucceeded, detail)
}
