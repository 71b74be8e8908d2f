package store

import (
	"context"
	"sync"
	"time"

	"triage/internal/domain"
	"triage/internal/logging"
	"triage/internal/trend"
)

// Resilient fronts the durable backend with a memory mirror. Every write
// lands in the mirror first, so when the primary goes away the engine
// keeps its breaker, attempt and trend state and carries on; writes made
// during the outage are lost on restart, which a fresh evaluation cycle
// repairs. With no primary configured it runs memory-only.
type Resilient struct {
	primary  Backend
	fallback *Memory
	log      *logging.Logger

	mu       sync.RWMutex
	degraded bool
}

func NewResilient(primary Backend, log *logging.Logger) *Resilient {
	return &Resilient{primary: primary, fallback: NewMemory(), log: log}
}

// Degraded reports whether the durable backend is currently unusable.
func (r *Resilient) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Mode names the active persistence mode for readiness reporting.
func (r *Resilient) Mode() string {
	if r.primary == nil {
		return "memory"
	}
	if r.Degraded() {
		return "degraded"
	}
	return "postgres"
}

func (r *Resilient) SaveScore(ctx context.Context, score domain.CompositeScore, healthy bool) error {
	r.fallback.SaveScore(ctx, score, healthy)
	return r.write(func(b Backend) error { return b.SaveScore(ctx, score, healthy) }, "save score")
}

func (r *Resilient) ScoreHistory(ctx context.Context, tenant string, limit int) ([]trend.Point, error) {
	if r.primary != nil {
		out, err := r.primary.ScoreHistory(ctx, tenant, limit)
		if err == nil {
			r.markHealthy()
			return out, nil
		}
		r.degrade("list score history", err)
	}
	return r.fallback.ScoreHistory(ctx, tenant, limit)
}

func (r *Resilient) PruneScores(ctx context.Context, olderThan time.Time) (int64, error) {
	r.fallback.PruneScores(ctx, olderThan)
	if r.primary == nil {
		return 0, nil
	}
	n, err := r.primary.PruneScores(ctx, olderThan)
	if err != nil {
		r.degrade("prune scores", err)
		return 0, nil
	}
	r.markHealthy()
	return n, nil
}

func (r *Resilient) SaveBreaker(ctx context.Context, st domain.BreakerState) error {
	r.fallback.SaveBreaker(ctx, st)
	return r.write(func(b Backend) error { return b.SaveBreaker(ctx, st) }, "save breaker")
}

func (r *Resilient) Breakers(ctx context.Context) ([]domain.BreakerState, error) {
	if r.primary != nil {
		out, err := r.primary.Breakers(ctx)
		if err == nil {
			r.markHealthy()
			return out, nil
		}
		r.degrade("list breakers", err)
	}
	return r.fallback.Breakers(ctx)
}

func (r *Resilient) SaveAttempt(ctx context.Context, at domain.HealingAttempt) error {
	r.fallback.SaveAttempt(ctx, at)
	return r.write(func(b Backend) error { return b.SaveAttempt(ctx, at) }, "save attempt")
}

func (r *Resilient) PendingAttempts(ctx context.Context) ([]domain.HealingAttempt, error) {
	if r.primary != nil {
		out, err := r.primary.PendingAttempts(ctx)
		if err == nil {
			r.markHealthy()
			return out, nil
		}
		r.degrade("list pending attempts", err)
	}
	return r.fallback.PendingAttempts(ctx)
}

func (r *Resilient) Attempts(ctx context.Context, tenant string, limit int) ([]domain.HealingAttempt, error) {
	if r.primary != nil {
		out, err := r.primary.Attempts(ctx, tenant, limit)
		if err == nil {
			r.markHealthy()
			return out, nil
		}
		r.degrade("list attempts", err)
	}
	return r.fallback.Attempts(ctx, tenant, limit)
}

func (r *Resilient) SaveEnvironment(ctx context.Context, st domain.EnvironmentState) error {
	r.fallback.SaveEnvironment(ctx, st)
	return r.write(func(b Backend) error { return b.SaveEnvironment(ctx, st) }, "save environment")
}

func (r *Resilient) Environments(ctx context.Context) ([]domain.EnvironmentState, error) {
	if r.primary != nil {
		out, err := r.primary.Environments(ctx)
		if err == nil {
			r.markHealthy()
			return out, nil
		}
		r.degrade("list environments", err)
	}
	return r.fallback.Environments(ctx)
}

func (r *Resilient) Ping(ctx context.Context) error {
	if r.primary == nil {
		return nil
	}
	if err := r.primary.Ping(ctx); err != nil {
		r.degrade("ping", err)
		return err
	}
	r.markHealthy()
	return nil
}

func (r *Resilient) Close() error {
	if r.primary == nil {
		return nil
	}
	return r.primary.Close()
}

// write sends a mirrored write to the primary. Failures are absorbed:
// the mirror already holds the state and the degraded flag carries the
// problem to readiness instead of to every caller.
func (r *Resilient) write(fn func(Backend) error, op string) error {
	if r.primary == nil {
		return nil
	}
	if err := fn(r.primary); err != nil {
		r.degrade(op, err)
		return nil
	}
	r.markHealthy()
	return nil
}

func (r *Resilient) degrade(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.degraded {
		r.degraded = true
		r.log.Error("primary store unavailable, continuing on memory", "op", op, "error", err)
		return
	}
	r.log.Debug("primary store still unavailable", "op", op, "error", err)
}

func (r *Resilient) markHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		r.degraded = false
		r.log.Info("primary store recovered")
	}
}
