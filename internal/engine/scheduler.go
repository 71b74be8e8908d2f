package engine

import (
	"context"
	"math/rand"
	"time"

	"triage/internal/config"
)

const sweepInterval = 10 * time.Second

// Run starts one evaluation loop per tenant plus the shared sweeper and
// blocks until ctx is cancelled and every loop has drained.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	names := make([]string, 0, len(e.tenants))
	for name := range e.tenants {
		names = append(names, name)
	}
	e.mu.Unlock()

	e.log.Info("evaluation engine starting",
		"tenants", len(names),
		"interval", e.cfg.Engine.EvaluationWindow.String())
	for _, name := range names {
		e.ensureLoop(ctx, name)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSweeper(ctx)
	}()

	<-ctx.Done()
	e.stopAllLoops()
	e.wg.Wait()
	e.log.Info("evaluation engine stopped")
}

// Reload swaps the tenant set from a freshly loaded config. Global engine
// settings keep their boot values; only tenants are picked up live.
func (e *Engine) Reload(cfg config.Config) {
	added, removed := e.setTenants(cfg)

	e.mu.Lock()
	base := e.baseCtx
	for _, name := range removed {
		delete(e.lastScores, name)
	}
	e.mu.Unlock()

	for _, name := range removed {
		e.stopLoop(name)
		e.trends.Forget(name)
	}
	if base != nil {
		for _, name := range added {
			e.ensureLoop(base, name)
		}
	}
	e.log.Info("tenant set reloaded",
		"tenants", len(e.tenantList()), "added", len(added), "removed", len(removed))
}

func (e *Engine) ensureLoop(ctx context.Context, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loops[name]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loops[name] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tenantLoop(loopCtx, name)
	}()
}

func (e *Engine) stopLoop(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.loops[name]; ok {
		cancel()
		delete(e.loops, name)
	}
}

func (e *Engine) stopAllLoops() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cancel := range e.loops {
		cancel()
		delete(e.loops, name)
	}
}

// tenantLoop ticks one tenant on the evaluation window. A random initial
// jitter keeps a large tenant set from evaluating in lockstep.
func (e *Engine) tenantLoop(ctx context.Context, name string) {
	if j := e.cfg.Engine.EvaluationJitter; j > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(j)))):
		}
	}

	ticker := time.NewTicker(e.cfg.Engine.EvaluationWindow)
	defer ticker.Stop()
	for {
		e.tickTenant(ctx, name)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tickTenant runs one scheduled cycle. A cycle still holding the stripe
// from the previous tick is skipped rather than queued behind.
func (e *Engine) tickTenant(ctx context.Context, name string) {
	t, ok := e.tenant(name)
	if !ok {
		return
	}
	if !e.locks.TryLock(name) {
		e.log.Debug("previous evaluation still running, skipping cycle", "tenant", name)
		if e.metrics != nil {
			e.metrics.RecordEvaluation(name, ResultSkipped)
		}
		return
	}
	defer e.locks.Unlock(name)
	e.evaluateLocked(ctx, t)
}

// runSweeper times out overdue healing attempts, refreshes the
// persistence gauge, and prunes aged score history.
func (e *Engine) runSweeper(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			e.sweepOnce(ctx)
		case <-prune.C:
			e.pruneOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	for _, a := range e.healer.SweepTimeouts(ctx) {
		st, changed := e.brk.NoteOutcome(a.Tenant, a.Outcome, e.policyFor(a.Tenant))
		e.syncBreaker(ctx, st, changed)
		e.recordAttempt(a)
	}
	if e.metrics != nil {
		e.metrics.SetPersistenceDegraded(e.store.Mode() == "degraded")
	}
}

// pruneOnce drops score rows older than twice the trend window, keeping
// at least a day for post-incident review.
func (e *Engine) pruneOnce(ctx context.Context) {
	retention := 2 * e.cfg.Engine.TrendWindow
	if retention < 24*time.Hour {
		retention = 24 * time.Hour
	}
	n, err := e.store.PruneScores(ctx, e.now().Add(-retention))
	if err != nil {
		e.log.Warn("prune score history failed", "error", err)
		return
	}
	if n > 0 {
		e.log.Info("score history pruned", "rows", n)
	}
}
