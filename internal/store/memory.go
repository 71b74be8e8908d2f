package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"triage/internal/domain"
	"triage/internal/trend"
)

// Per-tenant cap on in-memory score points. Large enough to rebuild any
// sane trend window, small enough to bound a long outage.
const memoryScoreCap = 1000

// Memory is the in-process backend. It backs tests and keeps a warm
// mirror of the durable store so the engine survives a database outage.
type Memory struct {
	mu       sync.RWMutex
	scores   map[string][]trend.Point
	breakers map[string]domain.BreakerState
	attempts map[string]domain.HealingAttempt
	envs     map[string]domain.EnvironmentState
}

func NewMemory() *Memory {
	return &Memory{
		scores:   make(map[string][]trend.Point),
		breakers: make(map[string]domain.BreakerState),
		attempts: make(map[string]domain.HealingAttempt),
		envs:     make(map[string]domain.EnvironmentState),
	}
}

func (m *Memory) SaveScore(ctx context.Context, score domain.CompositeScore, healthy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	points := append(m.scores[score.Tenant], trend.Point{
		At:      score.EvaluatedAt,
		Value:   score.Value,
		Healthy: healthy,
	})
	if excess := len(points) - memoryScoreCap; excess > 0 {
		points = append(points[:0], points[excess:]...)
	}
	m.scores[score.Tenant] = points
	return nil
}

func (m *Memory) ScoreHistory(ctx context.Context, tenant string, limit int) ([]trend.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	points := m.scores[tenant]
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	out := make([]trend.Point, len(points))
	copy(out, points)
	return out, nil
}

func (m *Memory) PruneScores(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for tenant, points := range m.scores {
		kept := points[:0]
		for _, p := range points {
			if p.At.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, p)
		}
		m.scores[tenant] = kept
	}
	return pruned, nil
}

func (m *Memory) SaveBreaker(ctx context.Context, st domain.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[st.Tenant] = st
	return nil
}

func (m *Memory) Breakers(ctx context.Context) ([]domain.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.BreakerState, 0, len(m.breakers))
	for _, st := range m.breakers {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (m *Memory) SaveAttempt(ctx context.Context, at domain.HealingAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[at.ID] = at
	return nil
}

func (m *Memory) PendingAttempts(ctx context.Context) ([]domain.HealingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.HealingAttempt
	for _, at := range m.attempts {
		if at.Outcome == domain.OutcomePending {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (m *Memory) Attempts(ctx context.Context, tenant string, limit int) ([]domain.HealingAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.HealingAttempt
	for _, at := range m.attempts {
		if at.Tenant == tenant {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveEnvironment(ctx context.Context, st domain.EnvironmentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs[st.Tenant] = st
	return nil
}

func (m *Memory) Environments(ctx context.Context) ([]domain.EnvironmentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.EnvironmentState, 0, len(m.envs))
	for _, st := range m.envs {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
