// Package store persists engine state: score history for the trend
// window, breaker states, healing attempts, and blue/green environment
// state. Postgres is the durable backend; Memory mirrors it so the
// engine keeps a working view through a database outage.
package store

import (
	"context"
	"database/sql"
	"time"

	"triage/internal/domain"
	"triage/internal/trend"
)

// Backend is the persistence surface shared by the Postgres and Memory
// stores. Resilient composes one of each.
type Backend interface {
	SaveScore(ctx context.Context, score domain.CompositeScore, healthy bool) error
	ScoreHistory(ctx context.Context, tenant string, limit int) ([]trend.Point, error)
	PruneScores(ctx context.Context, olderThan time.Time) (int64, error)

	SaveBreaker(ctx context.Context, st domain.BreakerState) error
	Breakers(ctx context.Context) ([]domain.BreakerState, error)

	SaveAttempt(ctx context.Context, at domain.HealingAttempt) error
	PendingAttempts(ctx context.Context) ([]domain.HealingAttempt, error)
	Attempts(ctx context.Context, tenant string, limit int) ([]domain.HealingAttempt, error)

	SaveEnvironment(ctx context.Context, st domain.EnvironmentState) error
	Environments(ctx context.Context) ([]domain.EnvironmentState, error)

	Ping(ctx context.Context) error
	Close() error
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
