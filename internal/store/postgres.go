package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/trend"
	"triage/migrations"
)

// Postgres is the durable backend. Opening it applies any pending
// embedded migrations before the first query.
type Postgres struct {
	conn *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", faults.ErrPersistence, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", faults.ErrPersistence, err)
	}
	if err := runMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", faults.ErrPersistence, err)
	}
	return &Postgres{conn: conn}, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.conn.Close()
}

// Ready reports whether the database is reachable and the schema is
// fully migrated.
func (s *Postgres) Ready(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	rows, err := s.conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	missing := make([]string, 0)
	for _, name := range migrationNames() {
		if _, ok := applied[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("pending migrations: %s", strings.Join(missing, ","))
	}
	return nil
}

func (s *Postgres) SaveScore(ctx context.Context, score domain.CompositeScore, healthy bool) error {
	const q = `INSERT INTO score_history (tenant, value, healthy, no_data, breached, evaluated_at)
                VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.conn.ExecContext(ctx, q,
		score.Tenant, score.Value, healthy, score.NoData,
		strings.Join(score.Breached, ","), score.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("%w: save score: %v", faults.ErrPersistence, err)
	}
	return nil
}

// ScoreHistory returns the newest limit points for a tenant, oldest
// first, ready to replay into the trend window.
func (s *Postgres) ScoreHistory(ctx context.Context, tenant string, limit int) ([]trend.Point, error) {
	const q = `SELECT value, healthy, evaluated_at FROM score_history
                WHERE tenant = $1 ORDER BY evaluated_at DESC, id DESC LIMIT $2`
	rows, err := s.conn.QueryContext(ctx, q, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list score history: %v", faults.ErrPersistence, err)
	}
	defer rows.Close()

	points := make([]trend.Point, 0, limit)
	for rows.Next() {
		var p trend.Point
		if err := rows.Scan(&p.Value, &p.Healthy, &p.At); err != nil {
			return nil, fmt.Errorf("%w: scan score: %v", faults.ErrPersistence, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read scores: %v", faults.ErrPersistence, err)
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

func (s *Postgres) PruneScores(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM score_history WHERE evaluated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: prune scores: %v", faults.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Postgres) SaveBreaker(ctx context.Context, st domain.BreakerState) error {
	const q = `INSERT INTO breaker_states
                (tenant, status, failures, last_failure_at, opened_at, open_duration_ns, reopens, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
                ON CONFLICT (tenant) DO UPDATE SET
                        status = EXCLUDED.status,
                        failures = EXCLUDED.failures,
                        last_failure_at = EXCLUDED.last_failure_at,
                        opened_at = EXCLUDED.opened_at,
                        open_duration_ns = EXCLUDED.open_duration_ns,
                        reopens = EXCLUDED.reopens,
                        updated_at = EXCLUDED.updated_at`
	_, err := s.conn.ExecContext(ctx, q,
		st.Tenant, string(st.Status), st.Failures,
		nullTime(st.LastFailureAt), nullTime(st.OpenedAt),
		int64(st.OpenDuration), st.Reopens, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: save breaker: %v", faults.ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) Breakers(ctx context.Context) ([]domain.BreakerState, error) {
	const q = `SELECT tenant, status, failures, last_failure_at, opened_at, open_duration_ns, reopens, updated_at
                FROM breaker_states ORDER BY tenant`
	rows, err := s.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list breakers: %v", faults.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.BreakerState
	for rows.Next() {
		var st domain.BreakerState
		var lastFailure, opened sql.NullTime
		var openNS int64
		if err := rows.Scan(&st.Tenant, &st.Status, &st.Failures, &lastFailure, &opened, &openNS, &st.Reopens, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan breaker: %v", faults.ErrPersistence, err)
		}
		st.LastFailureAt = fromNull(lastFailure)
		st.OpenedAt = fromNull(opened)
		st.OpenDuration = time.Duration(openNS)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read breakers: %v", faults.ErrPersistence, err)
	}
	return out, nil
}

func (s *Postgres) SaveAttempt(ctx context.Context, at domain.HealingAttempt) error {
	const q = `INSERT INTO healing_attempts
                (id, tenant, action, from_env, to_env, attempt_num, outcome, detail, started_at, deadline, resolved_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
                ON CONFLICT (id) DO UPDATE SET
                        outcome = EXCLUDED.outcome,
                        detail = EXCLUDED.detail,
                        resolved_at = EXCLUDED.resolved_at`
	_, err := s.conn.ExecContext(ctx, q,
		at.ID, at.Tenant, string(at.Action), string(at.FromEnv), string(at.ToEnv),
		at.AttemptNum, string(at.Outcome), at.Detail,
		at.StartedAt, at.Deadline, nullTime(at.ResolvedAt))
	if err != nil {
		return fmt.Errorf("%w: save attempt: %v", faults.ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) PendingAttempts(ctx context.Context) ([]domain.HealingAttempt, error) {
	const q = `SELECT id, tenant, action, from_env, to_env, attempt_num, outcome, detail, started_at, deadline, resolved_at
                FROM healing_attempts WHERE outcome = 'pending' ORDER BY tenant`
	return s.queryAttempts(ctx, q)
}

func (s *Postgres) Attempts(ctx context.Context, tenant string, limit int) ([]domain.HealingAttempt, error) {
	const q = `SELECT id, tenant, action, from_env, to_env, attempt_num, outcome, detail, started_at, deadline, resolved_at
                FROM healing_attempts WHERE tenant = $1 ORDER BY started_at DESC, id LIMIT $2`
	return s.queryAttempts(ctx, q, tenant, limit)
}

func (s *Postgres) queryAttempts(ctx context.Context, q string, args ...any) ([]domain.HealingAttempt, error) {
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list attempts: %v", faults.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.HealingAttempt
	for rows.Next() {
		var at domain.HealingAttempt
		var resolved sql.NullTime
		if err := rows.Scan(&at.ID, &at.Tenant, &at.Action, &at.FromEnv, &at.ToEnv,
			&at.AttemptNum, &at.Outcome, &at.Detail, &at.StartedAt, &at.Deadline, &resolved); err != nil {
			return nil, fmt.Errorf("%w: scan attempt: %v", faults.ErrPersistence, err)
		}
		at.ResolvedAt = fromNull(resolved)
		out = append(out, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read attempts: %v", faults.ErrPersistence, err)
	}
	return out, nil
}

func (s *Postgres) SaveEnvironment(ctx context.Context, st domain.EnvironmentState) error {
	const q = `INSERT INTO environment_states (tenant, active, last_switch_at, switch_count)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (tenant) DO UPDATE SET
                        active = EXCLUDED.active,
                        last_switch_at = EXCLUDED.last_switch_at,
                        switch_count = EXCLUDED.switch_count`
	_, err := s.conn.ExecContext(ctx, q,
		st.Tenant, string(st.Active), nullTime(st.LastSwitchAt), st.SwitchCount)
	if err != nil {
		return fmt.Errorf("%w: save environment: %v", faults.ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) Environments(ctx context.Context) ([]domain.EnvironmentState, error) {
	const q = `SELECT tenant, active, last_switch_at, switch_count FROM environment_states ORDER BY tenant`
	rows, err := s.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list environments: %v", faults.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.EnvironmentState
	for rows.Next() {
		var st domain.EnvironmentState
		var switched sql.NullTime
		if err := rows.Scan(&st.Tenant, &st.Active, &switched, &st.SwitchCount); err != nil {
			return nil, fmt.Errorf("%w: scan environment: %v", faults.ErrPersistence, err)
		}
		st.LastSwitchAt = fromNull(switched)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read environments: %v", faults.ErrPersistence, err)
	}
	return out, nil
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
                version TEXT PRIMARY KEY,
                applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`
	if _, err := conn.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for _, version := range migrationNames() {
		if _, ok := applied[version]; ok {
			continue
		}
		contents, err := migrations.Files.ReadFile(version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, conn, version, string(contents)); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration records the version before running the body so the
// schema_migrations primary key serializes concurrent migrators: the
// loser blocks, sees a unique violation, and skips the migration.
func applyMigration(ctx context.Context, conn *sql.DB, version, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		tx.Rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func migrationNames() []string {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}
