// Package health builds the readiness probe for the engine daemon.
package health

import (
	"context"
	"fmt"
)

// Store is the slice of the persistence layer readiness inspects.
type Store interface {
	Ping(ctx context.Context) error
	Mode() string
}

// SchemaChecker is implemented by durable backends that can verify the
// schema is fully migrated.
type SchemaChecker interface {
	Ready(ctx context.Context) error
}

// ReadyCheck returns the /readyz probe. Memory-only deployments are always
// ready; with a durable backend the probe fails while the database is
// unreachable, migrations are pending, or the store is riding its memory
// mirror. Probing also drives recovery: a successful ping clears the
// degraded flag.
func ReadyCheck(st Store, schema SchemaChecker) func(context.Context) error {
	return func(ctx context.Context) error {
		if st.Mode() == "memory" {
			return nil
		}
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		if schema != nil {
			if err := schema.Ready(ctx); err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
		}
		if st.Mode() == "degraded" {
			return fmt.Errorf("persistence degraded, serving from memory mirror")
		}
		return nil
	}
}
