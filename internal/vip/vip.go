// Package vip moves the front door's virtual IP between the primary and
// standby entry points when the failover arbiter changes its decision.
// Providers are idempotent: repeating the current direction is a no-op at
// the DNS layer, so retries after partial failures are safe.
package vip

import (
	"context"

	"triage/internal/logging"
)

// Provider switches live traffic between the primary and standby targets.
type Provider interface {
	Failover(ctx context.Context) error
	Failback(ctx context.Context) error
}

// Noop logs the requested direction without touching any DNS. It is the
// default provider so a half-configured node never reroutes real traffic.
type Noop struct {
	log *logging.Logger
}

func NewNoop(log *logging.Logger) *Noop {
	return &Noop{log: log}
}

func (p *Noop) Failover(context.Context) error {
	p.log.Info("noop vip provider, failover not applied")
	return nil
}

func (p *Noop) Failback(context.Context) error {
	p.log.Info("noop vip provider, failback not applied")
	return nil
}
