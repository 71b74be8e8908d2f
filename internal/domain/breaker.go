package domain

import "time"

// BreakerStatus is the circuit breaker's position for one tenant.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is a snapshot of one tenant's breaker. The breaker package
// owns the authoritative copy; everyone else gets values like this one.
type BreakerState struct {
	Tenant        string        `json:"tenant"`
	Status        BreakerStatus `json:"status"`
	Failures      int           `json:"failures"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time     `json:"opened_at,omitempty"`
	OpenDuration  time.Duration `json:"open_duration"`
	Reopens       int           `json:"reopens"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
