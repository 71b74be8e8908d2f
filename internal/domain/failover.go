package domain

import "time"

// Decision is the front-door arbiter's verdict for one node.
type Decision string

const (
	DecisionStable          Decision = "stable"
	DecisionPendingFailover Decision = "pending_failover"
	DecisionFailover        Decision = "failover"
)

// BackendHealthFact is one observed backend up/down state, taken from the
// front door's stats surface rather than the scoring pipeline.
type BackendHealthFact struct {
	Tenant      string
	Environment Environment
	Up          bool
	ObservedAt  time.Time
	Detail      string
}

// FailoverState is the arbiter's current view: derived percentages plus the
// grace timer. GraceStart is zero unless the node is below both thresholds.
type FailoverState struct {
	HealthyPercent float64   `json:"healthy_percent"`
	HealthyTenants int       `json:"healthy_tenants"`
	TotalBackends  int       `json:"total_backends"`
	GraceStart     time.Time `json:"grace_start,omitempty"`
	Decision       Decision  `json:"decision"`
	DecidedAt      time.Time `json:"decided_at"`
}
