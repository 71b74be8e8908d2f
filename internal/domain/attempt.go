package domain

import "time"

// Outcome is the terminal (or pending) result of a healing attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Resolved reports whether the outcome is terminal.
func (o Outcome) Resolved() bool {
	return o != OutcomePending && o != ""
}

// CountsAsFailure reports whether the outcome feeds the breaker's failure
// counter. Cancellation is an operator decision, not a failure.
func (o Outcome) CountsAsFailure() bool {
	return o == OutcomeFailed || o == OutcomeTimedOut
}

// HealingAttempt records one dispatched healing action for a tenant.
// At most one attempt per tenant may be Pending at any time.
type HealingAttempt struct {
	ID         string      `json:"id"`
	Tenant     string      `json:"tenant"`
	Action     ActionKind  `json:"action"`
	FromEnv    Environment `json:"from_env,omitempty"`
	ToEnv      Environment `json:"to_env,omitempty"`
	AttemptNum int         `json:"attempt_num"`
	StartedAt  time.Time   `json:"started_at"`
	Deadline   time.Time   `json:"deadline"`
	Outcome    Outcome     `json:"outcome"`
	Detail     string      `json:"detail,omitempty"`
	ResolvedAt time.Time   `json:"resolved_at,omitempty"`
}
