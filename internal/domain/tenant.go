package domain

import "time"

// Environment labels the traffic side a tenant currently serves from.
type Environment string

const (
	EnvironmentBlue  Environment = "blue"
	EnvironmentGreen Environment = "green"
)

// Other returns the opposite environment of a blue/green pair.
func (e Environment) Other() Environment {
	if e == EnvironmentBlue {
		return EnvironmentGreen
	}
	return EnvironmentBlue
}

func (e Environment) Valid() bool {
	return e == EnvironmentBlue || e == EnvironmentGreen
}

// EnvironmentState tracks which side of a blue/green pair a tenant serves
// from and when it last moved. The healing orchestrator is the only writer.
type EnvironmentState struct {
	Tenant       string      `json:"tenant"`
	Active       Environment `json:"active"`
	LastSwitchAt time.Time   `json:"last_switch_at,omitempty"`
	SwitchCount  int         `json:"switch_count"`
}

// ActionKind enumerates the healing actions the dispatcher can execute.
type ActionKind string

const (
	ActionRestart           ActionKind = "restart"
	ActionSwitchEnvironment ActionKind = "switch_environment"
)

func (a ActionKind) Valid() bool {
	return a == ActionRestart || a == ActionSwitchEnvironment
}

// SourceKind identifies which collector produced a health sample.
type SourceKind string

const (
	SourceMetrics     SourceKind = "metrics"
	SourceLogs        SourceKind = "logs"
	SourceActiveCheck SourceKind = "active_check"
)

// SourceKinds lists every kind in stable order.
func SourceKinds() []SourceKind {
	return []SourceKind{SourceMetrics, SourceLogs, SourceActiveCheck}
}
