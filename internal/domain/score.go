package domain

import "time"

// HealthSample is one normalized observation from a single source.
// Valid is false when the source timed out or errored; Value is then
// meaningless and the sample only records that the source was degraded.
type HealthSample struct {
	Tenant      string
	Source      SourceKind
	Value       float64
	CollectedAt time.Time
	Valid       bool
	Detail      string
}

// Contribution is one source's share of a composite score.
type Contribution struct {
	Source   SourceKind `json:"source"`
	SubScore float64    `json:"sub_score"`
	Weight   float64    `json:"weight"`
	Points   float64    `json:"points"`
}

// CompositeScore is the weighted 0-100 health number for one tenant at one
// evaluation instant, with the per-source breakdown that produced it.
type CompositeScore struct {
	Tenant      string         `json:"tenant"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Value       float64        `json:"value"`
	Breakdown   []Contribution `json:"breakdown"`
	Missing     []SourceKind   `json:"missing,omitempty"`
	NoData      bool           `json:"no_data"`
	Breached    []string       `json:"breached,omitempty"`
}
