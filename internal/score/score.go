package score

import (
	"math"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
)

// SingleSourcePolicy decides how much a lone surviving source can claim
// when every other source is invalid.
type SingleSourcePolicy string

const (
	// SingleSourceFullWeight hands the survivor the whole 100 points.
	SingleSourceFullWeight SingleSourcePolicy = "full_weight"
	// SingleSourceCapped limits the survivor to its configured share.
	SingleSourceCapped SingleSourcePolicy = "capped"
)

// Aggregator folds one evaluation cycle's samples into a composite score.
// It is stateless and deterministic: the same samples and tenant config
// always produce the same score.
type Aggregator struct {
	policy SingleSourcePolicy
}

func NewAggregator(policy SingleSourcePolicy) *Aggregator {
	if policy == "" {
		policy = SingleSourceFullWeight
	}
	return &Aggregator{policy: policy}
}

// Aggregate combines the latest sample per source into a CompositeScore.
// Invalid or absent sources lose their vote and their weight is spread
// proportionally over the survivors; if nothing survives the score is 0
// with NoData set so callers never mistake silence for health.
func (a *Aggregator) Aggregate(tenant config.Tenant, samples []domain.HealthSample, now time.Time) domain.CompositeScore {
	out := domain.CompositeScore{
		Tenant:      tenant.Name,
		EvaluatedAt: now,
	}

	byKind := make(map[domain.SourceKind]domain.HealthSample, len(samples))
	for _, s := range samples {
		byKind[s.Source] = s
	}

	type scored struct {
		kind   domain.SourceKind
		weight float64
		sub    float64
	}
	var (
		valid       []scored
		validWeight float64
	)
	for _, kind := range domain.SourceKinds() {
		weight := tenant.Weights.For(kind)
		if weight <= 0 {
			continue
		}
		sample, ok := byKind[kind]
		if !ok || !sample.Valid {
			out.Missing = append(out.Missing, kind)
			continue
		}
		sub := normalize(kind, sample.Value, tenant.Thresholds)
		valid = append(valid, scored{kind: kind, weight: weight, sub: sub})
		validWeight += weight
	}

	out.Breached = breaches(byKind, tenant.Thresholds)

	if validWeight <= 0 {
		out.Value = 0
		out.NoData = true
		return out
	}

	// Redistribute lost weight proportionally across the survivors. A lone
	// survivor under the capped policy keeps only its configured share, so
	// a tenant is never declared fully healthy on one signal.
	total := tenant.Weights.Sum()
	factor := total / validWeight
	if len(valid) == 1 && a.policy == SingleSourceCapped {
		factor = 1
	}

	var value float64
	for _, v := range valid {
		effective := v.weight * factor
		points := v.sub / 100 * effective
		value += points
		out.Breakdown = append(out.Breakdown, domain.Contribution{
			Source:   v.kind,
			SubScore: round2(v.sub),
			Weight:   round2(effective),
			Points:   round2(points),
		})
	}

	out.Value = clamp(round2(value), 0, 100)
	return out
}

// normalize turns a raw sample value into a 0-100 sub-score.
func normalize(kind domain.SourceKind, value float64, th config.Thresholds) float64 {
	switch kind {
	case domain.SourceMetrics:
		return ratioScore(value, th.MaxErrorRate)
	case domain.SourceLogs:
		return ratioScore(value, th.MaxLogErrors)
	case domain.SourceActiveCheck:
		return checkScore(value, th.LatencyTargetMS)
	}
	return 0
}

// ratioScore is 100 at zero, decaying linearly to 0 at the limit.
func ratioScore(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if value < 0 {
		value = 0
	}
	return clamp(100*(1-value/limit), 0, 100)
}

// checkScore scores an active check. The collector encodes a down check as
// a negative latency; a healthy check earns 100 up to the latency target,
// decaying linearly to 0 at twice the target. With no target configured a
// healthy check is simply 100.
func checkScore(latencyMS, targetMS float64) float64 {
	if latencyMS < 0 {
		return 0
	}
	if targetMS <= 0 {
		return 100
	}
	if latencyMS <= targetMS {
		return 100
	}
	return clamp(100*(2*targetMS-latencyMS)/targetMS, 0, 100)
}

// breaches lists the rollback-trigger style threshold violations visible in
// this cycle's valid samples.
func breaches(byKind map[domain.SourceKind]domain.HealthSample, th config.Thresholds) []string {
	var out []string
	if s, ok := byKind[domain.SourceMetrics]; ok && s.Valid && th.MaxErrorRate > 0 && s.Value > th.MaxErrorRate {
		out = append(out, "error_rate")
	}
	if s, ok := byKind[domain.SourceLogs]; ok && s.Valid && th.MaxLogErrors > 0 && s.Value > th.MaxLogErrors {
		out = append(out, "log_errors")
	}
	if s, ok := byKind[domain.SourceActiveCheck]; ok && s.Valid && s.Value >= 0 && th.MaxLatencyMS > 0 && s.Value > th.MaxLatencyMS {
		out = append(out, "latency")
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
