// Package render formats engine API responses for terminal output.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"triage/internal/domain"
	"triage/internal/engine"
	"triage/internal/trend"
)

// Evaluation prints one cycle's outcome in full: score breakdown,
// threshold breaches, breaker position, trend and any attempt.
func Evaluation(w io.Writer, ev engine.Evaluation) {
	fmt.Fprintf(w, "tenant: %s\n", ev.Tenant)
	fmt.Fprintf(w, "result: %s\n", ev.Result)

	if ev.Score.NoData {
		fmt.Fprintln(w, "score: no data, every source failed")
	} else {
		fmt.Fprintf(w, "score: %.1f at %s\n", ev.Score.Value, stamp(ev.Score.EvaluatedAt))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, c := range ev.Score.Breakdown {
			fmt.Fprintf(tw, "  %s\tsub %.1f\tweight %.0f\tpoints %.1f\n",
				c.Source, c.SubScore, c.Weight, c.Points)
		}
		tw.Flush()
	}
	if len(ev.Score.Missing) > 0 {
		fmt.Fprintf(w, "missing sources: %s\n", sourceList(ev.Score.Missing))
	}
	if len(ev.Score.Breached) > 0 {
		fmt.Fprintf(w, "breached: %s\n", strings.Join(ev.Score.Breached, ", "))
	}

	fmt.Fprintf(w, "breaker: %s", ev.Breaker.Status)
	if ev.Breaker.Failures > 0 {
		fmt.Fprintf(w, ", failures %d", ev.Breaker.Failures)
	}
	fmt.Fprintln(w)

	if ev.Trend.Samples > 0 {
		fmt.Fprintf(w, "compliance: %.1f%% of %d samples, target %.1f%%\n",
			ev.Trend.Compliance, ev.Trend.Samples, ev.Trend.Target)
	}
	if ev.Attempt != nil {
		Attempt(w, *ev.Attempt)
	}
}

// EvaluationLine condenses one evaluation to a single row for sweep
// output.
func EvaluationLine(ev engine.Evaluation) string {
	score := " --.-"
	if !ev.Score.NoData {
		score = fmt.Sprintf("%5.1f", ev.Score.Value)
	}
	line := fmt.Sprintf("%-20s %-15s %s breaker=%s",
		ev.Tenant, ev.Result, score, ev.Breaker.Status)
	if ev.Attempt != nil {
		line += fmt.Sprintf(" attempt=%s#%d:%s",
			ev.Attempt.Action, ev.Attempt.AttemptNum, ev.Attempt.Outcome)
	}
	return line
}

// Attempt prints one healing attempt.
func Attempt(w io.Writer, a domain.HealingAttempt) {
	fmt.Fprintf(w, "attempt: %s %s #%d %s\n", a.Action, a.ID, a.AttemptNum, a.Outcome)
	if a.Action == domain.ActionSwitchEnvironment {
		fmt.Fprintf(w, "  switching %s to %s\n", a.FromEnv, a.ToEnv)
	}
	if a.Detail != "" {
		fmt.Fprintf(w, "  detail: %s\n", a.Detail)
	}
	if a.Outcome == domain.OutcomePending {
		fmt.Fprintf(w, "  deadline: %s\n", stamp(a.Deadline))
	}
}

// Breaker prints one tenant's breaker snapshot.
func Breaker(w io.Writer, st domain.BreakerState) {
	fmt.Fprintf(w, "tenant: %s\n", st.Tenant)
	fmt.Fprintf(w, "status: %s\n", st.Status)
	fmt.Fprintf(w, "failures: %d", st.Failures)
	if !st.LastFailureAt.IsZero() {
		fmt.Fprintf(w, ", last at %s", stamp(st.LastFailureAt))
	}
	fmt.Fprintln(w)
	if !st.OpenedAt.IsZero() {
		fmt.Fprintf(w, "opened: %s, recheck after %s\n", stamp(st.OpenedAt), st.OpenDuration)
	}
	if st.Reopens > 0 {
		fmt.Fprintf(w, "reopens: %d\n", st.Reopens)
	}
}

// Trend prints the compliance snapshot with up to historyN recent
// samples, newest last.
func Trend(w io.Writer, snap trend.Snapshot, historyN int) {
	fmt.Fprintf(w, "tenant: %s\n", snap.Tenant)
	fmt.Fprintf(w, "window: %d of %d samples\n", snap.Samples, snap.WindowSize)
	if snap.Samples == 0 {
		fmt.Fprintln(w, "no evaluations recorded yet")
		return
	}
	verdict := "meets"
	if !snap.Meets {
		verdict = "misses"
	}
	fmt.Fprintf(w, "compliance: %.1f%%, %s target %.1f%%\n", snap.Compliance, verdict, snap.Target)
	if snap.Degrading {
		fmt.Fprintln(w, "trend: degrading, scores strictly falling")
	}
	if historyN <= 0 || len(snap.History) == 0 {
		return
	}
	points := snap.History
	if len(points) > historyN {
		points = points[len(points)-historyN:]
	}
	fmt.Fprintf(w, "history, last %d:\n", len(points))
	for _, p := range points {
		mark := "healthy"
		if !p.Healthy {
			mark = "unhealthy"
		}
		fmt.Fprintf(w, "  %s  %5.1f  %s\n", stamp(p.At), p.Value, mark)
	}
}

// Tenant prints one tenant's configuration standing and environment.
func Tenant(w io.Writer, info engine.TenantInfo) {
	fmt.Fprintf(w, "tenant: %s\n", info.Name)
	if info.Tier != "" {
		fmt.Fprintf(w, "tier: %s\n", info.Tier)
	}
	fmt.Fprintf(w, "enabled: %s\n", yesNo(info.Enabled))
	fmt.Fprintf(w, "valid: %s\n", yesNo(info.Valid))
	if info.Active != "" {
		fmt.Fprintf(w, "active environment: %s\n", info.Active)
	}
	if len(info.Problems) > 0 {
		fmt.Fprintln(w, "problems:")
		for _, field := range sortedKeys(info.Problems) {
			fmt.Fprintf(w, "  %s: %s\n", field, info.Problems[field])
		}
	}
}

// TenantTable prints one row per configured tenant.
func TenantTable(w io.Writer, infos []engine.TenantInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTIER\tENABLED\tVALID\tACTIVE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			info.Name, info.Tier, yesNo(info.Enabled), yesNo(info.Valid), info.Active)
	}
	tw.Flush()
}

// Status prints the engine liveness summary.
func Status(w io.Writer, st engine.Status) {
	fmt.Fprintf(w, "tenants: %d\n", st.Tenants)
	fmt.Fprintf(w, "evaluations: %d\n", st.Evaluations)
	fmt.Fprintf(w, "persistence: %s\n", st.Persistence)
	fmt.Fprintf(w, "dispatcher: %s\n", st.Dispatcher)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func sourceList(kinds []domain.SourceKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
