package trend

import (
	"sync"
	"time"

	"triage/internal/domain"
)

// Point is one recorded evaluation inside a tenant's window.
type Point struct {
	At      time.Time `json:"at"`
	Value   float64   `json:"value"`
	Healthy bool      `json:"healthy"`
}

// Snapshot is a read-only view of a tenant's score window. It reports,
// never acts: healing and failover decisions belong elsewhere.
type Snapshot struct {
	Tenant     string  `json:"tenant"`
	WindowSize int     `json:"window_size"`
	Samples    int     `json:"samples"`
	Compliance float64 `json:"compliance_pct"`
	Target     float64 `json:"target_pct"`
	Meets      bool    `json:"meets_target"`
	Degrading  bool    `json:"degrading"`
	History    []Point `json:"history,omitempty"`
}

// Tracker keeps a bounded score history per tenant and derives the
// availability compliance percentage and the degrading-trend flag
// from it. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	after    int
	recovery int
	tenants  map[string]*history
}

type history struct {
	points []Point

	// decRun counts consecutive strictly-decreasing steps ending at the
	// newest sample; steady counts consecutive non-decreasing steps.
	decRun    int
	steady    int
	degrading bool
	last      float64
	hasLast   bool
}

// WindowSize converts a trend window duration into a sample capacity for
// a given evaluation interval. Never less than one.
func WindowSize(window, interval time.Duration) int {
	if window <= 0 || interval <= 0 {
		return 1
	}
	n := int(window / interval)
	if n < 1 {
		return 1
	}
	return n
}

// NewTracker builds a tracker holding up to capacity samples per tenant.
// The degrading flag raises once the last `after` scores are strictly
// decreasing and clears after `recovery` consecutive non-decreasing ones.
func NewTracker(capacity, after, recovery int) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	if after < 2 {
		after = 2
	}
	if recovery < 1 {
		recovery = 1
	}
	return &Tracker{
		capacity: capacity,
		after:    after,
		recovery: recovery,
		tenants:  make(map[string]*history),
	}
}

// Record appends one composite score to the tenant's window, evicting the
// oldest sample once the window is full.
func (t *Tracker) Record(tenant string, score domain.CompositeScore, healthyCutoff float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(tenant, score, healthyCutoff)
}

// Seed replays persisted scores, oldest first, rebuilding both the window
// and the degrading-run counters. Used on startup restore.
func (t *Tracker) Seed(tenant string, scores []domain.CompositeScore, healthyCutoff float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range scores {
		t.record(tenant, s, healthyCutoff)
	}
}

func (t *Tracker) record(tenant string, score domain.CompositeScore, healthyCutoff float64) {
	h := t.tenants[tenant]
	if h == nil {
		h = &history{}
		t.tenants[tenant] = h
	}

	if h.hasLast {
		if score.Value < h.last {
			h.decRun++
			h.steady = 0
		} else {
			h.decRun = 0
			h.steady++
		}
	}
	h.last = score.Value
	h.hasLast = true

	// The last `after` scores strictly decreasing means after-1 drops.
	if h.decRun >= t.after-1 {
		h.degrading = true
	} else if h.degrading && h.steady >= t.recovery {
		h.degrading = false
	}

	h.points = append(h.points, Point{
		At:      score.EvaluatedAt,
		Value:   score.Value,
		Healthy: score.Value >= healthyCutoff,
	})
	if excess := len(h.points) - t.capacity; excess > 0 {
		h.points = append(h.points[:0], h.points[excess:]...)
	}
}

// Snapshot reports the tenant's current window against an SLI target
// percentage. An empty window has zero compliance and fails the target.
func (t *Tracker) Snapshot(tenant string, targetPercent float64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Tenant:     tenant,
		WindowSize: t.capacity,
		Target:     targetPercent,
	}
	h := t.tenants[tenant]
	if h == nil || len(h.points) == 0 {
		return snap
	}

	healthy := 0
	for _, p := range h.points {
		if p.Healthy {
			healthy++
		}
	}
	snap.Samples = len(h.points)
	snap.Compliance = float64(healthy) * 100 / float64(len(h.points))
	snap.Meets = snap.Compliance >= targetPercent
	snap.Degrading = h.degrading
	snap.History = append([]Point(nil), h.points...)
	return snap
}

// Forget drops a tenant's history, e.g. after it is removed from config.
func (t *Tracker) Forget(tenant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tenants, tenant)
}
