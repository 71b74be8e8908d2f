// Package frontdoor watches the load balancer's own view of the backend
// fleet and drives VIP failover when this node loses too much of it.
package frontdoor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/logging"
)

// Client polls an HAProxy stats endpoint in CSV form and extracts health
// facts for backends following the <tenant>_<environment> naming scheme.
// Backends outside that scheme are someone else's and are ignored.
type Client struct {
	url    string
	client *http.Client
	log    *logging.Logger
	now    func() time.Time
}

func NewClient(url string, timeout time.Duration, log *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

// Poll fetches and parses one stats snapshot.
func (c *Client) Poll(ctx context.Context) ([]domain.BackendHealthFact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build stats request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: stats status %d", faults.ErrSourceUnavailable, resp.StatusCode)
	}
	return parseStats(resp.Body, c.now())
}

// parseStats reads HAProxy's CSV export. Columns are resolved by name
// from the comment header, so extra columns in newer HAProxy versions do
// not shift anything. Only BACKEND summary rows produce facts.
func parseStats(r io.Reader, now time.Time) ([]domain.BackendHealthFact, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var idx map[string]int
	var facts []domain.BackendHealthFact
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			idx = headerIndex(line)
			continue
		}
		if idx == nil {
			continue
		}
		fields := strings.Split(line, ",")
		if field(fields, idx, "svname") != "BACKEND" {
			continue
		}
		tenant, env, ok := splitBackendName(field(fields, idx, "pxname"))
		if !ok {
			continue
		}
		status := field(fields, idx, "status")
		up, known := parseStatus(status)
		if !known {
			continue
		}
		detail := field(fields, idx, "check_status")
		if detail == "" {
			detail = status
		}
		facts = append(facts, domain.BackendHealthFact{
			Tenant:      tenant,
			Environment: env,
			Up:          up,
			ObservedAt:  now,
			Detail:      detail,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	return facts, nil
}

func headerIndex(line string) map[string]int {
	line = strings.TrimPrefix(line, "#")
	idx := make(map[string]int)
	for i, name := range strings.Split(line, ",") {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

func field(fields []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

// splitBackendName splits <tenant>_<environment> at the last underscore,
// so tenant names may themselves contain underscores.
func splitBackendName(pxname string) (string, domain.Environment, bool) {
	i := strings.LastIndex(pxname, "_")
	if i <= 0 || i == len(pxname)-1 {
		return "", "", false
	}
	env := domain.Environment(pxname[i+1:])
	if !env.Valid() {
		return "", "", false
	}
	return pxname[:i], env, true
}

// parseStatus maps an HAProxy status string to an up/down verdict.
// Unchecked backends carry no signal and are skipped entirely.
func parseStatus(s string) (up, known bool) {
	switch {
	case s == "" || strings.EqualFold(s, "no check"):
		return false, false
	case strings.HasPrefix(s, "UP"):
		return true, true
	default:
		// DOWN, MAINT, NOLB and the transitional DOWN x/y forms.
		return false, true
	}
}
