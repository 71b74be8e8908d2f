package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/logging"
)

const (
	promQueryPath = "/api/v1/query"
	lokiQueryPath = "/loki/api/v1/query"
)

// Metrics receives collection telemetry. A nil Metrics disables reporting.
type Metrics interface {
	RecordCollectorFailure(tenant, source string)
	ObserveCollectorLatency(source string, d time.Duration)
}

// Collector gathers one evaluation cycle's samples for a tenant: an
// error-rate vector from the metrics store, an error-line count from the
// log store, and an active HTTP check against the tenant's live
// environment. Each source runs under its own timeout; a dead source
// yields an invalid sample, never a failed cycle.
type Collector struct {
	cfg     config.CollectorConfig
	client  *http.Client
	log     *logging.Logger
	metrics Metrics
	now     func() time.Time
}

func New(cfg config.CollectorConfig, log *logging.Logger) *Collector {
	return &Collector{
		cfg:    cfg,
		client: http.DefaultClient,
		log:    log,
		now:    time.Now,
	}
}

// SetMetrics attaches collection telemetry.
func (c *Collector) SetMetrics(m Metrics) { c.metrics = m }

// Collect fetches every weighted source concurrently and returns the
// samples in source order. Zero-weight sources are skipped entirely.
func (c *Collector) Collect(ctx context.Context, tenant config.Tenant) []domain.HealthSample {
	kinds := domain.SourceKinds()
	results := make([]domain.HealthSample, len(kinds))

	var wg sync.WaitGroup
	for i, kind := range kinds {
		if tenant.Weights.For(kind) <= 0 {
			continue
		}
		wg.Add(1)
		go func(i int, kind domain.SourceKind) {
			defer wg.Done()
			start := time.Now()
			switch kind {
			case domain.SourceMetrics:
				results[i] = c.metricsSample(ctx, tenant)
			case domain.SourceLogs:
				results[i] = c.logsSample(ctx, tenant)
			case domain.SourceActiveCheck:
				results[i] = c.checkSample(ctx, tenant)
			}
			if c.metrics != nil {
				c.metrics.ObserveCollectorLatency(string(kind), time.Since(start))
			}
		}(i, kind)
	}
	wg.Wait()

	samples := make([]domain.HealthSample, 0, len(kinds))
	for _, s := range results {
		if s.Source != "" {
			samples = append(samples, s)
		}
	}
	return samples
}

func (c *Collector) metricsSample(ctx context.Context, tenant config.Tenant) domain.HealthSample {
	s := domain.HealthSample{Tenant: tenant.Name, Source: domain.SourceMetrics, CollectedAt: c.now()}
	if c.cfg.MetricsURL == "" || c.cfg.ErrorRateQuery == "" {
		s.Detail = "metrics source not configured"
		return s
	}
	query := strings.ReplaceAll(c.cfg.ErrorRateQuery, "{tenant}", tenant.Name)
	v, err := c.queryVector(ctx, c.cfg.MetricsURL+promQueryPath, query)
	if err != nil {
		c.warn(tenant.Name, domain.SourceMetrics, err)
		s.Detail = err.Error()
		return s
	}
	s.Value = v
	s.Valid = true
	return s
}

func (c *Collector) logsSample(ctx context.Context, tenant config.Tenant) domain.HealthSample {
	s := domain.HealthSample{Tenant: tenant.Name, Source: domain.SourceLogs, CollectedAt: c.now()}
	if c.cfg.LogsURL == "" || c.cfg.LogErrorQuery == "" {
		s.Detail = "log source not configured"
		return s
	}
	query := strings.ReplaceAll(c.cfg.LogErrorQuery, "{tenant}", tenant.Name)
	v, err := c.queryVector(ctx, c.cfg.LogsURL+lokiQueryPath, query)
	if err != nil {
		c.warn(tenant.Name, domain.SourceLogs, err)
		s.Detail = err.Error()
		return s
	}
	s.Value = v
	s.Valid = true
	return s
}

// checkSample probes the tenant's active environment. An unreachable or
// erroring target is itself the observation, so refusals, timeouts and
// 4xx/5xx answers produce a valid sample with a negative latency; only a
// missing URL or a cancelled cycle invalidates the sample.
func (c *Collector) checkSample(ctx context.Context, tenant config.Tenant) domain.HealthSample {
	s := domain.HealthSample{Tenant: tenant.Name, Source: domain.SourceActiveCheck, CollectedAt: c.now()}
	target := tenant.Environment.CheckURL()
	if target == "" {
		s.Detail = "active check not configured"
		return s
	}

	timeout := c.cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, target, nil)
	if err != nil {
		s.Detail = fmt.Sprintf("build check request: %v", err)
		return s
	}

	s.Valid = true
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			s.Valid = false
			s.Detail = "check cancelled"
			return s
		}
		s.Value = -1
		s.Detail = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.Value = -1
		s.Detail = fmt.Sprintf("check status %d", resp.StatusCode)
		return s
	}
	s.Value = float64(time.Since(start)) / float64(time.Millisecond)
	return s
}

type vectorResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  [2]any            `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// queryVector runs an instant query against a Prometheus-compatible
// endpoint and returns the first sample's value.
func (c *Collector) queryVector(ctx context.Context, endpoint, query string) (float64, error) {
	timeout := c.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(qctx, http.MethodGet, endpoint+"?query="+url.QueryEscape(query), nil)
	if err != nil {
		return 0, fmt.Errorf("build query request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", faults.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: query status %d", faults.ErrSourceUnavailable, resp.StatusCode)
	}
	var decoded vectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode query response: %w", err)
	}
	if decoded.Status != "success" {
		return 0, fmt.Errorf("query status %q", decoded.Status)
	}
	if len(decoded.Data.Result) == 0 {
		return 0, errors.New("query returned no samples")
	}
	raw, ok := decoded.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, errors.New("malformed vector value")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse vector value: %w", err)
	}
	return v, nil
}

func (c *Collector) warn(tenant string, source domain.SourceKind, err error) {
	se := &faults.SourceError{Tenant: tenant, Source: string(source), Err: err}
	c.log.Warn("signal source unavailable",
		"tenant", tenant, "source", string(source), "error", se)
	if c.metrics != nil {
		c.metrics.RecordCollectorFailure(tenant, string(source))
	}
}
