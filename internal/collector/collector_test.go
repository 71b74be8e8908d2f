package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"triage/internal/config"
	"triage/internal/domain"
	"triage/internal/logging"
)

func vectorJSON(value string) string {
	return `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"` + value + `"]}]}}`
}

func testTenant(checkURL string) config.Tenant {
	return config.Tenant{
		Name:    "devops",
		Weights: config.Weights{Metrics: 50, Logs: 30, ActiveCheck: 20},
		Environment: config.EnvState{
			Active:  domain.EnvironmentBlue,
			BlueURL: checkURL,
		},
	}
}

func sampleFor(t *testing.T, samples []domain.HealthSample, kind domain.SourceKind) domain.HealthSample {
	t.Helper()
	for _, s := range samples {
		if s.Source == kind {
			return s
		}
	}
	t.Fatalf("no sample for source %s", kind)
	return domain.HealthSample{}
}

func TestCollectAllSources(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/query":
			mu.Lock()
			queries["metrics"] = r.URL.Query().Get("query")
			mu.Unlock()
			w.Write([]byte(vectorJSON("0.03")))
		case "/loki/api/v1/query":
			mu.Lock()
			queries["logs"] = r.URL.Query().Get("query")
			mu.Unlock()
			w.Write([]byte(vectorJSON("12")))
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{
		MetricsURL:     srv.URL,
		ErrorRateQuery: `error_rate{tenant="{tenant}"}`,
		LogsURL:        srv.URL,
		LogErrorQuery:  `count_over_time({tenant="{tenant}"} |= "error" [5m])`,
	}
	c := New(cfg, logging.New("test"))

	samples := c.Collect(context.Background(), testTenant(srv.URL+"/health"))
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}

	metrics := sampleFor(t, samples, domain.SourceMetrics)
	if !metrics.Valid || metrics.Value != 0.03 {
		t.Fatalf("metrics sample = %+v", metrics)
	}
	logs := sampleFor(t, samples, domain.SourceLogs)
	if !logs.Valid || logs.Value != 12 {
		t.Fatalf("logs sample = %+v", logs)
	}
	check := sampleFor(t, samples, domain.SourceActiveCheck)
	if !check.Valid || check.Value < 0 {
		t.Fatalf("check sample = %+v", check)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(queries["metrics"], `tenant="devops"`) {
		t.Fatalf("metrics query not substituted: %q", queries["metrics"])
	}
	if !strings.Contains(queries["logs"], `tenant="devops"`) {
		t.Fatalf("logs query not substituted: %q", queries["logs"])
	}
}

func TestMetricsAPIFailureInvalidatesSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{MetricsURL: srv.URL, ErrorRateQuery: "up"}
	c := New(cfg, logging.New("test"))

	tenant := testTenant("")
	tenant.Weights = config.Weights{Metrics: 100}

	samples := c.Collect(context.Background(), tenant)
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].Valid {
		t.Fatal("sample should be invalid when the metrics API fails")
	}
	if !strings.Contains(samples[0].Detail, "status 500") {
		t.Fatalf("detail = %q", samples[0].Detail)
	}
}

func TestQueryEmptyResultInvalidatesSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{MetricsURL: srv.URL, ErrorRateQuery: "up"}
	c := New(cfg, logging.New("test"))

	tenant := testTenant("")
	tenant.Weights = config.Weights{Metrics: 100}

	samples := c.Collect(context.Background(), tenant)
	if samples[0].Valid {
		t.Fatal("empty result should invalidate the sample")
	}
}

func TestQueryErrorStatusInvalidatesSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","data":{"result":[]}}`))
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{LogsURL: srv.URL, LogErrorQuery: "errs"}
	c := New(cfg, logging.New("test"))

	tenant := testTenant("")
	tenant.Weights = config.Weights{Logs: 100}

	samples := c.Collect(context.Background(), tenant)
	if samples[0].Valid {
		t.Fatal("error status should invalidate the sample")
	}
}

func TestActiveCheckDownIsValidObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.CollectorConfig{}, logging.New("test"))

	tenant := testTenant(srv.URL)
	tenant.Weights = config.Weights{ActiveCheck: 100}

	samples := c.Collect(context.Background(), tenant)
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	s := samples[0]
	if !s.Valid {
		t.Fatal("a down target is a valid observation, not a dead source")
	}
	if s.Value != -1 {
		t.Fatalf("Value = %v, want -1", s.Value)
	}
	if !strings.Contains(s.Detail, "503") {
		t.Fatalf("detail = %q", s.Detail)
	}
}

func TestActiveCheckUnreachableIsValidObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(config.CollectorConfig{}, logging.New("test"))

	tenant := testTenant(url)
	tenant.Weights = config.Weights{ActiveCheck: 100}

	samples := c.Collect(context.Background(), tenant)
	s := samples[0]
	if !s.Valid || s.Value != -1 {
		t.Fatalf("sample = %+v, want valid down observation", s)
	}
}

func TestActiveCheckTimeoutIsValidObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{CheckTimeout: 20 * time.Millisecond}
	c := New(cfg, logging.New("test"))

	tenant := testTenant(srv.URL)
	tenant.Weights = config.Weights{ActiveCheck: 100}

	samples := c.Collect(context.Background(), tenant)
	s := samples[0]
	if !s.Valid || s.Value != -1 {
		t.Fatalf("sample = %+v, want valid down observation", s)
	}
}

func TestUnconfiguredSourcesInvalid(t *testing.T) {
	c := New(config.CollectorConfig{}, logging.New("test"))

	samples := c.Collect(context.Background(), testTenant(""))
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	for _, s := range samples {
		if s.Valid {
			t.Fatalf("source %s should be invalid without configuration", s.Source)
		}
		if s.Detail == "" {
			t.Fatalf("source %s missing detail", s.Source)
		}
	}
}

func TestZeroWeightSourceSkipped(t *testing.T) {
	var logsCalls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/loki/") {
			mu.Lock()
			logsCalls++
			mu.Unlock()
		}
		w.Write([]byte(vectorJSON("1")))
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{
		MetricsURL:     srv.URL,
		ErrorRateQuery: "up",
		LogsURL:        srv.URL,
		LogErrorQuery:  "errs",
	}
	c := New(cfg, logging.New("test"))

	tenant := testTenant("")
	tenant.Weights = config.Weights{Metrics: 100}

	samples := c.Collect(context.Background(), tenant)
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].Source != domain.SourceMetrics {
		t.Fatalf("source = %s", samples[0].Source)
	}
	mu.Lock()
	defer mu.Unlock()
	if logsCalls != 0 {
		t.Fatalf("log source queried %d times despite zero weight", logsCalls)
	}
}

func TestSourceFailureDoesNotPoisonOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/query":
			w.WriteHeader(http.StatusBadGateway)
		case "/loki/api/v1/query":
			w.Write([]byte(vectorJSON("4")))
		case "/health":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	cfg := config.CollectorConfig{
		MetricsURL:     srv.URL,
		ErrorRateQuery: "up",
		LogsURL:        srv.URL,
		LogErrorQuery:  "errs",
	}
	c := New(cfg, logging.New("test"))

	samples := c.Collect(context.Background(), testTenant(srv.URL+"/health"))
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	if sampleFor(t, samples, domain.SourceMetrics).Valid {
		t.Fatal("metrics sample should be invalid")
	}
	if !sampleFor(t, samples, domain.SourceLogs).Valid {
		t.Fatal("logs sample should be valid")
	}
	if !sampleFor(t, samples, domain.SourceActiveCheck).Valid {
		t.Fatal("check sample should be valid")
	}
}
