package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"triage/internal/domain"
	"triage/internal/faults"
)

const sampleConfig = `
engine:
  evaluation_window: 30s
  trend_window: 30m
  degrading_after: 4
tenants:
  - name: devops
    enabled: true
    tier: gold
    weights: {metrics: 40, logs: 20, active_check: 40}
    healing:
      enabled: true
      actions: [restart, switch_environment]
    environment:
      active: blue
      blue_green: true
      blue_url: http://devops-blue:8080/health
      green_url: http://devops-green:8180/health
  - name: qa
    enabled: true
    weights: {metrics: 50, logs: 50, active_check: 10}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triage.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.EvaluationWindow != 30*time.Second {
		t.Fatalf("evaluation_window = %v, want 30s", cfg.Engine.EvaluationWindow)
	}
	if cfg.Engine.TrendWindow != 30*time.Minute {
		t.Fatalf("trend_window = %v, want 30m", cfg.Engine.TrendWindow)
	}
	// Untouched sections keep their defaults.
	if cfg.Frontdoor.TeamQuorum != 2 {
		t.Fatalf("team_quorum default = %d, want 2", cfg.Frontdoor.TeamQuorum)
	}
	if cfg.Engine.SingleSourcePolicy != "full_weight" {
		t.Fatalf("single_source_policy default = %q", cfg.Engine.SingleSourcePolicy)
	}
	if len(cfg.Tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(cfg.Tenants))
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "engine:\n  evaluatoin_window: 30s\n"))
	if err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://env/override")
	t.Setenv("HTTP_ADDR", ":18080")
	cfg, err := Load(writeConfig(t, "store:\n  dsn: postgres://file/value\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DSN != "postgres://env/override" {
		t.Fatalf("DSN = %q, want env override", cfg.Store.DSN)
	}
	if cfg.HTTP.Addr != ":18080" {
		t.Fatalf("Addr = %q, want :18080", cfg.HTTP.Addr)
	}
}

func TestPartitionTenantsIsolatesBadTenant(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	valid, invalid := cfg.PartitionTenants()
	if len(valid) != 1 || valid[0].Name != "devops" {
		t.Fatalf("expected only devops valid, got %+v", valid)
	}
	cfgErr, ok := invalid["qa"]
	if !ok {
		t.Fatalf("expected qa to be invalid: %v", invalid)
	}
	if !errors.Is(cfgErr, faults.ErrConfigInvalid) {
		t.Fatalf("tenant error should match ErrConfigInvalid")
	}
	if _, ok := cfgErr.Fields["weights"]; !ok {
		t.Fatalf("expected weights error, got %v", cfgErr.Fields)
	}
}

func TestApplyDefaultsFillsThresholdsAndHealing(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	valid, _ := cfg.PartitionTenants()
	devops := valid[0]
	if devops.Thresholds.MaxErrorRate != 0.05 {
		t.Fatalf("max_error_rate default = %v", devops.Thresholds.MaxErrorRate)
	}
	if devops.Healing.MaxAttempts != 3 {
		t.Fatalf("max_attempts default = %d", devops.Healing.MaxAttempts)
	}
	if devops.Healing.OpenDuration != 30*time.Minute {
		t.Fatalf("open_duration default = %v", devops.Healing.OpenDuration)
	}
	if devops.Environment.CheckURL() != "http://devops-blue:8080/health" {
		t.Fatalf("CheckURL = %q", devops.Environment.CheckURL())
	}
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	tenant := Tenant{
		Name:    "ops",
		Weights: Weights{Metrics: 100},
		Healing: HealingPolicy{Enabled: true, Actions: []domain.ActionKind{"reboot"}},
	}
	tenant.ApplyDefaults(defaultConfig().Engine.Defaults)
	// ApplyDefaults must not overwrite the explicit bad action list.
	errs := tenant.Validate()
	if errs == nil {
		t.Fatalf("expected validation errors")
	}
	if _, ok := errs["healing.actions"]; !ok {
		t.Fatalf("expected healing.actions error, got %v", errs)
	}
}

func TestGlobalValidateCatchesDuplicateTenants(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tenants = []Tenant{{Name: "devops"}, {Name: "devops"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate-tenant error")
	}
}
