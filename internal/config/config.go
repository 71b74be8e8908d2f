package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"triage/internal/domain"
	"triage/internal/faults"
)

// Config is the full engine configuration: global settings plus the tenant
// list. Defaults are applied first, then the YAML file, then environment
// overrides, in that order.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Collector CollectorConfig `yaml:"collector"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Frontdoor FrontdoorConfig `yaml:"frontdoor"`
	Store     StoreConfig     `yaml:"store"`
	HTTP      HTTPConfig      `yaml:"http"`
	Providers ProvidersConfig `yaml:"providers"`
	Tenants   []Tenant        `yaml:"tenants"`
}

type EngineConfig struct {
	EvaluationWindow   time.Duration  `yaml:"evaluation_window"`
	EvaluationJitter   time.Duration  `yaml:"evaluation_jitter"`
	TrendWindow        time.Duration  `yaml:"trend_window"`
	DegradingAfter     int            `yaml:"degrading_after"`
	RecoverySamples    int            `yaml:"recovery_samples"`
	SingleSourcePolicy string         `yaml:"single_source_policy"`
	Defaults           TenantDefaults `yaml:"defaults"`
}

// TenantDefaults fill in tenant fields left at their zero value.
type TenantDefaults struct {
	Thresholds Thresholds    `yaml:"thresholds"`
	Healing    HealingPolicy `yaml:"healing"`
}

type CollectorConfig struct {
	MetricsURL     string        `yaml:"metrics_url"`
	ErrorRateQuery string        `yaml:"error_rate_query"`
	LogsURL        string        `yaml:"logs_url"`
	LogErrorQuery  string        `yaml:"log_error_query"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
}

type DispatchConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

type FrontdoorConfig struct {
	StatsURL               string        `yaml:"stats_url"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	PollTimeout            time.Duration `yaml:"poll_timeout"`
	BackendHealthThreshold float64       `yaml:"backend_health_threshold"`
	TeamQuorum             int           `yaml:"team_quorum"`
	GracePeriod            time.Duration `yaml:"grace_period"`
	StatePath              string        `yaml:"state_path"`
	NodeName               string        `yaml:"node_name"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AdminToken  string `yaml:"admin_token"`
}

type ProvidersConfig struct {
	VIP        string           `yaml:"vip"`
	Route53    Route53Config    `yaml:"route53"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
}

type Route53Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Domain          string `yaml:"domain"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

type CloudflareConfig struct {
	APIToken      string `yaml:"api_token"`
	ZoneID        string `yaml:"zone_id"`
	RecordName    string `yaml:"record_name"`
	PrimaryTarget string `yaml:"primary_target"`
	StandbyTarget string `yaml:"standby_target"`
}

// Tenant is one team's health configuration.
type Tenant struct {
	Name        string        `yaml:"name"`
	Enabled     bool          `yaml:"enabled"`
	Tier        string        `yaml:"tier"`
	Weights     Weights       `yaml:"weights"`
	Thresholds  Thresholds    `yaml:"thresholds"`
	Healing     HealingPolicy `yaml:"healing"`
	Environment EnvState      `yaml:"environment"`
}

// Weights distribute 100 points across the signal sources.
type Weights struct {
	Metrics     float64 `yaml:"metrics"`
	Logs        float64 `yaml:"logs"`
	ActiveCheck float64 `yaml:"active_check"`
}

func (w Weights) Sum() float64 { return w.Metrics + w.Logs + w.ActiveCheck }

// For returns the configured weight for a source kind.
func (w Weights) For(kind domain.SourceKind) float64 {
	switch kind {
	case domain.SourceMetrics:
		return w.Metrics
	case domain.SourceLogs:
		return w.Logs
	case domain.SourceActiveCheck:
		return w.ActiveCheck
	}
	return 0
}

type Thresholds struct {
	MaxErrorRate    float64 `yaml:"max_error_rate"`
	MaxLatencyMS    float64 `yaml:"max_latency_ms"`
	MinAvailability float64 `yaml:"min_availability"`
	MaxLogErrors    float64 `yaml:"max_log_errors"`
	LatencyTargetMS float64 `yaml:"latency_target_ms"`
	HealthyCutoff   float64 `yaml:"healthy_cutoff"`
	ActionThreshold float64 `yaml:"action_threshold"`
}

type HealingPolicy struct {
	Enabled           bool                `yaml:"enabled"`
	Actions           []domain.ActionKind `yaml:"actions"`
	MaxAttempts       int                 `yaml:"max_attempts"`
	OpenDuration      time.Duration       `yaml:"open_duration"`
	BackoffFactor     float64             `yaml:"backoff_factor"`
	MaxOpenDuration   time.Duration       `yaml:"max_open_duration"`
	AttemptTimeout    time.Duration       `yaml:"attempt_timeout"`
	MinSwitchInterval time.Duration       `yaml:"min_switch_interval"`
}

// EnvState carries a tenant's blue/green wiring.
type EnvState struct {
	Active    domain.Environment `yaml:"active"`
	BlueGreen bool               `yaml:"blue_green"`
	BlueURL   string             `yaml:"blue_url"`
	GreenURL  string             `yaml:"green_url"`
}

// CheckURL returns the active environment's health-check endpoint.
func (e EnvState) CheckURL() string {
	if e.Active == domain.EnvironmentGreen {
		return e.GreenURL
	}
	return e.BlueURL
}

// Load builds the configuration from defaults, the optional YAML file at
// path (or $TRIAGE_CONFIG), and environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("TRIAGE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := parseYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			EvaluationWindow:   60 * time.Second,
			EvaluationJitter:   5 * time.Second,
			TrendWindow:        time.Hour,
			DegradingAfter:     3,
			RecoverySamples:    1,
			SingleSourcePolicy: "full_weight",
			Defaults: TenantDefaults{
				Thresholds: Thresholds{
					MaxErrorRate:    0.05,
					MaxLatencyMS:    5000,
					MinAvailability: 0.95,
					MaxLogErrors:    50,
					HealthyCutoff:   70,
					ActionThreshold: 50,
				},
				Healing: HealingPolicy{
					Actions:           []domain.ActionKind{domain.ActionRestart, domain.ActionSwitchEnvironment},
					MaxAttempts:       3,
					OpenDuration:      30 * time.Minute,
					AttemptTimeout:    5 * time.Minute,
					MinSwitchInterval: 10 * time.Minute,
				},
			},
		},
		Collector: CollectorConfig{
			QueryTimeout: 10 * time.Second,
			CheckTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			Provider: "noop",
			Timeout:  10 * time.Second,
		},
		Frontdoor: FrontdoorConfig{
			PollInterval:           5 * time.Second,
			PollTimeout:            3 * time.Second,
			BackendHealthThreshold: 50,
			TeamQuorum:             2,
			GracePeriod:            30 * time.Second,
			StatePath:              "/var/lib/triage/failover-state.json",
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Providers: ProvidersConfig{VIP: "noop", Route53: Route53Config{MaxAttempts: 3}},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Store.DSN = getenv("PG_DSN", cfg.Store.DSN)
	cfg.HTTP.Addr = getenv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.MetricsAddr = getenv("METRICS_ADDR", cfg.HTTP.MetricsAddr)
	cfg.HTTP.AdminToken = getenv("ADMIN_TOKEN", cfg.HTTP.AdminToken)
	cfg.Collector.MetricsURL = getenv("METRICS_URL", cfg.Collector.MetricsURL)
	cfg.Collector.LogsURL = getenv("LOGS_URL", cfg.Collector.LogsURL)
	cfg.Dispatch.BaseURL = getenv("DISPATCH_URL", cfg.Dispatch.BaseURL)
	cfg.Dispatch.Token = getenv("DISPATCH_TOKEN", cfg.Dispatch.Token)
	cfg.Frontdoor.StatsURL = getenv("HAPROXY_STATS_URL", cfg.Frontdoor.StatsURL)
	cfg.Frontdoor.StatePath = getenv("FAILOVER_STATE_PATH", cfg.Frontdoor.StatePath)
	cfg.Frontdoor.NodeName = getenv("NODE_NAME", cfg.Frontdoor.NodeName)
	cfg.Providers.VIP = getenv("VIP_PROVIDER", cfg.Providers.VIP)
	cfg.Providers.Route53.Region = getenv("AWS_REGION", cfg.Providers.Route53.Region)
	cfg.Providers.Route53.AccessKeyID = getenv("AWS_ACCESS_KEY_ID", cfg.Providers.Route53.AccessKeyID)
	cfg.Providers.Route53.SecretAccessKey = getenv("AWS_SECRET_ACCESS_KEY", cfg.Providers.Route53.SecretAccessKey)
	cfg.Providers.Route53.SessionToken = getenv("AWS_SESSION_TOKEN", cfg.Providers.Route53.SessionToken)
	cfg.Providers.Cloudflare.APIToken = getenv("CLOUDFLARE_API_TOKEN", cfg.Providers.Cloudflare.APIToken)
	cfg.Providers.Cloudflare.ZoneID = getenv("CLOUDFLARE_ZONE_ID", cfg.Providers.Cloudflare.ZoneID)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ApplyDefaults fills zero-valued tenant fields from the configured
// defaults. Explicit values, including wrong ones, are left alone so
// validation can report them.
func (t *Tenant) ApplyDefaults(d TenantDefaults) {
	th := &t.Thresholds
	if th.MaxErrorRate == 0 {
		th.MaxErrorRate = d.Thresholds.MaxErrorRate
	}
	if th.MaxLatencyMS == 0 {
		th.MaxLatencyMS = d.Thresholds.MaxLatencyMS
	}
	if th.MinAvailability == 0 {
		th.MinAvailability = d.Thresholds.MinAvailability
	}
	if th.MaxLogErrors == 0 {
		th.MaxLogErrors = d.Thresholds.MaxLogErrors
	}
	if th.LatencyTargetMS == 0 {
		th.LatencyTargetMS = d.Thresholds.LatencyTargetMS
	}
	if th.HealthyCutoff == 0 {
		th.HealthyCutoff = d.Thresholds.HealthyCutoff
	}
	if th.ActionThreshold == 0 {
		th.ActionThreshold = d.Thresholds.ActionThreshold
	}

	h := &t.Healing
	if len(h.Actions) == 0 {
		h.Actions = d.Healing.Actions
	}
	if h.MaxAttempts == 0 {
		h.MaxAttempts = d.Healing.MaxAttempts
	}
	if h.OpenDuration == 0 {
		h.OpenDuration = d.Healing.OpenDuration
	}
	if h.BackoffFactor == 0 {
		h.BackoffFactor = d.Healing.BackoffFactor
	}
	if h.MaxOpenDuration == 0 {
		h.MaxOpenDuration = d.Healing.MaxOpenDuration
	}
	if h.AttemptTimeout == 0 {
		h.AttemptTimeout = d.Healing.AttemptTimeout
	}
	if h.MinSwitchInterval == 0 {
		h.MinSwitchInterval = d.Healing.MinSwitchInterval
	}

	if t.Environment.Active == "" {
		t.Environment.Active = domain.EnvironmentBlue
	}
	if t.Weights.Sum() == 0 {
		t.Weights = Weights{Metrics: 50, Logs: 30, ActiveCheck: 20}
	}
}

// Validate checks one tenant after defaults were applied. It returns a
// field-to-problem map, nil when the tenant is usable.
func (t Tenant) Validate() map[string]string {
	fields := make(map[string]string)

	if t.Name == "" {
		fields["name"] = "required"
	}
	if t.Weights.Metrics < 0 || t.Weights.Logs < 0 || t.Weights.ActiveCheck < 0 {
		fields["weights"] = "weights must not be negative"
	} else if sum := t.Weights.Sum(); math.Abs(sum-100) > 1e-6 {
		fields["weights"] = fmt.Sprintf("must sum to 100, got %g", sum)
	}

	th := t.Thresholds
	if th.MaxErrorRate <= 0 {
		fields["thresholds.max_error_rate"] = "must be positive"
	}
	if th.MaxLogErrors <= 0 {
		fields["thresholds.max_log_errors"] = "must be positive"
	}
	if th.HealthyCutoff <= 0 || th.HealthyCutoff > 100 {
		fields["thresholds.healthy_cutoff"] = "must be in (0, 100]"
	}
	if th.ActionThreshold < 0 || th.ActionThreshold > th.HealthyCutoff {
		fields["thresholds.action_threshold"] = "must be between 0 and healthy_cutoff"
	}
	if th.MinAvailability <= 0 || th.MinAvailability > 1 {
		fields["thresholds.min_availability"] = "must be a fraction in (0, 1]"
	}

	switch t.Environment.Active {
	case domain.EnvironmentBlue, domain.EnvironmentGreen:
	default:
		fields["environment.active"] = fmt.Sprintf("unknown environment %q", t.Environment.Active)
	}
	if t.Environment.BlueGreen {
		if t.Environment.BlueURL == "" {
			fields["environment.blue_url"] = "required for blue_green"
		}
		if t.Environment.GreenURL == "" {
			fields["environment.green_url"] = "required for blue_green"
		}
	}
	if t.Weights.ActiveCheck > 0 && t.Environment.CheckURL() == "" {
		fields["environment"] = "active check weighted but the active environment has no check URL"
	}

	if t.Healing.Enabled {
		for _, a := range t.Healing.Actions {
			switch a {
			case domain.ActionRestart:
			case domain.ActionSwitchEnvironment:
				if !t.Environment.BlueGreen {
					fields["healing.actions"] = "switch_environment requires environment.blue_green"
				}
			default:
				fields["healing.actions"] = fmt.Sprintf("unknown action %q", a)
			}
		}
		if t.Healing.MaxAttempts < 1 {
			fields["healing.max_attempts"] = "must be at least 1"
		}
		if t.Healing.OpenDuration <= 0 {
			fields["healing.open_duration"] = "must be positive"
		}
		if t.Healing.AttemptTimeout <= 0 {
			fields["healing.attempt_timeout"] = "must be positive"
		}
		if t.Healing.BackoffFactor < 0 || (t.Healing.BackoffFactor > 0 && t.Healing.BackoffFactor < 1) {
			fields["healing.backoff_factor"] = "must be at least 1 when set"
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}

// PartitionTenants applies defaults to every tenant and splits the list
// into usable tenants and per-tenant configuration errors. One broken
// tenant never takes the rest down.
func (c *Config) PartitionTenants() ([]Tenant, map[string]*faults.TenantConfigError) {
	valid := make([]Tenant, 0, len(c.Tenants))
	invalid := make(map[string]*faults.TenantConfigError)
	for _, t := range c.Tenants {
		t.ApplyDefaults(c.Engine.Defaults)
		if fields := t.Validate(); fields != nil {
			invalid[t.Name] = &faults.TenantConfigError{Tenant: t.Name, Fields: fields}
			continue
		}
		valid = append(valid, t)
	}
	return valid, invalid
}

// Validate checks the global settings. Per-tenant problems are reported
// by PartitionTenants instead so one tenant cannot block startup.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]struct{})
	for _, t := range c.Tenants {
		if _, ok := seen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: duplicate tenant %q", faults.ErrConfigInvalid, t.Name))
		}
		seen[t.Name] = struct{}{}
	}

	if c.Engine.EvaluationWindow < time.Second {
		errs = append(errs, fmt.Errorf("%w: engine.evaluation_window must be at least 1s", faults.ErrConfigInvalid))
	}
	if c.Engine.TrendWindow < c.Engine.EvaluationWindow {
		errs = append(errs, fmt.Errorf("%w: engine.trend_window must cover at least one evaluation", faults.ErrConfigInvalid))
	}
	if c.Engine.DegradingAfter < 2 {
		errs = append(errs, fmt.Errorf("%w: engine.degrading_after must be at least 2", faults.ErrConfigInvalid))
	}
	if c.Engine.RecoverySamples < 1 {
		errs = append(errs, fmt.Errorf("%w: engine.recovery_samples must be at least 1", faults.ErrConfigInvalid))
	}
	switch c.Engine.SingleSourcePolicy {
	case "", "full_weight", "capped":
	default:
		errs = append(errs, fmt.Errorf("%w: engine.single_source_policy %q unknown", faults.ErrConfigInvalid, c.Engine.SingleSourcePolicy))
	}

	if c.Frontdoor.BackendHealthThreshold < 0 || c.Frontdoor.BackendHealthThreshold > 100 {
		errs = append(errs, fmt.Errorf("%w: frontdoor.backend_health_threshold must be a percentage", faults.ErrConfigInvalid))
	}
	if c.Frontdoor.TeamQuorum < 1 {
		errs = append(errs, fmt.Errorf("%w: frontdoor.team_quorum must be at least 1", faults.ErrConfigInvalid))
	}
	if c.Frontdoor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: frontdoor.poll_interval must be positive", faults.ErrConfigInvalid))
	}
	if c.Frontdoor.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("%w: frontdoor.grace_period must not be negative", faults.ErrConfigInvalid))
	}

	return errors.Join(errs...)
}
