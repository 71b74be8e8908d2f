package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"triage/internal/config"
	"triage/internal/failover"
	"triage/internal/frontdoor"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/statefile"
	"triage/internal/vip"
	"triage/internal/vip/cloudflare"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config, $TRIAGE_CONFIG when empty")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := logging.New("frontdoor-agent")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if cfg.Frontdoor.StatsURL == "" {
		logger.Fatalf("frontdoor.stats_url is required")
	}

	var provider vip.Provider
	switch cfg.Providers.VIP {
	case "route53":
		provider, err = vip.NewRoute53(ctx, cfg.Providers.Route53, logger)
		if err != nil {
			logger.Fatalf("route53 provider: %v", err)
		}
	case "cloudflare":
		provider, err = cloudflare.NewProvider(cfg.Providers.Cloudflare, logger)
		if err != nil {
			logger.Fatalf("cloudflare provider: %v", err)
		}
	case "", "noop":
		provider = vip.NewNoop(logger)
	default:
		logger.Fatalf("unknown vip provider %q", cfg.Providers.VIP)
	}

	metrics := observability.NewMetrics(nil)
	obs := observability.Start(ctx, cfg.HTTP.MetricsAddr, logger, metrics.Registry(), nil)

	poller := frontdoor.NewClient(cfg.Frontdoor.StatsURL, cfg.Frontdoor.PollTimeout, logger)
	arb := failover.New(cfg.Frontdoor.BackendHealthThreshold, cfg.Frontdoor.TeamQuorum, cfg.Frontdoor.GracePeriod)
	states := statefile.New(cfg.Frontdoor.StatePath, logger)

	agent := frontdoor.NewAgent(cfg.Frontdoor, poller, arb, provider, states, logger)
	agent.SetMetrics(metrics)
	agent.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	obs.Stop(shutdownCtx)
}
