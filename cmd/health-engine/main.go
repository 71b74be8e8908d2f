package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triage/internal/breaker"
	"triage/internal/collector"
	"triage/internal/config"
	"triage/internal/dispatch"
	"triage/internal/domain"
	"triage/internal/engine"
	"triage/internal/healer"
	"triage/internal/health"
	"triage/internal/httpapi"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config, $TRIAGE_CONFIG when empty")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := logging.New("health-engine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	// An explicit DSN that cannot connect is a deployment problem, not a
	// runtime outage, so it fails startup. Leaving the DSN empty selects
	// memory-only persistence on purpose.
	var pg *store.Postgres
	if cfg.Store.DSN != "" {
		pg, err = store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Fatalf("opening postgres: %v", err)
		}
	}
	var backend store.Backend
	var schema health.SchemaChecker
	if pg != nil {
		backend, schema = pg, pg
	}
	st := store.NewResilient(backend, logger)

	metrics := observability.NewMetrics(nil)

	col := collector.New(cfg.Collector, logger)
	col.SetMetrics(metrics)

	var disp dispatch.Dispatcher
	var loop *dispatch.Loopback
	switch cfg.Dispatch.Provider {
	case "http":
		if cfg.Dispatch.BaseURL == "" {
			logger.Fatalf("dispatch provider http requires dispatch.base_url")
		}
		disp = dispatch.NewClient(cfg.Dispatch.BaseURL, cfg.Dispatch.Token, cfg.Dispatch.Timeout)
	case "loopback":
		loop = dispatch.NewLoopback(logger)
		disp = loop
	case "", "noop":
		disp = dispatch.Noop{Log: logger}
	default:
		logger.Fatalf("unknown dispatch provider %q", cfg.Dispatch.Provider)
	}
	disp = &instrumentedDispatcher{Dispatcher: disp, metrics: metrics}

	heal := healer.New(st, disp, logger)
	eng := engine.New(cfg, col, st, heal, breaker.New(), logger)
	eng.SetMetrics(metrics)
	if loop != nil {
		loop.SetReporter(func(ctx context.Context, attemptID string, outcome domain.Outcome, detail string) error {
			_, err := eng.HandleOutcome(ctx, attemptID, outcome, detail)
			return err
		})
	}
	eng.Restore(ctx)

	ready := health.ReadyCheck(st, schema)
	obs := observability.Start(ctx, cfg.HTTP.MetricsAddr, logger, metrics.Registry(), ready)

	api := httpapi.NewServer(logger, eng, ready, cfg.HTTP.AdminToken)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router()}
	go func() {
		logger.Info("api listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("api server: %v", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := config.Load(*configPath)
			if err != nil {
				logger.Errorf("reload skipped: %v", err)
				continue
			}
			if err := next.Validate(); err != nil {
				logger.Errorf("reload skipped: %v", err)
				continue
			}
			eng.Reload(next)
		}
	}()

	eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("api shutdown: %v", err)
	}
	obs.Stop(shutdownCtx)
	if pg != nil {
		if err := pg.Close(); err != nil {
			logger.Printf("closing postgres: %v", err)
		}
	}
	logger.Println("health-engine stopped")
}

type instrumentedDispatcher struct {
	dispatch.Dispatcher
	metrics *observability.Metrics
}

func (d *instrumentedDispatcher) Restart(ctx context.Context, attemptID, tenant string, env domain.Environment) error {
	err := d.Dispatcher.Restart(ctx, attemptID, tenant, env)
	d.metrics.RecordDispatch(string(domain.ActionRestart), err)
	return err
}

func (d *instrumentedDispatcher) SwitchEnvironment(ctx context.Context, attemptID, tenant string, from, to domain.Environment) error {
	err := d.Dispatcher.SwitchEnvironment(ctx, attemptID, tenant, from, to)
	d.metrics.RecordDispatch(string(domain.ActionSwitchEnvironment), err)
	return err
}
