// Command quorumd runs the multi-agent task coordination daemon: the
// durable task store, scheduler, assist coordinator, failover
// supervisor, and lifecycle sweeps, wired once at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/openagents/quorum/internal/assist"
	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/failover"
	"github.com/openagents/quorum/internal/lifecycle"
	otelPkg "github.com/openagents/quorum/internal/otel"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/scheduler"
	"github.com/openagents/quorum/internal/store"
	"github.com/openagents/quorum/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	homeDir := flag.String("home", "", "data directory (default: $QUORUM_HOME or ~/.quorum)")
	configPath := flag.String("config", "", "config file (default: <home>/config.yaml)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("quorumd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*homeDir, *configPath)
	} else {
		cfg, err = config.Load(*homeDir)
	}
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatalStartup(logger, "E_DB_DIR_CREATE", err)
	}
	backend, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	st, err := store.Open(ctx, backend, eventBus, logger,
		store.WithAuditLimit(cfg.Assist.AuditLimit))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	reg, err := registry.New(ctx, st, eventBus, logger, cfg.Agents)
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_SEED", err)
	}

	sched := scheduler.New(st, reg, cfg.Scheduler, logger, scheduler.WithMetrics(metrics))
	sched.Start(ctx, eventBus)
	defer sched.Stop(eventBus)

	assists := assist.New(st, eventBus, cfg.Assist, logger, assist.WithMetrics(metrics))

	supervisor := failover.New(st, reg, sched, eventBus, cfg.Failover, logger,
		failover.WithMetrics(metrics))
	if _, err := supervisor.EnsureManagerPool(ctx); err != nil {
		fatalStartup(logger, "E_MANAGER_POOL", err)
	}
	supervisor.Start(ctx)
	defer supervisor.Stop()

	tasks := lifecycle.New(st, reg, sched, eventBus, *cfg, logger,
		lifecycle.WithMetrics(metrics))

	logger.Info("startup phase", "phase", "components_wired",
		"agents", len(reg.List()), "manager", supervisor.CurrentManager())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tasks.Run(ctx); err != nil {
			logger.Error("maintenance sweep loop exited", "error", err)
			stop()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		assists.Run(ctx, cfg.Sweep.AssistInterval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runHealthChecks(ctx, supervisor, cfg.Sweep.Interval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchConfig(ctx, cfg, reg, logger)
	}()

	logger.Info("quorumd running", "pid", os.Getpid())
	<-ctx.Done()
	logger.Info("shutdown requested")
	wg.Wait()
	logger.Info("shutdown complete")
}

// runHealthChecks periodically re-evaluates every agent's health so
// threshold breaches surface without waiting for a push event.
func runHealthChecks(ctx context.Context, supervisor *failover.Supervisor, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.HealthCheckPass(ctx)
		}
	}
}

// watchConfig reloads the agent seed list when config.yaml changes on
// disk. Structural settings (db path, thresholds) need a restart.
func watchConfig(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *slog.Logger) {
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			for _, entry := range fresh.Agents {
				agent := registry.Agent{
					ID:            entry.ID,
					DisplayName:   entry.DisplayName,
					Capabilities:  entry.Capabilities,
					ReasoningTier: entry.ReasoningTier,
					CostFactor:    entry.CostFactor,
					Coordinator:   entry.Coordinator,
					Enabled:       !entry.Disabled,
					Online:        true,
					Configured:    true,
				}
				if err := reg.Register(ctx, agent); err != nil {
					logger.Warn("agent reload skipped", "agent", entry.ID, "error", err)
				}
			}
			logger.Info("agent roster reloaded", "agents", len(fresh.Agents))
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
