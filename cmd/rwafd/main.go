// Command rwafd runs the WAF decision service: it loads configuration,
// wires the rule store, ban store, decision cache, journals, detection
// module registry, and pipeline orchestrator together, and serves the
// admin HTTP surface until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/bans"
	"github.com/r-waf/rwafd/internal/cache"
	"github.com/r-waf/rwafd/internal/config"
	"github.com/r-waf/rwafd/internal/httpapi"
	"github.com/r-waf/rwafd/internal/journal"
	"github.com/r-waf/rwafd/internal/modules"
	"github.com/r-waf/rwafd/internal/pipeline"
	"github.com/r-waf/rwafd/internal/rules"
	"github.com/r-waf/rwafd/internal/sysmon"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "rwafd",
		Short: "rwafd runs the node-local WAF decision service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "./data/config.json", "path to the JSON configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	defer logger.Sync()

	app, err := build(cfg, logger)
	if err != nil {
		logger.Error("failed to build application", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	return app.Run(ctx)
}

// application holds every long-lived component built once at startup.
type application struct {
	logger  *zap.Logger
	server  *httpapi.Server
	rules   *rules.Store
	banStr  *bans.Store
	alerts  *journal.Alerts
	traffic *journal.Traffic
	sysmon  *sysmon.Monitor
}

func build(cfg config.Config, logger *zap.Logger) (*application, error) {
	ruleStore, err := rules.New(cfg.RulesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("rule store: %w", err)
	}
	if err := ruleStore.WatchAndReload(); err != nil {
		logger.Warn("rule file watcher disabled", zap.Error(err))
	}

	banStore, err := bans.New(cfg.BansFile, cfg.WhitelistFile, cfg.DelayBanMinutes, logger)
	if err != nil {
		return nil, fmt.Errorf("ban store: %w", err)
	}

	decisionCache, err := cache.New(cfg.CacheMaxSize)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}

	alerts, err := journal.NewAlerts(cfg.AlertsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("alert journal: %w", err)
	}

	traffic, err := journal.NewTraffic(cfg.TrafficDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("traffic journal: %w", err)
	}

	registry, err := modules.NewRegistry(logger)
	if err != nil {
		return nil, fmt.Errorf("module registry: %w", err)
	}

	pipe := pipeline.New(pipeline.Deps{
		Logger:               logger,
		RulesStore:           ruleStore,
		BanStore:             banStore,
		Cache:                decisionCache,
		Alerts:               alerts,
		Traffic:              traffic,
		Registry:             registry,
		ModuleThreads:        cfg.ModuleThreads,
		AntiHTTPGenericBF:    cfg.AntiHTTPGenericBF,
		WindowSeconds:        cfg.WindowSeconds,
		WindowMaxRequests:    cfg.WindowMaxRequests,
		EnableResponseFilter: cfg.EnableResponseFilter,
	})

	monitor := sysmon.New()

	server := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Logger:   logger,
		Pipeline: pipe,
		Rules:    ruleStore,
		Bans:     banStore,
		Cache:    decisionCache,
		Alerts:   alerts,
		Sysmon:   monitor,
	})

	logger.Info("rwafd initialized",
		zap.String("rules_dir", cfg.RulesDir),
		zap.String("bans_file", cfg.BansFile),
		zap.Int("module_threads", cfg.ModuleThreads),
		zap.Int("cache_maxsize", cfg.CacheMaxSize),
	)

	return &application{
		logger:  logger,
		server:  server,
		rules:   ruleStore,
		banStr:  banStore,
		alerts:  alerts,
		traffic: traffic,
		sysmon:  monitor,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// drains every background flusher and watcher before returning.
func (a *application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error("http server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown error", zap.Error(err))
	}

	if err := a.rules.Close(); err != nil {
		a.logger.Warn("rule watcher shutdown error", zap.Error(err))
	}
	a.banStr.Shutdown()
	a.alerts.Shutdown()
	a.traffic.Shutdown()
	a.sysmon.Shutdown()

	a.logger.Info("rwafd stopped gracefully")
	return nil
}
