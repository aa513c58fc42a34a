// Kestrel - Deterministic settlement for repair orders.
// Copyright (c) 2025 OpenMotor
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openmotor/kestrel/internal/api"
	"github.com/openmotor/kestrel/internal/bus"
	"github.com/openmotor/kestrel/internal/cache"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/engine"
	"github.com/openmotor/kestrel/internal/fraud"
	"github.com/openmotor/kestrel/internal/ledger"
	"github.com/openmotor/kestrel/internal/metrics"
	"github.com/openmotor/kestrel/internal/repository"
	"github.com/openmotor/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Screen Engine for the anti-fraud gate
	screens, err := fraud.NewScreenEngine()
	if err != nil {
		slog.Error("failed to initialize screen engine", "error", err)
		os.Exit(1)
	}
	defer screens.Close()

	// Load screen rules from database (no hardcoded defaults - configure via API)
	if err := loadScreensFromDatabase(ctx, repo, screens); err != nil {
		slog.Error("failed to load screen rules", "error", err)
		os.Exit(1)
	}
	slog.Info("screen engine initialized", "screens_count", screens.RulesCount())

	// Initialize Ledger Service for trailing-window cap accounting
	ledgerSvc := ledger.NewService(repo, cacheImpl)
	slog.Info("ledger service initialized")

	// Initialize Prometheus metrics
	settlementMetrics := metrics.NewSettlementMetrics()

	// Initialize Settlement Engine
	eng := engine.New(repo, cacheImpl, busImpl, fraud.NewGate(screens), ledgerSvc, settlementMetrics, logger)
	slog.Info("settlement engine initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, eng)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, screens, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// GlobalTenantID is used for screen rules that apply to all tenants.
const GlobalTenantID = "*"

// loadScreensFromDatabase loads screen rules from the database into the
// engine. All screens must be configured via POST /screens - no hardcoded
// defaults.
func loadScreensFromDatabase(ctx context.Context, repo domain.Repository, screens *fraud.ScreenEngine) error {
	dbScreens, err := repo.ListScreenRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list screen rules from database", "error", err)
		return nil // Start with empty screens - they can be added via API
	}

	if len(dbScreens) > 0 {
		slog.Info("loading screen rules from database", "count", len(dbScreens))
		return screens.ReloadRules(dbScreens)
	}

	slog.Info("no screen rules in database - configure via POST /screens")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("            KESTREL Settlement Engine")
	fmt.Println("       Every repair order, settled once.")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /settlements                   - Settle an order")
	fmt.Println("    GET  /settlements/{orderId}         - Get settlement by order")
	fmt.Println("    POST /orders                        - Queue an order (async)")
	fmt.Println("    POST /verdicts                      - Apply a review verdict")
	fmt.Println("    POST /disbursements/{id}/release    - Release a milestone")
	fmt.Println("    POST /disbursements/{id}/audit      - Resolve a manual review")
	fmt.Println("    GET  /rulesets                      - List ruleset snapshots")
	fmt.Println("    POST /rulesets                      - Create a snapshot")
	fmt.Println("    POST /rulesets/{version}/activate   - Activate a snapshot")
	fmt.Println("    GET  /screens                       - List screen rules")
	fmt.Println("    POST /screens                       - Create a screen rule")
	fmt.Println("    POST /screens/reload                - Hot-reload screens")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
