/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the FuelGuard reconciliation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment / .env, flags override)
  2. Initialize SQLite store and seed default rules
  3. Wire engine, anomaly manager, rules, receipts, fanout hub
  4. Start background sweeper and HTTP server
  5. Graceful shutdown on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, close the database
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/fuelguard.db"

  # Run on a different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fuelguard/reconcile-engine/anomaly"
	"github.com/fuelguard/reconcile-engine/api"
	"github.com/fuelguard/reconcile-engine/config"
	"github.com/fuelguard/reconcile-engine/fanout"
	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/receipt"
	"github.com/fuelguard/reconcile-engine/recon"
	"github.com/fuelguard/reconcile-engine/rules"
	"github.com/fuelguard/reconcile-engine/store/sqlite"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Flags override the environment.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger := newLogger(cfg.LogLevel)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	if err := seedDefaultRules(context.Background(), store); err != nil {
		logger.Warn().Err(err).Msg("failed to seed default rules")
	}

	// Wiring
	hub := fanout.NewHub(logger)
	thresholds := recon.Thresholds{
		DeltaPercent: decimal.NewFromFloat(cfg.ThresholdPercent),
		DeltaLiters:  decimal.NewFromFloat(cfg.ThresholdLiters),
	}
	anomalies := anomaly.NewManager(store, store, cfg.AnomalyCooldown, logger)
	sweeper := api.NewSweeper(store, thresholds, anomalies, hub, cfg.SweepInterval, logger)
	evaluator := rules.NewEvaluator(store, store, logger)
	receipts := receipt.NewService(store, store, store, cfg.SecretKey, logger)

	handler := api.NewHandler(store, sweeper, anomalies, evaluator, receipts, hub,
		cfg.HeartbeatFreshness, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper.Start()
	defer sweeper.Stop()

	go func() {
		logger.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// seedDefaultRules installs the built-in rule rows on first boot. Existing
// rows are left untouched so operator tuning survives restarts.
func seedDefaultRules(ctx context.Context, store fuel.Store) error {
	defaults := []fuel.Rule{
		{
			Slug: fuel.RuleTankMismatch, Name: "Tank Mismatch", RuleType: fuel.RuleTankMismatch,
			Config: map[string]any{"threshold_percent": 2.0, "threshold_l": 50.0},
		},
		{
			Slug: fuel.RuleUnderDispense, Name: "Under-dispense", RuleType: fuel.RuleUnderDispense,
			Config: map[string]any{"min_volume_l": 0.1},
		},
		{
			Slug: fuel.RuleRateSpike, Name: "Rate Spike", RuleType: fuel.RuleRateSpike,
			Config: map[string]any{"multiplier": 1.5, "window_minutes": 60},
		},
		{
			Slug: fuel.RuleRapidFire, Name: "Rapid Fire", RuleType: fuel.RuleRapidFire,
			Config: map[string]any{"count_threshold": 3, "window_seconds": 10},
		},
	}

	now := time.Now().UTC()
	for _, r := range defaults {
		if _, err := store.GetRuleBySlug(ctx, r.Slug); err == nil {
			continue
		}
		r.ID = uuid.NewString()
		r.Enabled = true
		r.CreatedAt = now
		r.UpdatedAt = now
		if err := store.SaveRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
