// Package app provides the main application struct for centralized dependency
// management and lifecycle control of the genforge server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"genforge/config"
	"genforge/internal/cooldown"
	"genforge/internal/generation"
	"genforge/internal/jobs"
	"genforge/internal/ledger"
	"genforge/internal/orchestrator"
	"genforge/internal/pricing"
	"genforge/internal/router"
	"genforge/internal/server"
	"genforge/internal/storage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config    *config.Config
	storage   storage.Storage
	cooldowns cooldown.Tracker
	ledger    *ledger.Ledger
	jobs      *jobs.Store
	server    *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: cfg}

	registry, err := pricing.NewRegistry(pricingRules(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing rules: %w", err)
	}

	store, err := storage.New(ctx, storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.DSN},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storage = store

	ledgerStore, err := newLedgerStore(store)
	if err != nil {
		closeErr := store.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize ledger store: %w (also: storage close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize ledger store: %w", err)
	}
	app.ledger = ledger.New(ledgerStore, registry)

	app.cooldowns = newTracker(cfg)

	gen := generation.NewService(
		router.New(newCatalogSource(cfg), app.cooldowns),
		app.ledger,
		orchestrator.New(slog.Default()),
		app.cooldowns,
		slog.Default(),
	)

	app.jobs = jobs.NewStore(gen, jobs.Options{
		TTL:     time.Duration(cfg.Jobs.TTLSeconds) * time.Second,
		MaxJobs: cfg.Jobs.MaxJobs,
		Workers: cfg.Jobs.Workers,
	}, slog.Default())

	app.logStartupInfo()

	app.server = server.New(server.NewHandler(app.jobs, app.ledger, registry), &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Server.MetricsEnabled,
		MetricsEndpoint: cfg.Server.MetricsEndpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	})

	return app, nil
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// HTTP server first (stop intake), then the job registry (cancels running
// generations), then the cooldown tracker and storage.
//
// Shutdown is idempotent and safe for repeated calls.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.jobs != nil {
		a.jobs.Close()
	}

	if a.cooldowns != nil {
		if err := a.cooldowns.Close(); err != nil {
			slog.Error("cooldown tracker close error", "error", err)
			errs = append(errs, fmt.Errorf("cooldown close: %w", err))
		}
	}

	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set MASTER_KEY environment variable to secure this service")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Server.MetricsEnabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("storage configured", "type", a.storage.Type())
	slog.Info("routing catalog loaded",
		"image_candidates", len(cfg.Candidates.Image),
		"video_candidates", len(cfg.Candidates.Video),
		"pricing_rules", len(cfg.Pricing),
	)

	if cfg.Redis.URL != "" {
		slog.Info("provider cooldowns shared via redis")
	} else {
		slog.Info("provider cooldowns are process-local")
	}
}

// newLedgerStore selects the ledger backend matching the storage connection.
func newLedgerStore(store storage.Storage) (ledger.Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return ledger.NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		return ledger.NewPostgreSQLStore(store.PostgreSQLPool())
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// newTracker builds the cooldown tracker, falling back to the process-local
// one when Redis is unavailable.
func newTracker(cfg *config.Config) cooldown.Tracker {
	ttl := time.Duration(cfg.Redis.CooldownTTLSeconds) * time.Second
	if cfg.Redis.URL == "" {
		return cooldown.NewLocalTracker(ttl)
	}
	tracker, err := cooldown.NewRedisTracker(cooldown.RedisConfig{URL: cfg.Redis.URL, TTL: ttl})
	if err != nil {
		slog.Warn("redis cooldown tracker unavailable, using local tracker", "error", err)
		return cooldown.NewLocalTracker(ttl)
	}
	return tracker
}

func pricingRules(cfg *config.Config) []pricing.Rule {
	rules := make([]pricing.Rule, len(cfg.Pricing))
	for i, rc := range cfg.Pricing {
		rules[i] = pricing.Rule{
			TaskType:   rc.TaskType,
			Provider:   rc.Provider,
			Model:      rc.Model,
			Unit:       pricing.UnitType(rc.Unit),
			Cost:       rc.Cost,
			CostInput:  rc.CostInput,
			CostOutput: rc.CostOutput,
		}
	}
	return rules
}
