package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/api"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/crafting"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/engine"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/store"
	"github.com/foxzi/outreach/internal/vault"
)

// App is the main application
type App struct {
	config           *config.Config
	store            *store.BoltStore
	limiter          *ratelimit.Limiter
	engine           *engine.Engine
	apiServer        *api.Server
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
	cleaner          *store.Cleaner
	logger           *slog.Logger
}

// Options overrides parts of the application, mostly for tests
type Options struct {
	// Generator replaces the configured crafting backend
	Generator crafting.Generator
	// Provider replaces the configured mail provider
	Provider dispatch.Provider
	// LogOutput defaults to stdout
	LogOutput io.Writer
	Version   string
}

// New creates a new application
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}
	logger := SetupLogger(cfg.Logging, opts.LogOutput)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, store: st, logger: logger}
	if err := a.build(opts); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(opts Options) error {
	cfg := a.config
	logger := a.logger
	db := a.store.DB()

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return fmt.Errorf("invalid vault master key: %w", err)
	}
	credVault, err := vault.New(db, masterKey)
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}

	plans, err := cfg.PlanSource()
	if err != nil {
		return fmt.Errorf("failed to load plans: %w", err)
	}

	// Metrics are registered first so every component records into them
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	gen := opts.Generator
	if gen == nil {
		gen, err = newGenerator(cfg.Crafting)
		if err != nil {
			return err
		}
	}
	crafter := crafting.NewClient(gen, crafting.Config{
		MaxAttempts:    cfg.Crafting.MaxAttempts,
		AttemptTimeout: cfg.Crafting.AttemptTimeout,
		Budget:         cfg.Crafting.Budget,
		BaseDelay:      cfg.Crafting.BaseDelay,
		MaxDelay:       cfg.Crafting.MaxDelay,
		Jitter:         cfg.Crafting.Jitter,
	}, logger)

	var sandbox *dispatch.SandboxProvider
	provider := opts.Provider
	if provider == nil {
		provider, sandbox, err = a.newProvider(db)
		if err != nil {
			return err
		}
	}

	ledger, err := dispatch.NewLedger(db)
	if err != nil {
		return fmt.Errorf("failed to create dispatch ledger: %w", err)
	}
	dispatcher := dispatch.New(provider, credVault, ledger, dispatch.Config{
		Timeout:  cfg.Dispatch.Timeout,
		Hostname: cfg.Server.Hostname,
	}, logger)
	if m != nil {
		dispatcher.SetObserver(m)
	}
	if cfg.Dispatch.DKIM.Enabled {
		signer, err := dispatch.NewSignerFromFile(cfg.Dispatch.DKIM.KeyFile, cfg.Dispatch.DKIM.Domain, cfg.Dispatch.DKIM.Selector)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}
		dispatcher.SetSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.Dispatch.DKIM.Domain, "selector", cfg.Dispatch.DKIM.Selector)
	}

	a.limiter, err = ratelimit.NewLimiter(db, &cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	a.engine, err = engine.New(engine.Deps{
		Store:      a.store,
		Crafter:    crafter,
		Limiter:    a.limiter,
		Dispatcher: dispatcher,
		Plans:      plans,
	}, cfg.Engine, logger)
	if err != nil {
		a.limiter.Stop()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	a.cleaner = store.NewCleaner(a.store, store.CleanerConfig{
		FinishedMaxAge: cfg.Storage.Retention.FinishedMaxAge,
		RetiredMaxAge:  cfg.Storage.Retention.RetiredMaxAge,
		Interval:       cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))
	a.cleaner.AddPurger("dispatch_ledger", cfg.Dispatch.LedgerMaxAge, ledger)

	if m != nil {
		filter, err := ipfilter.Parse(cfg.Metrics.AllowedIPs, false, logger.With("component", "metrics_filter"))
		if err != nil {
			a.limiter.Stop()
			return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}
		a.metricsCollector, err = metrics.NewCollector(db, m, a.engine, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			a.limiter.Stop()
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, logger.With("component", "metrics"))
	}

	if cfg.API.Enabled {
		filter, err := ipfilter.Parse(cfg.API.AllowedIPs, cfg.API.TrustProxy, logger.With("component", "api_filter"))
		if err != nil {
			a.limiter.Stop()
			return fmt.Errorf("invalid api.allowed_ips: %w", err)
		}
		a.apiServer, err = api.NewServer(api.Deps{
			Engine:  a.engine,
			Store:   a.store,
			Vault:   credVault,
			Limiter: a.limiter,
			Plans:   plans,
			Sandbox: sandbox,
			Version: opts.Version,
		}, &cfg.API, filter, logger.With("component", "api"))
		if err != nil {
			a.limiter.Stop()
			return err
		}
	}

	return nil
}

// newGenerator creates the configured crafting backend
func newGenerator(cfg config.CraftingConfig) (crafting.Generator, error) {
	switch cfg.Provider {
	case "template":
		return &crafting.TemplateGenerator{
			Subject: cfg.Template.Subject,
			Body:    cfg.Template.Body,
			Delay:   cfg.Template.Delay,
		}, nil
	default:
		gen, err := crafting.NewGenAIGenerator(context.Background(), crafting.GenAIConfig{
			APIKey:      cfg.GenAI.APIKey,
			Model:       cfg.GenAI.Model,
			Temperature: cfg.GenAI.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai generator: %w", err)
		}
		return gen, nil
	}
}

// newProvider creates the configured mail provider. The sandbox provider
// is also returned on its own so the API can browse it.
func (a *App) newProvider(db *bolt.DB) (dispatch.Provider, *dispatch.SandboxProvider, error) {
	cfg := a.config
	logger := a.logger

	switch cfg.Dispatch.Provider {
	case "http":
		return dispatch.NewHTTPProvider(dispatch.HTTPConfig{
			Endpoint: cfg.Dispatch.HTTP.Endpoint,
			Timeout:  cfg.Dispatch.Timeout,
		}, logger), nil, nil
	case "sandbox":
		sandbox, err := dispatch.NewSandboxProvider(db, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sandbox provider: %w", err)
		}
		if cfg.Dispatch.Sandbox.SimulateErrors {
			sandbox.SetErrorSimulation(true, cfg.Dispatch.Sandbox.ErrorProbability)
		}
		logger.Info("sandbox provider enabled, messages are captured and not sent")
		return sandbox, sandbox, nil
	default:
		return dispatch.NewSMTPProvider(dispatch.SMTPConfig{
			Host:               cfg.Dispatch.SMTP.Host,
			Port:               cfg.Dispatch.SMTP.Port,
			Hostname:           cfg.Server.Hostname,
			TLS:                cfg.Dispatch.SMTP.TLS,
			InsecureSkipVerify: cfg.Dispatch.SMTP.InsecureSkipVerify,
			Timeout:            cfg.Dispatch.Timeout,
		}, logger), nil, nil
	}
}

// Engine returns the campaign engine
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"hostname", a.config.Server.Hostname,
		"workers", a.config.Engine.Workers,
		"crafting", a.config.Crafting.Provider,
		"dispatch", a.config.Dispatch.Provider,
		"api_enabled", a.config.API.Enabled,
		"metrics_enabled", a.config.Metrics.Enabled,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.cleaner.Start(ctx)
	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	errCh := make(chan error, 3)
	engineDone := make(chan struct{})

	go func() {
		defer close(engineDone)
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("component failed", "error", runErr)
	}
	cancel()

	// Workers finish and record their current calls before storage closes
	<-engineDone

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. The engine must have
// returned from Run before.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.metricsCollector != nil {
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.cleaner.Stop()

	// Stop rate limiter (persists counters)
	if err := a.limiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
