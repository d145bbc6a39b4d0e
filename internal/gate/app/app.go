package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/audit"
	httpapi "github.com/aussiebroadwan/opsgate/internal/gate/http"
	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
	"github.com/aussiebroadwan/opsgate/internal/gate/service"
	"github.com/aussiebroadwan/opsgate/internal/gate/store"
	"github.com/aussiebroadwan/opsgate/internal/gate/store/drivers/sqlite"
	"github.com/aussiebroadwan/opsgate/pkg/cryptox"
	"github.com/aussiebroadwan/opsgate/pkg/fixedwindow"
	"github.com/aussiebroadwan/opsgate/pkg/jwtx"
	"github.com/aussiebroadwan/opsgate/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the protection gate with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	verifier jwtx.Verifier
	limiter  *ratelimit.Limiter
	throttle *fixedwindow.Counter
	audit    audit.Publisher
	auditLog *audit.JSONLPublisher // Optional: only when a file sink is configured

	// Services
	mfaService          *service.MFAService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "opsgate",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	// Set pepper path for backup-code hashing
	cryptox.SetPepperPath(app.cfg.PepperFile)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initVerifier(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initProtection(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("opsgate starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down opsgate...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if app.auditLog != nil {
		if err := app.auditLog.Close(); err != nil {
			app.logger.Error("error closing audit file", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("opsgate stopped")
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initVerifier loads the auth service's public keys. Tokens are minted and
// scoped elsewhere; opsgate only verifies them.
func (app *Application) initVerifier() error {
	if app.cfg.JWKSFile == "" {
		return fmt.Errorf("GATE_JWKS_FILE is required")
	}

	keys := jwtx.NewKeySet()
	if err := keys.LoadFile(app.cfg.JWKSFile); err != nil {
		return fmt.Errorf("failed to load JWKS: %w", err)
	}

	app.verifier = jwtx.NewVerifierEdDSA(keys, app.cfg.AuthIssuer, app.cfg.AuthAudience)
	app.logger.Info("bearer verification configured", "issuer", app.cfg.AuthIssuer)
	return nil
}

// initProtection wires the provider limiter, audit sinks and MFA engine.
func (app *Application) initProtection() error {
	app.limiter = ratelimit.New(app.cfg.ProviderPolicies,
		ratelimit.WithMetrics(ratelimit.NewMetrics()),
		ratelimit.WithObserver(app.observeLimiter),
	)
	app.throttle = fixedwindow.New(app.cfg.AttemptLimit, app.cfg.AttemptWindow)

	sinks := audit.Fanout{audit.NewSlogPublisher(app.logger)}
	if app.cfg.AuditFile != "" {
		jsonl, err := audit.NewJSONLPublisher(app.cfg.AuditFile, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		app.auditLog = jsonl
		sinks = append(sinks, jsonl)
	}
	if app.cfg.AuditWebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookPublisher(app.cfg.AuditWebhookURL, app.limiter, app.logger))
	}
	app.audit = sinks

	app.mfaService = &service.MFAService{
		Store:    app.db,
		Issuer:   app.cfg.Issuer,
		Hasher:   service.DefaultCodeHasher(),
		Throttle: app.throttle,
		Audit:    app.audit,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.throttle,
		app.limiter,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
	return nil
}

// observeLimiter forwards limiter backoff/exhaustion events to the audit
// sinks. The webhook sink drops limiter events itself to avoid recursion.
func (app *Application) observeLimiter(ctx context.Context, ev ratelimit.Event) {
	kind := audit.KindLimiterBackoff
	if ev.Kind == ratelimit.EventExhausted {
		kind = audit.KindLimiterExhausted
	}

	meta := map[string]string{
		"retries": strconv.Itoa(ev.Retries),
	}
	if ev.Wait > 0 {
		meta["wait"] = ev.Wait.String()
	}
	if ev.Err != nil {
		meta["error"] = ev.Err.Error()
	}

	app.audit.Publish(ctx, audit.Event{
		Kind:      kind,
		Provider:  ev.Provider,
		Outcome:   audit.OutcomeFailure,
		Timestamp: ev.At,
		Metadata:  meta,
	})
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.verifier,
		BuildVersion,
		app.db,
		app.logger,
	)

	// Wire services to router
	router.MFAService = app.mfaService
	router.Limiter = app.limiter
	router.ApplyRoutes()

	app.router = router

	// Initialize HTTP server
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
