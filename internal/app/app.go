package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"peoplecore/internal/config"
	apperrors "peoplecore/internal/errors"
	"peoplecore/internal/infrastructure"
	"peoplecore/internal/license"
	custommw "peoplecore/internal/middleware"
	"peoplecore/internal/services"
	handlers "peoplecore/internal/transport/http"
)

const (
	Version = infrastructure.ServiceVersion
	AppName = config.AppName
)

var (
	// BuildTime is set at compile time via ldflags
	BuildTime = ""
	// BuildID identifies this build
	BuildID = generateBuildID()
)

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(Version))
	h.Write([]byte(time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Application is the main dependency container
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
	Metrics        *infrastructure.LicenseMetrics
	LicenseManager *license.Manager
	Enforcer       *custommw.Enforcer
	LicenseService services.LicenseService
	HealthService  *services.HealthService

	systemCollector *infrastructure.SystemMetricsCollector
	collectorCancel context.CancelFunc
}

// NewApplication creates a new application instance with all
// dependencies wired
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("build_id", BuildID))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("wire services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the license engine and its service layer
func (a *Application) initializeServices() error {
	manager, err := license.NewManager(a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("initialize license manager: %w", err)
	}
	a.LicenseManager = manager

	metrics, err := infrastructure.CreateLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}
	a.Metrics = metrics
	manager.SetMetrics(metrics)

	collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, time.Minute)
	if err != nil {
		return fmt.Errorf("failed to create system metrics collector: %w", err)
	}
	a.systemCollector = collector
	manager.SetTelemetryStats(func() map[string]interface{} {
		return collector.Snapshot(context.Background()).TelemetryPayload()
	})

	enforcer := custommw.NewEnforcer(manager, a.Config.License, a.Logger)
	enforcer.SetMetrics(metrics)
	manager.OnVerdictChange(enforcer.Invalidate)
	a.Enforcer = enforcer

	a.LicenseService = services.NewLicenseService(manager, a.Logger)
	a.HealthService = services.NewHealthServiceWithBuildInfo(
		Version,
		BuildTime,
		BuildID,
		manager.Store(),
		manager,
		manager.LocalOnly(),
		a.Logger,
	)

	return nil
}

// setupRouter configures the HTTP router
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(custommw.Metrics(a.Metrics))
		r.Use(custommw.StructuredLogger(a.Logger))
		r.Use(custommw.Recoverer(a.Logger))
		r.Use(custommw.SecurityHeaders)
		r.Use(custommw.CORS(a.corsConfig()))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(custommw.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		// Enforcement applies to every route; exempt paths from
		// configuration punch through so activation and diagnostics
		// remain reachable on an unlicensed install.
		r.Use(a.Enforcer.Handler)

		a.setupAPIRoutes(r)
	})

	// Prometheus scrape endpoint stays outside the middleware group
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes mounts the JSON API under /api
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(custommw.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		validation := custommw.NewValidationMiddleware(a.Logger, apperrors.NewErrorHandler(a.Logger, false))
		r.Use(validation.ValidateRequest)

		healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		if key := a.Config.Security.MaintenanceKey; key != "" {
			r.Route("/license", func(r chi.Router) {
				r.Get("/status", licenseHandler.GetStatus)
				r.Get("/detailed", licenseHandler.GetDetailedStatus)
				r.Get("/sync-history", licenseHandler.GetSyncHistory)
				r.Post("/activate", licenseHandler.Activate)

				r.Group(func(r chi.Router) {
					r.Use(custommw.APIKeyAuth(a.Logger, map[string]string{key: "maintenance"}))
					r.Use(custommw.AuditLog(a.Logger))
					r.Post("/invalidate-cache", licenseHandler.InvalidateCache)
				})
			})
		} else {
			r.Mount("/license", licenseHandler.Routes())
		}

		// Licensed business surface. The HR modules mount under this
		// route in the full platform; the stub shows what enforcement
		// gates and what entitlements the verdict context carries.
		r.Get("/workspace", a.handleWorkspace)
	})
}

func (a *Application) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"tier": custommw.TierFromContext(r.Context()),
	}
	if verdict := custommw.VerdictFromContext(r.Context()); verdict != nil {
		resp["company"] = verdict.Company
		resp["features"] = verdict.Features
		resp["max_employees"] = verdict.MaxEmployees
	}
	render.JSON(w, r, resp)
}

func (a *Application) corsConfig() custommw.CORSConfig {
	cfg := custommw.CORSConfig{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
		Logger:         a.Logger,
	}
	if a.Config.Security.EnableCORS {
		cfg.AllowedOrigins = a.Config.Security.AllowedOrigins
	} else {
		cfg.AllowedOrigins = []string{fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)}
	}
	return cfg
}

// createServer builds the http.Server from the configured timeouts
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the HTTP server and background services
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting server",
		slog.Int("port", a.Config.Server.Port),
		slog.Bool("local_only", a.LicenseManager.LocalOnly()),
		slog.Bool("activated", a.LicenseManager.Activated()))

	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	a.collectorCancel = collectorCancel
	go a.systemCollector.Start(collectorCtx)

	a.LicenseManager.StartSync(ctx)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop drains in-flight requests and releases background resources
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if a.collectorCancel != nil {
		a.collectorCancel()
	}
	if a.systemCollector != nil {
		a.systemCollector.Stop()
	}

	if err := a.LicenseManager.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "error closing license manager", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}

// Run starts the application and blocks until an interrupt or a fatal
// server error
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
