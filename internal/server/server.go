package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/config"
	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/platform/middleware"
	"github.com/fhirbox/fhirbox/internal/plugin"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/service"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

// Deps carries everything the HTTP layer needs, wired in main.
type Deps struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Resolver   *tenant.Resolver
	Resources  *registry.ResourceRegistry
	Params     *registry.SearchParameterRegistry
	Guard      *registry.Guard
	Service    *service.Service
	Searcher   Searcher
	Processor  BundleProcessor
	Plugins    *plugin.Orchestrator
	Operations *OperationRegistry
	Logger     zerolog.Logger
}

// App is the assembled HTTP server: the echo instance, its middleware chain,
// and the FHIR route groups.
type App struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger zerolog.Logger
}

// NewHandler builds the route handler set from wired dependencies.
func NewHandler(d Deps) *Handler {
	enabled := make(map[fhir.Version]bool)
	for _, v := range d.Config.EnabledVersions() {
		enabled[v] = true
	}
	ops := d.Operations
	if ops == nil {
		ops = NewOperationRegistry()
	}
	plugins := d.Plugins
	if plugins == nil {
		plugins = plugin.NewOrchestrator(d.Logger)
	}
	return &Handler{
		svc:            d.Service,
		searcher:       d.Searcher,
		processor:      d.Processor,
		resources:      d.Resources,
		params:         d.Params,
		guard:          d.Guard,
		operations:     ops,
		plugins:        plugins,
		baseURL:        FHIRBase(d.Config.Server.BaseURL),
		defaultVersion: d.Config.DefaultVersion(),
		enabled:        enabled,
		logger:         d.Logger.With().Str("component", "http").Logger(),
	}
}

// FHIRBase derives the absolute FHIR base (…/fhir, no trailing slash) from
// the configured server base URL.
func FHIRBase(serverBaseURL string) string {
	base := strings.TrimRight(serverBaseURL, "/")
	if !strings.HasSuffix(base, "/fhir") {
		base += "/fhir"
	}
	return base
}

// New assembles the echo application: error handler, middleware chain,
// health endpoints, and the per-version FHIR route groups.
func New(d Deps) *App {
	cfg := d.Config
	logger := d.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.Limits.BodyLimit, cfg.Limits.BundleBodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Limits.RateLimitRPS,
		BurstSize:         cfg.Limits.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", db.ReadyHandler(d.Pool))

	h := NewHandler(d)
	root := e.Group("/fhir", tenant.Middleware(d.Resolver, cfg.Tenant.HeaderName))
	for _, v := range cfg.EnabledVersions() {
		h.register(root.Group("/"+v.PathSegment(), withVersion(v)))
	}
	// Unversioned URLs resolve per resource type (or the server default).
	h.register(root)

	return &App{echo: e, cfg: cfg, logger: logger.With().Str("component", "server").Logger()}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (a *App) Start() error {
	addr := ":" + a.cfg.Server.Port
	a.logger.Info().Str("addr", addr).Msg("listening")
	err := a.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (a *App) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}
