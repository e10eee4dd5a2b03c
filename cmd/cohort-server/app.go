package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/library"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/middleware"
	"github.com/ehr/cohort/internal/platform/openapi"
	"github.com/ehr/cohort/internal/platform/reporting"
	"github.com/ehr/cohort/internal/platform/telemetry"
)

// version is reported in the OpenAPI document.
var version = "dev"

// app holds the wired components shared by the serve and evaluate commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	library   *library.Library
	runner    *reporting.Runner

	pool      *pgxpool.Pool
	health    db.Pinger
	poolStats func() *db.PoolStats
	closers   []func()
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadLibrary builds the indicator library from the built-in catalog,
// overridden by CATALOG_FILE when set.
func loadLibrary(cfg *config.Config) (*library.Library, error) {
	catalog := library.DefaultCatalog()
	if cfg.CatalogFile != "" {
		custom, err := library.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = catalog.Merge(custom)
	}
	return library.New(catalog)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tel, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "cohort-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		TraceExporter:  cfg.TraceExporter,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	})

	lib, err := loadLibrary(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.library = lib

	src, err := a.openSource(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	instrumented := observation.Instrument(src, cfg.ObservationSource, a.telemetry.FetchLatency())

	opts := []indicator.Option{indicator.WithRecorder(a.telemetry)}
	if _, ok := src.(observation.Enumerator); ok {
		opts = append(opts, indicator.WithUniverse(indicator.EnumeratedUniverse(instrumented)))
	}
	evaluator := indicator.NewEvaluator(instrumented, library.NewRegistry(), logger, opts...)

	a.runner = reporting.NewRunner(lib, evaluator, logger,
		reporting.WithWorkers(cfg.EvalWorkers),
		reporting.WithTimeout(cfg.EvalTimeout),
	)
	return a, nil
}

func (a *app) openSource(ctx context.Context) (observation.Source, error) {
	switch a.cfg.ObservationSource {
	case config.SourcePostgres:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBSchema, a.cfg.DBMaxConns, a.cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.health = pool
		a.poolStats = func() *db.PoolStats { return db.GetPoolStats(pool) }
		a.closers = append(a.closers, pool.Close)
		a.logger.Info().Msg("connected to database")
		return observation.NewPGSource(pool), nil

	case config.SourceSQL:
		src, err := observation.OpenSQLSource(ctx, a.cfg.SQLDriver, a.cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		a.health = db.PingFunc(src.Ping)
		a.closers = append(a.closers, func() { _ = src.Close() })
		a.logger.Info().Str("driver", a.cfg.SQLDriver).Msg("opened observation database")
		return src, nil

	case config.SourceFixture:
		src, err := observation.LoadFixtureFile(a.cfg.FixtureFile)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("file", a.cfg.FixtureFile).Msg("loaded observation fixture")
		return src, nil
	}
	return nil, fmt.Errorf("unknown observation source %q", a.cfg.ObservationSource)
}

// Close releases the observation store.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/health", "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.health != nil {
		e.GET("/health/db", db.HealthHandler(a.health, a.poolStats))
	}
	if a.cfg.MetricsEnabled {
		e.GET("/metrics", a.telemetry.PrometheusHandler())
	}

	api := e.Group("/api/v1")
	reporting.NewHandler(a.library, a.runner).RegisterRoutes(api)
	openapi.NewGenerator(a.library, version, "").RegisterRoutes(api)
	return e
}

func (a *app) serve(ctx context.Context) error {
	e := a.router()

	if a.pool != nil {
		go db.ReportPoolStats(a.logger.WithContext(ctx), a.pool, a.telemetry.HealthMetrics(), 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("source", a.cfg.ObservationSource).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown")
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
