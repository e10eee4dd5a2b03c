// Package telemetry wires Prometheus metrics and OpenTelemetry tracing into
// the server: HTTP middlewares, the /metrics endpoint and the recorders used
// by indicator evaluation and observation sources.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/platform/middleware"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
	TracingEnabled *bool  `json:"tracing_enabled"` // nil = use default (true)

	// TraceExporter selects where spans go: "none" (default) or "stdout".
	TraceExporter string  `json:"trace_exporter"`
	SampleRatio   float64 `json:"sample_ratio"` // 0 = sample everything

	// TraceOutput receives stdout exporter output; nil means os.Stdout.
	TraceOutput io.Writer `json:"-"`
	// SpanExporter overrides TraceExporter when set.
	SpanExporter sdktrace.SpanExporter `json:"-"`
}

// Trace exporters accepted by TelemetryConfig.TraceExporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// tracingOn returns whether tracing is enabled (defaults to true).
func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "cohort-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.TraceExporter == "" {
		c.TraceExporter = ExporterNone
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
	if c.TraceOutput == nil {
		c.TraceOutput = os.Stdout
	}
}

func (c *TelemetryConfig) spanExporter() (sdktrace.SpanExporter, error) {
	if c.SpanExporter != nil {
		return c.SpanExporter, nil
	}
	switch c.TraceExporter {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(c.TraceOutput))
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", c.TraceExporter)
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Provider owns the metric collectors and the tracer provider. Each
// provider has its own registry so tests can create them freely. When a
// span exporter is configured the provider installs its TracerProvider as
// the otel global, which the engine packages trace through.
type Provider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tracer   trace.Tracer
	traces   *sdktrace.TracerProvider
	shutdown sync.Once

	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	evaluations       *prometheus.CounterVec
	evaluationSeconds *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	fetchSeconds      *prometheus.HistogramVec

	dbActive prometheus.Gauge
	dbIdle   prometheus.Gauge
}

// NewTelemetryProvider creates the provider, registers its collectors and
// sets up tracing.
func NewTelemetryProvider(cfg TelemetryConfig) (*Provider, error) {
	cfg.applyDefaults()

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_indicator_evaluations_total",
			Help: "Indicator evaluations by outcome.",
		}, []string{"indicator", "outcome"}),
		evaluationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_indicator_evaluation_seconds",
			Help:    "Duration of indicator evaluations in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"indicator"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_calculation_cache_total",
			Help: "Calculation cache lookups by result.",
		}, []string{"result"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_observation_fetch_seconds",
			Help:    "Duration of batch observation fetches in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"source"}),

		dbActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_active_connections",
			Help: "Number of active database connections.",
		}),
		dbIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_connections",
			Help: "Number of idle database connections.",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpDuration, p.activeRequests,
		p.evaluations, p.evaluationSeconds, p.cacheLookups, p.fetchSeconds,
		p.dbActive, p.dbIdle,
	)

	if err := p.initTracing(); err != nil {
		return nil, err
	}
	return p, nil
}

const tracerName = "github.com/ehr/cohort/http"

func (p *Provider) initTracing() error {
	exporter, err := p.cfg.spanExporter()
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	if exporter == nil || !p.cfg.tracingOn() {
		p.tracer = otel.Tracer(tracerName)
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, 3)
	for k, v := range p.Resource() {
		attrs = append(attrs, attribute.String(k, v))
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.cfg.SampleRatio))),
	)
	p.tracer = p.traces.Tracer(tracerName, trace.WithInstrumentationVersion(p.cfg.ServiceVersion))

	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Flush exports any buffered spans.
func (p *Provider) Flush(ctx context.Context) error {
	if p.traces == nil {
		return nil
	}
	return p.traces.ForceFlush(ctx)
}

// Shutdown flushes and stops the tracer provider. Only the first call does
// any work.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdown.Do(func() {
		if p.traces != nil {
			err = p.traces.Shutdown(ctx)
		}
	})
	return err
}

// Registry returns the Prometheus registry backing /metrics.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Resource returns the OTel resource attributes.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// ---------------------------------------------------------------------------
// Evaluation recorders
// ---------------------------------------------------------------------------

// ObserveEvaluation records one indicator evaluation.
func (p *Provider) ObserveEvaluation(indicator, outcome string, d time.Duration) {
	if !p.cfg.metricsOn() {
		return
	}
	p.evaluations.WithLabelValues(indicator, outcome).Inc()
	p.evaluationSeconds.WithLabelValues(indicator).Observe(d.Seconds())
}

// ObserveCache adds the cache statistics of a finished pass.
func (p *Provider) ObserveCache(stats calculation.CacheStats) {
	if !p.cfg.metricsOn() {
		return
	}
	p.cacheLookups.WithLabelValues("hit").Add(float64(stats.Hits))
	p.cacheLookups.WithLabelValues("miss").Add(float64(stats.Misses))
}

// FetchLatency returns the observation fetch histogram, labelled by source.
// It returns nil when metrics are disabled.
func (p *Provider) FetchLatency() prometheus.ObserverVec {
	if !p.cfg.metricsOn() {
		return nil
	}
	return p.fetchSeconds
}

// HealthMetricsRecorder sets database pool gauges.
type HealthMetricsRecorder struct {
	p *Provider
}

// HealthMetrics returns a recorder for health-related metrics.
func (p *Provider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{p: p}
}

// SetDBPoolActive sets the active connection gauge.
func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	h.p.dbActive.Set(float64(n))
}

// SetDBPoolIdle sets the idle connection gauge.
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	h.p.dbIdle.Set(float64(n))
}

// ---------------------------------------------------------------------------
// TracingMiddleware
// ---------------------------------------------------------------------------

// TracingMiddleware returns an Echo middleware that starts a server span for
// every request, continuing any trace carried in the request headers.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}

			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.url", req.URL.String()),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := middleware.StatusOf(c, err)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(middleware.StatusOf(c, err))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves the registry in
// Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
