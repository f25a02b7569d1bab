// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipelines provides the core DAG orchestration service for
// AleutianPipelines.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, the execution coordinator, the job runner
// registry, durable storage, the template registry, and observability
// infrastructure.
//
// # Enterprise Integration
//
// The service supports dependency injection via extensions.ServiceOptions,
// enabling AleutianEnterprise to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := pipelines.Config{Port: 12310}
//	svc, err := pipelines.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package pipelines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianPipelines/pkg/extensions"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/observability"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/retention"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/routes"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/runners"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/sink"
	badgerstore "github.com/AleutianAI/AleutianPipelines/services/pipelines/storage/badger"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/templates"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the pipelines service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. Run() blocks and should only be called
// once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing. Callers must
	// not modify routes after construction.
	Router() *gin.Engine

	// Shutdown stops background components and drains live executions,
	// waiting up to the context deadline.
	Shutdown(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds pipelines service configuration options.
//
// # Description
//
// Config centralizes all configuration for the service. Values can be
// populated from environment variables, config files, or programmatically
// for testing. All fields are optional with defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// DataDir is the BadgerDB directory. Empty runs fully in memory;
	// executions then do not survive a restart.
	DataDir string

	// TemplateDir is an optional directory of YAML pipeline templates,
	// watched for changes while the service runs.
	TemplateDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables Prometheus metrics and the /metrics endpoint.
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	GinMode string

	// FailurePolicy is the default failure propagation policy for
	// executions that do not override it. Default: skip-downstream.
	FailurePolicy dag.FailurePolicy

	// MaxConcurrentJobs bounds per-execution parallelism when the request
	// does not override it. Default: 8.
	MaxConcurrentJobs int

	// WorkerEndpoints maps production job types to the HTTP worker that
	// runs them. Types without an endpoint fall back to the built-in
	// runners only.
	WorkerEndpoints map[dag.JobType]string

	// WorkerToken is the bearer token presented to HTTP workers. Held in
	// a memguard enclave once the service starts.
	WorkerToken string

	// DispatchRate bounds global dispatches per second across all
	// executions. Zero disables rate limiting.
	DispatchRate float64

	// DispatchBurst is the rate limiter burst size. Default: 1 when
	// DispatchRate is set.
	DispatchBurst int

	// RetentionInterval is how often the retention sweeper runs.
	// Default: 5 minutes.
	RetentionInterval time.Duration

	// StoreRetention is how long terminal executions stay in the store.
	// Default: 7 days.
	StoreRetention time.Duration

	// BufferRetention is how long terminal executions stay in the warm
	// event buffer. Default: 30 minutes.
	BufferRetention time.Duration

	// RetentionDisabled turns the background sweeper off.
	RetentionDisabled bool

	// InfluxURL, InfluxToken, InfluxOrg, InfluxBucket configure the
	// optional InfluxDB metric sink. The sink is disabled unless URL and
	// token are both set.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = dag.SkipDownstream
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.MaxConcurrentJobs = 8
	}
	if cfg.DispatchRate > 0 && cfg.DispatchBurst == 0 {
		cfg.DispatchBurst = 1
	}
	if cfg.RetentionInterval == 0 {
		cfg.RetentionInterval = 5 * time.Minute
	}
	if cfg.StoreRetention == 0 {
		cfg.StoreRetention = 7 * 24 * time.Hour
	}
	if cfg.BufferRetention == 0 {
		cfg.BufferRetention = 30 * time.Minute
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates:
//   - HTTP routing via Gin with otelgin middleware
//   - The execution coordinator (validate/execute/track/cancel)
//   - BadgerDB-backed execution and template storage
//   - The template registry with optional directory hot-reload
//   - Prometheus metrics and the event-diffing recorder
//   - The optional InfluxDB metric sink
//   - The retention sweeper
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	router      *gin.Engine
	db          *badgerstore.DB
	store       *badgerstore.Store
	hub         *events.Hub
	buffer      *events.Buffer
	coordinator *tracker.Coordinator
	registry    *templates.Registry
	watcher     *templates.Watcher
	recorder    *observability.Recorder
	forwarder   *sink.Forwarder
	sweeper     *retention.Sweeper

	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new pipelines Service with the given configuration.
//
// # Description
//
// New initializes all service components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics and the event recorder
//  4. Opens the BadgerDB store (in-memory when DataDir is empty)
//  5. Registers job runners (built-in plus configured HTTP workers)
//  6. Builds the event hub, buffer, dispatcher, and coordinator
//  7. Loads templates from the store and the optional template directory
//  8. Starts the optional InfluxDB sink and the retention sweeper
//  9. Sets up HTTP routes with extension options
//
// If opts is nil, DefaultOptions() is used (no-op implementations).
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run pipelines service
//   - error: Non-nil if initialization fails
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: slog.Default(),
	}

	// Apply extension options (use defaults if nil)
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics and the recorder
	if s.config.EnableMetrics {
		if observability.DefaultMetrics == nil {
			observability.InitMetrics()
		}
		slog.Info("Initialized Prometheus metrics for pipelines")
	}

	// Open the execution store
	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open execution store: %w", err)
	}

	// Build the execution pipeline: runners -> dispatcher -> coordinator
	if err := s.initCoordinator(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// Template registry plus optional hot-reloaded directory
	if err := s.initTemplates(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	// Recorder turns event hub traffic into Prometheus series
	if s.config.EnableMetrics && observability.DefaultMetrics != nil {
		s.recorder = observability.NewRecorder(s.hub, observability.DefaultMetrics, s.logger)
		s.recorder.Start()
	}

	// Optional InfluxDB metric sink
	if err := s.initSink(); err != nil {
		slog.Warn("InfluxDB sink initialization failed, metrics forwarding disabled",
			"error", err)
		// Not fatal - continue without the sink
	}

	// Retention sweeper
	if !s.config.RetentionDisabled {
		s.sweeper = retention.NewSweeper(s.buffer, s.store, s.coordinator.ActiveExecutions,
			s.logger, retention.Config{
				Interval:        s.config.RetentionInterval,
				StoreRetention:  s.config.StoreRetention,
				BufferRetention: s.config.BufferRetention,
			})
		if err := s.sweeper.Start(context.Background()); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to start retention sweeper: %w", err)
		}
	}

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting pipelines server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown stops background components and drains live executions.
//
// # Description
//
// Cancels all live executions and waits for their engines to finish,
// then stops the watcher, sweeper, sink, and recorder and closes the
// store. Safe to call once; Run's deferred cleanup is a no-op after it.
func (s *service) Shutdown(ctx context.Context) error {
	var drainErr error
	if s.coordinator != nil {
		drainErr = s.coordinator.Shutdown(ctx)
	}
	s.cleanup()
	return drainErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter sending spans to the configured
// collector over insecure gRPC (appropriate for internal networks).
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("pipelines-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens BadgerDB and wraps it in the execution store.
func (s *service) initStore() error {
	var dbCfg badgerstore.Config
	if s.config.DataDir == "" {
		slog.Info("DataDir not configured, using in-memory execution store")
		dbCfg = badgerstore.InMemoryConfig()
	} else {
		dbCfg = badgerstore.DefaultConfig(s.config.DataDir)
	}

	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return err
	}
	s.db = db
	store, err := badgerstore.NewStore(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	s.store = store
	return nil
}

// initCoordinator builds the runner registry, dispatcher, event layer,
// and the execution coordinator.
func (s *service) initCoordinator() error {
	runnerReg := runners.NewRegistry()
	if err := runners.RegisterTestRunners(runnerReg); err != nil {
		return err
	}
	if len(s.config.WorkerEndpoints) > 0 {
		token := runners.NewTokenProvider(s.config.WorkerToken)
		if err := runners.RegisterWorkerRunners(runnerReg, s.config.WorkerEndpoints, token, s.logger); err != nil {
			return err
		}
		slog.Info("Registered HTTP worker runners", "endpoints", len(s.config.WorkerEndpoints))
	}

	s.hub = events.NewHub(s.logger)
	s.buffer = events.NewBuffer(s.hub, s.store, s.logger)

	dispatcher, err := dag.NewDispatcher(runnerReg, s.buffer, s.logger)
	if err != nil {
		return err
	}
	if s.config.DispatchRate > 0 {
		dispatcher = dispatcher.WithRateLimit(s.config.DispatchRate, s.config.DispatchBurst)
	}

	coordinator, err := tracker.NewCoordinator(dispatcher, s.buffer, s.store, s.logger, tracker.Config{
		FailurePolicy:     s.config.FailurePolicy,
		MaxConcurrentJobs: s.config.MaxConcurrentJobs,
	})
	if err != nil {
		return err
	}
	s.coordinator = coordinator
	return nil
}

// initTemplates loads stored templates and starts the directory watcher
// when a template directory is configured.
func (s *service) initTemplates() error {
	s.registry = templates.NewRegistry(s.store, s.logger)
	if err := s.registry.LoadFromStore(context.Background()); err != nil {
		return err
	}

	if s.config.TemplateDir == "" {
		return nil
	}
	watcher, err := templates.NewWatcher(s.config.TemplateDir, s.registry, s.logger, nil)
	if err != nil {
		return err
	}
	if err := watcher.Start(context.Background()); err != nil {
		return err
	}
	s.watcher = watcher
	slog.Info("Template directory watcher started", "dir", s.config.TemplateDir)
	return nil
}

// initSink starts the InfluxDB metric forwarder when configured.
func (s *service) initSink() error {
	sinkCfg := sink.Config{
		URL:    s.config.InfluxURL,
		Token:  s.config.InfluxToken,
		Org:    s.config.InfluxOrg,
		Bucket: s.config.InfluxBucket,
	}
	if !sinkCfg.Enabled() {
		slog.Info("InfluxDB sink not configured, metric forwarding disabled")
		return nil
	}

	forwarder, err := sink.NewForwarder(context.Background(), sinkCfg, s.hub, s.logger)
	if err != nil {
		return err
	}
	forwarder.Start()
	s.forwarder = forwarder
	slog.Info("InfluxDB metric sink started", "url", s.config.InfluxURL, "bucket", s.config.InfluxBucket)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("pipelines-service"))
	s.router.Use(s.authMiddleware())

	routes.SetupRoutes(s.router, s.coordinator, s.registry, s.hub)
}

// authMiddleware validates bearer tokens through the configured
// AuthProvider and records mutating requests with the AuditLogger. The
// no-op defaults admit every request and discard the audit trail.
func (s *service) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extensions.BearerToken(c.GetHeader("Authorization"))
		info, err := s.opts.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized"})
			return
		}

		if c.Request.Method != "GET" {
			_ = s.opts.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
				EventType:    "pipelines.request",
				UserID:       info.UserID,
				Action:       c.Request.Method,
				ResourceType: "endpoint",
				ResourceID:   c.FullPath(),
				Outcome:      "attempted",
			})
		}
		c.Next()
	}
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops background
// components in dependency order and closes the store. Each component's
// Stop is idempotent, so cleanup may run more than once.
func (s *service) cleanup() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.forwarder != nil {
		s.forwarder.Stop()
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	if s.buffer != nil {
		// Flush queued log/metric writes before the store goes away.
		s.buffer.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("execution store close error", "error", err)
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	runners.PurgeSecrets()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
