package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/api/handlers"
	"github.com/baton-ai/baton/config"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/internal/metrics"
	"github.com/baton-ai/baton/internal/server"
	"github.com/baton-ai/baton/internal/telemetry"
	"github.com/baton-ai/baton/pipeline"
	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/synthesizer"
	"github.com/baton-ai/baton/trace"
)

// Server assembles and runs the orchestration service.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	traceStore trace.Store
	archiver   *trace.Archiver
	controller *pipeline.Controller

	metricsCollector *metrics.Collector
	rateLimiterStop  context.CancelFunc
}

// NewServer creates the server from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otelProviders}
}

// Start wires the pipeline and starts the HTTP and metrics servers.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("baton", nil, s.logger)

	store, err := s.buildTraceStore()
	if err != nil {
		return fmt.Errorf("init trace store: %w", err)
	}
	s.traceStore = store

	if s.cfg.Archive.Enabled {
		archiver, err := trace.NewArchiver(s.cfg.Archive, s.logger)
		if err != nil {
			return fmt.Errorf("init trace archive: %w", err)
		}
		s.archiver = archiver
	}

	regClient, regAdmin := s.buildRegistry()

	orch := s.cfg.Orchestrator
	s.controller = pipeline.NewController(orch.Pipeline, pipeline.Deps{
		Registry:    regClient,
		Analyzer:    analyzer.NewAnalyzer(orch.Analyzer, store, s.logger),
		Selector:    selector.NewSelector(orch.Selector, s.logger),
		Engine: engine.NewEngine(orch.Engine,
			engine.NewHTTPInvoker(engine.InvokerConfig{Timeout: orch.Engine.InvokeTimeout}),
			store, s.metricsCollector, s.logger),
		Synthesizer: synthesizer.NewSynthesizer(s.logger),
		Tracer:      store,
		Archiver:    s.archiver,
		Metrics:     s.metricsCollector,
		Logger:      s.logger,
	})

	if err := s.startHTTPServer(regClient, regAdmin); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("registry_backend", s.cfg.Registry.Backend),
		zap.String("trace_store", s.cfg.Trace.Store),
		zap.Bool("archive_enabled", s.cfg.Archive.Enabled),
	)
	return nil
}

func (s *Server) buildTraceStore() (trace.Store, error) {
	switch s.cfg.Trace.Store {
	case "redis":
		return trace.NewRedisStore(s.cfg.Trace.Redis, s.logger)
	default:
		return trace.NewMemoryStore(s.cfg.Trace.Memory, s.logger), nil
	}
}

// buildRegistry returns the registry read client plus, for the local
// in-memory backend, its admin surface for the agent mutation endpoints.
func (s *Server) buildRegistry() (registry.Client, handlers.RegistryAdmin) {
	if s.cfg.Registry.Backend == "http" {
		return registry.NewHTTPClient(&registry.HTTPClientConfig{
			BaseURL:  s.cfg.Registry.Endpoint,
			Timeout:  s.cfg.Registry.Timeout,
			CacheTTL: s.cfg.Registry.CacheTTL,
		}), nil
	}
	mem := registry.NewMemoryRegistry(s.logger)
	return mem, mem
}

func (s *Server) startHTTPServer(regClient registry.Client, regAdmin handlers.RegistryAdmin) error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("trace_store", func(ctx context.Context) error {
		_, err := s.traceStore.Metrics(ctx)
		return err
	}))
	if s.archiver != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("trace_archive", func(ctx context.Context) error {
			_, err := s.archiver.ListRecent(ctx, 1)
			return err
		}))
	}

	orchestrateHandler := handlers.NewOrchestrateHandler(s.controller, s.logger)
	traceHandler := handlers.NewTraceHandler(s.traceStore, s.logger)
	agentHandler := handlers.NewAgentHandler(regClient, regAdmin, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/orchestrate", orchestrateHandler.HandleOrchestrate)

	mux.HandleFunc("GET /v1/traces", traceHandler.HandleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", traceHandler.HandleGetTrace)
	mux.HandleFunc("GET /v1/traces/{id}/live", traceHandler.HandleLiveTrace)
	mux.HandleFunc("GET /v1/metrics/orchestration", traceHandler.HandleMetrics)

	mux.HandleFunc("GET /v1/agents", agentHandler.HandleListAgents)
	mux.HandleFunc("POST /v1/agents", agentHandler.HandleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/{id}", agentHandler.HandleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", agentHandler.HandleDeregisterAgent)
	mux.HandleFunc("PUT /v1/agents/{id}/health", agentHandler.HandleSetHealth)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterStop = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Auth.Enabled {
		skipAuthPaths := []string{"/health", "/ready", "/version"}
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal or server error, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops all servers and releases backends.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterStop != nil {
		s.rateLimiterStop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.traceStore != nil {
		if err := s.traceStore.Close(); err != nil {
			s.logger.Error("trace store close error", zap.Error(err))
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Close(); err != nil {
			s.logger.Error("trace archive close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
