package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/engine"
	"github.com/openmotor/kestrel/internal/fraud"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, screens *fraud.ScreenEngine, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, screens, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Settle pass
		r.Post("/settlements", handler.Settle)
		r.Get("/settlements/{orderId}", handler.GetSettlement)

		// Async order submission
		r.Post("/orders", handler.SubmitOrder)
		r.Get("/orders/{id}", handler.GetOrder)

		// Review verdicts
		r.Post("/verdicts", handler.ApplyVerdict)

		// Disbursement lifecycle
		r.Get("/disbursements/{id}", handler.GetDisbursement)
		r.Post("/disbursements/{id}/release", handler.Release)
		r.Post("/disbursements/{id}/audit", handler.ResolveAudit)

		// Ruleset snapshot management
		r.Get("/rulesets", handler.ListRulesets)
		r.Get("/rulesets/active", handler.GetActiveRuleset)
		r.Get("/rulesets/{version}", handler.GetRuleset)
		r.Post("/rulesets", handler.CreateRuleset)
		r.Post("/rulesets/{version}/activate", handler.ActivateRuleset)

		// Screen rule management
		r.Get("/screens", handler.ListScreens)
		r.Post("/screens", handler.CreateScreen)
		r.Post("/screens/reload", handler.ReloadScreens)

		// Compliance store
		r.Post("/blacklist", handler.AddBlacklistEntry)
		r.Post("/violations", handler.AddViolation)
		r.Put("/merchants/{id}/compliance", handler.UpdateMerchantCompliance)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
