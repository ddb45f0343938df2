// Package server exposes the operator HTTP API of the settlement engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/server/handler"
	"github.com/alanyoungcy/treasuryd/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit caps requests per client IP per RateWindow; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// A nil handler leaves its routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Obligations *handler.ObligationHandler
	Markets     *handler.MarketHandler
	Auctions    *handler.AuctionHandler
	Events      *handler.EventsHandler
	Referrals   *handler.ReferralHandler
	Reports     *handler.ReportHandler
}

// Server is the operator HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

const healthPath = "/api/health"

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, rate limit, auth).
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	// Health check (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET "+healthPath, handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	if handlers.Obligations != nil {
		mux.HandleFunc("GET /api/obligations", handlers.Obligations.ListObligations)
		mux.HandleFunc("POST /api/obligations/flush", handlers.Obligations.Flush)
	}

	if handlers.Markets != nil {
		mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Markets.Settle)
		mux.HandleFunc("POST /api/markets/{id}/refund", handlers.Markets.Refund)
		mux.HandleFunc("POST /api/markets/{id}/retry", handlers.Markets.RetryPayouts)
	}

	if handlers.Auctions != nil {
		mux.HandleFunc("GET /api/auctions/{id}", handlers.Auctions.GetAuction)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events/settlements", handlers.Events.ListSettlements)
	}
	if handlers.Referrals != nil {
		mux.HandleFunc("GET /api/referrals/leaderboard", handlers.Referrals.Leaderboard)
	}
	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/reports/{market}", handlers.Reports.ListReports)
		mux.HandleFunc("GET /api/reports/{market}/{id}", handlers.Reports.GetReport)
	}

	// Build the middleware chain; the outermost layer runs first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, healthPath)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Settlement of a large market runs inside the request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
