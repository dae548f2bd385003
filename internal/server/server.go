package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/server/handler"
	"github.com/alanyoungcy/binarysim/internal/server/middleware"
	"github.com/alanyoungcy/binarysim/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	RateLimit   int // requests per RateWindow per client; zero disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Auth     *handler.AuthHandler
	Sessions *handler.SessionHandler
	Trades   *handler.TradeHandler
	Balance  *handler.BalanceHandler
	Deposits *handler.DepositHandler
	Admin    *handler.AdminHandler
	Archive  *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server for the trading simulator.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, which disables API rate limiting.
func NewServer(
	cfg Config,
	handlers Handlers,
	wsHub *ws.Hub,
	verifier middleware.TokenVerifier,
	limiter domain.RateLimiter,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()
	user := func(h http.HandlerFunc) http.Handler { return middleware.RequireUser(h) }
	admin := func(h http.HandlerFunc) http.Handler { return middleware.RequireAdmin(h) }

	// Public.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	mux.HandleFunc("POST /api/auth/register", handlers.Auth.Register)
	mux.HandleFunc("POST /api/auth/login", handlers.Auth.Login)
	mux.HandleFunc("GET /api/trading-sessions", handlers.Sessions.Current)
	mux.HandleFunc("GET /api/trading-sessions/session-change", handlers.Sessions.Change)

	// Authenticated users.
	mux.Handle("GET /api/auth/me", user(handlers.Auth.Me))
	mux.Handle("POST /api/trades/place", user(handlers.Trades.Place))
	mux.Handle("GET /api/trades/history", user(handlers.Trades.History))
	mux.Handle("GET /api/trades/{id}", user(handlers.Trades.Get))
	mux.Handle("GET /api/user/balance", user(handlers.Balance.Get))
	mux.Handle("GET /api/user/balance/sync", user(handlers.Balance.Sync))
	mux.Handle("GET /api/user/balance/history", user(handlers.Balance.History))
	mux.Handle("POST /api/deposits", user(handlers.Deposits.Request))
	mux.Handle("GET /api/deposits", user(handlers.Deposits.List))

	// Admin back office.
	mux.Handle("GET /api/admin/session-results/future", admin(handlers.Admin.ListFuture))
	mux.Handle("POST /api/admin/session-results/future", admin(handlers.Admin.FutureAction))
	mux.Handle("POST /api/admin/settlement/run", admin(handlers.Admin.RunSettlement))
	mux.Handle("GET /api/admin/settlement/recent", admin(handlers.Admin.RecentSettlements))
	mux.Handle("GET /api/admin/deposits", admin(handlers.Admin.ListDeposits))
	mux.Handle("PATCH /api/admin/deposits", admin(handlers.Admin.ResolveDeposit))
	mux.Handle("POST /api/admin/deposit", admin(handlers.Admin.Deposit))
	mux.Handle("POST /api/admin/change-password", admin(handlers.Admin.ChangePassword))
	mux.Handle("GET /api/admin/activities", admin(handlers.Admin.Activities))
	if handlers.Archive != nil {
		mux.Handle("POST /api/admin/archive/run", admin(handlers.Archive.Trigger))
	}

	// WebSocket endpoint; anonymous connections are allowed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Auth(verifier)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // balance sync may wait ~20s for settlement
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
