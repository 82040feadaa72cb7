package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"recurpay/agreement"
	"recurpay/auth"
	"recurpay/metrics"
	"recurpay/reconcile"
	"recurpay/scheduler"
	"recurpay/wallet"
)

type agreementService interface {
	Create(ctx context.Context, sess agreement.Session, params agreement.CreateParams) (agreement.Agreement, error)
	Get(ctx context.Context, sess agreement.Session, id string) (agreement.Agreement, error)
	List(ctx context.Context, sess agreement.Session, f agreement.ListFilter) ([]agreement.Agreement, error)
	Schedule(ctx context.Context, sess agreement.Session) (agreement.Schedule, error)
	Executions(ctx context.Context, sess agreement.Session, id string) ([]agreement.ExecutionRecord, error)
	Transition(ctx context.Context, sess agreement.Session, id string, action agreement.Action) (agreement.Agreement, error)
	ExecutePayment(ctx context.Context, sess agreement.Session, id string) (agreement.Execution, error)
	Reconcile(ctx context.Context, sess agreement.Session, id, txHash string) (agreement.Execution, error)
}

type authService interface {
	Challenge(ctx context.Context, address string) (auth.Challenge, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, error)
}

type walletService interface {
	Overview(ctx context.Context, address string) (wallet.Overview, error)
	History(ctx context.Context, address string, limit int) ([]wallet.Transfer, error)
}

type reconciliationService interface {
	List(ctx context.Context, ownerID, agreementID string) ([]reconcile.Record, error)
	ListOpen(ctx context.Context, limit int) ([]reconcile.Record, error)
}

type dueRunner interface {
	RunDue(ctx context.Context) (scheduler.RunSummary, error)
}

// Server holds the services the HTTP handlers call.
type Server struct {
	agreementService      agreementService
	authService           authService
	walletService         walletService
	reconciliationService reconciliationService
	jobs                  dueRunner
	operator              *auth.OperatorGuard
	executeLimiter        *addressLimiter
	metrics               *metrics.Metrics
	logger                *slog.Logger
	corsOrigins           []string
	ready                 func(context.Context) error
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// routes builds the router. Handlers are registered under their route
// pattern so metrics are labelled by pattern, not by raw path.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Operator-Key"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	handle := func(r chi.Router, method, pattern string, h http.HandlerFunc) {
		r.With(s.metrics.Middleware(pattern)).Method(method, pattern, h)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		handle(r, http.MethodPost, "/auth/challenge", s.handleChallenge)
		handle(r, http.MethodPost, "/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			handle(r, http.MethodGet, "/agreements", s.handleListAgreements)
			handle(r, http.MethodPost, "/agreements", s.handleCreateAgreement)
			handle(r, http.MethodGet, "/agreements/{id}", s.handleGetAgreement)
			handle(r, http.MethodPost, "/agreements/{id}/pause", s.handleTransition(agreement.ActionPause))
			handle(r, http.MethodPost, "/agreements/{id}/resume", s.handleTransition(agreement.ActionResume))
			handle(r, http.MethodPost, "/agreements/{id}/cancel", s.handleTransition(agreement.ActionCancel))
			handle(r.With(s.limitExecutions), http.MethodPost, "/agreements/{id}/execute", s.handleExecute)
			handle(r, http.MethodPost, "/agreements/{id}/reconcile", s.handleReconcile)
			handle(r, http.MethodGet, "/agreements/{id}/executions", s.handleExecutions)
			handle(r, http.MethodGet, "/agreements/{id}/reconciliations", s.handleReconciliations)
			handle(r, http.MethodGet, "/schedule", s.handleSchedule)
			handle(r, http.MethodGet, "/wallet", s.handleWallet)
			handle(r, http.MethodGet, "/wallet/transactions", s.handleWalletTransactions)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireOperator)
		handle(r, http.MethodPost, "/agreements/run-due", s.handleRunDue)
		handle(r, http.MethodGet, "/reconciliations", s.handleOpenReconciliations)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log().Warn("health check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
