package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"escrowd/internal/auth"
	"escrowd/internal/chain"
	"escrowd/internal/escrow"
	"escrowd/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	svc    *escrow.Service
	store  store.Store
	chain  chain.Source
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server. A nil verifier (or one
// with an empty secret) leaves the API unauthenticated.
func NewServer(addr string, svc *escrow.Service, st store.Store, src chain.Source, verifier *auth.Verifier, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		store:  st,
		chain:  src,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", "X-Sender", auth.HeaderSignature, auth.HeaderTimestamp},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if verifier != nil {
		srv.router.Use(verifier.Middleware)
	}

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/escrows", func(r chi.Router) {
		r.Post("/", s.handleCreateEscrow)
		r.Get("/", s.handleListEscrows)
		r.Get("/{id}", s.handleGetEscrow)
		r.Post("/{id}/recipient", s.handleSetRecipient)
		r.Post("/{id}/refund", s.handleRefund)
		r.Get("/{id}/transfers", s.handleListTransfers)

		r.Route("/{id}/milestones", func(r chi.Router) {
			r.Get("/", s.handleListMilestones)
			r.Post("/", s.handleAddMilestone)
			r.Get("/{mid}", s.handleGetMilestone)
			r.Post("/{mid}/approve", s.handleApproveMilestone)
			r.Post("/{mid}/extend", s.handleExtendMilestone)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
