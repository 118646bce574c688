// Package controller serves the ops API of the campaign engine.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"campaignplane/internal/controller/handlers"
	"campaignplane/internal/controller/middleware"
)

// Options configure the ops server.
type Options struct {
	// OpsToken guards the tenant and session routes. Empty disables auth.
	OpsToken string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// RateLimiter throttles mutating routes when non-nil.
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// Server is the HTTP server for the ops API.
type Server struct {
	httpServer *http.Server
}

// New creates a new ops server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Routes(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the ops API handler tree.
func Routes(h *handlers.Handlers, opts Options) http.Handler {
	authMW := func(next http.Handler) http.Handler { return next }
	if opts.OpsToken != "" {
		authMW = middleware.RequireInternalAuth(opts.OpsToken)
	}
	limitMW := func(next http.Handler) http.Handler { return next }
	if opts.RateLimiter != nil {
		limitMW = opts.RateLimiter.Middleware()
	}
	read := func(fn http.HandlerFunc) http.Handler { return authMW(fn) }
	write := func(fn http.HandlerFunc) http.Handler { return authMW(limitMW(fn)) }

	mux := http.NewServeMux()

	// Probes stay unauthenticated.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("POST /tenants/{id}/register", write(h.RegisterTenant))
	mux.Handle("PUT /tenants/{id}/plan", write(h.UpdatePlan))
	mux.Handle("POST /tenants/{id}/start", write(h.StartTenant))
	mux.Handle("POST /tenants/{id}/stop", write(h.StopTenant))
	mux.Handle("POST /tenants/{id}/release", write(h.ReleaseSessions))
	mux.Handle("PUT /tenants/{id}/payload", write(h.UpdatePayload))
	mux.Handle("PUT /tenants/{id}/destinations", write(h.UpdateDestinations))
	mux.Handle("GET /tenants/{id}/status", read(h.GetStatus))

	mux.Handle("GET /sessions", read(h.ListSessions))
	mux.Handle("POST /sessions/verify", write(h.VerifySessions))
	mux.Handle("POST /sessions/{id}/ban", write(h.BanSession))
	mux.Handle("POST /sessions/{id}/verify", write(h.VerifySession))

	mux.Handle("GET /credentials", read(h.ListPairs))
	mux.Handle("POST /credentials", write(h.AddPair))
	mux.Handle("DELETE /credentials/{app_id}", write(h.RemovePair))

	return middleware.RequestLogger(opts.Logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
