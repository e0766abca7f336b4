// Package server is the reference price API the offline queue replays
// against: prices, verifications and attachment uploads, with idempotent
// writes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/metrics"
	"github.com/marcus/pricetrack/internal/serverdb"
)

// Server is the HTTP API server for pt-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	blobs       blob.Store
	metrics     *metrics.HTTP
	rateLimiter *RateLimiter
	locks       keyLocks
	addr        net.Addr
	cancel      context.CancelFunc
}

// NewServer creates a new Server with the given config, store and blob store.
func NewServer(cfg Config, store *serverdb.ServerDB, blobs blob.Store) (*Server, error) {
	if store == nil || blobs == nil {
		return nil, fmt.Errorf("server needs a store and a blob store")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		config:      cfg,
		store:       store,
		blobs:       blobs,
		metrics:     metrics.NewHTTP(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the full handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.rateLimiter.Run(ctx)
	go s.purgeLoop(ctx)

	return nil
}

// purgeLoop drops saved idempotent responses once clients can no longer
// be retrying them.
func (s *Server) purgeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("purge panic", "panic", r)
		}
	}()
	if s.config.IdempotencyTTL <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PurgeIdempotent(time.Now().Add(-s.config.IdempotencyTTL))
			if err != nil {
				slog.Error("purge idempotency keys", "err", err)
			} else if n > 0 {
				slog.Info("purged idempotency keys", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	// Health & metrics
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	read := func(h http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(s.withRateLimit(h, "read", s.config.RateLimitRead))
	}
	write := func(action string, h http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(s.withRateLimit(s.idempotent(action, h), "write", s.config.RateLimitWrite))
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	// Prices
	v1.HandleFunc("/prices", read(s.handleListPrices)).Methods(http.MethodGet)
	v1.HandleFunc("/prices", write("create", s.handleCreatePrice)).Methods(http.MethodPost)
	v1.HandleFunc("/prices/{id}", read(s.handleGetPrice)).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{id}", write("update", s.handleUpdatePrice)).Methods(http.MethodPatch)
	v1.HandleFunc("/prices/{id}", write("delete", s.handleDeletePrice)).Methods(http.MethodDelete)
	v1.HandleFunc("/prices/{id}/verify", write("verify", s.handleVerifyPrice)).Methods(http.MethodPost)

	// Uploads
	v1.HandleFunc("/uploads", write("upload", s.handleUpload)).Methods(http.MethodPost)
	v1.HandleFunc("/uploads/{id}", read(s.handleGetUpload)).Methods(http.MethodGet)

	return chain(r, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
