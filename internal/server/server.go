// Package server exposes node management and progress over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/initializer"
	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/node"
)

// Server routes HTTP requests to the node service and the engine.
type Server struct {
	nodes       *node.Service
	engine      *initializer.Engine
	metrics     http.Handler
	waitTimeout time.Duration
	router      chi.Router
	log         *slog.Logger
}

// New builds the router. metrics may be nil, in which case /metrics is not
// served. waitTimeout is the default for /nodes/{id}/wait.
func New(nodes *node.Service, engine *initializer.Engine, metrics http.Handler, waitTimeout time.Duration) *Server {
	s := &Server{
		nodes:       nodes,
		engine:      engine,
		metrics:     metrics,
		waitTimeout: waitTimeout,
		log:         logger.WithComponent("server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/repositories", func(r chi.Router) {
		r.Get("/", s.handleListRepositories)
		r.Post("/", s.handleAddRepository)
	})

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.handleListNodes)
		r.Post("/", s.handleCreateNode)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Delete("/", s.handleDeleteNode)
			r.Post("/retry", s.handleRetryNode)
			r.Get("/progress", s.handleNodeProgress)
			r.Get("/wait", s.handleWait)
		})
	})

	r.Get("/progress/ws", s.handleProgressWS)
	return r
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts the listener
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.E(errors.Op("server.ListenAndServe"), errors.KindIO, "server stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("server").Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: errors.Message(err), Kind: kind.String()})
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalid, errors.KindConfig:
		return http.StatusBadRequest
	case errors.KindConflict, errors.KindLocked:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusServiceUnavailable
	case errors.KindPermission, errors.KindAuth:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
