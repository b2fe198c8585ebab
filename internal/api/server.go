// Package api serves the read-only operator HTTP surface: health, metrics and
// DOI diagnostics. Nothing here mints or mutates identifiers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/doisync/internal/diagnostics"
	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Diagnoser is the part of the diagnostician the API exposes.
type Diagnoser interface {
	Report(ctx context.Context, d doi.DOI) (*diagnostics.Report, error)
	Failed(ctx context.Context, opts diagnostics.FailedOptions) ([]*diagnostics.Report, error)
}

// Server exposes HTTP endpoints for DOI diagnostics.
type Server struct {
	addr     string
	diag     Diagnoser
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(addr string, diag Diagnoser, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, diag: diag, gatherer: gatherer, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/dois/failed", s.handleFailed)
	r.Get("/dois/{prefix}/*", s.handleReport)
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.addr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := doi.New(chi.URLParam(r, "prefix"), chi.URLParam(r, "*"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.diag.Report(r.Context(), id)
	if err != nil {
		s.logger.WarnContext(r.Context(), "diagnosis failed", "doi", id.String(), "error", err)
		respondJSON(w, http.StatusBadGateway, report)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	var opts diagnostics.FailedOptions
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := doi.ParseType(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Type = &t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	reports, err := s.diag.Failed(r.Context(), opts)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list failed dois", "error", err)
		respondError(w, http.StatusInternalServerError, errors.New("failed to list dois"))
		return
	}
	if reports == nil {
		reports = []*diagnostics.Report{}
	}
	respondJSON(w, http.StatusOK, reports)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
