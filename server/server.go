// Package server exposes pipeline runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-source-aggregator/config"
	"github.com/aluiziolira/go-source-aggregator/metrics"
	"github.com/aluiziolira/go-source-aggregator/models"
	"github.com/aluiziolira/go-source-aggregator/report"
	"github.com/aluiziolira/go-source-aggregator/runner"
)

const maxBodyBytes = 1 << 20

// AggregateRequest is the body of POST /aggregate.
type AggregateRequest struct {
	Requests []config.RequestEntry `json:"requests"`
	Workers  int                   `json:"workers,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Server handles aggregate requests. Runs are serialized so the outbound
// rate limit holds across concurrent callers.
type Server struct {
	cfg     *config.Config
	runner  *runner.Runner
	metrics *metrics.Metrics

	runMu sync.Mutex
}

// New builds a server around r.
func New(cfg *config.Config, r *runner.Runner, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, runner: r, metrics: m}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /aggregate", s.handleAggregate)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("http server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if req.Workers < 0 {
		writeError(w, http.StatusBadRequest, errors.New("workers cannot be negative"))
		return
	}

	specs, err := config.ExpandEntries(req.Requests, s.cfg.Pages, s.cfg.PageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.runMu.Lock()
	rep, err := s.runner.Run(r.Context(), specs, req.Workers)
	s.runMu.Unlock()

	switch {
	case config.IsConfigError(err):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		slog.Error("aggregate run failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
	case rep.Summary.Status == models.StatusFailed:
		writeReport(w, http.StatusBadGateway, rep)
	default:
		writeReport(w, http.StatusOK, rep)
	}
}

func writeReport(w http.ResponseWriter, status int, rep models.OutputReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := report.WriteJSON(w, rep); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		resp.Hint = hints[0]
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}
