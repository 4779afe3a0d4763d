// Package api serves the local status surface the UI polls: sync status,
// realtime state, manual sync and failed-operation maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flocksync/internal/config"
	"flocksync/internal/database"
	"flocksync/internal/logging"
	"flocksync/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// SyncService is the slice of the coordinator the server drives.
type SyncService interface {
	Status(ctx context.Context) (models.SyncStatus, error)
	ForceSync(ctx context.Context) error
}

// FailedQueue exposes dead operations for inspection and manual retry.
type FailedQueue interface {
	Failed(ctx context.Context, limit int) ([]models.QueuedOperation, error)
	Retry(ctx context.Context, id string) error
	PurgeFailed(ctx context.Context) (int64, error)
}

// RealtimeSource reports the push channel state.
type RealtimeSource interface {
	State() models.RealtimeState
}

// HTTPServer exposes the sync engine to local clients.
type HTTPServer struct {
	cfg      config.APIConfig
	sync     SyncService
	queue    FailedQueue
	realtime RealtimeSource
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, sync SyncService, queue FailedQueue, realtime RealtimeSource, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:      cfg,
		sync:     sync,
		queue:    queue,
		realtime: realtime,
		logger:   logging.Component(logger, "api"),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /status", srv.handleStatus)
	mux.HandleFunc("POST /sync", srv.handleSync)
	mux.HandleFunc("GET /realtime", srv.handleRealtime)
	mux.HandleFunc("GET /queue/failed", srv.handleFailed)
	mux.HandleFunc("DELETE /queue/failed", srv.handlePurgeFailed)
	mux.HandleFunc("POST /queue/failed/{id}/retry", srv.handleRetry)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Minute,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("status API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sync.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("status failed")
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	syncErr := s.sync.ForceSync(r.Context())

	status, err := s.sync.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if syncErr != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": syncErr.Error(), "status": status})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleRealtime(w http.ResponseWriter, _ *http.Request) {
	if s.realtime == nil {
		writeJSON(w, http.StatusOK, models.RealtimeState{Status: models.RealtimeDisconnected})
		return
	}
	writeJSON(w, http.StatusOK, s.realtime.State())
}

func (s *HTTPServer) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ops, err := s.queue.Failed(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list failed operations")
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	err := s.queue.Retry(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": models.StatusPending})
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "no failed operation with that id")
	default:
		s.logger.Error().Err(err).Str("id", id).Msg("retry operation")
		writeError(w, http.StatusInternalServerError, "retry failed")
	}
}

func (s *HTTPServer) handlePurgeFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PurgeFailed(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("purge failed operations")
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
