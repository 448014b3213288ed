package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/orchestrator"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

// Server is the control-plane HTTP surface: host registration and metrics
// ingest on one side, pod lifecycle on the other.
type Server struct {
	Log          *logrus.Entry
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Config       config.APIConfig

	// CreateSnapshotFn and DeleteSnapshotArchiveFn are wired to the snapshot
	// engine by the daemon entry point. CreateSnapshotFn must return quickly
	// with a record in creating state; the export itself runs past the
	// request (and past the server's write timeout).
	CreateSnapshotFn        func(ctx context.Context, podID string) (*models.Snapshot, error)
	DeleteSnapshotArchiveFn func(ctx context.Context, snap *models.Snapshot) error

	httpServer *http.Server
}

func NewServer(log *logrus.Entry, st *store.Store, orch *orchestrator.Orchestrator, cfg config.APIConfig) *Server {
	return &Server{Log: log, Store: st, Orchestrator: orch, Config: cfg}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// agent-facing wire contract: flat paths, static API key
	r.Handle("/register", s.requireAPIKey(http.HandlerFunc(s.handleRegisterServer))).Methods(http.MethodPost)
	r.Handle("/heartbeat", s.requireAPIKey(http.HandlerFunc(s.handleHeartbeat))).Methods(http.MethodPost)
	r.Handle("/metrics", s.requireAPIKey(http.HandlerFunc(s.handleReportMetrics))).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", s.handleGetServer).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}/metrics", s.handleServerMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/tiers", s.handleListTiers).Methods(http.MethodGet)

	v1.HandleFunc("/pods", s.handleCreatePod).Methods(http.MethodPost)
	v1.HandleFunc("/pods", s.handleListPods).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{id}", s.handleGetPod).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{id}", s.handleDeletePod).Methods(http.MethodDelete)
	v1.HandleFunc("/pods/{id}/status", s.handlePodStatus).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{id}/start", s.handleStartPod).Methods(http.MethodPost)
	v1.HandleFunc("/pods/{id}/stop", s.handleStopPod).Methods(http.MethodPost)
	v1.HandleFunc("/pods/{id}/retry", s.handleRetryPod).Methods(http.MethodPost)
	v1.HandleFunc("/pods/{id}/rebuild", s.handleRebuildPod).Methods(http.MethodPost)
	v1.HandleFunc("/pods/{id}/metrics", s.handlePodMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/pods/{id}/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	v1.HandleFunc("/pods/{id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/snapshots/{id}", s.handleGetSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/snapshots/{id}", s.handleDeleteSnapshot).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return handlers.LoggingHandler(s.Log.Writer(), r)
}

// ListenAndServe runs the API until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requireAPIKey guards the agent-facing endpoints with the static key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.Key == "" || r.Header.Get("X-Api-Key") != s.Config.Key {
			s.writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.WithError(err).Error("encoding response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeKindError maps behavioral error kinds onto HTTP statuses. A missing
// resource is always a 404, never a 500.
func (s *Server) writeKindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrExhausted):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, models.ErrInvariant):
		s.Log.WithError(err).Error("invariant violation")
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.Log.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// horizonParam parses ?horizon=3h, defaulting to one hour.
func horizonParam(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("horizon")
	if raw == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
