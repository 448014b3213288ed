package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pinacle-sh/pinacle/pkg/ids"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// CreatePodRequest is the pod creation payload. The config carries the full
// template and tier description; the control plane validates and persists it
// before handing the pod to the orchestrator.
type CreatePodRequest struct {
	Name   string           `json:"name"`
	Slug   string           `json:"slug"`
	UserID string           `json:"userId"`
	TeamID string           `json:"teamId"`
	Tier   string           `json:"tier"`
	Config models.PodConfig `json:"config"`
}

// PodStatusResponse is the pod plus its log tail, for polling clients.
type PodStatusResponse struct {
	Pod  *models.Pod      `json:"pod"`
	Logs []*models.PodLog `json:"logs"`
}

func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	var req CreatePodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if !models.ValidSlug(req.Slug) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid slug %q", req.Slug))
		return
	}
	if _, err := models.TierByName(req.Tier); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Config.Template.Image == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("config.template.image is required"))
		return
	}

	raw, err := req.Config.Encode()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	pod := &models.Pod{
		ID:       ids.NewPodID(),
		Name:     req.Name,
		Slug:     req.Slug,
		UserID:   req.UserID,
		TeamID:   req.TeamID,
		Template: req.Config.Template.Name,
		Tier:     req.Tier,
		Config:   raw,
		Status:   models.PodCreating,
	}
	if err := s.Store.CreatePod(pod); err != nil {
		s.writeKindError(w, err)
		return
	}

	host, err := s.Store.SelectHost()
	if err != nil {
		// no host: the pod stays in creating until capacity shows up
		s.writeKindError(w, err)
		return
	}

	if err := s.Orchestrator.Provision(r.Context(), pod.ID, host.ID); err != nil {
		s.writeKindError(w, err)
		return
	}

	created, err := s.Store.GetPod(pod.ID)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	pods, err := s.Store.ListPods()
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pods)
}

func (s *Server) handleGetPod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.Store.GetPod(mux.Vars(r)["id"])
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pod)
}

// handlePodStatus returns the pod plus every log after ?afterLogId, the
// polling contract provisioning UIs tail with.
func (s *Server) handlePodStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	pod, err := s.Store.GetPod(id)
	if err != nil {
		s.writeKindError(w, err)
		return
	}

	afterID := int64(0)
	if raw := r.URL.Query().Get("afterLogId"); raw != "" {
		afterID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid afterLogId %q", raw))
			return
		}
	}

	logs, err := s.Store.PodLogsAfter(id, afterID)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PodStatusResponse{Pod: pod, Logs: logs})
}

func (s *Server) handleStartPod(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Start(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopPod(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Stop(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryPod(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Retry(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRebuildPod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromSnapshot string `json:"fromSnapshot,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := s.Orchestrator.Rebuild(r.Context(), mux.Vars(r)["id"], req.FromSnapshot); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePodMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := s.Store.PodSamples(mux.Vars(r)["id"], horizonParam(r))
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

// handleCreateSnapshot kicks off a snapshot export and returns the creating
// record. Exports run in the background with no hard deadline; clients poll
// GET /snapshots/{id} until the record settles.
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.CreateSnapshotFn == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("snapshots are not configured"))
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetPod(id); err != nil {
		s.writeKindError(w, err)
		return
	}

	snap, err := s.CreateSnapshotFn(r.Context(), id)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Store.GetSnapshot(mux.Vars(r)["id"])
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Store.ListSnapshotsByPod(mux.Vars(r)["id"])
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Store.GetSnapshot(mux.Vars(r)["id"])
	if err != nil {
		s.writeKindError(w, err)
		return
	}

	if s.DeleteSnapshotArchiveFn != nil {
		if err := s.DeleteSnapshotArchiveFn(r.Context(), snap); err != nil {
			s.writeKindError(w, err)
			return
		}
	}
	if err := s.Store.DeleteSnapshot(snap.ID); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
