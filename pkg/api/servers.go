package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// MetricsReport is the agent's per-tick payload: the host sample flattened
// into the body plus one entry per live pod container.
type MetricsReport struct {
	ServerID        string                     `json:"serverId"`
	CPUUsagePercent float64                    `json:"cpuUsagePercent"`
	MemoryUsageMb   int64                      `json:"memoryUsageMb"`
	DiskUsageGb     float64                    `json:"diskUsageGb"`
	ActivePodsCount int                        `json:"activePodsCount"`
	PodMetrics      []*models.PodMetricsSample `json:"podMetrics,omitempty"`
}

// heartbeatRequest is the body of POST /heartbeat.
type heartbeatRequest struct {
	ServerID string `json:"serverId"`
}

type registerResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var server models.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if server.ID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("server id is required"))
		return
	}

	server.Status = models.ServerOnline
	server.LastHeartbeatAt = time.Now().UTC()
	if err := s.Store.UpsertServer(&server); err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, registerResponse{ID: server.ID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.Heartbeat(req.ServerID); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportMetrics(w http.ResponseWriter, r *http.Request) {
	var report MetricsReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// unknown hosts get a 404 so the agent re-registers with its stable ID
	if _, err := s.Store.GetServer(report.ServerID); err != nil {
		s.writeKindError(w, err)
		return
	}

	sample := &models.ServerMetricsSample{
		ServerID:        report.ServerID,
		CPUUsagePercent: report.CPUUsagePercent,
		MemoryUsageMb:   report.MemoryUsageMb,
		DiskUsageGb:     report.DiskUsageGb,
		ActivePodsCount: report.ActivePodsCount,
	}
	if err := s.Store.InsertServerSample(sample); err != nil {
		s.writeKindError(w, err)
		return
	}
	if len(report.PodMetrics) > 0 {
		if err := s.Store.InsertPodSamples(report.PodMetrics); err != nil {
			s.writeKindError(w, err)
			return
		}
	}

	if err := s.Store.Heartbeat(report.ServerID); err != nil {
		s.writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.Store.ListServers()
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.Store.GetServer(mux.Vars(r)["id"])
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleServerMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := s.Store.ServerSamples(mux.Vars(r)["id"], horizonParam(r))
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, models.Tiers())
}
