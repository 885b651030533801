package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/athena-dhcpd/dhcpwatch/internal/anomaly"
	"github.com/athena-dhcpd/dhcpwatch/internal/rogue"
	"github.com/athena-dhcpd/dhcpwatch/internal/topology"
)

// handleRogueList returns every unknown server seen, most recent first.
// GET /api/v1/rogue
func (s *Server) handleRogueList(w http.ResponseWriter, r *http.Request) {
	if s.rogueDetector == nil {
		JSONError(w, http.StatusServiceUnavailable, "rogue_disabled", "rogue detection not enabled")
		return
	}
	all := s.rogueDetector.All()
	if all == nil {
		all = []rogue.ServerEntry{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"servers": all,
		"total":   len(all),
		"active":  s.rogueDetector.ActiveCount(),
	})
}

// GET /api/v1/rogue/{server_id}
func (s *Server) handleRogueGet(w http.ResponseWriter, r *http.Request) {
	if s.rogueDetector == nil {
		JSONError(w, http.StatusServiceUnavailable, "rogue_disabled", "rogue detection not enabled")
		return
	}
	entry, ok := s.rogueDetector.Get(r.PathValue("server_id"))
	if !ok {
		JSONError(w, http.StatusNotFound, "not_found", "no such server")
		return
	}
	JSONResponse(w, http.StatusOK, entry)
}

// handleRogueAcknowledge suppresses further alerts for a server.
// POST /api/v1/rogue/{server_id}/acknowledge
func (s *Server) handleRogueAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.rogueDetector == nil {
		JSONError(w, http.StatusServiceUnavailable, "rogue_disabled", "rogue detection not enabled")
		return
	}
	id := r.PathValue("server_id")
	if err := s.rogueDetector.Acknowledge(id); err != nil {
		s.rogueError(w, err)
		return
	}
	s.logger.Info("rogue server acknowledged", "server_id", id, "remote", r.RemoteAddr)
	JSONResponse(w, http.StatusOK, map[string]string{"status": "acknowledged", "server_id": id})
}

// handleRogueRemove drops a server from the inventory.
// DELETE /api/v1/rogue/{server_id}
func (s *Server) handleRogueRemove(w http.ResponseWriter, r *http.Request) {
	if s.rogueDetector == nil {
		JSONError(w, http.StatusServiceUnavailable, "rogue_disabled", "rogue detection not enabled")
		return
	}
	id := r.PathValue("server_id")
	if err := s.rogueDetector.Remove(id); err != nil {
		s.rogueError(w, err)
		return
	}
	s.logger.Info("rogue server removed", "server_id", id, "remote", r.RemoteAddr)
	JSONResponse(w, http.StatusOK, map[string]string{"status": "removed", "server_id": id})
}

func (s *Server) rogueError(w http.ResponseWriter, err error) {
	if errors.Is(err, rogue.ErrNotFound) {
		JSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// handleAnomalyWeather returns per-segment traffic state.
// GET /api/v1/anomaly
func (s *Server) handleAnomalyWeather(w http.ResponseWriter, r *http.Request) {
	if s.anomalyDetector == nil {
		JSONError(w, http.StatusServiceUnavailable, "anomaly_disabled", "anomaly detection not enabled")
		return
	}
	weather := s.anomalyDetector.Weather()
	if weather == nil {
		weather = []anomaly.SegmentWeather{}
	}
	JSONResponse(w, http.StatusOK, weather)
}

// GET /api/v1/topology
func (s *Server) handleTopologyTree(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "relay topology not enabled")
		return
	}
	JSONResponse(w, http.StatusOK, s.topoMap.Tree())
}

// GET /api/v1/topology/stats
func (s *Server) handleTopologyStats(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "relay topology not enabled")
		return
	}
	JSONResponse(w, http.StatusOK, s.topoMap.Stats())
}

// topologyLabelRequest names a switch, or a port on it, and its new label.
type topologyLabelRequest struct {
	SwitchID string `json:"switch_id"`
	PortID   string `json:"port_id"`
	Label    string `json:"label"`
}

// handleTopologyLabel sets a friendly name for a switch or port.
// PUT /api/v1/topology/label
func (s *Server) handleTopologyLabel(w http.ResponseWriter, r *http.Request) {
	if s.topoMap == nil {
		JSONError(w, http.StatusServiceUnavailable, "topology_disabled", "relay topology not enabled")
		return
	}
	var req topologyLabelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.SwitchID == "" {
		JSONError(w, http.StatusBadRequest, "bad_request", "switch_id is required")
		return
	}
	if err := s.topoMap.SetLabel(req.SwitchID, req.PortID, req.Label); err != nil {
		if errors.Is(err, topology.ErrNotFound) {
			JSONError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	JSONResponse(w, http.StatusOK, req)
}
