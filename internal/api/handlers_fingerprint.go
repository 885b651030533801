package api

import (
	"net/http"
	"net/url"

	"github.com/athena-dhcpd/dhcpwatch/internal/fingerprint"
)

// handleFingerprintList returns all known client fingerprints, most recently seen first.
// GET /api/v1/fingerprints
func (s *Server) handleFingerprintList(w http.ResponseWriter, r *http.Request) {
	if s.fpStore == nil {
		JSONError(w, http.StatusServiceUnavailable, "fingerprint_disabled", "fingerprint store not available")
		return
	}
	all := s.fpStore.All()
	if all == nil {
		all = []fingerprint.DeviceInfo{}
	}
	JSONResponse(w, http.StatusOK, all)
}

// handleFingerprintGet returns the fingerprint for a client ID.
// GET /api/v1/fingerprints/{client_id}
func (s *Server) handleFingerprintGet(w http.ResponseWriter, r *http.Request) {
	if s.fpStore == nil {
		JSONError(w, http.StatusServiceUnavailable, "fingerprint_disabled", "fingerprint store not available")
		return
	}
	id, _ := url.PathUnescape(r.PathValue("client_id"))
	info := s.fpStore.Get(id)
	if info == nil {
		JSONError(w, http.StatusNotFound, "not_found", "no fingerprint for this client")
		return
	}
	JSONResponse(w, http.StatusOK, info)
}

// handleFingerprintByHash lists the clients presenting a fingerprint hash.
// GET /api/v1/fingerprints/hash/{hash}
func (s *Server) handleFingerprintByHash(w http.ResponseWriter, r *http.Request) {
	if s.fpStore == nil {
		JSONError(w, http.StatusServiceUnavailable, "fingerprint_disabled", "fingerprint store not available")
		return
	}
	hash := r.PathValue("hash")
	ids, err := s.fpStore.ByHash(hash)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"hash":    hash,
		"clients": ids,
	})
}

// handleFingerprintStats returns fingerprint statistics.
// GET /api/v1/fingerprints/stats
func (s *Server) handleFingerprintStats(w http.ResponseWriter, r *http.Request) {
	if s.fpStore == nil {
		JSONError(w, http.StatusServiceUnavailable, "fingerprint_disabled", "fingerprint store not available")
		return
	}

	all := s.fpStore.All()

	byType := make(map[string]int)
	byOS := make(map[string]int)
	hashes := make(map[string]struct{})
	changed := 0
	for _, d := range all {
		byType[d.DeviceType]++
		if d.OS != "" {
			byOS[d.OS]++
		}
		hashes[d.FingerprintHash] = struct{}{}
		if d.Changes > 0 {
			changed++
		}
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"total_clients":   len(all),
		"distinct_hashes": len(hashes),
		"changed_clients": changed,
		"by_type":         byType,
		"by_os":           byOS,
	})
}
