package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/logging"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// maxDecodeBody bounds POST /api/v1/decode bodies. Hex input needs twice
// the datagram size plus whitespace.
const maxDecodeBody = 64 << 10

// handleHealth returns server health status (no auth required).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   s.version,
	}
	if s.listeners != nil {
		addrs := s.listeners()
		resp["listeners"] = addrs
		if len(addrs) == 0 {
			resp["status"] = "degraded"
		}
	}
	JSONResponse(w, http.StatusOK, resp)
}

// handleGetStats returns runtime counters.
// GET /api/v1/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"log_level":      logging.Level().String(),
		"event_drops":    s.bus.Drops(),
		"sse_clients":    s.sseHub.clientCount(),
		"timestamp":      time.Now().Unix(),
	}
	if s.listeners != nil {
		stats["listeners"] = s.listeners()
	}
	if s.captureLog != nil {
		stats["captured_messages"] = s.captureLog.Count()
	}
	if s.fpStore != nil {
		stats["fingerprints"] = s.fpStore.Count()
	}
	if s.rogueDetector != nil {
		stats["rogue_servers"] = s.rogueDetector.Count()
		stats["rogue_active"] = s.rogueDetector.ActiveCount()
	}
	if s.anomalyDetector != nil {
		stats["segments"] = len(s.anomalyDetector.Weather())
	}
	if s.topoMap != nil {
		stats["topology"] = s.topoMap.Stats()
	}

	JSONResponse(w, http.StatusOK, stats)
}

// decodeErrorResponse is the body returned when a submitted datagram does
// not decode.
type decodeErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Offset     int    `json:"offset"`
	OptionCode *int   `json:"option_code,omitempty"`
}

// handleDecode decodes a datagram submitted in the request body. The body
// is raw bytes unless it is sent as text/plain or with ?format=hex, in which
// case it is hex with optional whitespace.
// POST /api/v1/decode
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDecodeBody))
	if err != nil {
		JSONError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return
	}

	if r.URL.Query().Get("format") == "hex" || strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		body, err = dhcpv4.ParseHexDump(string(body))
		if err != nil {
			JSONError(w, http.StatusBadRequest, "bad_hex", err.Error())
			return
		}
	}

	msg, err := s.decoder().Decode(body)
	if err != nil {
		resp := decodeErrorResponse{
			Error: err.Error(),
			Code:  dhcp.KindName(err),
		}
		var de *dhcp.DecodeError
		if errors.As(err, &de) {
			resp.Offset = de.Offset
			if de.HasCode {
				code := int(de.Code)
				resp.OptionCode = &code
			}
		}
		JSONResponse(w, http.StatusUnprocessableEntity, resp)
		return
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"size":    len(body),
		"message": msg,
	})
}
