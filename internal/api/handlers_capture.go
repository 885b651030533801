package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/capture"
)

// statsWindow is how many recent records the stats endpoint aggregates.
const statsWindow = 10000

// parseCaptureQuery builds capture query params from the request.
// Query params: mac, xid, msg_type, event, interface, from, to, limit.
// from/to accept RFC 3339 or unix seconds.
func parseCaptureQuery(r *http.Request) (capture.QueryParams, error) {
	q := r.URL.Query()
	params := capture.QueryParams{
		MAC:       q.Get("mac"),
		XID:       q.Get("xid"),
		MsgType:   q.Get("msg_type"),
		Event:     q.Get("event"),
		Interface: q.Get("interface"),
	}

	var err error
	if params.From, err = parseTimeParam(q.Get("from")); err != nil {
		return params, fmt.Errorf("from: %w", err)
	}
	if params.To, err = parseTimeParam(q.Get("to")); err != nil {
		return params, fmt.Errorf("to: %w", err)
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return params, fmt.Errorf("limit: invalid value %q", l)
		}
		params.Limit = n
	}
	return params, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or unix seconds, got %q", v)
	}
	return time.Unix(secs, 0), nil
}

// handleMessageQuery searches the capture log.
// GET /api/v1/messages?mac=...&msg_type=DHCPDISCOVER&limit=100
func (s *Server) handleMessageQuery(w http.ResponseWriter, r *http.Request) {
	if s.captureLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "capture_disabled", "capture log not available")
		return
	}

	params, err := parseCaptureQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	records, err := s.captureLog.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	if records == nil {
		records = []capture.Record{}
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleMessageGet returns one capture record with its full decoded message.
// GET /api/v1/messages/{id}
func (s *Server) handleMessageGet(w http.ResponseWriter, r *http.Request) {
	if s.captureLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "capture_disabled", "capture log not available")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "bad_request", "invalid record id")
		return
	}

	rec, found, err := s.captureLog.Get(id)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	if !found {
		JSONError(w, http.StatusNotFound, "not_found", "no capture record with this id")
		return
	}
	JSONResponse(w, http.StatusOK, rec)
}

// handleMessageExportCSV exports matching capture records as CSV.
// GET /api/v1/messages/export
func (s *Server) handleMessageExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.captureLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "capture_disabled", "capture log not available")
		return
	}

	params, err := parseCaptureQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if params.Limit == 0 {
		params.Limit = 50000
	}

	records, err := s.captureLog.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=dhcpwatch-messages.csv")
	if err := capture.WriteCSV(w, records); err != nil {
		s.logger.Error("writing capture CSV export", "error", err)
	}
}

// handleMessageStats aggregates the most recent capture records.
// GET /api/v1/messages/stats
func (s *Server) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	if s.captureLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "capture_disabled", "capture log not available")
		return
	}

	records, err := s.captureLog.Query(capture.QueryParams{Limit: statsWindow})
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	byType := make(map[string]int)
	byEvent := make(map[string]int)
	byError := make(map[string]int)
	for _, rec := range records {
		byEvent[rec.Event]++
		if rec.MsgType != "" {
			byType[rec.MsgType]++
		}
		if rec.ErrorKind != "" {
			byError[rec.ErrorKind]++
		}
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"total_records": s.captureLog.Count(),
		"window":        len(records),
		"by_msg_type":   byType,
		"by_event":      byEvent,
		"by_error_kind": byError,
	})
}
