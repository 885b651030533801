package api

import (
	"net/http"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
)

// handleListHooks returns configured hook status.
// GET /api/v1/hooks
func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	type hookInfo struct {
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		Events     []string `json:"events"`
		Interfaces []string `json:"interfaces,omitempty"`
		Target     string   `json:"target"`
	}

	hooks := []hookInfo{}
	cfg := s.config()

	for _, sh := range cfg.Hooks.Scripts {
		hooks = append(hooks, hookInfo{
			Name:       sh.Name,
			Type:       "script",
			Events:     sh.Events,
			Interfaces: sh.Interfaces,
			Target:     sh.Command,
		})
	}

	for _, wh := range cfg.Hooks.Webhooks {
		hooks = append(hooks, hookInfo{
			Name:   wh.Name,
			Type:   "webhook",
			Events: wh.Events,
			Target: wh.URL,
		})
	}

	JSONResponse(w, http.StatusOK, hooks)
}

// handleTestHook publishes a synthetic event so hook wiring can be checked.
// The event type defaults to message.received and may be set with ?event=.
// POST /api/v1/hooks/test
func (s *Server) handleTestHook(w http.ResponseWriter, r *http.Request) {
	typ := events.EventType(r.URL.Query().Get("event"))
	if typ == "" {
		typ = events.EventMessageReceived
	}
	if !events.IsKnownType(typ) {
		JSONError(w, http.StatusBadRequest, "bad_request", "unknown event type "+string(typ))
		return
	}

	evt := events.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Source: &events.SourceData{
			Addr:      r.RemoteAddr,
			Interface: "test",
		},
		Reason: "API test hook trigger",
	}
	switch typ {
	case events.EventMessageRejected:
		evt.Rejection = &events.RejectionData{Kind: "other", Error: "test rejection"}
	case events.EventFingerprintNew, events.EventFingerprintChanged:
		evt.Fingerprint = &events.FingerprintData{ClientID: "test-hook-event", Hash: "0000000000000000"}
	case events.EventRogueDetected, events.EventRogueResolved:
		evt.Rogue = &events.RogueData{ServerID: "192.0.2.1", MsgType: "DHCPOFFER", Count: 1}
	case events.EventAnomalyDetected:
		evt.Anomaly = &events.AnomalyData{Segment: "test", Kind: "flood", Score: 3}
	}

	s.bus.Publish(evt)

	JSONResponse(w, http.StatusOK, map[string]string{
		"status": "test event published",
		"event":  string(typ),
	})
}
