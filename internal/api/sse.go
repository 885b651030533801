package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

// sseMessage is one serialized event ready for the wire.
type sseMessage struct {
	typ  string
	data []byte
}

// sseClient is a connected SSE client with a buffered send channel.
type sseClient struct {
	send  chan sseMessage
	types []string // event type patterns; empty means all
}

func (c *sseClient) wants(typ string) bool {
	if len(c.types) == 0 {
		return true
	}
	for _, p := range c.types {
		if p == "*" || p == typ {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(typ, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// SSEHub manages Server-Sent Event connections for live event streaming.
type SSEHub struct {
	bus      *events.Bus
	logger   *slog.Logger
	clients  map[*sseClient]struct{}
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewSSEHub creates a new SSE hub.
func NewSSEHub(bus *events.Bus, logger *slog.Logger) *SSEHub {
	return &SSEHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*sseClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the SSE hub, subscribing to the event bus and broadcasting.
func (h *SSEHub) Run() {
	ch := h.bus.Subscribe(500)

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn("marshalling event for stream", "event_type", string(evt.Type), "error", err)
				continue
			}
			h.broadcast(sseMessage{typ: string(evt.Type), data: data})
		case <-h.done:
			h.bus.Unsubscribe(ch)
			return
		}
	}
}

// Stop shuts down the SSE hub and closes all client channels.
func (h *SSEHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.SSEConnections.Dec()
	}
}

// broadcast sends msg to every connected client that wants its type.
func (h *SSEHub) broadcast(msg sseMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg.typ) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Client too slow: disconnect
			close(client.send)
			delete(h.clients, client)
			metrics.SSEConnections.Dec()
		}
	}
}

func (h *SSEHub) addClient(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.SSEConnections.Inc()
}

func (h *SSEHub) removeClient(c *sseClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
		metrics.SSEConnections.Dec()
	}
	h.mu.Unlock()
}

// clientCount returns the number of connected clients.
func (h *SSEHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleSSE streams events to the client via Server-Sent Events.
// GET /api/v1/events/stream?types=message.rejected,fingerprint.*
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{
		send:  make(chan sseMessage, 256),
		types: splitList(r.URL.Query().Get("types")),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.sseHub.addClient(client)
	defer s.sseHub.removeClient(client)

	s.logger.Debug("SSE client connected", "remote", r.RemoteAddr, "types", client.types)

	// Keep-alive comment every 30s to prevent proxy timeouts
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.typ, msg.data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

// splitList splits a comma-separated query value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
