// Package api provides the HTTP API server, router, auth, and SSE event streaming.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athena-dhcpd/dhcpwatch/internal/anomaly"
	"github.com/athena-dhcpd/dhcpwatch/internal/capture"
	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/fingerprint"
	"github.com/athena-dhcpd/dhcpwatch/internal/rogue"
	"github.com/athena-dhcpd/dhcpwatch/internal/topology"
)

// Server is the HTTP API server for dhcpwatch.
type Server struct {
	mu              sync.RWMutex
	cfg             *config.Config
	bus             *events.Bus
	captureLog      *capture.Log
	fpStore         *fingerprint.Store
	rogueDetector   *rogue.Detector
	anomalyDetector *anomaly.Detector
	topoMap         *topology.Map
	decoder         func() *dhcp.Decoder
	listeners       func() []string
	logger          *slog.Logger
	httpServer      *http.Server
	auth            *AuthMiddleware
	sseHub          *SSEHub
	startTime       time.Time
	version         string
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.decoder == nil {
		d := dhcp.DecoderFromConfig(cfg, logger)
		s.decoder = func() *dhcp.Decoder { return d }
	}

	s.auth = NewAuthMiddleware(cfg.API, logger)
	s.sseHub = NewSSEHub(bus, logger)

	return s
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithCaptureLog sets the message capture log.
func WithCaptureLog(cl *capture.Log) ServerOption {
	return func(s *Server) { s.captureLog = cl }
}

// WithFingerprintStore sets the client fingerprint store.
func WithFingerprintStore(fs *fingerprint.Store) ServerOption {
	return func(s *Server) { s.fpStore = fs }
}

// WithRogueDetector sets the rogue server inventory.
func WithRogueDetector(d *rogue.Detector) ServerOption {
	return func(s *Server) { s.rogueDetector = d }
}

// WithAnomalyDetector sets the per-segment anomaly detector.
func WithAnomalyDetector(d *anomaly.Detector) ServerOption {
	return func(s *Server) { s.anomalyDetector = d }
}

// WithTopology sets the relay switch port map.
func WithTopology(m *topology.Map) ServerOption {
	return func(s *Server) { s.topoMap = m }
}

// WithDecoder sets the source of the decoder used by POST /api/v1/decode,
// normally the listener group's current decoder so reloads apply.
func WithDecoder(fn func() *dhcp.Decoder) ServerOption {
	return func(s *Server) { s.decoder = fn }
}

// WithListeners sets the source of the active listen addresses reported by
// the health and stats endpoints.
func WithListeners(fn func() []string) ServerOption {
	return func(s *Server) { s.listeners = fn }
}

// Handler returns the routed handler wrapped in the metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address and prepares routes.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: SSE streams stay open
	}

	addr := s.config().API.Listen
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", addr, err)
	}

	go s.sseHub.Run()

	s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", s.config().API.TLS.Enabled)
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	tls := s.config().API.TLS
	var err error
	if tls.Enabled {
		err = s.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Start is a convenience that calls Listen + Serve. Blocks until shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.sseHub.Stop()
	s.auth.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health check (no auth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Auth (login/logout handle their own credentials)
	mux.HandleFunc("POST /api/v1/auth/login", s.auth.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", s.auth.handleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", s.auth.handleMe)

	// Captured messages
	mux.HandleFunc("GET /api/v1/messages", s.auth.RequireAuth(s.handleMessageQuery))
	mux.HandleFunc("GET /api/v1/messages/export", s.auth.RequireAuth(s.handleMessageExportCSV))
	mux.HandleFunc("GET /api/v1/messages/stats", s.auth.RequireAuth(s.handleMessageStats))
	mux.HandleFunc("GET /api/v1/messages/{id}", s.auth.RequireAuth(s.handleMessageGet))

	// On-demand decode
	mux.HandleFunc("POST /api/v1/decode", s.auth.RequireAuth(s.handleDecode))

	// Client fingerprints
	mux.HandleFunc("GET /api/v1/fingerprints", s.auth.RequireAuth(s.handleFingerprintList))
	mux.HandleFunc("GET /api/v1/fingerprints/stats", s.auth.RequireAuth(s.handleFingerprintStats))
	mux.HandleFunc("GET /api/v1/fingerprints/hash/{hash}", s.auth.RequireAuth(s.handleFingerprintByHash))
	mux.HandleFunc("GET /api/v1/fingerprints/{client_id}", s.auth.RequireAuth(s.handleFingerprintGet))

	// Rogue servers
	mux.HandleFunc("GET /api/v1/rogue", s.auth.RequireAuth(s.handleRogueList))
	mux.HandleFunc("GET /api/v1/rogue/{server_id}", s.auth.RequireAuth(s.handleRogueGet))
	mux.HandleFunc("POST /api/v1/rogue/{server_id}/acknowledge", s.auth.RequireAdmin(s.handleRogueAcknowledge))
	mux.HandleFunc("DELETE /api/v1/rogue/{server_id}", s.auth.RequireAdmin(s.handleRogueRemove))

	// Segment anomalies
	mux.HandleFunc("GET /api/v1/anomaly", s.auth.RequireAuth(s.handleAnomalyWeather))

	// Relay topology
	mux.HandleFunc("GET /api/v1/topology", s.auth.RequireAuth(s.handleTopologyTree))
	mux.HandleFunc("GET /api/v1/topology/stats", s.auth.RequireAuth(s.handleTopologyStats))
	mux.HandleFunc("PUT /api/v1/topology/label", s.auth.RequireAdmin(s.handleTopologyLabel))

	// Events & Hooks
	mux.HandleFunc("GET /api/v1/events/stream", s.auth.RequireAuth(s.handleSSE))
	mux.HandleFunc("GET /api/v1/hooks", s.auth.RequireAuth(s.handleListHooks))
	mux.HandleFunc("POST /api/v1/hooks/test", s.auth.RequireAdmin(s.handleTestHook))

	// Stats
	mux.HandleFunc("GET /api/v1/stats", s.auth.RequireAuth(s.handleGetStats))
}

// UpdateConfig updates the runtime config pointer (called on live config reload).
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.auth.UpdateCredentials(cfg.API.Auth.AuthToken, cfg.API.Auth.Users)
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
