package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

// metricsMiddleware wraps an http.Handler to record request metrics.
type metricsMiddleware struct {
	next http.Handler
}

// newMetricsMiddleware wraps a handler with Prometheus metrics instrumentation.
func newMetricsMiddleware(next http.Handler) http.Handler {
	return &metricsMiddleware{next: next}
}

func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	m.next.ServeHTTP(sw, r)

	duration := time.Since(start).Seconds()
	path := normalizePath(r.URL.Path)

	metrics.APIRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
}

// statusWriter captures the HTTP status code.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so SSE streaming works through the metrics middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath reduces cardinality by collapsing dynamic path segments.
func normalizePath(path string) string {
	switch {
	case path == "/api/v1/messages/export", path == "/api/v1/messages/stats":
		return path
	case strings.HasPrefix(path, "/api/v1/messages/"):
		return "/api/v1/messages/{id}"
	case path == "/api/v1/fingerprints/stats":
		return path
	case strings.HasPrefix(path, "/api/v1/fingerprints/hash/"):
		return "/api/v1/fingerprints/hash/{hash}"
	case strings.HasPrefix(path, "/api/v1/fingerprints/"):
		return "/api/v1/fingerprints/{client_id}"
	case strings.HasSuffix(path, "/acknowledge") && strings.HasPrefix(path, "/api/v1/rogue/"):
		return "/api/v1/rogue/{server_id}/acknowledge"
	case strings.HasPrefix(path, "/api/v1/rogue/"):
		return "/api/v1/rogue/{server_id}"
	case !strings.HasPrefix(path, "/api/") && path != "/metrics":
		return "other"
	default:
		return path
	}
}
