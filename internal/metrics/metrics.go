// Package metrics defines all Prometheus metrics for dhcpwatch.
// All metrics use the "dhcpwatch_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dhcpwatch"

// --- Decoder Metrics ---

var (
	// DatagramsReceived counts UDP datagrams read, by receiving interface.
	DatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datagrams_received_total",
		Help:      "Total UDP datagrams received, by interface.",
	}, []string{"interface"})

	// MessagesDecoded counts successfully decoded messages by DHCP message type.
	MessagesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_decoded_total",
		Help:      "Total messages decoded, by message type (BOOTP when option 53 is absent).",
	}, []string{"msg_type"})

	// DecodeErrors counts rejected datagrams by failure kind.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Total datagrams that failed to decode, by error kind.",
	}, []string{"kind"})

	// UnhandledOptions counts options skipped because their code is not decoded.
	UnhandledOptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unhandled_options_total",
		Help:      "Total options skipped as unhandled, by option code.",
	}, []string{"code"})

	// DecodeDuration tracks time spent decoding one datagram.
	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decode_duration_seconds",
		Help:      "Datagram decode duration in seconds.",
		Buckets:   []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
	})

	// PublishThrottled counts messages not published because a client exceeded its rate.
	PublishThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_throttled_total",
		Help:      "Total decoded messages not published due to per-client throttling.",
	})
)

// --- Event/Hook Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by type.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped due to full buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped because the bus buffer was full.",
	})

	// HookExecutions counts hook executions by type and result.
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Total hook executions, by hook type and result.",
	}, []string{"hook_type", "result"})

	// HookDuration tracks hook execution latency.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_duration_seconds",
		Help:      "Hook execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
	}, []string{"hook_type"})
)

// --- Storage Metrics ---

var (
	// CaptureRecords counts messages written to the capture log.
	CaptureRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_records_total",
		Help:      "Total capture log writes, by result.",
	}, []string{"result"})

	// CapturePruned counts capture records removed by retention.
	CapturePruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_pruned_total",
		Help:      "Total capture records removed by the retention limit.",
	})

	// FingerprintsStored is a gauge of clients with a stored fingerprint.
	FingerprintsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fingerprints_stored",
		Help:      "Number of clients with a stored fingerprint.",
	})

	// FingerprintChanges counts fingerprint hash changes for known clients.
	FingerprintChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fingerprint_changes_total",
		Help:      "Total times a known client presented a different fingerprint.",
	})
)

// --- Detection Metrics ---

var (
	// RogueReplies counts replies seen from servers not on the known list.
	RogueReplies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rogue_replies_total",
		Help:      "Total DHCP replies from servers not on the known list.",
	})

	// RogueServersActive is a gauge of unacknowledged rogue servers.
	RogueServersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rogue_servers_active",
		Help:      "Number of unacknowledged rogue DHCP servers.",
	})

	// AnomaliesDetected counts anomaly alerts by kind.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_detected_total",
		Help:      "Total traffic anomalies raised, by kind.",
	}, []string{"kind"})

	// SegmentsMonitored is a gauge of network segments with traffic baselines.
	SegmentsMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "anomaly_segments",
		Help:      "Number of network segments tracked by the anomaly detector.",
	})

	// TopologyPortMoves counts clients seen behind a different relay port.
	TopologyPortMoves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topology_port_moves_total",
		Help:      "Total clients that appeared behind a different switch port.",
	})

	// TopologySwitches is a gauge of relay agents learned from option 82.
	TopologySwitches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "topology_switches",
		Help:      "Number of switches learned from relay agent information.",
	})
)

// --- SIEM Metrics ---

var (
	// SIEMForwarded counts events forwarded by output and result.
	SIEMForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "siem_forwarded_total",
		Help:      "Total events forwarded to SIEM outputs, by output and result.",
	}, []string{"output", "result"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests, by method, path, and status code.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// SSEConnections is a gauge of connected live-stream clients.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_connections",
		Help:      "Number of connected event stream clients.",
	})
)

// --- Server Metrics ---

var (
	// ServerInfo is a constant gauge with build metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server information.",
	}, []string{"version"})

	// ServerStartTime records the process start time.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Unix timestamp of server start.",
	})

	// ConfigReloads counts config reload attempts by result.
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Total configuration reloads, by result.",
	}, []string{"result"})
)
