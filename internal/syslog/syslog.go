// Package syslog forwards dhcpwatch events to a SIEM. It subscribes to the
// event bus and writes events in RFC 5424 key=value, CEF, or JSON form to a
// remote syslog collector, an HTTP endpoint (Splunk HEC aware), and a
// rotating local file.
package syslog

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

// Facility values (RFC 5424)
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// Severity values (RFC 5424)
const (
	SeverityEmergency = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Format constants
const (
	FormatRFC5424 = "rfc5424"
	FormatCEF     = "cef"
	FormatJSON    = "json"
)

// Forwarder subscribes to the event bus and forwards events to configured outputs.
type Forwarder struct {
	cfg      config.SyslogConfig
	bus      *events.Bus
	logger   *slog.Logger
	ch       chan events.Event
	done     chan struct{}
	stopOnce sync.Once

	filterMu sync.RWMutex
	filter   []string

	// Syslog output
	syslogMu   sync.Mutex
	syslogConn net.Conn

	// HTTP output
	httpClient *http.Client

	// File output
	fileMu     sync.Mutex
	fileHandle *os.File
	fileSize   int64
	hostname   string
}

// NewForwarder creates a new SIEM event forwarder.
func NewForwarder(cfg config.SyslogConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	cfg = withDefaults(cfg)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}

	return &Forwarder{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		done:     make(chan struct{}),
		filter:   cfg.Events,
		hostname: hostname,
	}
}

func withDefaults(cfg config.SyslogConfig) config.SyslogConfig {
	if cfg.Tag == "" {
		cfg.Tag = "dhcpwatch"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Facility == 0 {
		cfg.Facility = FacilityLocal0
	}
	if cfg.Format == "" {
		cfg.Format = FormatRFC5424
	}
	if cfg.CEFDeviceVendor == "" {
		cfg.CEFDeviceVendor = "dhcpwatch"
	}
	if cfg.CEFDeviceProduct == "" {
		cfg.CEFDeviceProduct = "DHCP Monitor"
	}
	if cfg.CEFDeviceVersion == "" {
		cfg.CEFDeviceVersion = "1.0"
	}
	if cfg.FileMaxSizeMB == 0 {
		cfg.FileMaxSizeMB = 100
	}
	if cfg.FileMaxBackups == 0 {
		cfg.FileMaxBackups = 5
	}
	return cfg
}

// Start opens every enabled output, subscribes to the event bus, and begins forwarding.
func (f *Forwarder) Start() error {
	started := 0

	if f.cfg.Address != "" {
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connecting to syslog %s://%s: %w", f.cfg.Protocol, f.cfg.Address, err)
		}
		f.syslogMu.Lock()
		f.syslogConn = conn
		f.syslogMu.Unlock()
		f.logger.Info("syslog output started", "address", f.cfg.Address, "protocol", f.cfg.Protocol)
		started++
	}

	if f.cfg.HTTPEnabled && f.cfg.HTTPEndpoint != "" {
		timeout := config.ParseDuration(f.cfg.HTTPTimeout, 5*time.Second)
		transport := &http.Transport{}
		if f.cfg.HTTPInsecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		f.httpClient = &http.Client{Timeout: timeout, Transport: transport}
		f.logger.Info("HTTP output started", "endpoint", f.cfg.HTTPEndpoint)
		started++
	}

	if f.cfg.FileEnabled && f.cfg.FilePath != "" {
		dir := filepath.Dir(f.cfg.FilePath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			f.closeOutputs()
			return fmt.Errorf("creating log directory %s: %w", dir, err)
		}
		fh, err := os.OpenFile(f.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			f.closeOutputs()
			return fmt.Errorf("opening log file %s: %w", f.cfg.FilePath, err)
		}
		info, _ := fh.Stat()
		f.fileMu.Lock()
		f.fileHandle = fh
		if info != nil {
			f.fileSize = info.Size()
		}
		f.fileMu.Unlock()
		f.logger.Info("file output started", "path", f.cfg.FilePath)
		started++
	}

	if started == 0 {
		return fmt.Errorf("no outputs configured (enable syslog address, HTTP endpoint, or file path)")
	}

	f.ch = f.bus.Subscribe(500)
	go f.loop()

	f.logger.Info("SIEM forwarder started", "format", f.cfg.Format, "outputs", started, "events", f.cfg.Events)
	return nil
}

// SetEvents replaces the event type filter. An empty filter forwards everything.
func (f *Forwarder) SetEvents(patterns []string) {
	f.filterMu.Lock()
	f.filter = patterns
	f.filterMu.Unlock()
}

func (f *Forwarder) wants(evt events.Event) bool {
	f.filterMu.RLock()
	defer f.filterMu.RUnlock()
	return evt.Matches(f.filter)
}

// Stop shuts down the forwarder and all outputs.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.ch != nil {
			f.bus.Unsubscribe(f.ch)
		}
		f.closeOutputs()
		f.logger.Info("SIEM forwarder stopped")
	})
}

func (f *Forwarder) closeOutputs() {
	f.syslogMu.Lock()
	if f.syslogConn != nil {
		f.syslogConn.Close()
		f.syslogConn = nil
	}
	f.syslogMu.Unlock()

	f.fileMu.Lock()
	if f.fileHandle != nil {
		f.fileHandle.Close()
		f.fileHandle = nil
	}
	f.fileMu.Unlock()
}

func (f *Forwarder) loop() {
	for {
		select {
		case evt, ok := <-f.ch:
			if !ok {
				return
			}
			if f.wants(evt) {
				f.forward(evt)
			}
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) forward(evt events.Event) {
	select {
	case <-f.done:
		return
	default:
	}
	formatted := f.formatEvent(evt)

	if f.cfg.Address != "" {
		f.sendSyslog(evt, formatted)
	}
	if f.httpClient != nil {
		f.sendHTTP(evt, formatted)
	}
	if f.cfg.FileEnabled {
		f.writeFile(formatted)
	}
}

// formatEvent returns the formatted event string based on the configured format.
func (f *Forwarder) formatEvent(evt events.Event) string {
	switch f.cfg.Format {
	case FormatCEF:
		return f.formatCEF(evt)
	case FormatJSON:
		return formatJSON(evt)
	default:
		return formatKV(evt)
	}
}

// --- Syslog output ---

func (f *Forwarder) sendSyslog(evt events.Event, msg string) {
	priority := f.cfg.Facility*8 + eventSeverity(evt.Type)
	ts := evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("<%d>1 %s %s %s - - - %s\n", priority, ts, f.hostname, f.cfg.Tag, msg)

	f.syslogMu.Lock()
	defer f.syslogMu.Unlock()

	if f.syslogConn == nil {
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 3*time.Second)
		if err != nil {
			metrics.SIEMForwarded.WithLabelValues("syslog", "error").Inc()
			return
		}
		f.syslogConn = conn
	}

	if _, err := f.syslogConn.Write([]byte(line)); err != nil {
		f.logger.Debug("syslog write failed, reconnecting", "error", err)
		f.syslogConn.Close()
		f.syslogConn = nil
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 3*time.Second)
		if err != nil {
			f.logger.Warn("syslog reconnect failed", "error", err)
			metrics.SIEMForwarded.WithLabelValues("syslog", "error").Inc()
			return
		}
		f.syslogConn = conn
		if _, err := f.syslogConn.Write([]byte(line)); err != nil {
			metrics.SIEMForwarded.WithLabelValues("syslog", "error").Inc()
			return
		}
	}
	metrics.SIEMForwarded.WithLabelValues("syslog", "ok").Inc()
}

// --- HTTP output (Splunk HEC, Elasticsearch, generic) ---

func (f *Forwarder) isHEC() bool {
	return strings.Contains(f.cfg.HTTPEndpoint, "/services/collector")
}

func (f *Forwarder) httpBody(evt events.Event, formatted string) ([]byte, error) {
	if f.isHEC() {
		wrapper := map[string]any{
			"time":       evt.Timestamp.Unix(),
			"sourcetype": "dhcpwatch:dhcp",
			"source":     f.cfg.Tag,
			"host":       f.hostname,
		}
		if f.cfg.Format == FormatJSON {
			wrapper["event"] = json.RawMessage(formatted)
		} else {
			wrapper["event"] = formatted
		}
		return json.Marshal(wrapper)
	}

	if f.cfg.Format == FormatJSON {
		return []byte(formatted), nil
	}
	return json.Marshal(map[string]string{
		"message":   formatted,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (f *Forwarder) sendHTTP(evt events.Event, formatted string) {
	body, err := f.httpBody(evt, formatted)
	if err != nil {
		f.logger.Debug("failed to encode HTTP payload", "error", err)
		metrics.SIEMForwarded.WithLabelValues("http", "error").Inc()
		return
	}

	req, err := http.NewRequest(http.MethodPost, f.cfg.HTTPEndpoint, bytes.NewReader(body))
	if err != nil {
		f.logger.Debug("failed to create HTTP request", "error", err)
		metrics.SIEMForwarded.WithLabelValues("http", "error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	// Splunk uses "Splunk <token>", others use "Bearer <token>"
	if f.cfg.HTTPToken != "" {
		if f.isHEC() {
			req.Header.Set("Authorization", "Splunk "+f.cfg.HTTPToken)
		} else {
			req.Header.Set("Authorization", "Bearer "+f.cfg.HTTPToken)
		}
	}
	for k, v := range f.cfg.HTTPHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Debug("HTTP output send failed", "error", err)
		metrics.SIEMForwarded.WithLabelValues("http", "error").Inc()
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.logger.Debug("HTTP output returned error", "status", resp.StatusCode)
		metrics.SIEMForwarded.WithLabelValues("http", "error").Inc()
		return
	}
	metrics.SIEMForwarded.WithLabelValues("http", "ok").Inc()
}

// --- File output with rotation ---

func (f *Forwarder) writeFile(msg string) {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.fileHandle == nil {
		return
	}

	n, err := f.fileHandle.WriteString(msg + "\n")
	if err != nil {
		f.logger.Debug("file write failed", "error", err)
		metrics.SIEMForwarded.WithLabelValues("file", "error").Inc()
		return
	}
	f.fileSize += int64(n)
	metrics.SIEMForwarded.WithLabelValues("file", "ok").Inc()

	maxBytes := int64(f.cfg.FileMaxSizeMB) * 1024 * 1024
	if maxBytes > 0 && f.fileSize >= maxBytes {
		f.rotateFile()
	}
}

// rotateFile compresses the current file to .1.gz, shifting older backups
// up by one. Caller holds fileMu.
func (f *Forwarder) rotateFile() {
	f.fileHandle.Close()

	for i := f.cfg.FileMaxBackups; i >= 1; i-- {
		dst := fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, i)
		if i == 1 {
			if err := compressFile(f.cfg.FilePath, dst); err != nil {
				f.logger.Warn("failed to compress rotated log", "path", dst, "error", err)
			}
			continue
		}
		os.Rename(fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, i-1), dst)
	}
	os.Remove(fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, f.cfg.FileMaxBackups+1))

	fh, err := os.OpenFile(f.cfg.FilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		f.logger.Warn("failed to reopen log file after rotation", "error", err)
		f.fileHandle = nil
		return
	}
	f.fileHandle = fh
	f.fileSize = 0
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return err
	}
	return gz.Close()
}
