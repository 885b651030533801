// Package config handles TOML configuration parsing, validation, and hot-reload for dhcpwatch.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Config is the top-level configuration for dhcpwatch.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Decoder     DecoderConfig     `toml:"decoder"`
	Capture     CaptureConfig     `toml:"capture"`
	Fingerprint FingerprintConfig `toml:"fingerprint"`
	Rogue       RogueConfig       `toml:"rogue"`
	Anomaly     AnomalyConfig     `toml:"anomaly"`
	Topology    TopologyConfig    `toml:"topology"`
	Hooks       HooksConfig       `toml:"hooks"`
	Syslog      SyslogConfig      `toml:"syslog"`
	API         APIConfig         `toml:"api"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Listen     []string       `toml:"listen"`
	Interfaces []string       `toml:"interfaces"`
	LogLevel   string         `toml:"log_level"`
	DataDB     string         `toml:"data_db"`
	PIDFile    string         `toml:"pid_file"`
	Throttle   ThrottleConfig `toml:"throttle"`
}

// ThrottleConfig limits how many decoded messages reach the event bus.
type ThrottleConfig struct {
	Enabled               bool `toml:"enabled"`
	MaxPerSecond          int  `toml:"max_per_second"`
	MaxPerClientPerSecond int  `toml:"max_per_client_per_second"`
}

// DecoderConfig holds message decoder settings.
type DecoderConfig struct {
	// LenientMagicCookie accepts datagrams whose bytes 236..239 are not 0x63825363.
	LenientMagicCookie bool `toml:"lenient_magic_cookie"`
}

// CaptureConfig holds capture log settings.
type CaptureConfig struct {
	Enabled       bool   `toml:"enabled"`
	MaxRecords    int    `toml:"max_records"`
	PruneInterval string `toml:"prune_interval"`
	KeepRejected  bool   `toml:"keep_rejected"`
}

// FingerprintConfig holds client fingerprint settings.
type FingerprintConfig struct {
	Enabled bool `toml:"enabled"`
	// MACVendorDB is an optional OUI database (macdb.json or IEEE CSV)
	// used to name device vendors.
	MACVendorDB string `toml:"mac_vendor_db"`
}

// RogueConfig holds rogue DHCP server detection settings.
type RogueConfig struct {
	Enabled         bool     `toml:"enabled"`
	KnownServers    []string `toml:"known_servers"`
	RealertInterval string   `toml:"realert_interval"`
}

// TopologyConfig enables the switch port map learned from relay agent
// information on relayed requests.
type TopologyConfig struct {
	Enabled bool `toml:"enabled"`
}

// AnomalyConfig holds per-segment traffic anomaly detection settings.
type AnomalyConfig struct {
	Enabled            bool    `toml:"enabled"`
	Window             string  `toml:"window"`
	BaselineAlpha      float64 `toml:"baseline_alpha"`
	AlertThreshold     float64 `toml:"alert_threshold"`
	SilentAfter        string  `toml:"silent_after"`
	NewClientThreshold int     `toml:"new_client_threshold"`
	MaxKnownClients    int     `toml:"max_known_clients"`
}

// SyslogConfig holds SIEM forwarding settings. Events are written to any
// combination of a remote syslog collector, an HTTP endpoint and a local file.
type SyslogConfig struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"`
	Format  string   `toml:"format"` // "rfc5424", "cef" or "json"

	Address  string `toml:"address"`
	Protocol string `toml:"protocol"`
	Tag      string `toml:"tag"`
	Facility int    `toml:"facility"`

	CEFDeviceVendor  string `toml:"cef_device_vendor"`
	CEFDeviceProduct string `toml:"cef_device_product"`
	CEFDeviceVersion string `toml:"cef_device_version"`

	HTTPEnabled  bool              `toml:"http_enabled"`
	HTTPEndpoint string            `toml:"http_endpoint"`
	HTTPToken    string            `toml:"http_token"`
	HTTPTimeout  string            `toml:"http_timeout"`
	HTTPInsecure bool              `toml:"http_insecure"`
	HTTPHeaders  map[string]string `toml:"http_headers"`

	FileEnabled    bool   `toml:"file_enabled"`
	FilePath       string `toml:"file_path"`
	FileMaxSizeMB  int    `toml:"file_max_size_mb"`
	FileMaxBackups int    `toml:"file_max_backups"`
}

// HooksConfig holds event hook settings.
type HooksConfig struct {
	EventBufferSize   int           `toml:"event_buffer_size"`
	ScriptConcurrency int           `toml:"script_concurrency"`
	ScriptTimeout     string        `toml:"script_timeout"`
	Scripts           []ScriptHook  `toml:"script"`
	Webhooks          []WebhookHook `toml:"webhook"`
}

// ScriptHook defines a script hook.
type ScriptHook struct {
	Name       string   `toml:"name"`
	Events     []string `toml:"events"`
	Command    string   `toml:"command"`
	Timeout    string   `toml:"timeout"`
	Interfaces []string `toml:"interfaces"`
	// Segments limits the hook to "relay:<giaddr>", interface or "local" segments.
	Segments []string `toml:"segments"`
	// MessageTypes limits the hook to messages of these types, e.g. "DHCPDISCOVER" or "BOOTP".
	MessageTypes []string `toml:"message_types"`
}

// WebhookHook defines a webhook hook.
type WebhookHook struct {
	Name         string            `toml:"name"`
	Events       []string          `toml:"events"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	Timeout      string            `toml:"timeout"`
	Retries      int               `toml:"retries"`
	RetryBackoff string            `toml:"retry_backoff"`
	Secret       string            `toml:"secret"`
	Template     string            `toml:"template"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Enabled bool          `toml:"enabled"`
	Listen  string        `toml:"listen"`
	Auth    APIAuthConfig `toml:"auth"`
	TLS     APITLSConfig  `toml:"tls"`
	Session SessionConfig `toml:"session"`
}

// APIAuthConfig holds auth settings.
type APIAuthConfig struct {
	AuthToken string       `toml:"auth_token"`
	Users     []UserConfig `toml:"users"`
}

// UserConfig holds an API user. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	Role         string `toml:"role"`
}

// APITLSConfig holds API TLS settings.
type APITLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// SessionConfig holds session settings.
type SessionConfig struct {
	CookieName string `toml:"cookie_name"`
	Expiry     string `toml:"expiry"`
	Secure     bool   `toml:"secure"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML bytes; name is used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", name, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if len(cfg.Server.Listen) == 0 {
		cfg.Server.Listen = []string{DefaultListen}
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.DataDB == "" {
		cfg.Server.DataDB = DefaultDataDB
	}
	if cfg.Server.PIDFile == "" {
		cfg.Server.PIDFile = DefaultPIDFile
	}
	if cfg.Server.Throttle.MaxPerSecond == 0 {
		cfg.Server.Throttle.MaxPerSecond = DefaultThrottlePerSecond
	}
	if cfg.Server.Throttle.MaxPerClientPerSecond == 0 {
		cfg.Server.Throttle.MaxPerClientPerSecond = DefaultThrottlePerClient
	}

	// Capture defaults
	if cfg.Capture.MaxRecords == 0 {
		cfg.Capture.MaxRecords = DefaultCaptureMaxRecords
	}
	if cfg.Capture.PruneInterval == "" {
		cfg.Capture.PruneInterval = DefaultCapturePruneInterval.String()
	}

	// Detection defaults
	if cfg.Rogue.RealertInterval == "" {
		cfg.Rogue.RealertInterval = DefaultRogueRealert.String()
	}
	if cfg.Anomaly.Window == "" {
		cfg.Anomaly.Window = DefaultAnomalyWindow.String()
	}
	if cfg.Anomaly.BaselineAlpha == 0 {
		cfg.Anomaly.BaselineAlpha = DefaultAnomalyAlpha
	}
	if cfg.Anomaly.AlertThreshold == 0 {
		cfg.Anomaly.AlertThreshold = DefaultAnomalyThreshold
	}
	if cfg.Anomaly.SilentAfter == "" {
		cfg.Anomaly.SilentAfter = DefaultAnomalySilentAfter.String()
	}
	if cfg.Anomaly.NewClientThreshold == 0 {
		cfg.Anomaly.NewClientThreshold = DefaultAnomalyNewClients
	}
	if cfg.Anomaly.MaxKnownClients == 0 {
		cfg.Anomaly.MaxKnownClients = DefaultAnomalyMaxClients
	}

	// Hooks defaults
	if cfg.Hooks.EventBufferSize == 0 {
		cfg.Hooks.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Hooks.ScriptConcurrency == 0 {
		cfg.Hooks.ScriptConcurrency = DefaultScriptConcurrency
	}
	if cfg.Hooks.ScriptTimeout == "" {
		cfg.Hooks.ScriptTimeout = DefaultScriptTimeout.String()
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	if cfg.API.Session.CookieName == "" {
		cfg.API.Session.CookieName = DefaultSessionCookieName
	}
	if cfg.API.Session.Expiry == "" {
		cfg.API.Session.Expiry = DefaultSessionExpiry.String()
	}

	// Webhook defaults
	for i := range cfg.Hooks.Webhooks {
		if cfg.Hooks.Webhooks[i].Method == "" {
			cfg.Hooks.Webhooks[i].Method = "POST"
		}
		if cfg.Hooks.Webhooks[i].Retries == 0 {
			cfg.Hooks.Webhooks[i].Retries = DefaultWebhookRetries
		}
		if cfg.Hooks.Webhooks[i].RetryBackoff == "" {
			cfg.Hooks.Webhooks[i].RetryBackoff = DefaultWebhookRetryBackoff.String()
		}
	}

	// User defaults
	for i := range cfg.API.Auth.Users {
		if cfg.API.Auth.Users[i].Role == "" {
			cfg.API.Auth.Users[i].Role = "viewer"
		}
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	for i, addr := range cfg.Server.Listen {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("server.listen[%d] %q: %w", i, addr, err)
		}
	}

	switch strings.ToLower(cfg.Server.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %q", cfg.Server.LogLevel)
	}

	if cfg.Capture.MaxRecords < 0 {
		return fmt.Errorf("capture.max_records must not be negative, got %d", cfg.Capture.MaxRecords)
	}
	if _, err := time.ParseDuration(cfg.Capture.PruneInterval); err != nil {
		return fmt.Errorf("capture.prune_interval: %w", err)
	}

	for i, s := range cfg.Rogue.KnownServers {
		if net.ParseIP(s) == nil {
			return fmt.Errorf("rogue.known_servers[%d] %q is not an IP address", i, s)
		}
	}
	if _, err := time.ParseDuration(cfg.Rogue.RealertInterval); err != nil {
		return fmt.Errorf("rogue.realert_interval: %w", err)
	}

	if d, err := time.ParseDuration(cfg.Anomaly.Window); err != nil || d <= 0 {
		return fmt.Errorf("anomaly.window must be a positive duration, got %q", cfg.Anomaly.Window)
	}
	if _, err := time.ParseDuration(cfg.Anomaly.SilentAfter); err != nil {
		return fmt.Errorf("anomaly.silent_after: %w", err)
	}
	if cfg.Anomaly.BaselineAlpha <= 0 || cfg.Anomaly.BaselineAlpha > 1 {
		return fmt.Errorf("anomaly.baseline_alpha must be in (0, 1], got %v", cfg.Anomaly.BaselineAlpha)
	}
	if cfg.Anomaly.AlertThreshold < 0 {
		return fmt.Errorf("anomaly.alert_threshold must not be negative, got %v", cfg.Anomaly.AlertThreshold)
	}

	if err := validateSyslog(cfg.Syslog); err != nil {
		return err
	}

	if _, err := time.ParseDuration(cfg.Hooks.ScriptTimeout); err != nil {
		return fmt.Errorf("hooks.script_timeout: %w", err)
	}
	for i, s := range cfg.Hooks.Scripts {
		if s.Command == "" {
			return fmt.Errorf("hooks.script[%d]: command is required", i)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("hooks.script[%d].timeout: %w", i, err)
			}
		}
		for _, mt := range s.MessageTypes {
			if !knownMessageType(mt) {
				return fmt.Errorf("hooks.script[%d].message_types: unknown message type %q", i, mt)
			}
		}
	}
	for i, wh := range cfg.Hooks.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("hooks.webhook[%d]: url is required", i)
		}
		if wh.Template != "" && wh.Template != "slack" && wh.Template != "teams" {
			return fmt.Errorf("hooks.webhook[%d].template must be \"slack\" or \"teams\", got %q", i, wh.Template)
		}
		if _, err := time.ParseDuration(wh.RetryBackoff); err != nil {
			return fmt.Errorf("hooks.webhook[%d].retry_backoff: %w", i, err)
		}
		if wh.Timeout != "" {
			if _, err := time.ParseDuration(wh.Timeout); err != nil {
				return fmt.Errorf("hooks.webhook[%d].timeout: %w", i, err)
			}
		}
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
		}
		if cfg.API.TLS.Enabled && (cfg.API.TLS.CertFile == "" || cfg.API.TLS.KeyFile == "") {
			return fmt.Errorf("api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
		}
	}
	if _, err := time.ParseDuration(cfg.API.Session.Expiry); err != nil {
		return fmt.Errorf("api.session.expiry: %w", err)
	}
	for i, u := range cfg.API.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("api.auth.users[%d]: username is required", i)
		}
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("api.auth.users[%d]: password_hash must be a bcrypt hash", i)
		}
		if u.Role != "admin" && u.Role != "viewer" {
			return fmt.Errorf("api.auth.users[%d].role must be \"admin\" or \"viewer\", got %q", i, u.Role)
		}
	}

	return nil
}

func validateSyslog(sc SyslogConfig) error {
	if !sc.Enabled {
		return nil
	}
	switch sc.Format {
	case "", "rfc5424", "cef", "json":
	default:
		return fmt.Errorf("syslog.format must be rfc5424, cef, or json, got %q", sc.Format)
	}
	switch sc.Protocol {
	case "", "udp", "tcp":
	default:
		return fmt.Errorf("syslog.protocol must be udp or tcp, got %q", sc.Protocol)
	}
	if sc.Address != "" {
		if _, _, err := net.SplitHostPort(sc.Address); err != nil {
			return fmt.Errorf("syslog.address %q: %w", sc.Address, err)
		}
	}
	if sc.HTTPEnabled && sc.HTTPEndpoint == "" {
		return fmt.Errorf("syslog.http_endpoint is required when http_enabled is set")
	}
	if sc.HTTPTimeout != "" {
		if _, err := time.ParseDuration(sc.HTTPTimeout); err != nil {
			return fmt.Errorf("syslog.http_timeout: %w", err)
		}
	}
	if sc.FileEnabled && sc.FilePath == "" {
		return fmt.Errorf("syslog.file_path is required when file_enabled is set")
	}
	if sc.Address == "" && !sc.HTTPEnabled && !sc.FileEnabled {
		return fmt.Errorf("syslog is enabled but no output is configured (address, http_enabled, or file_enabled)")
	}
	if sc.Facility < 0 || sc.Facility > 23 {
		return fmt.Errorf("syslog.facility must be between 0 and 23, got %d", sc.Facility)
	}
	return nil
}

// ParseDuration parses d, falling back when d is empty or invalid.
func ParseDuration(d string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(d)
	if err != nil {
		return fallback
	}
	return v
}

// knownMessageType accepts the DHCP message type names and "BOOTP",
// ignoring case.
func knownMessageType(name string) bool {
	if strings.EqualFold(name, "BOOTP") {
		return true
	}
	for mt := dhcpv4.MessageTypeDiscover; mt <= dhcpv4.MessageTypeInform; mt++ {
		if strings.EqualFold(name, mt.String()) {
			return true
		}
	}
	return false
}
