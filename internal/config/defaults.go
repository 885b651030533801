package config

import "time"

// Default configuration values.
const (
	DefaultListen               = "0.0.0.0:67"
	DefaultLogLevel             = "info"
	DefaultDataDB               = "/var/lib/dhcpwatch/dhcpwatch.db"
	DefaultPIDFile              = "/run/dhcpwatch.pid"
	DefaultThrottlePerSecond    = 1000
	DefaultThrottlePerClient    = 20
	DefaultCaptureMaxRecords    = 100000
	DefaultCapturePruneInterval = 5 * time.Minute
	DefaultRogueRealert         = time.Hour
	DefaultAnomalyWindow        = time.Minute
	DefaultAnomalyAlpha         = 0.1
	DefaultAnomalyThreshold     = 3.0
	DefaultAnomalySilentAfter   = 10 * time.Minute
	DefaultAnomalyNewClients    = 50
	DefaultAnomalyMaxClients    = 50000
	DefaultEventBufferSize      = 10000
	DefaultScriptConcurrency    = 4
	DefaultScriptTimeout        = 10 * time.Second
	DefaultAPIListen            = "0.0.0.0:8068"
	DefaultSessionExpiry        = 24 * time.Hour
	DefaultSessionCookieName    = "dhcpwatch_session"
	DefaultWebhookRetries       = 3
	DefaultWebhookRetryBackoff  = 2 * time.Second
)
