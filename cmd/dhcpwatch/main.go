// dhcpwatch listens for BOOTP/DHCPv4 traffic, decodes every datagram, and
// publishes the results to hooks, detectors, a SIEM forwarder, a capture
// log and an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/anomaly"
	"github.com/athena-dhcpd/dhcpwatch/internal/api"
	"github.com/athena-dhcpd/dhcpwatch/internal/capture"
	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/fingerprint"
	"github.com/athena-dhcpd/dhcpwatch/internal/logging"
	"github.com/athena-dhcpd/dhcpwatch/internal/macvendor"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/internal/rogue"
	"github.com/athena-dhcpd/dhcpwatch/internal/syslog"
	"github.com/athena-dhcpd/dhcpwatch/internal/topology"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// webhookTimeout is the default per-request webhook timeout.
const webhookTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/dhcpwatch/config.toml", "path to configuration file")
	decodePath := flag.String("decode", "", "decode one datagram from this file (- for stdin), print it as JSON, and exit")
	hexInput := flag.Bool("hex", false, "with -decode, read the datagram as a hex dump")
	lenient := flag.Bool("lenient-cookie", false, "with -decode, accept a wrong magic cookie")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dhcpwatch", version)
		return
	}

	if *decodePath != "" {
		os.Exit(runDecode(*decodePath, *hexInput, *lenient, os.Stdout, os.Stderr))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel, os.Stdout)
	logger.Info("dhcpwatch starting",
		"version", version,
		"config", *configPath,
		"listen", cfg.Server.Listen,
		"interfaces", cfg.Server.Interfaces)

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("dhcpwatch failed", "error", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until a shutdown signal.
func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)

	// Event bus
	bus := events.NewBus(cfg.Hooks.EventBufferSize, logger)

	// Hook dispatcher
	dispatcher := events.NewDispatcher(bus, logger, cfg.Hooks.ScriptConcurrency, webhookTimeout)
	dispatcher.SetHooks(events.HooksFromConfig(cfg.Hooks))
	dispatcher.Subscribe()

	// Persistent stores share one BoltDB file
	var db *bolt.DB
	if cfg.Capture.Enabled || cfg.Fingerprint.Enabled || cfg.Rogue.Enabled || cfg.Topology.Enabled {
		var err error
		db, err = openDB(cfg.Server.DataDB)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("data database opened", "path", cfg.Server.DataDB)
	}

	var captureLog *capture.Log
	if cfg.Capture.Enabled {
		var err error
		captureLog, err = capture.NewLog(db, bus, logger,
			capture.WithMaxRecords(cfg.Capture.MaxRecords),
			capture.WithRejected(cfg.Capture.KeepRejected))
		if err != nil {
			return fmt.Errorf("initializing capture log: %w", err)
		}
		captureLog.Subscribe()
		logger.Info("capture log enabled",
			"records", captureLog.Count(),
			"max_records", cfg.Capture.MaxRecords,
			"keep_rejected", cfg.Capture.KeepRejected)
	}

	var fpStore *fingerprint.Store
	var tracker *fingerprint.Tracker
	if cfg.Fingerprint.Enabled {
		var err error
		fpStore, err = fingerprint.NewStore(db, logger)
		if err != nil {
			return fmt.Errorf("initializing fingerprint store: %w", err)
		}
		if path := cfg.Fingerprint.MACVendorDB; path != "" {
			vendors := macvendor.NewDB(logger)
			if err := vendors.LoadFile(path); err != nil {
				logger.Warn("MAC vendor lookup disabled", "error", err)
			} else {
				fpStore.SetVendorLookup(vendors)
			}
		}
		tracker = fingerprint.NewTracker(fpStore, bus, logger)
		tracker.Subscribe()
		logger.Info("fingerprint tracking enabled", "clients", fpStore.Count())
	}

	var rogueDetector *rogue.Detector
	if cfg.Rogue.Enabled {
		var err error
		rogueDetector, err = rogue.NewDetector(db, bus, cfg.Rogue.KnownServers,
			config.ParseDuration(cfg.Rogue.RealertInterval, config.DefaultRogueRealert), logger)
		if err != nil {
			return fmt.Errorf("initializing rogue detector: %w", err)
		}
		rogueDetector.Subscribe()
		if len(cfg.Rogue.KnownServers) == 0 {
			logger.Warn("rogue detection enabled with no known_servers; every replying server will be reported")
		}
		logger.Info("rogue server detection enabled",
			"known_servers", cfg.Rogue.KnownServers,
			"tracked", rogueDetector.Count())
	}

	var topoMap *topology.Map
	if cfg.Topology.Enabled {
		var err error
		topoMap, err = topology.NewMap(db, bus, logger)
		if err != nil {
			return fmt.Errorf("initializing topology map: %w", err)
		}
		topoMap.Subscribe()
		stats := topoMap.Stats()
		logger.Info("relay topology enabled", "switches", stats["switches"], "devices", stats["devices"])
	}

	var anomalyDetector *anomaly.Detector
	if cfg.Anomaly.Enabled {
		anomalyDetector = anomaly.NewDetector(bus, anomalyConfig(cfg.Anomaly), logger)
		anomalyDetector.Subscribe()
		logger.Info("anomaly detection enabled", "window", cfg.Anomaly.Window)
	}

	var forwarder *syslog.Forwarder
	if cfg.Syslog.Enabled {
		forwarder = syslog.NewForwarder(cfg.Syslog, bus, logger)
		if err := forwarder.Start(); err != nil {
			return fmt.Errorf("starting SIEM forwarder: %w", err)
		}
	}

	go bus.Start()
	go dispatcher.Start()
	if captureLog != nil {
		go captureLog.Start(config.ParseDuration(cfg.Capture.PruneInterval, config.DefaultCapturePruneInterval))
	}
	if tracker != nil {
		go tracker.Start()
	}
	if rogueDetector != nil {
		go rogueDetector.Start()
	}
	if topoMap != nil {
		go topoMap.Start()
	}
	if anomalyDetector != nil {
		go anomalyDetector.Start()
	}

	// DHCP listeners
	group := dhcp.NewServerGroup(bus, logger)
	if err := group.Start(ctx, cfg); err != nil {
		return err
	}

	// HTTP API
	var apiServer *api.Server
	if cfg.API.Enabled {
		opts := []api.ServerOption{
			api.WithVersion(version),
			api.WithDecoder(group.Decoder),
			api.WithListeners(group.Addrs),
		}
		if captureLog != nil {
			opts = append(opts, api.WithCaptureLog(captureLog))
		}
		if fpStore != nil {
			opts = append(opts, api.WithFingerprintStore(fpStore))
		}
		if rogueDetector != nil {
			opts = append(opts, api.WithRogueDetector(rogueDetector))
		}
		if anomalyDetector != nil {
			opts = append(opts, api.WithAnomalyDetector(anomalyDetector))
		}
		if topoMap != nil {
			opts = append(opts, api.WithTopology(topoMap))
		}
		apiServer = api.NewServer(cfg, bus, logger, opts...)

		ln, err := apiServer.Listen()
		if err != nil {
			group.Stop()
			return err
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	if cfg.Server.PIDFile != "" {
		if err := writePIDFile(cfg.Server.PIDFile); err != nil {
			logger.Warn("failed to write PID file", "path", cfg.Server.PIDFile, "error", err)
		} else {
			defer removePIDFile(cfg.Server.PIDFile)
		}
	}

	// Live reload, from the file watcher or SIGHUP
	var reloadMu sync.Mutex
	current := cfg
	reload := func(newCfg *config.Config) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		warnRestartRequired(current, newCfg, logger)

		logging.SetLevel(newCfg.Server.LogLevel)
		group.Reload(newCfg)
		dispatcher.SetHooks(events.HooksFromConfig(newCfg.Hooks))
		if captureLog != nil {
			captureLog.SetRetention(newCfg.Capture.MaxRecords, newCfg.Capture.KeepRejected)
		}
		if rogueDetector != nil {
			rogueDetector.SetKnownServers(newCfg.Rogue.KnownServers,
				config.ParseDuration(newCfg.Rogue.RealertInterval, config.DefaultRogueRealert))
		}
		if anomalyDetector != nil {
			anomalyDetector.SetConfig(anomalyConfig(newCfg.Anomaly))
		}
		if forwarder != nil {
			forwarder.SetEvents(newCfg.Syslog.Events)
		}
		if apiServer != nil {
			apiServer.UpdateConfig(newCfg)
		}
		current = newCfg

		logger.Info("live config reload complete",
			"listeners", group.Addrs(),
			"script_hooks", len(newCfg.Hooks.Scripts),
			"webhook_hooks", len(newCfg.Hooks.Webhooks))
	}

	go func() {
		if err := config.Watch(ctx, configPath, logger, reload); err != nil {
			logger.Warn("config file watching disabled", "error", err)
		}
	}()

	logger.Info("dhcpwatch running", "listeners", group.Addrs(), "api", cfg.API.Enabled)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				metrics.ConfigReloads.WithLabelValues("error").Inc()
				logger.Error("failed to reload config", "error", err)
				continue
			}
			metrics.ConfigReloads.WithLabelValues("ok").Inc()
			reload(newCfg)

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("received shutdown signal", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			cancel()

			if apiServer != nil {
				if err := apiServer.Stop(shutdownCtx); err != nil {
					logger.Warn("API server shutdown", "error", err)
				}
			}

			// Stop accepting datagrams before tearing down consumers
			group.Stop()

			if forwarder != nil {
				forwarder.Stop()
			}
			if anomalyDetector != nil {
				anomalyDetector.Stop()
			}
			if topoMap != nil {
				topoMap.Stop()
			}
			if rogueDetector != nil {
				rogueDetector.Stop()
			}
			if tracker != nil {
				tracker.Stop()
			}
			if captureLog != nil {
				captureLog.Stop()
			}
			dispatcher.Stop()
			bus.Stop()

			logger.Info("dhcpwatch stopped", "event_drops", bus.Drops())
			return nil
		}
	}
}

// warnRestartRequired logs settings that changed but only apply at startup.
func warnRestartRequired(prev, next *config.Config, logger *slog.Logger) {
	if prev.Server.DataDB != next.Server.DataDB {
		logger.Warn("server.data_db changed; restart required", "old", prev.Server.DataDB, "new", next.Server.DataDB)
	}
	if prev.Capture.Enabled != next.Capture.Enabled {
		logger.Warn("capture.enabled changed; restart required", "enabled", next.Capture.Enabled)
	}
	if prev.Fingerprint.Enabled != next.Fingerprint.Enabled {
		logger.Warn("fingerprint.enabled changed; restart required", "enabled", next.Fingerprint.Enabled)
	}
	if prev.Rogue.Enabled != next.Rogue.Enabled {
		logger.Warn("rogue.enabled changed; restart required", "enabled", next.Rogue.Enabled)
	}
	if prev.Anomaly.Enabled != next.Anomaly.Enabled {
		logger.Warn("anomaly.enabled changed; restart required", "enabled", next.Anomaly.Enabled)
	}
	if prev.Topology.Enabled != next.Topology.Enabled {
		logger.Warn("topology.enabled changed; restart required", "enabled", next.Topology.Enabled)
	}
	if prev.Fingerprint.MACVendorDB != next.Fingerprint.MACVendorDB {
		logger.Warn("fingerprint.mac_vendor_db changed; restart required", "path", next.Fingerprint.MACVendorDB)
	}
	if syslogOutputsChanged(prev.Syslog, next.Syslog) {
		logger.Warn("syslog output settings changed; restart required")
	}
	if prev.API.Enabled != next.API.Enabled || prev.API.Listen != next.API.Listen || prev.API.TLS != next.API.TLS {
		logger.Warn("api listener settings changed; restart required")
	}
}

// syslogOutputsChanged reports whether anything but the event filter differs.
func syslogOutputsChanged(a, b config.SyslogConfig) bool {
	a.Events, b.Events = nil, nil
	return !reflect.DeepEqual(a, b)
}

// anomalyConfig converts the TOML section into detector settings.
func anomalyConfig(c config.AnomalyConfig) anomaly.Config {
	return anomaly.Config{
		Window:             config.ParseDuration(c.Window, config.DefaultAnomalyWindow),
		BaselineAlpha:      c.BaselineAlpha,
		AlertThreshold:     c.AlertThreshold,
		SilentAfter:        config.ParseDuration(c.SilentAfter, config.DefaultAnomalySilentAfter),
		NewClientThreshold: c.NewClientThreshold,
		MaxKnownClients:    c.MaxKnownClients,
	}
}

// openDB opens the BoltDB data file, creating its directory if needed.
func openDB(path string) (*bolt.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening data database %s: %w", path, err)
	}
	return db, nil
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile removes the PID file.
func removePIDFile(path string) {
	os.Remove(path)
}
