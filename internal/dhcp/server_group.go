package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
)

// ServerGroup manages one listener per configured listen address. All
// listeners share the decoder, publisher, and throttle.
type ServerGroup struct {
	publisher Publisher
	logger    *slog.Logger

	mu         sync.Mutex
	decoder    *Decoder
	throttle   *Throttle
	interfaces []string
	servers    map[string]*Server // listen address → server
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServerGroup creates a new server group publishing to publisher.
func NewServerGroup(publisher Publisher, logger *slog.Logger) *ServerGroup {
	return &ServerGroup{
		publisher: publisher,
		logger:    logger,
		servers:   make(map[string]*Server),
	}
}

// DecoderFromConfig builds the decoder described by cfg.
func DecoderFromConfig(cfg *config.Config, logger *slog.Logger) *Decoder {
	return NewDecoder(logger, WithLenientMagicCookie(cfg.Decoder.LenientMagicCookie))
}

// ThrottleFromConfig builds the publish throttle described by cfg.
func ThrottleFromConfig(cfg *config.Config) *Throttle {
	t := cfg.Server.Throttle
	return NewThrottle(t.Enabled, t.MaxPerSecond, t.MaxPerClientPerSecond)
}

// Start creates listeners for every address in server.listen and begins serving.
// If any listener fails to start, the ones already started are stopped.
func (g *ServerGroup) Start(ctx context.Context, cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)
	g.decoder = DecoderFromConfig(cfg, g.logger)
	g.throttle = ThrottleFromConfig(cfg)
	g.interfaces = cfg.Server.Interfaces

	for _, addr := range uniqueAddrs(cfg.Server.Listen) {
		if err := g.startListener(addr); err != nil {
			for a, srv := range g.servers {
				srv.Stop()
				delete(g.servers, a)
			}
			g.cancel()
			return err
		}
	}

	return nil
}

// Reload applies a new configuration. Listeners for new addresses are
// started, listeners for removed ones stopped, and existing ones pick up the
// new decoder, throttle, and interface filter without rebinding.
func (g *ServerGroup) Reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.decoder = DecoderFromConfig(cfg, g.logger)
	g.throttle = ThrottleFromConfig(cfg)
	g.interfaces = cfg.Server.Interfaces

	wanted := make(map[string]bool)
	for _, addr := range uniqueAddrs(cfg.Server.Listen) {
		wanted[addr] = true
	}

	for addr, srv := range g.servers {
		if !wanted[addr] {
			g.logger.Info("stopping DHCP listener for removed address", "address", addr)
			srv.Stop()
			delete(g.servers, addr)
			continue
		}
		srv.SetDecoder(g.decoder)
		srv.SetThrottle(g.throttle)
		srv.SetInterfaces(g.interfaces)
	}

	for addr := range wanted {
		if _, exists := g.servers[addr]; !exists {
			if err := g.startListener(addr); err != nil {
				g.logger.Error("failed to start DHCP listener on new address",
					"address", addr, "error", err)
			}
		}
	}
}

// Stop shuts down all listeners.
func (g *ServerGroup) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}
	for addr, srv := range g.servers {
		srv.Stop()
		delete(g.servers, addr)
	}
}

// Addrs returns the listen addresses with an active listener, sorted.
func (g *ServerGroup) Addrs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	addrs := make([]string, 0, len(g.servers))
	for addr := range g.servers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Decoder returns the decoder currently shared by the listeners.
func (g *ServerGroup) Decoder() *Decoder {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decoder
}

// startListener creates and starts a single listener. Caller must hold g.mu.
func (g *ServerGroup) startListener(addr string) error {
	srv := NewServer(g.decoder, g.publisher, g.throttle, addr, g.logger)
	srv.SetInterfaces(g.interfaces)
	if err := srv.Start(g.ctx); err != nil {
		return fmt.Errorf("starting DHCP listener on %s: %w", addr, err)
	}
	g.servers[addr] = srv
	return nil
}

func uniqueAddrs(addrs []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, a := range addrs {
		if a != "" && !seen[a] {
			seen[a] = true
			result = append(result, a)
		}
	}
	return result
}
