// Package topology builds a map of where clients sit on the network from
// the relay agent information (option 82) on relayed requests. Circuit-id
// and remote-id carry physical port and switch identity; the map keeps a
// tree of switch, port and device.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

var bucketTopology = []byte("topology")

// ErrNotFound is returned when labelling a switch or port that was never seen.
var ErrNotFound = errors.New("topology node not found")

// SwitchNode represents a relay agent / switch in the topology.
type SwitchNode struct {
	ID        string               `json:"id"`
	RemoteID  string               `json:"remote_id"`
	GIAddr    string               `json:"giaddr"`
	Label     string               `json:"label,omitempty"`
	FirstSeen time.Time            `json:"first_seen"`
	LastSeen  time.Time            `json:"last_seen"`
	Ports     map[string]*PortNode `json:"ports"`
}

// PortNode represents a physical port on a switch.
type PortNode struct {
	CircuitID string        `json:"circuit_id"`
	Label     string        `json:"label,omitempty"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	Devices   []*DeviceNode `json:"devices"`
}

// DeviceNode represents a client seen on a port.
type DeviceNode struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Interface string    `json:"interface,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Observation is one relayed request reduced to what the map keeps.
type Observation struct {
	CircuitID string
	RemoteID  string
	GIAddr    string
	MAC       string
	IP        string
	Hostname  string
	Interface string
}

// location is where a MAC was last seen.
type location struct {
	switchID string
	portID   string
}

// Map holds the topology learned from option 82 data.
type Map struct {
	db     *bolt.DB
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	switches map[string]*SwitchNode // keyed by remote-id or giaddr
	where    map[string]location    // MAC → port
}

// NewMap creates a topology map backed by BoltDB and loads saved nodes.
func NewMap(db *bolt.DB, bus *events.Bus, logger *slog.Logger) (*Map, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTopology)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating topology bucket: %w", err)
	}

	m := &Map{
		db:       db,
		bus:      bus,
		logger:   logger,
		done:     make(chan struct{}),
		switches: make(map[string]*SwitchNode),
		where:    make(map[string]location),
	}

	if err := m.loadAll(); err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	metrics.TopologySwitches.Set(float64(len(m.switches)))
	return m, nil
}

// Subscribe attaches the map to the bus. Start calls it when needed.
func (m *Map) Subscribe() {
	if m.ch == nil {
		m.ch = m.bus.Subscribe(1000)
	}
}

// Start consumes events until Stop.
func (m *Map) Start() {
	m.Subscribe()
	for {
		select {
		case evt, ok := <-m.ch:
			if !ok {
				return
			}
			if obs, ok := ObservationFromEvent(evt); ok {
				m.Record(obs)
			}
		case <-m.done:
			return
		}
	}
}

// Stop detaches the map from the bus.
func (m *Map) Stop() {
	m.once.Do(func() {
		close(m.done)
		if m.ch != nil {
			m.bus.Unsubscribe(m.ch)
		}
	})
}

// ObservationFromEvent extracts an Observation from a relayed client request.
func ObservationFromEvent(evt events.Event) (Observation, bool) {
	if evt.Type != events.EventMessageReceived || evt.Message == nil || evt.Source == nil {
		return Observation{}, false
	}
	msg := evt.Message
	if msg.Op != dhcpv4.OpCodeBootRequest {
		return Observation{}, false
	}
	if evt.Source.CircuitID == "" && evt.Source.RemoteID == "" {
		return Observation{}, false
	}

	obs := Observation{
		CircuitID: evt.Source.CircuitID,
		RemoteID:  evt.Source.RemoteID,
		MAC:       msg.CHAddr.Address,
		Hostname:  msg.Hostname(),
		Interface: evt.Source.Interface,
	}
	if msg.GIAddr != nil {
		obs.GIAddr = msg.GIAddr.String()
	}
	if ip := msg.RequestedIP(); ip != nil {
		obs.IP = ip.String()
	} else if msg.CIAddr != nil {
		obs.IP = msg.CIAddr.String()
	}
	return obs, true
}

// Record updates the map with an observation. It returns true when the
// client was previously seen behind a different port.
func (m *Map) Record(obs Observation) bool {
	if obs.CircuitID == "" && obs.RemoteID == "" {
		return false
	}

	now := time.Now()
	// Use remote-id as switch key, fall back to giaddr
	switchKey := obs.RemoteID
	if switchKey == "" {
		switchKey = obs.GIAddr
	}
	if switchKey == "" {
		switchKey = "unknown"
	}
	portKey := obs.CircuitID
	if portKey == "" {
		portKey = "unknown"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	moved := false
	var prev location
	if obs.MAC != "" {
		var seen bool
		prev, seen = m.where[obs.MAC]
		moved = seen && (prev.switchID != switchKey || prev.portID != portKey)
	}
	if moved {
		if old, ok := m.switches[prev.switchID]; ok {
			if p, ok := old.Ports[prev.portID]; ok {
				p.Devices = removeDevice(p.Devices, obs.MAC)
			}
			if prev.switchID != switchKey {
				m.persist(prev.switchID, old)
			}
		}
		metrics.TopologyPortMoves.Inc()
		m.logger.Warn("client moved to a different switch port",
			"mac", obs.MAC,
			"from_switch", prev.switchID,
			"from_port", prev.portID,
			"to_switch", switchKey,
			"to_port", portKey)
	}

	sw, ok := m.switches[switchKey]
	if !ok {
		sw = &SwitchNode{
			ID:        switchKey,
			RemoteID:  obs.RemoteID,
			GIAddr:    obs.GIAddr,
			FirstSeen: now,
			Ports:     make(map[string]*PortNode),
		}
		m.switches[switchKey] = sw
		metrics.TopologySwitches.Set(float64(len(m.switches)))
		m.logger.Info("new relay switch learned", "switch", switchKey, "giaddr", obs.GIAddr)
	}
	sw.LastSeen = now
	if obs.GIAddr != "" {
		sw.GIAddr = obs.GIAddr
	}

	port, ok := sw.Ports[portKey]
	if !ok {
		port = &PortNode{CircuitID: obs.CircuitID, FirstSeen: now}
		sw.Ports[portKey] = port
	}
	port.LastSeen = now

	if obs.MAC != "" {
		dev := findDevice(port.Devices, obs.MAC)
		if dev == nil {
			dev = &DeviceNode{MAC: obs.MAC, FirstSeen: now}
			port.Devices = append(port.Devices, dev)
		}
		dev.LastSeen = now
		if obs.IP != "" {
			dev.IP = obs.IP
		}
		if obs.Hostname != "" {
			dev.Hostname = obs.Hostname
		}
		if obs.Interface != "" {
			dev.Interface = obs.Interface
		}
		m.where[obs.MAC] = location{switchID: switchKey, portID: portKey}
	}

	m.persist(switchKey, sw)
	return moved
}

func findDevice(devs []*DeviceNode, mac string) *DeviceNode {
	for _, d := range devs {
		if d.MAC == mac {
			return d
		}
	}
	return nil
}

func removeDevice(devs []*DeviceNode, mac string) []*DeviceNode {
	out := devs[:0]
	for _, d := range devs {
		if d.MAC != mac {
			out = append(out, d)
		}
	}
	return out
}

// Locate returns the switch and port a MAC was last seen behind.
func (m *Map) Locate(mac string) (switchID, portID string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.where[mac]
	return loc.switchID, loc.portID, ok
}

// SetLabel sets a friendly label for a switch, or for one of its ports when
// portID is non-empty.
func (m *Map) SetLabel(switchID, portID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.switches[switchID]
	if !ok {
		return fmt.Errorf("%w: switch %q", ErrNotFound, switchID)
	}

	if portID == "" {
		sw.Label = label
	} else {
		port, ok := sw.Ports[portID]
		if !ok {
			return fmt.Errorf("%w: port %q on switch %q", ErrNotFound, portID, switchID)
		}
		port.Label = label
	}

	m.persist(switchID, sw)
	return nil
}

// Tree returns a copy of the topology, most recently active switch first.
func (m *Map) Tree() []SwitchNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]SwitchNode, 0, len(m.switches))
	for _, sw := range m.switches {
		cp := *sw
		cp.Ports = make(map[string]*PortNode, len(sw.Ports))
		for k, p := range sw.Ports {
			pCopy := *p
			pCopy.Devices = make([]*DeviceNode, len(p.Devices))
			for i, d := range p.Devices {
				dCopy := *d
				pCopy.Devices[i] = &dCopy
			}
			cp.Ports[k] = &pCopy
		}
		result = append(result, cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// Stats returns switch, port and device counts.
func (m *Map) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ports := 0
	devices := 0
	for _, sw := range m.switches {
		ports += len(sw.Ports)
		for _, p := range sw.Ports {
			devices += len(p.Devices)
		}
	}
	return map[string]int{
		"switches": len(m.switches),
		"ports":    ports,
		"devices":  devices,
	}
}

// persist writes a switch node to BoltDB. Callers hold m.mu.
func (m *Map) persist(key string, sw *SwitchNode) {
	data, err := json.Marshal(sw)
	if err != nil {
		m.logger.Error("failed to marshal topology node", "switch", key, "error", err)
		return
	}
	if err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTopology).Put([]byte(key), data)
	}); err != nil {
		m.logger.Error("failed to persist topology node", "switch", key, "error", err)
	}
}

// loadAll loads topology from BoltDB and rebuilds the MAC index.
func (m *Map) loadAll() error {
	return m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTopology).ForEach(func(k, v []byte) error {
			var sw SwitchNode
			if err := json.Unmarshal(v, &sw); err != nil {
				m.logger.Warn("skipping corrupt topology node", "switch", string(k), "error", err)
				return nil
			}
			if sw.Ports == nil {
				sw.Ports = make(map[string]*PortNode)
			}
			id := string(k)
			m.switches[id] = &sw
			for portID, p := range sw.Ports {
				for _, d := range p.Devices {
					if cur, ok := m.where[d.MAC]; ok && m.lastSeen(cur, d.MAC).After(d.LastSeen) {
						continue
					}
					m.where[d.MAC] = location{switchID: id, portID: portID}
				}
			}
			return nil
		})
	})
}

// lastSeen returns when mac was last seen at loc. While loading, a MAC can
// appear on more than one port if a move was not persisted.
func (m *Map) lastSeen(loc location, mac string) time.Time {
	sw, ok := m.switches[loc.switchID]
	if !ok {
		return time.Time{}
	}
	p, ok := sw.Ports[loc.portID]
	if !ok {
		return time.Time{}
	}
	if d := findDevice(p.Devices, mac); d != nil {
		return d.LastSeen
	}
	return time.Time{}
}
