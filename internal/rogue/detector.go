// Package rogue keeps an inventory of DHCP servers seen answering on the
// wire. Servers that are not on the configured known list are flagged and
// announced on the event bus.
package rogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

var bucketRogue = []byte("rogue_servers")

// ErrNotFound is returned for a server id with no inventory entry.
var ErrNotFound = errors.New("rogue server not found")

// ServerEntry is an unknown DHCP server seen on the network.
type ServerEntry struct {
	ServerID     string    `json:"server_id"`
	SourceAddr   string    `json:"source_addr,omitempty"`
	LastOffer    string    `json:"last_offer_ip,omitempty"`
	LastClient   string    `json:"last_client_mac,omitempty"`
	LastType     string    `json:"last_msg_type,omitempty"`
	Interface    string    `json:"interface,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastAlert    time.Time `json:"last_alert"`
	Count        int       `json:"count"`
	Acknowledged bool      `json:"acknowledged"`
}

// Reply is one server reply, reduced to what the inventory keeps.
type Reply struct {
	ServerID   net.IP
	SourceAddr string
	OfferedIP  net.IP
	ClientMAC  string
	MsgType    string
	Interface  string
}

// Detector watches BOOTREPLY traffic for unknown DHCP servers.
type Detector struct {
	db     *bolt.DB
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	allowed map[string]bool
	realert time.Duration
	known   map[string]*ServerEntry // server id → entry
}

// NewDetector creates a detector and loads persisted entries. knownServers
// lists the server identifiers that are expected to answer.
func NewDetector(db *bolt.DB, bus *events.Bus, knownServers []string, realert time.Duration, logger *slog.Logger) (*Detector, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRogue)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating rogue bucket: %w", err)
	}

	d := &Detector{
		db:     db,
		bus:    bus,
		logger: logger,
		known:  make(map[string]*ServerEntry),
		done:   make(chan struct{}),
	}
	d.SetKnownServers(knownServers, realert)

	if err := d.loadAll(); err != nil {
		return nil, fmt.Errorf("loading rogue servers: %w", err)
	}
	d.updateGauge()

	return d, nil
}

// SetKnownServers replaces the known server list and the re-alert interval.
// A realert of zero alerts only once per server.
func (d *Detector) SetKnownServers(knownServers []string, realert time.Duration) {
	allowed := make(map[string]bool, len(knownServers))
	for _, s := range knownServers {
		if ip := net.ParseIP(s); ip != nil {
			allowed[ip.String()] = true
		}
	}

	d.mu.Lock()
	d.allowed = allowed
	d.realert = realert
	d.mu.Unlock()
}

// Subscribe attaches the detector to the bus. Start calls it when needed.
func (d *Detector) Subscribe() {
	if d.ch == nil {
		d.ch = d.bus.Subscribe(1000)
	}
}

// Start consumes events until Stop.
func (d *Detector) Start() {
	d.Subscribe()
	for {
		select {
		case evt, ok := <-d.ch:
			if !ok {
				return
			}
			d.handleEvent(evt)
		case <-d.done:
			return
		}
	}
}

// Stop detaches the detector from the bus.
func (d *Detector) Stop() {
	d.once.Do(func() {
		close(d.done)
		if d.ch != nil {
			d.bus.Unsubscribe(d.ch)
		}
	})
}

func (d *Detector) handleEvent(evt events.Event) {
	if evt.Type != events.EventMessageReceived || evt.Message == nil {
		return
	}
	reply, ok := ReplyFromMessage(evt.Message, evt.Source)
	if !ok {
		return
	}
	d.Report(reply)
}

// ReplyFromMessage extracts a Reply from a decoded BOOTREPLY. The server
// is named by option 54, then the datagram source, then siaddr.
func ReplyFromMessage(msg *dhcp.Message, src *events.SourceData) (Reply, bool) {
	if msg.Op != dhcpv4.OpCodeBootReply {
		return Reply{}, false
	}

	r := Reply{
		OfferedIP: msg.YIAddr,
		ClientMAC: msg.CHAddr.Address,
		MsgType:   msg.TypeLabel(),
	}
	var srcIP net.IP
	if src != nil {
		r.SourceAddr = src.Addr
		r.Interface = src.Interface
		if host, _, err := net.SplitHostPort(src.Addr); err == nil {
			srcIP = net.ParseIP(host)
		}
	}

	switch {
	case msg.ServerIdentifier() != nil:
		r.ServerID = msg.ServerIdentifier()
	case srcIP != nil && !srcIP.IsUnspecified():
		r.ServerID = srcIP
	case msg.SIAddr != nil:
		r.ServerID = msg.SIAddr
	default:
		return Reply{}, false
	}
	return r, true
}

// Report records a server reply. Replies from known servers are ignored.
// It returns true when an alert was published.
func (d *Detector) Report(r Reply) bool {
	sid := r.ServerID.String()
	now := time.Now()

	d.mu.Lock()
	if d.allowed[sid] {
		d.mu.Unlock()
		return false
	}
	metrics.RogueReplies.Inc()

	entry, exists := d.known[sid]
	if !exists {
		entry = &ServerEntry{ServerID: sid, FirstSeen: now}
		d.known[sid] = entry
	}
	entry.Count++
	entry.LastSeen = now
	entry.LastType = r.MsgType
	if r.SourceAddr != "" {
		entry.SourceAddr = r.SourceAddr
	}
	if r.Interface != "" {
		entry.Interface = r.Interface
	}
	if r.OfferedIP != nil {
		entry.LastOffer = r.OfferedIP.String()
	}
	if r.ClientMAC != "" {
		entry.LastClient = r.ClientMAC
	}

	alert := !exists || (!entry.Acknowledged && d.realert > 0 && now.Sub(entry.LastAlert) >= d.realert)
	if alert {
		entry.LastAlert = now
	}
	snapshot := *entry
	d.persist(entry)
	d.mu.Unlock()

	if !exists {
		d.updateGauge()
		d.logger.Error("NEW rogue DHCP server detected",
			"server_id", sid,
			"source", r.SourceAddr,
			"msg_type", r.MsgType,
			"offered_ip", snapshot.LastOffer,
			"client_mac", r.ClientMAC,
			"interface", r.Interface)
	} else {
		d.logger.Debug("rogue DHCP server activity",
			"server_id", sid,
			"msg_type", r.MsgType,
			"count", snapshot.Count)
	}

	if !alert {
		return false
	}
	d.bus.Publish(events.Event{
		Type:      events.EventRogueDetected,
		Timestamp: now,
		Source:    &events.SourceData{Addr: r.SourceAddr, Interface: r.Interface},
		Rogue: &events.RogueData{
			ServerID:   sid,
			SourceAddr: r.SourceAddr,
			OfferedIP:  snapshot.LastOffer,
			ClientMAC:  r.ClientMAC,
			MsgType:    r.MsgType,
			Count:      snapshot.Count,
		},
	})
	return true
}

// Acknowledge marks a server as expected for now, suppressing re-alerts.
func (d *Detector) Acknowledge(serverID string) error {
	d.mu.Lock()
	entry, ok := d.known[serverID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, serverID)
	}
	entry.Acknowledged = true
	d.persist(entry)
	d.mu.Unlock()

	d.updateGauge()
	return nil
}

// Remove deletes a server entry once it has been dealt with.
func (d *Detector) Remove(serverID string) error {
	d.mu.Lock()
	if _, ok := d.known[serverID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, serverID)
	}
	delete(d.known, serverID)

	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRogue).Delete([]byte(serverID))
	})
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("deleting rogue server %s: %w", serverID, err)
	}

	d.updateGauge()
	d.bus.Publish(events.Event{
		Type:      events.EventRogueResolved,
		Timestamp: time.Now(),
		Rogue:     &events.RogueData{ServerID: serverID},
	})
	return nil
}

// Get returns the entry for a server id.
func (d *Detector) Get(serverID string) (ServerEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.known[serverID]
	if !ok {
		return ServerEntry{}, false
	}
	return *e, true
}

// All returns every entry, most recently seen first.
func (d *Detector) All() []ServerEntry {
	d.mu.RLock()
	result := make([]ServerEntry, 0, len(d.known))
	for _, e := range d.known {
		result = append(result, *e)
	}
	d.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// Count returns the number of inventoried rogue servers.
func (d *Detector) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.known)
}

// ActiveCount returns the number of unacknowledged rogue servers.
func (d *Detector) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, e := range d.known {
		if !e.Acknowledged {
			count++
		}
	}
	return count
}

func (d *Detector) updateGauge() {
	metrics.RogueServersActive.Set(float64(d.ActiveCount()))
}

// persist writes an entry to BoltDB. Caller holds d.mu.
func (d *Detector) persist(entry *ServerEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRogue).Put([]byte(entry.ServerID), data)
	})
	if err != nil {
		d.logger.Warn("failed to persist rogue server", "server_id", entry.ServerID, "error", err)
	}
}

// loadAll loads all rogue server entries from BoltDB.
func (d *Detector) loadAll() error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRogue).ForEach(func(k, v []byte) error {
			var entry ServerEntry
			if err := json.Unmarshal(v, &entry); err == nil {
				d.known[entry.ServerID] = &entry
			}
			return nil
		})
	})
}
