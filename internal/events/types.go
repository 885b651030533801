// Package events provides the event bus and hook dispatcher for dhcpwatch.
package events

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
)

// EventType names what happened.
type EventType string

const (
	EventMessageReceived    EventType = "message.received"
	EventMessageRejected    EventType = "message.rejected"
	EventFingerprintNew     EventType = "fingerprint.new"
	EventFingerprintChanged EventType = "fingerprint.changed"
	EventRogueDetected      EventType = "rogue.detected"
	EventRogueResolved      EventType = "rogue.resolved"
	EventAnomalyDetected    EventType = "anomaly.detected"
)

// KnownTypes lists every event type the daemon publishes.
var KnownTypes = []EventType{
	EventMessageReceived,
	EventMessageRejected,
	EventFingerprintNew,
	EventFingerprintChanged,
	EventRogueDetected,
	EventRogueResolved,
	EventAnomalyDetected,
}

// maxRawBytes bounds the raw datagram copy carried by a rejection event.
const maxRawBytes = 576

// Event is the core event payload passed through the event bus.
type Event struct {
	Type        EventType        `json:"type"`
	Timestamp   time.Time        `json:"timestamp"`
	Source      *SourceData      `json:"source,omitempty"`
	Message     *dhcp.Message    `json:"message,omitempty"`
	Rejection   *RejectionData   `json:"rejection,omitempty"`
	Fingerprint *FingerprintData `json:"fingerprint,omitempty"`
	Rogue       *RogueData       `json:"rogue,omitempty"`
	Anomaly     *AnomalyData     `json:"anomaly,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// SourceData identifies where a datagram was received.
type SourceData struct {
	Addr      string `json:"addr,omitempty"`
	Interface string `json:"interface,omitempty"`
	IfIndex   int    `json:"ifindex,omitempty"`
	CircuitID string `json:"circuit_id,omitempty"`
	RemoteID  string `json:"remote_id,omitempty"`
}

// RejectionData describes a datagram that failed to decode.
type RejectionData struct {
	Kind   string `json:"kind"`
	Error  string `json:"error"`
	Size   int    `json:"size"`
	Code   *int   `json:"code,omitempty"`
	Offset int    `json:"offset"`
	Raw    string `json:"raw,omitempty"` // hex, at most maxRawBytes
}

// FingerprintData carries a client fingerprint change.
type FingerprintData struct {
	ClientID    string `json:"client_id"`
	Hash        string `json:"hash"`
	PrevHash    string `json:"prev_hash,omitempty"`
	ParamList   string `json:"param_list,omitempty"`
	VendorClass string `json:"vendor_class,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
}

// RogueData describes a reply from a DHCP server that is not on the known list.
type RogueData struct {
	ServerID   string `json:"server_id"`
	SourceAddr string `json:"source_addr,omitempty"`
	OfferedIP  string `json:"offered_ip,omitempty"`
	ClientMAC  string `json:"client_mac,omitempty"`
	MsgType    string `json:"msg_type,omitempty"`
	Count      int    `json:"count"`
}

// AnomalyData describes unusual request traffic on one network segment.
type AnomalyData struct {
	Segment    string  `json:"segment"`
	Kind       string  `json:"kind"` // "flood", "drop", "silent" or "new_clients"
	Score      float64 `json:"score"`
	Rate       float64 `json:"rate"`
	Baseline   float64 `json:"baseline"`
	NewClients int     `json:"new_clients"`
}

func newSourceData(src dhcp.Source) *SourceData {
	sd := &SourceData{Interface: src.Interface, IfIndex: src.IfIndex}
	if src.Addr != nil {
		sd.Addr = src.Addr.String()
	}
	if src.Relay != nil {
		sd.CircuitID = src.Relay.CircuitID
		sd.RemoteID = src.Relay.RemoteID
	}
	return sd
}

// NewReceivedEvent builds a message.received event.
func NewReceivedEvent(src dhcp.Source, msg *dhcp.Message) Event {
	return Event{
		Type:      EventMessageReceived,
		Timestamp: time.Now(),
		Source:    newSourceData(src),
		Message:   msg,
	}
}

// NewRejectedEvent builds a message.rejected event. data is copied.
func NewRejectedEvent(src dhcp.Source, data []byte, err error) Event {
	rej := &RejectionData{
		Kind:  dhcp.KindName(err),
		Error: err.Error(),
		Size:  len(data),
		Raw:   hex.EncodeToString(data[:min(len(data), maxRawBytes)]),
	}
	var de *dhcp.DecodeError
	if errors.As(err, &de) {
		rej.Offset = de.Offset
		if de.HasCode {
			code := int(de.Code)
			rej.Code = &code
		}
	}
	return Event{
		Type:      EventMessageRejected,
		Timestamp: time.Now(),
		Source:    newSourceData(src),
		Rejection: rej,
		Reason:    rej.Kind,
	}
}

// ClientID returns the client identity the event concerns, if any.
func (e *Event) ClientID() string {
	switch {
	case e.Message != nil:
		return e.Message.ClientID()
	case e.Fingerprint != nil:
		return e.Fingerprint.ClientID
	case e.Rogue != nil:
		return e.Rogue.ClientMAC
	}
	return ""
}

// Interface returns the receiving interface, if known.
func (e *Event) Interface() string {
	if e.Source == nil {
		return ""
	}
	return e.Source.Interface
}

// Segment names the network segment an event belongs to: "relay:<giaddr>"
// for relayed messages, else the receiving interface, else "local".
// Anomaly events report the segment they were raised for.
func (e *Event) Segment() string {
	if e.Anomaly != nil && e.Anomaly.Segment != "" {
		return e.Anomaly.Segment
	}
	if e.Message != nil && e.Message.GIAddr != nil {
		return "relay:" + e.Message.GIAddr.String()
	}
	if iface := e.Interface(); iface != "" {
		return iface
	}
	return "local"
}

// ToEnvVars converts an event to environment variables for script hooks.
func (e *Event) ToEnvVars() map[string]string {
	env := map[string]string{
		"DHCPWATCH_EVENT": string(e.Type),
	}

	if e.Source != nil {
		if e.Source.Addr != "" {
			env["DHCPWATCH_SRC"] = e.Source.Addr
		}
		if e.Source.Interface != "" {
			env["DHCPWATCH_INTERFACE"] = e.Source.Interface
		}
		if e.Source.CircuitID != "" {
			env["DHCPWATCH_CIRCUIT_ID"] = e.Source.CircuitID
		}
		if e.Source.RemoteID != "" {
			env["DHCPWATCH_REMOTE_ID"] = e.Source.RemoteID
		}
	}

	if m := e.Message; m != nil {
		env["DHCPWATCH_OP"] = m.Op.String()
		env["DHCPWATCH_MSG_TYPE"] = m.TypeLabel()
		env["DHCPWATCH_XID"] = fmt.Sprintf("0x%08x", m.XID)
		env["DHCPWATCH_MAC"] = m.CHAddr.Address
		env["DHCPWATCH_HTYPE"] = m.CHAddr.Type.String()
		env["DHCPWATCH_CLIENT_ID"] = m.ClientID()
		if m.CIAddr != nil {
			env["DHCPWATCH_CIADDR"] = m.CIAddr.String()
		}
		if m.YIAddr != nil {
			env["DHCPWATCH_YIADDR"] = m.YIAddr.String()
		}
		if m.GIAddr != nil {
			env["DHCPWATCH_GATEWAY"] = m.GIAddr.String()
		}
		if h := m.Hostname(); h != "" {
			env["DHCPWATCH_HOSTNAME"] = h
		}
		if vc := m.VendorClassID(); vc != "" {
			env["DHCPWATCH_VENDOR_CLASS"] = vc
		}
		if ip := m.RequestedIP(); ip != nil {
			env["DHCPWATCH_REQUESTED_IP"] = ip.String()
		}
		if ip := m.ServerIdentifier(); ip != nil {
			env["DHCPWATCH_SERVER_ID"] = ip.String()
		}
		if f, ok := m.Options.FQDN(); ok && f.Domain != "" {
			env["DHCPWATCH_FQDN"] = f.Domain
		}
	}

	if r := e.Rejection; r != nil {
		env["DHCPWATCH_ERROR_KIND"] = r.Kind
		env["DHCPWATCH_ERROR"] = r.Error
		env["DHCPWATCH_SIZE"] = strconv.Itoa(r.Size)
	}

	if f := e.Fingerprint; f != nil {
		env["DHCPWATCH_CLIENT_ID"] = f.ClientID
		env["DHCPWATCH_FINGERPRINT"] = f.Hash
		if f.PrevHash != "" {
			env["DHCPWATCH_PREV_FINGERPRINT"] = f.PrevHash
		}
	}

	if r := e.Rogue; r != nil {
		env["DHCPWATCH_SERVER_ID"] = r.ServerID
		env["DHCPWATCH_ROGUE_COUNT"] = strconv.Itoa(r.Count)
		if r.OfferedIP != "" {
			env["DHCPWATCH_OFFERED_IP"] = r.OfferedIP
		}
		if r.ClientMAC != "" {
			env["DHCPWATCH_MAC"] = r.ClientMAC
		}
	}

	if a := e.Anomaly; a != nil {
		env["DHCPWATCH_SEGMENT"] = a.Segment
		env["DHCPWATCH_ANOMALY"] = a.Kind
		env["DHCPWATCH_ANOMALY_SCORE"] = strconv.FormatFloat(a.Score, 'f', 2, 64)
		env["DHCPWATCH_RATE"] = strconv.FormatFloat(a.Rate, 'f', 1, 64)
		env["DHCPWATCH_BASELINE"] = strconv.FormatFloat(a.Baseline, 'f', 1, 64)
	}

	if e.Reason != "" {
		env["DHCPWATCH_REASON"] = e.Reason
	}

	return env
}

// IsKnownType reports whether t is published by the daemon.
func IsKnownType(t EventType) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}
