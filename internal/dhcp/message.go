// Package dhcp decodes BOOTP/DHCPv4 datagrams and runs the UDP listeners
// that feed decoded messages to the event bus.
package dhcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Message represents a decoded BOOTP/DHCPv4 datagram (RFC 2131 §2).
// Header addresses are nil when the wire field is 0.0.0.0.
type Message struct {
	Op      dhcpv4.OpCode   // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HLen    byte            // Hardware address length
	Hops    byte            // Relay hops
	XID     uint32          // Transaction ID
	Secs    uint16          // Seconds elapsed
	Flags   uint16          // Flags (bit 0 = broadcast)
	CIAddr  net.IP          // Client IP address
	YIAddr  net.IP          // 'Your' (client) IP address
	SIAddr  net.IP          // Next server IP address
	GIAddr  net.IP          // Relay agent IP address
	CHAddr  HardwareAddress // Client hardware address
	SName   string          // Server host name
	File    string          // Boot file name
	Magic   uint32          // Magic cookie as read
	Options Options         // DHCP options
}

// Decoder turns raw datagrams into Messages. It holds no per-message state,
// so one Decoder may be shared by any number of goroutines.
type Decoder struct {
	logger        *slog.Logger
	lenientCookie bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLenientMagicCookie accepts datagrams whose magic cookie is not 0x63825363.
func WithLenientMagicCookie(lenient bool) DecoderOption {
	return func(d *Decoder) {
		d.lenientCookie = lenient
	}
}

// NewDecoder creates a decoder. Unhandled options are logged to logger at debug level.
func NewDecoder(logger *slog.Logger, opts ...DecoderOption) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DecodeMessage decodes with a strict decoder logging to slog.Default().
func DecodeMessage(data []byte) (*Message, error) {
	return NewDecoder(nil).Decode(data)
}

// Decode parses one datagram. Any failure returns a *DecodeError and no message.
func (d *Decoder) Decode(data []byte) (*Message, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	// Validate magic cookie (RFC 2131 §3)
	if !d.lenientCookie && h.magic != dhcpv4.MagicCookieValue {
		return nil, &DecodeError{
			Kind:   ErrBadMagicCookie,
			Offset: dhcpv4.OffsetMagic,
			Detail: fmt.Sprintf("got 0x%08x", h.magic),
		}
	}

	opts, err := d.decodeOptions(data, dhcpv4.OffsetOptions)
	if err != nil {
		return nil, err
	}

	return assemble(h, opts), nil
}

// assemble combines the header and options into the final message.
func assemble(h header, opts Options) *Message {
	return &Message{
		Op:      h.op,
		HLen:    h.hlen,
		Hops:    h.hops,
		XID:     h.xid,
		Secs:    h.secs,
		Flags:   h.flags,
		CIAddr:  h.ciaddr,
		YIAddr:  h.yiaddr,
		SIAddr:  h.siaddr,
		GIAddr:  h.giaddr,
		CHAddr:  HardwareAddress{Type: h.htype, Address: h.chaddr},
		SName:   h.sname,
		File:    h.file,
		Magic:   h.magic,
		Options: opts,
	}
}

// MessageType returns the DHCP message type from option 53, or 0 for plain BOOTP.
func (m *Message) MessageType() dhcpv4.MessageType {
	mt, _ := m.Options.MessageType()
	return mt
}

// TypeLabel names the message for logs and metrics: the DHCP message type,
// or "BOOTP" when option 53 is absent.
func (m *Message) TypeLabel() string {
	if mt := m.MessageType(); mt != 0 {
		return mt.String()
	}
	return "BOOTP"
}

// Hostname returns the hostname from option 12.
func (m *Message) Hostname() string {
	return m.Options.String(dhcpv4.OptionHostname)
}

// VendorClassID returns the vendor class identifier from option 60.
func (m *Message) VendorClassID() string {
	return m.Options.String(dhcpv4.OptionVendorClassID)
}

// RequestedIP returns the requested IP address from option 50.
func (m *Message) RequestedIP() net.IP {
	return m.Options.IP(dhcpv4.OptionRequestedIP)
}

// ServerIdentifier returns the server identifier from option 54.
func (m *Message) ServerIdentifier() net.IP {
	return m.Options.IP(dhcpv4.OptionServerIdentifier)
}

// ClientID identifies the client: the option 61 address when present,
// otherwise chaddr.
func (m *Message) ClientID() string {
	if cid, ok := m.Options.ClientIdentifier(); ok && cid.Address != "" {
		return cid.Address
	}
	return m.CHAddr.Address
}

// IsBroadcast returns true if the broadcast flag is set.
func (m *Message) IsBroadcast() bool {
	return m.Flags&dhcpv4.BroadcastFlag != 0
}

// IsRelayed returns true if the message came through a relay agent.
func (m *Message) IsRelayed() bool {
	return m.GIAddr != nil
}

// messageJSON is the wire form used by events, the capture log and the API.
type messageJSON struct {
	Op      dhcpv4.OpCode   `json:"op"`
	HLen    byte            `json:"hlen"`
	Hops    byte            `json:"hops"`
	XID     uint32          `json:"xid"`
	Secs    uint16          `json:"secs"`
	Flags   uint16          `json:"flags"`
	CIAddr  string          `json:"ciaddr,omitempty"`
	YIAddr  string          `json:"yiaddr,omitempty"`
	SIAddr  string          `json:"siaddr,omitempty"`
	GIAddr  string          `json:"giaddr,omitempty"`
	CHAddr  HardwareAddress `json:"chaddr"`
	SName   string          `json:"sname"`
	File    string          `json:"file"`
	Magic   uint32          `json:"magic"`
	Options Options         `json:"options"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		Op:      m.Op,
		HLen:    m.HLen,
		Hops:    m.Hops,
		XID:     m.XID,
		Secs:    m.Secs,
		Flags:   m.Flags,
		CIAddr:  ipString(m.CIAddr),
		YIAddr:  ipString(m.YIAddr),
		SIAddr:  ipString(m.SIAddr),
		GIAddr:  ipString(m.GIAddr),
		CHAddr:  m.CHAddr,
		SName:   m.SName,
		File:    m.File,
		Magic:   m.Magic,
		Options: m.Options,
	})
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
