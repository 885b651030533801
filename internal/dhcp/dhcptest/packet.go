// Package dhcptest builds raw BOOTP/DHCP datagrams for tests.
package dhcptest

import (
	"encoding/binary"
	"net"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Option is a raw option TLV. Data longer than 255 bytes is truncated on encode.
type Option struct {
	Code dhcpv4.OptionCode
	Data []byte
}

// Packet describes a datagram to encode. Zero fields encode as zero bytes.
type Packet struct {
	Op      dhcpv4.OpCode
	HType   dhcpv4.HardwareType
	HLen    byte
	Hops    byte
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	SName   string
	File    string
	Magic   []byte // nil means the RFC 2131 cookie
	Options []Option
	NoEnd   bool // omit the end marker
	Trailer []byte
}

// Discover returns a typical client DHCPDISCOVER for mac.
func Discover(mac net.HardwareAddr, xid uint32) *Packet {
	return &Packet{
		Op:     dhcpv4.OpCodeBootRequest,
		HType:  dhcpv4.HardwareTypeEthernet,
		HLen:   6,
		XID:    xid,
		Flags:  dhcpv4.BroadcastFlag,
		CHAddr: mac,
		Options: []Option{
			{dhcpv4.OptionDHCPMessageType, []byte{byte(dhcpv4.MessageTypeDiscover)}},
			{dhcpv4.OptionParameterRequestList, []byte{1, 3, 6, 15}},
		},
	}
}

// With appends an option and returns p.
func (p *Packet) With(code dhcpv4.OptionCode, data ...byte) *Packet {
	p.Options = append(p.Options, Option{Code: code, Data: data})
	return p
}

// WithString appends a text option and returns p.
func (p *Packet) WithString(code dhcpv4.OptionCode, s string) *Packet {
	return p.With(code, []byte(s)...)
}

// Bytes encodes the packet.
func (p *Packet) Bytes() []byte {
	buf := make([]byte, dhcpv4.HeaderSize)
	buf[dhcpv4.OffsetOp] = byte(p.Op)
	buf[dhcpv4.OffsetHType] = byte(p.HType)
	buf[dhcpv4.OffsetHLen] = p.HLen
	buf[dhcpv4.OffsetHops] = p.Hops
	binary.BigEndian.PutUint32(buf[dhcpv4.OffsetXID:], p.XID)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetSecs:], p.Secs)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetFlags:], p.Flags)

	putIP(buf[dhcpv4.OffsetCIAddr:], p.CIAddr)
	putIP(buf[dhcpv4.OffsetYIAddr:], p.YIAddr)
	putIP(buf[dhcpv4.OffsetSIAddr:], p.SIAddr)
	putIP(buf[dhcpv4.OffsetGIAddr:], p.GIAddr)
	copy(buf[dhcpv4.OffsetCHAddr:dhcpv4.OffsetSName], p.CHAddr)
	copy(buf[dhcpv4.OffsetSName:dhcpv4.OffsetFile], p.SName)
	copy(buf[dhcpv4.OffsetFile:dhcpv4.OffsetMagic], p.File)

	magic := p.Magic
	if magic == nil {
		magic = dhcpv4.MagicCookie
	}
	copy(buf[dhcpv4.OffsetMagic:dhcpv4.OffsetOptions], magic)

	for _, opt := range p.Options {
		data := opt.Data
		if len(data) > 255 {
			data = data[:255]
		}
		buf = append(buf, byte(opt.Code), byte(len(data)))
		buf = append(buf, data...)
	}
	if !p.NoEnd {
		buf = append(buf, byte(dhcpv4.OptionEnd))
	}
	return append(buf, p.Trailer...)
}

func putIP(dst []byte, ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		copy(dst[:4], ip4)
	}
}
