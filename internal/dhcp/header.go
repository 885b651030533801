package dhcp

import (
	"net"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// header is the fixed BOOTP portion of a message, bytes [0,240).
type header struct {
	op     dhcpv4.OpCode
	htype  dhcpv4.HardwareType
	hlen   byte
	hops   byte
	xid    uint32
	secs   uint16
	flags  uint16
	ciaddr net.IP
	yiaddr net.IP
	siaddr net.IP
	giaddr net.IP
	chaddr string
	sname  string
	file   string
	magic  uint32
}

// headerReader records the first read failure so decodeHeader can read
// every field positionally and check once.
type headerReader struct {
	data []byte
	err  *DecodeError
}

func (r *headerReader) fail(off int, err error) {
	if r.err == nil {
		r.err = truncated(off, err)
	}
}

func (r *headerReader) u8(off int) byte {
	v, err := dhcpv4.ReadUint8(r.data, off)
	if err != nil {
		r.fail(off, err)
	}
	return v
}

func (r *headerReader) u16(off int) uint16 {
	v, err := dhcpv4.ReadUint16(r.data, off)
	if err != nil {
		r.fail(off, err)
	}
	return v
}

func (r *headerReader) u32(off int) uint32 {
	v, err := dhcpv4.ReadUint32(r.data, off)
	if err != nil {
		r.fail(off, err)
	}
	return v
}

func (r *headerReader) ip(off int) net.IP {
	v, err := dhcpv4.ReadIPv4(r.data, off)
	if err != nil {
		r.fail(off, err)
	}
	return v
}

func (r *headerReader) ascii(start, end int) string {
	v, err := dhcpv4.ReadFixedASCII(r.data, start, end)
	if err != nil {
		r.fail(start, err)
	}
	return v
}

func (r *headerReader) hex(off, n int) string {
	v, err := dhcpv4.ReadHexAddress(r.data, off, n)
	if err != nil {
		r.fail(off, err)
	}
	return v
}

// decodeHeader reads the fixed fields. Layout per RFC 2131 section 2.
// The hardware address spans [28, 28+hlen) even when hlen exceeds the
// 16-byte chaddr field.
func decodeHeader(data []byte) (header, error) {
	if len(data) < dhcpv4.HeaderSize {
		return header{}, &DecodeError{
			Kind:   ErrTruncatedMessage,
			Offset: len(data),
			Detail: "message shorter than 240 bytes",
			Err:    dhcpv4.ErrOutOfBounds,
		}
	}

	r := &headerReader{data: data}
	h := header{
		op:     dhcpv4.OpCode(r.u8(dhcpv4.OffsetOp)),
		htype:  dhcpv4.HardwareType(r.u8(dhcpv4.OffsetHType)),
		hlen:   r.u8(dhcpv4.OffsetHLen),
		hops:   r.u8(dhcpv4.OffsetHops),
		xid:    r.u32(dhcpv4.OffsetXID),
		secs:   r.u16(dhcpv4.OffsetSecs),
		flags:  r.u16(dhcpv4.OffsetFlags),
		ciaddr: r.ip(dhcpv4.OffsetCIAddr),
		yiaddr: r.ip(dhcpv4.OffsetYIAddr),
		siaddr: r.ip(dhcpv4.OffsetSIAddr),
		giaddr: r.ip(dhcpv4.OffsetGIAddr),
		sname:  r.ascii(dhcpv4.OffsetSName, dhcpv4.OffsetFile),
		file:   r.ascii(dhcpv4.OffsetFile, dhcpv4.OffsetMagic),
		magic:  r.u32(dhcpv4.OffsetMagic),
	}
	h.chaddr = r.hex(dhcpv4.OffsetCHAddr, int(h.hlen))

	if r.err != nil {
		return header{}, r.err
	}
	return h, nil
}
