package dhcpv4

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrOutOfBounds is returned when a read would run past the end of the buffer.
var ErrOutOfBounds = errors.New("read out of bounds")

func checkBounds(buf []byte, off, width int) error {
	if off < 0 || width < 0 || off+width > len(buf) {
		return fmt.Errorf("%w: %d bytes at offset %d, buffer is %d bytes", ErrOutOfBounds, width, off, len(buf))
	}
	return nil
}

// ReadUint8 reads one byte at off.
func ReadUint8(buf []byte, off int) (uint8, error) {
	if err := checkBounds(buf, off, 1); err != nil {
		return 0, err
	}
	return buf[off], nil
}

// ReadUint16 reads a big-endian uint16 at off.
func ReadUint16(buf []byte, off int) (uint16, error) {
	if err := checkBounds(buf, off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[off : off+2]), nil
}

// ReadUint32 reads a big-endian uint32 at off.
func ReadUint32(buf []byte, off int) (uint32, error) {
	if err := checkBounds(buf, off, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), nil
}

// ReadIPv4 reads a header address field. An all-zero address is absent and
// returns nil.
func ReadIPv4(buf []byte, off int) (net.IP, error) {
	ip, err := ReadIPv4Raw(buf, off)
	if err != nil {
		return nil, err
	}
	if ip.Equal(net.IPv4zero) {
		return nil, nil
	}
	return ip, nil
}

// ReadIPv4Raw reads 4 bytes as an address without the absent check.
// Option-encoded addresses always use this form.
func ReadIPv4Raw(buf []byte, off int) (net.IP, error) {
	if err := checkBounds(buf, off, 4); err != nil {
		return nil, err
	}
	ip := make(net.IP, 4)
	copy(ip, buf[off:off+4])
	return ip, nil
}

// ReadFixedASCII reads buf[start:end] and truncates at the first NUL.
func ReadFixedASCII(buf []byte, start, end int) (string, error) {
	if err := checkBounds(buf, start, end-start); err != nil {
		return "", err
	}
	return TrimNulls(buf[start:end]), nil
}

// TrimNulls returns b up to (not including) its first NUL byte.
func TrimNulls(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ReadHexAddress reads n bytes at off and formats them with FormatHardwareAddress.
func ReadHexAddress(buf []byte, off, n int) (string, error) {
	if err := checkBounds(buf, off, n); err != nil {
		return "", err
	}
	return FormatHardwareAddress(buf[off : off+n]), nil
}

// FormatHardwareAddress formats bytes as lowercase colon-separated hex.
// Unlike net.HardwareAddr.String it accepts any length.
func FormatHardwareAddress(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}

// IPListToStrings renders addresses for logs and JSON records.
func IPListToStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}

// ParseHexDump decodes a datagram written as hex text. Whitespace, colons
// and a leading 0x are ignored, so tcpdump -xx style and colon-separated
// dumps both parse.
func ParseHexDump(text string) ([]byte, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "0x")
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, text)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("parsing hex dump: %w", err)
	}
	return b, nil
}
