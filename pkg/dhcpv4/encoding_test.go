package dhcpv4

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestReadUintBigEndian(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56, 0x78, 0x9A}

	u8, err := ReadUint8(buf, 4)
	if err != nil || u8 != 0x9A {
		t.Errorf("ReadUint8 = 0x%02X, %v; want 0x9A", u8, err)
	}
	u16, err := ReadUint16(buf, 1)
	if err != nil || u16 != 0x3456 {
		t.Errorf("ReadUint16 = 0x%04X, %v; want 0x3456", u16, err)
	}
	u32, err := ReadUint32(buf, 0)
	if err != nil || u32 != 0x12345678 {
		t.Errorf("ReadUint32 = 0x%08X, %v; want 0x12345678", u32, err)
	}
}

func TestReadOutOfBounds(t *testing.T) {
	buf := []byte{1, 2, 3, 4}

	tests := []struct {
		name string
		read func() error
	}{
		{"uint8 past end", func() error { _, err := ReadUint8(buf, 4); return err }},
		{"uint16 straddling end", func() error { _, err := ReadUint16(buf, 3); return err }},
		{"uint32 straddling end", func() error { _, err := ReadUint32(buf, 1); return err }},
		{"negative offset", func() error { _, err := ReadUint8(buf, -1); return err }},
		{"ipv4 past end", func() error { _, err := ReadIPv4Raw(buf, 2); return err }},
		{"ascii past end", func() error { _, err := ReadFixedASCII(buf, 2, 8); return err }},
		{"hex past end", func() error { _, err := ReadHexAddress(buf, 0, 5); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.read(); !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("error = %v, want ErrOutOfBounds", err)
			}
		})
	}
}

func TestReadIPv4(t *testing.T) {
	buf := []byte{192, 168, 1, 10, 0, 0, 0, 0, 0, 0, 0, 1}

	ip, err := ReadIPv4(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "192.168.1.10" {
		t.Errorf("ReadIPv4 = %s, want 192.168.1.10", ip)
	}

	ip, err = ReadIPv4(buf, 4)
	if err != nil {
		t.Fatal(err)
	}
	if ip != nil {
		t.Errorf("ReadIPv4 of zero address = %s, want absent", ip)
	}

	// Only an all-zero address is absent.
	ip, err = ReadIPv4(buf, 8)
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "0.0.0.1" {
		t.Errorf("ReadIPv4 = %v, want 0.0.0.1", ip)
	}
}

func TestReadIPv4RawKeepsZero(t *testing.T) {
	ip, err := ReadIPv4Raw([]byte{0, 0, 0, 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.IPv4zero) {
		t.Errorf("ReadIPv4Raw = %v, want 0.0.0.0", ip)
	}
}

func TestReadFixedASCII(t *testing.T) {
	field := make([]byte, 64)
	copy(field, "host")
	copy(field[10:], "garbage")

	got, err := ReadFixedASCII(field, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if got != "host" {
		t.Errorf("ReadFixedASCII = %q, want %q", got, "host")
	}

	full := []byte("abcd")
	got, err = ReadFixedASCII(full, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcd" {
		t.Errorf("ReadFixedASCII without NUL = %q, want %q", got, "abcd")
	}

	empty := make([]byte, 8)
	if got, _ := ReadFixedASCII(empty, 0, 8); got != "" {
		t.Errorf("ReadFixedASCII of zeroed field = %q, want empty", got)
	}
}

func TestFormatHardwareAddress(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte{0x00, 0x0c, 0x29, 0xAB, 0xCD, 0xEF}, "00:0c:29:ab:cd:ef"},
		{[]byte{0xff}, "ff"},
		{[]byte{}, ""},
		{[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, "01:02:03:04:05:06:07:08:09:0a:0b:0c:0d:0e:0f:10"},
	}
	for _, tt := range tests {
		if got := FormatHardwareAddress(tt.in); got != tt.want {
			t.Errorf("FormatHardwareAddress(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadHexAddress(t *testing.T) {
	buf := []byte{0xAA, 0x00, 0x0c, 0x29, 0xAB, 0xCD, 0xEF, 0xBB}
	got, err := ReadHexAddress(buf, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if got != "00:0c:29:ab:cd:ef" {
		t.Errorf("ReadHexAddress = %q", got)
	}
}

func TestIPListToStrings(t *testing.T) {
	got := IPListToStrings([]net.IP{net.IPv4(10, 0, 0, 1).To4(), net.IPv4(10, 0, 0, 2).To4()})
	if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "10.0.0.2" {
		t.Errorf("IPListToStrings = %v", got)
	}
}

func TestParseHexDump(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"01020304", []byte{1, 2, 3, 4}, false},
		{"0x0102 0304\n", []byte{1, 2, 3, 4}, false},
		{"01:02:03:04", []byte{1, 2, 3, 4}, false},
		{"  63 82\t53 63 ", MagicCookie, false},
		{"", []byte{}, false},
		{"012", nil, true},
		{"zz", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseHexDump(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHexDump(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !bytes.Equal(got, tt.want) {
			t.Errorf("ParseHexDump(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
