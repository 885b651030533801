package dhcp

import (
	"net"
	"testing"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp/dhcptest"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

func TestRelayInfoFromDatagram(t *testing.T) {
	tests := []struct {
		name    string
		opt82   []byte
		want    RelayInfo
		wantOK  bool
		omitOpt bool
	}{
		{
			name:   "text ids",
			opt82:  []byte{1, 5, 'G', 'i', '0', '/', '1', 2, 4, 's', 'w', '0', '1'},
			want:   RelayInfo{CircuitID: "Gi0/1", RemoteID: "sw01"},
			wantOK: true,
		},
		{
			name:   "binary remote id",
			opt82:  []byte{2, 6, 0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e},
			want:   RelayInfo{RemoteID: "00:1a:2b:3c:4d:5e"},
			wantOK: true,
		},
		{
			name:   "unknown sub-option only",
			opt82:  []byte{9, 2, 0xff, 0xff},
			wantOK: false,
		},
		{
			name:   "truncated sub-option keeps earlier ones",
			opt82:  []byte{1, 2, 'p', '1', 2, 9, 'x'},
			want:   RelayInfo{CircuitID: "p1"},
			wantOK: true,
		},
		{
			name:    "absent",
			omitOpt: true,
			wantOK:  false,
		},
	}
	mac := net.HardwareAddr{0x00, 0x0c, 0x29, 0x01, 0x02, 0x03}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := dhcptest.Discover(mac, 7)
			if !tt.omitOpt {
				p.With(dhcpv4.OptionRelayAgentInfo, tt.opt82...)
			}
			got, ok := RelayInfoFromDatagram(p.Bytes())
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRelayInfoShortDatagram(t *testing.T) {
	if _, ok := RelayInfoFromDatagram(make([]byte, 100)); ok {
		t.Error("short datagram should not report relay info")
	}
	// Option header cut off at the end of the buffer.
	data := append(make([]byte, dhcpv4.OffsetOptions), byte(dhcpv4.OptionRelayAgentInfo))
	if _, ok := RelayInfoFromDatagram(data); ok {
		t.Error("truncated option should not report relay info")
	}
}

func TestProcessDatagramAttachesRelayInfo(t *testing.T) {
	pub := newRecordingPublisher()
	srv := NewServer(NewDecoder(discardLogger()), pub, nil, "127.0.0.1:0", discardLogger())

	mac := net.HardwareAddr{0x00, 0x0c, 0x29, 0x01, 0x02, 0x03}
	p := dhcptest.Discover(mac, 8).With(dhcpv4.OptionRelayAgentInfo, 1, 3, 'e', 't', '1')
	p.GIAddr = net.IPv4(10, 1, 0, 1)
	srv.processDatagram(p.Bytes(), Source{Interface: "eth0"})

	r := pub.next(t)
	if r.msg == nil {
		t.Fatalf("datagram rejected: %v", r.err)
	}
	if r.src.Relay == nil || r.src.Relay.CircuitID != "et1" {
		t.Errorf("relay = %+v", r.src.Relay)
	}
	if r.msg.Options.Has(dhcpv4.OptionRelayAgentInfo) {
		t.Error("option 82 should not appear in decoded options")
	}

	// Without a gateway address the option is ignored.
	p.GIAddr = nil
	srv.processDatagram(p.Bytes(), Source{})
	if r := pub.next(t); r.src.Relay != nil {
		t.Errorf("unrelayed message got relay info %+v", r.src.Relay)
	}
}
