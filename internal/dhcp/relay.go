package dhcp

import (
	"unicode"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Relay agent information sub-options (RFC 3046).
const (
	relaySubCircuitID = 1
	relaySubRemoteID  = 2
)

// RelayInfo is the circuit and remote identity a relay agent attached to a
// request in option 82. Either may be empty.
type RelayInfo struct {
	CircuitID string
	RemoteID  string
}

// RelayInfoFromDatagram scans the option area of a raw datagram for option 82.
// Option 82 is not part of the decoded message, so the listener reads it from
// the datagram directly. ok is false when the option is absent or carries
// neither sub-option. The datagram is not retained.
func RelayInfoFromDatagram(data []byte) (info RelayInfo, ok bool) {
	payload := findOption(data, dhcpv4.OptionRelayAgentInfo)
	if payload == nil {
		return RelayInfo{}, false
	}
	for i := 0; i+2 <= len(payload); {
		sub, n := payload[i], int(payload[i+1])
		if i+2+n > len(payload) {
			break
		}
		val := payload[i+2 : i+2+n]
		switch sub {
		case relaySubCircuitID:
			info.CircuitID = relayIDString(val)
		case relaySubRemoteID:
			info.RemoteID = relayIDString(val)
		}
		i += 2 + n
	}
	return info, info.CircuitID != "" || info.RemoteID != ""
}

// findOption returns the payload of the first occurrence of code in the
// options field, or nil. A truncated option ends the scan.
func findOption(data []byte, code dhcpv4.OptionCode) []byte {
	for i := dhcpv4.OffsetOptions; i < len(data); {
		c := dhcpv4.OptionCode(data[i])
		if c == dhcpv4.OptionEnd {
			return nil
		}
		if c == dhcpv4.OptionPad {
			i++
			continue
		}
		if i+1 >= len(data) {
			return nil
		}
		n := int(data[i+1])
		if i+2+n > len(data) {
			return nil
		}
		if c == code {
			return data[i+2 : i+2+n]
		}
		i += 2 + n
	}
	return nil
}

// relayIDString renders printable identifiers as text and anything else
// as colon-separated hex, the way switches print them.
func relayIDString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	for _, c := range b {
		if c > unicode.MaxASCII || !unicode.IsPrint(rune(c)) {
			return dhcpv4.FormatHardwareAddress(b)
		}
	}
	return string(b)
}
