// Package dhcpv4 provides constants and field readers for BOOTP/DHCPv4 messages.
package dhcpv4

import "fmt"

// DHCP Message Types (RFC 2131 §9.6)
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1 // DHCPDISCOVER
	MessageTypeOffer    MessageType = 2 // DHCPOFFER
	MessageTypeRequest  MessageType = 3 // DHCPREQUEST
	MessageTypeDecline  MessageType = 4 // DHCPDECLINE
	MessageTypeAck      MessageType = 5 // DHCPACK
	MessageTypeNak      MessageType = 6 // DHCPNAK
	MessageTypeRelease  MessageType = 7 // DHCPRELEASE
	MessageTypeInform   MessageType = 8 // DHCPINFORM
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeDecline:
		return "DHCPDECLINE"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	case MessageTypeInform:
		return "DHCPINFORM"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether m is one of the eight RFC 2132 message types.
func (m MessageType) Valid() bool {
	return m >= MessageTypeDiscover && m <= MessageTypeInform
}

// MarshalText renders the symbolic name.
func (m MessageType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// DHCP Op Codes (RFC 2131 §2)
type OpCode byte

const (
	OpCodeBootRequest OpCode = 1 // BOOTREQUEST
	OpCodeBootReply   OpCode = 2 // BOOTREPLY
)

func (o OpCode) String() string {
	switch o {
	case OpCodeBootRequest:
		return "BOOTREQUEST"
	case OpCodeBootReply:
		return "BOOTREPLY"
	default:
		return fmt.Sprintf("OP(%d)", byte(o))
	}
}

// MarshalText renders the symbolic name.
func (o OpCode) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Hardware Types (RFC 1700, IANA ARP parameters)
type HardwareType byte

const (
	HardwareTypeEthernet     HardwareType = 1
	HardwareTypeExpEthernet  HardwareType = 2
	HardwareTypeAX25         HardwareType = 3
	HardwareTypeProNET       HardwareType = 4
	HardwareTypeChaos        HardwareType = 5
	HardwareTypeIEEE802      HardwareType = 6
	HardwareTypeARCNET       HardwareType = 7
	HardwareTypeHyperchannel HardwareType = 8
	HardwareTypeLanstar      HardwareType = 9
	HardwareTypeAutonet      HardwareType = 10
	HardwareTypeLocalTalk    HardwareType = 11
	HardwareTypeLocalNet     HardwareType = 12
	HardwareTypeUltraLink    HardwareType = 13
	HardwareTypeSMDS         HardwareType = 14
	HardwareTypeFrameRelay   HardwareType = 15
	HardwareTypeATM          HardwareType = 16
	HardwareTypeHDLC         HardwareType = 17
	HardwareTypeFibreChannel HardwareType = 18
	HardwareTypeATM2         HardwareType = 19
	HardwareTypeSerialLine   HardwareType = 20
	HardwareTypeATM3         HardwareType = 21
	HardwareTypeMILSTD188220 HardwareType = 22
	HardwareTypeMetricom     HardwareType = 23
	HardwareTypeIEEE1394     HardwareType = 24
	HardwareTypeMAPOS        HardwareType = 25
	HardwareTypeTwinaxial    HardwareType = 26
	HardwareTypeEUI64        HardwareType = 27
	HardwareTypeHIPARP       HardwareType = 28
	HardwareTypeISO7816      HardwareType = 29
	HardwareTypeARPSec       HardwareType = 30
	HardwareTypeIPsecTunnel  HardwareType = 31
	HardwareTypeInfiniBand   HardwareType = 32
	HardwareTypeCAI          HardwareType = 33
	HardwareTypeWiegand      HardwareType = 34
	HardwareTypePureIP       HardwareType = 35
)

var hardwareTypeNames = map[HardwareType]string{
	HardwareTypeEthernet:     "Ethernet",
	HardwareTypeExpEthernet:  "Experimental Ethernet",
	HardwareTypeAX25:         "AX.25",
	HardwareTypeProNET:       "ProNET Token Ring",
	HardwareTypeChaos:        "Chaos",
	HardwareTypeIEEE802:      "IEEE 802",
	HardwareTypeARCNET:       "ARCNET",
	HardwareTypeHyperchannel: "Hyperchannel",
	HardwareTypeLanstar:      "Lanstar",
	HardwareTypeAutonet:      "Autonet Short Address",
	HardwareTypeLocalTalk:    "LocalTalk",
	HardwareTypeLocalNet:     "LocalNet",
	HardwareTypeUltraLink:    "Ultra link",
	HardwareTypeSMDS:         "SMDS",
	HardwareTypeFrameRelay:   "Frame Relay",
	HardwareTypeATM:          "ATM",
	HardwareTypeHDLC:         "HDLC",
	HardwareTypeFibreChannel: "Fibre Channel",
	HardwareTypeATM2:         "ATM",
	HardwareTypeSerialLine:   "Serial Line",
	HardwareTypeATM3:         "ATM",
	HardwareTypeMILSTD188220: "MIL-STD-188-220",
	HardwareTypeMetricom:     "Metricom",
	HardwareTypeIEEE1394:     "IEEE 1394.1995",
	HardwareTypeMAPOS:        "MAPOS",
	HardwareTypeTwinaxial:    "Twinaxial",
	HardwareTypeEUI64:        "EUI-64",
	HardwareTypeHIPARP:       "HIPARP",
	HardwareTypeISO7816:      "IP and ARP over ISO 7816-3",
	HardwareTypeARPSec:       "ARPSec",
	HardwareTypeIPsecTunnel:  "IPsec tunnel",
	HardwareTypeInfiniBand:   "InfiniBand",
	HardwareTypeCAI:          "TIA-102 Project 25 Common Air Interface",
	HardwareTypeWiegand:      "Wiegand Interface",
	HardwareTypePureIP:       "Pure IP",
}

func (h HardwareType) String() string {
	if name, ok := hardwareTypeNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HTYPE(%d)", byte(h))
}

// MarshalText renders the symbolic name.
func (h HardwareType) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// DHCP Option Codes (RFC 2132 and extensions)
type OptionCode byte

const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionTimeOffset           OptionCode = 2
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostname             OptionCode = 12
	OptionDomainName           OptionCode = 15
	OptionVendorSpecific       OptionCode = 43
	OptionRequestedIP          OptionCode = 50
	OptionIPLeaseTime          OptionCode = 51
	OptionOverload             OptionCode = 52
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMaxDHCPMessageSize   OptionCode = 57
	OptionVendorClassID        OptionCode = 60
	OptionClientIdentifier     OptionCode = 61
	OptionClientFQDN           OptionCode = 81
	OptionRelayAgentInfo       OptionCode = 82
	OptionEnd                  OptionCode = 255
)

// Fixed header layout (RFC 2131 §2). Offsets are from the start of the datagram.
const (
	OffsetOp      = 0
	OffsetHType   = 1
	OffsetHLen    = 2
	OffsetHops    = 3
	OffsetXID     = 4
	OffsetSecs    = 8
	OffsetFlags   = 10
	OffsetCIAddr  = 12
	OffsetYIAddr  = 16
	OffsetSIAddr  = 20
	OffsetGIAddr  = 24
	OffsetCHAddr  = 28
	OffsetSName   = 44
	OffsetFile    = 108
	OffsetMagic   = 236
	OffsetOptions = 240
)

// HeaderSize is the fixed BOOTP header plus the magic cookie.
const HeaderSize = OffsetOptions

// MaxPacketSize bounds receive buffers (Ethernet MTU).
const MaxPacketSize = 1500

// DHCP Ports
const (
	ServerPort = 67
	ClientPort = 68
)

// DHCP Magic Cookie (RFC 2131 §3)
const MagicCookieValue uint32 = 0x63825363

var MagicCookie = []byte{99, 130, 83, 99}

// BroadcastFlag is bit 0 of the flags field.
const BroadcastFlag uint16 = 0x8000
