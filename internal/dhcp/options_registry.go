package dhcp

import (
	"fmt"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// ValueShape is the decoded form of an option value.
type ValueShape int

const (
	ShapeIP            ValueShape = iota // Single IPv4 address (4 bytes)
	ShapeIPList                          // Multiple IPv4 addresses (N*4 bytes)
	ShapeUint8                           // Single byte
	ShapeUint16                          // 2 bytes big-endian
	ShapeUint32                          // 4 bytes big-endian
	ShapeString                          // Variable-length ASCII
	ShapeVendorOptions                   // Nested sub-code/sub-length TLVs
	ShapeCodeList                        // One option code per byte
	ShapeMessageType                     // DHCP message type 1..8
	ShapeHardwareAddr                    // Hardware type byte + address bytes
	ShapeFQDN                            // RFC 4702 flags, rcodes, name
)

// OptionDef describes how one option code is validated and decoded.
// Exact, Multiple and MinLen are checked in that order; zero disables a check.
type OptionDef struct {
	Code     dhcpv4.OptionCode
	Name     string
	Shape    ValueShape
	Exact    int
	Multiple int
	MinLen   int
}

// optionRegistry maps the option codes this decoder understands to their
// definitions. Codes missing here are logged and skipped.
var optionRegistry = map[dhcpv4.OptionCode]OptionDef{
	dhcpv4.OptionSubnetMask:           {Code: 1, Name: "subnetMask", Shape: ShapeIP, Exact: 4},
	dhcpv4.OptionTimeOffset:           {Code: 2, Name: "timeOffset", Shape: ShapeUint32, Exact: 4},
	dhcpv4.OptionRouter:               {Code: 3, Name: "routerOption", Shape: ShapeIPList, Multiple: 4},
	dhcpv4.OptionDomainNameServer:     {Code: 6, Name: "domainNameServerOption", Shape: ShapeIPList, Multiple: 4},
	dhcpv4.OptionHostname:             {Code: 12, Name: "hostName", Shape: ShapeString},
	dhcpv4.OptionDomainName:           {Code: 15, Name: "domainName", Shape: ShapeString},
	dhcpv4.OptionVendorSpecific:       {Code: 43, Name: "vendorOptions", Shape: ShapeVendorOptions},
	dhcpv4.OptionRequestedIP:          {Code: 50, Name: "requestedIpAddress", Shape: ShapeIP, Exact: 4},
	dhcpv4.OptionIPLeaseTime:          {Code: 51, Name: "ipAddressLeaseTime", Shape: ShapeUint32, Exact: 4},
	dhcpv4.OptionOverload:             {Code: 52, Name: "optionOverload", Shape: ShapeUint8, Exact: 1},
	dhcpv4.OptionDHCPMessageType:      {Code: 53, Name: "dhcpMessageType", Shape: ShapeMessageType, Exact: 1},
	dhcpv4.OptionServerIdentifier:     {Code: 54, Name: "serverIdentifier", Shape: ShapeIP, Exact: 4},
	dhcpv4.OptionParameterRequestList: {Code: 55, Name: "parameterRequestList", Shape: ShapeCodeList},
	dhcpv4.OptionMaxDHCPMessageSize:   {Code: 57, Name: "maximumMessageSize", Shape: ShapeUint16, Exact: 2},
	dhcpv4.OptionVendorClassID:        {Code: 60, Name: "vendorClassIdentifier", Shape: ShapeString},
	dhcpv4.OptionClientIdentifier:     {Code: 61, Name: "clientIdentifier", Shape: ShapeHardwareAddr, MinLen: 1},
	dhcpv4.OptionClientFQDN:           {Code: 81, Name: "fullyQualifiedDomainName", Shape: ShapeFQDN},
}

// GetOptionDef returns the definition for an option code, or nil if unknown.
func GetOptionDef(code dhcpv4.OptionCode) *OptionDef {
	return lookupOption(code)
}

func lookupOption(code dhcpv4.OptionCode) *OptionDef {
	def, ok := optionRegistry[code]
	if !ok {
		return nil
	}
	return &def
}

// OptionName returns the registry name for code, or "option<N>" when unknown.
func OptionName(code dhcpv4.OptionCode) string {
	if def := lookupOption(code); def != nil {
		return def.Name
	}
	return fmt.Sprintf("option%d", code)
}

// checkLength returns a non-empty reason when n violates the definition.
func (d *OptionDef) checkLength(n int) string {
	if d.Exact > 0 && n != d.Exact {
		return fmt.Sprintf("expected %d bytes", d.Exact)
	}
	if d.Multiple > 0 && n%d.Multiple != 0 {
		return fmt.Sprintf("length must be a multiple of %d", d.Multiple)
	}
	if n < d.MinLen {
		return fmt.Sprintf("expected at least %d bytes", d.MinLen)
	}
	return ""
}

// decode converts a length-checked value slice into the shape's Go type.
func (d *OptionDef) decode(data []byte) (any, error) {
	fn, ok := shapeDecoders[d.Shape]
	if !ok {
		return nil, fmt.Errorf("no decoder for shape %d", d.Shape)
	}
	return fn(data)
}
