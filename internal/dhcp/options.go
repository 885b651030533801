package dhcp

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Options holds decoded option values keyed by option code. The zero value
// is an empty set. Options is never modified after decoding.
type Options struct {
	values map[dhcpv4.OptionCode]any
}

// VendorOptions maps option 43 sub-codes to their opaque payloads.
type VendorOptions map[uint8][]byte

// HardwareAddress pairs a hardware type with a colon-hex address.
type HardwareAddress struct {
	Type    dhcpv4.HardwareType `json:"type"`
	Address string              `json:"address"`
}

func (h HardwareAddress) String() string {
	return h.Address
}

// FQDN is the client FQDN option (RFC 4702). Name is the raw text after the
// flags and rcode bytes; Domain is the canonical lowercase form, empty when
// Name does not parse as a domain.
type FQDN struct {
	Flags  uint8  `json:"flags"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// Get returns the decoded value for code.
func (o Options) Get(code dhcpv4.OptionCode) (any, bool) {
	v, ok := o.values[code]
	return v, ok
}

// Has returns true if the option is present.
func (o Options) Has(code dhcpv4.OptionCode) bool {
	_, ok := o.values[code]
	return ok
}

// Len returns the number of decoded options.
func (o Options) Len() int {
	return len(o.values)
}

// Codes returns the present option codes in ascending order.
func (o Options) Codes() []dhcpv4.OptionCode {
	codes := make([]dhcpv4.OptionCode, 0, len(o.values))
	for c := range o.values {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// IP returns a single-address option.
func (o Options) IP(code dhcpv4.OptionCode) net.IP {
	if ip, ok := o.values[code].(net.IP); ok {
		return cloneIP(ip)
	}
	return nil
}

// IPList returns an address-list option.
func (o Options) IPList(code dhcpv4.OptionCode) []net.IP {
	ips, ok := o.values[code].([]net.IP)
	if !ok {
		return nil
	}
	out := make([]net.IP, len(ips))
	for i, ip := range ips {
		out[i] = cloneIP(ip)
	}
	return out
}

// String returns a text option, or "" when absent.
func (o Options) String(code dhcpv4.OptionCode) string {
	s, _ := o.values[code].(string)
	return s
}

// Uint32 returns a 32-bit option.
func (o Options) Uint32(code dhcpv4.OptionCode) (uint32, bool) {
	v, ok := o.values[code].(uint32)
	return v, ok
}

// Uint16 returns a 16-bit option.
func (o Options) Uint16(code dhcpv4.OptionCode) (uint16, bool) {
	v, ok := o.values[code].(uint16)
	return v, ok
}

// Uint8 returns an 8-bit option.
func (o Options) Uint8(code dhcpv4.OptionCode) (uint8, bool) {
	v, ok := o.values[code].(uint8)
	return v, ok
}

// MessageType returns option 53.
func (o Options) MessageType() (dhcpv4.MessageType, bool) {
	v, ok := o.values[dhcpv4.OptionDHCPMessageType].(dhcpv4.MessageType)
	return v, ok
}

// ParameterRequestList returns option 55 in wire order.
func (o Options) ParameterRequestList() []dhcpv4.OptionCode {
	codes, ok := o.values[dhcpv4.OptionParameterRequestList].([]dhcpv4.OptionCode)
	if !ok {
		return nil
	}
	return append([]dhcpv4.OptionCode(nil), codes...)
}

// VendorOptions returns option 43.
func (o Options) VendorOptions() VendorOptions {
	vo, ok := o.values[dhcpv4.OptionVendorSpecific].(VendorOptions)
	if !ok {
		return nil
	}
	out := make(VendorOptions, len(vo))
	for k, v := range vo {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// ClientIdentifier returns option 61.
func (o Options) ClientIdentifier() (HardwareAddress, bool) {
	v, ok := o.values[dhcpv4.OptionClientIdentifier].(HardwareAddress)
	return v, ok
}

// FQDN returns option 81.
func (o Options) FQDN() (FQDN, bool) {
	v, ok := o.values[dhcpv4.OptionClientFQDN].(FQDN)
	return v, ok
}

// MarshalJSON renders options as an object keyed by option name.
func (o Options) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.values))
	for code, v := range o.values {
		out[OptionName(code)] = jsonValue(v)
	}
	return json.Marshal(out)
}

func jsonValue(v any) any {
	switch val := v.(type) {
	case net.IP:
		return val.String()
	case []net.IP:
		return dhcpv4.IPListToStrings(val)
	case []dhcpv4.OptionCode:
		codes := make([]int, len(val))
		for i, c := range val {
			codes[i] = int(c)
		}
		return codes
	case VendorOptions:
		m := make(map[string]string, len(val))
		for k, b := range val {
			m[strconv.Itoa(int(k))] = hex.EncodeToString(b)
		}
		return m
	default:
		return val
	}
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

// optionsBuilder accumulates decoded entries; build freezes them. A code
// seen twice keeps its last value.
type optionsBuilder struct {
	entries []optionEntry
}

type optionEntry struct {
	code  dhcpv4.OptionCode
	value any
}

func (b *optionsBuilder) add(code dhcpv4.OptionCode, value any) {
	b.entries = append(b.entries, optionEntry{code: code, value: value})
}

func (b *optionsBuilder) build() Options {
	values := make(map[dhcpv4.OptionCode]any, len(b.entries))
	for _, e := range b.entries {
		values[e.code] = e.value
	}
	return Options{values: values}
}

// valueError is returned by shape decoders and carries the failure kind.
type valueError struct {
	kind   error
	detail string
}

func (e *valueError) Error() string {
	return e.kind.Error() + ": " + e.detail
}

var shapeDecoders = map[ValueShape]func(data []byte) (any, error){
	ShapeIP: func(data []byte) (any, error) {
		return dhcpv4.ReadIPv4Raw(data, 0)
	},
	ShapeIPList: func(data []byte) (any, error) {
		ips := make([]net.IP, 0, len(data)/4)
		for i := 0; i < len(data); i += 4 {
			ip, err := dhcpv4.ReadIPv4Raw(data, i)
			if err != nil {
				return nil, err
			}
			ips = append(ips, ip)
		}
		return ips, nil
	},
	ShapeUint8: func(data []byte) (any, error) {
		return dhcpv4.ReadUint8(data, 0)
	},
	ShapeUint16: func(data []byte) (any, error) {
		return dhcpv4.ReadUint16(data, 0)
	},
	ShapeUint32: func(data []byte) (any, error) {
		return dhcpv4.ReadUint32(data, 0)
	},
	// String options are cut at the first NUL like the header's sname and
	// file fields; trailing padding from embedded clients is not kept.
	ShapeString: func(data []byte) (any, error) {
		return dhcpv4.TrimNulls(data), nil
	},
	ShapeVendorOptions: decodeVendorOptions,
	ShapeCodeList: func(data []byte) (any, error) {
		codes := make([]dhcpv4.OptionCode, len(data))
		for i, b := range data {
			codes[i] = dhcpv4.OptionCode(b)
		}
		return codes, nil
	},
	ShapeMessageType: func(data []byte) (any, error) {
		mt := dhcpv4.MessageType(data[0])
		if !mt.Valid() {
			return nil, &valueError{kind: ErrInvalidMessageType, detail: fmt.Sprintf("value %d outside [1,8]", data[0])}
		}
		return mt, nil
	},
	ShapeHardwareAddr: func(data []byte) (any, error) {
		return HardwareAddress{
			Type:    dhcpv4.HardwareType(data[0]),
			Address: dhcpv4.FormatHardwareAddress(data[1:]),
		}, nil
	},
	ShapeFQDN: decodeFQDN,
}

// decodeVendorOptions splits option 43 into sub-options. The sub-options
// must tile the value exactly.
func decodeVendorOptions(data []byte) (any, error) {
	vo := make(VendorOptions)
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, &valueError{kind: ErrLengthMismatch, detail: fmt.Sprintf("vendor sub-option header truncated at offset %d", i)}
		}
		sub := data[i]
		subLen := int(data[i+1])
		i += 2
		if i+subLen > len(data) {
			return nil, &valueError{kind: ErrLengthMismatch, detail: fmt.Sprintf("vendor sub-option %d needs %d bytes, have %d", sub, subLen, len(data)-i)}
		}
		vo[sub] = append([]byte(nil), data[i:i+subLen]...)
		i += subLen
	}
	return vo, nil
}

// decodeOptions scans data[start:] as a TLV stream. Pad and end are
// sentinels; unknown codes are logged and skipped by their declared length.
func (d *Decoder) decodeOptions(data []byte, start int) (Options, error) {
	var b optionsBuilder
	off := start
	for off < len(data) {
		optStart := off
		code := dhcpv4.OptionCode(data[off])
		off++

		// Pad option (RFC 2132 §3.1)
		if code == dhcpv4.OptionPad {
			continue
		}

		// End option (RFC 2132 §3.2)
		if code == dhcpv4.OptionEnd {
			break
		}

		n, err := dhcpv4.ReadUint8(data, off)
		if err != nil {
			de := truncated(optStart, err)
			de.Code, de.HasCode = code, true
			de.Detail = "no length byte"
			return Options{}, de
		}
		length := int(n)
		off++

		def := lookupOption(code)
		if def == nil {
			d.logger.Debug("Unhandled DHCP option",
				"option", fmt.Sprintf("%d/%db", code, length),
				"offset", optStart)
			metrics.UnhandledOptions.WithLabelValues(strconv.Itoa(int(code))).Inc()
			off += length
			continue
		}

		if reason := def.checkLength(length); reason != "" {
			return Options{}, optionError(ErrLengthMismatch, code, optStart, length, reason)
		}
		if off+length > len(data) {
			de := optionError(ErrTruncatedMessage, code, optStart, length,
				fmt.Sprintf("value needs %d bytes, have %d", length, len(data)-off))
			de.Err = dhcpv4.ErrOutOfBounds
			return Options{}, de
		}

		value, err := def.decode(data[off : off+length])
		if err != nil {
			var ve *valueError
			if errors.As(err, &ve) {
				return Options{}, optionError(ve.kind, code, optStart, length, ve.detail)
			}
			return Options{}, optionError(ErrLengthMismatch, code, optStart, length, err.Error())
		}
		b.add(code, value)
		off += length
	}
	return b.build(), nil
}
