package syslog

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
)

// FormatMessage formats an event as space-separated key=value pairs.
func FormatMessage(evt events.Event) string {
	return formatKV(evt)
}

// FormatCEFMessage formats an event as CEF with the default device fields.
func FormatCEFMessage(evt events.Event) string {
	f := &Forwarder{cfg: withDefaults(config.SyslogConfig{})}
	return f.formatCEF(evt)
}

// kvValue quotes values that would break key=value parsing.
func kvValue(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}

func formatKV(evt events.Event) string {
	parts := []string{"event=" + string(evt.Type)}
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+kvValue(v))
		}
	}

	if src := evt.Source; src != nil {
		add("src", src.Addr)
		add("interface", src.Interface)
		add("circuit_id", src.CircuitID)
		add("remote_id", src.RemoteID)
	}

	if m := evt.Message; m != nil {
		add("msg_type", m.TypeLabel())
		add("xid", fmt.Sprintf("0x%08x", m.XID))
		add("mac", m.CHAddr.Address)
		if cid := m.ClientID(); cid != m.CHAddr.Address {
			add("client_id", cid)
		}
		add("hostname", m.Hostname())
		add("vendor_class", m.VendorClassID())
		if ip := m.RequestedIP(); ip != nil {
			add("requested_ip", ip.String())
		}
		if ip := m.ServerIdentifier(); ip != nil {
			add("server_id", ip.String())
		}
		if m.YIAddr != nil {
			add("yiaddr", m.YIAddr.String())
		}
		if m.GIAddr != nil {
			add("giaddr", m.GIAddr.String())
		}
	}

	if r := evt.Rejection; r != nil {
		add("error_kind", r.Kind)
		add("size", strconv.Itoa(r.Size))
		add("offset", strconv.Itoa(r.Offset))
		if r.Code != nil {
			add("option", strconv.Itoa(*r.Code))
		}
	}

	if fp := evt.Fingerprint; fp != nil {
		add("client_id", fp.ClientID)
		add("fingerprint", fp.Hash)
		add("prev_fingerprint", fp.PrevHash)
		add("vendor_class", fp.VendorClass)
		add("hostname", fp.Hostname)
	}

	if r := evt.Rogue; r != nil {
		add("rogue_server", r.ServerID)
		add("offered_ip", r.OfferedIP)
		add("client_mac", r.ClientMAC)
		add("msg_type", r.MsgType)
		parts = append(parts, fmt.Sprintf("count=%d", r.Count))
	}

	if a := evt.Anomaly; a != nil {
		add("segment", a.Segment)
		add("anomaly", a.Kind)
		parts = append(parts,
			fmt.Sprintf("score=%.2f", a.Score),
			fmt.Sprintf("rate=%.0f", a.Rate),
			fmt.Sprintf("baseline=%.2f", a.Baseline),
			fmt.Sprintf("new_clients=%d", a.NewClients))
	}

	if evt.Rejection == nil {
		add("reason", evt.Reason)
	} else {
		add("error", evt.Rejection.Error)
	}

	return strings.Join(parts, " ")
}

// formatCEF produces ArcSight Common Event Format messages.
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func (f *Forwarder) formatCEF(evt events.Event) string {
	var ext []string
	ext = append(ext, fmt.Sprintf("rt=%d", evt.Timestamp.UnixMilli()))
	add := func(k, v string) {
		if v != "" {
			ext = append(ext, k+"="+cefEscape(v))
		}
	}
	label := func(k, v, name string) {
		if v != "" {
			ext = append(ext, fmt.Sprintf("%s=%s %sLabel=%s", k, cefEscape(v), k, name))
		}
	}

	if src := evt.Source; src != nil {
		add("src", hostOnly(src.Addr))
		add("deviceInboundInterface", src.Interface)
	}

	if m := evt.Message; m != nil {
		add("smac", m.CHAddr.Address)
		add("shost", m.Hostname())
		label("cs1", m.TypeLabel(), "MessageType")
		label("cs2", m.ClientID(), "ClientID")
		label("cs3", m.VendorClassID(), "VendorClass")
		if ip := m.RequestedIP(); ip != nil {
			label("cs4", ip.String(), "RequestedIP")
		}
		if m.GIAddr != nil {
			label("cs5", m.GIAddr.String(), "RelayGateway")
		}
		ext = append(ext, fmt.Sprintf("cn1=%d cn1Label=TransactionID", m.XID))
	}

	if r := evt.Rejection; r != nil {
		label("cs1", r.Kind, "ErrorKind")
		ext = append(ext,
			fmt.Sprintf("cn1=%d cn1Label=DatagramSize", r.Size),
			fmt.Sprintf("cn2=%d cn2Label=ErrorOffset", r.Offset))
		if r.Code != nil {
			ext = append(ext, fmt.Sprintf("cn3=%d cn3Label=OptionCode", *r.Code))
		}
	}

	if fp := evt.Fingerprint; fp != nil {
		label("cs1", fp.Hash, "Fingerprint")
		label("cs2", fp.ClientID, "ClientID")
		label("cs3", fp.PrevHash, "PreviousFingerprint")
		label("cs4", fp.VendorClass, "VendorClass")
		add("shost", fp.Hostname)
	}

	if r := evt.Rogue; r != nil {
		add("src", r.ServerID)
		add("dst", r.OfferedIP)
		add("dmac", r.ClientMAC)
		label("cs1", r.MsgType, "MessageType")
		ext = append(ext, fmt.Sprintf("cn1=%d cn1Label=ReplyCount", r.Count))
	}

	if a := evt.Anomaly; a != nil {
		label("cs1", a.Segment, "Segment")
		label("cs2", a.Kind, "AnomalyKind")
		ext = append(ext,
			fmt.Sprintf("cfp1=%.2f cfp1Label=AnomalyScore", a.Score),
			fmt.Sprintf("cn1=%.0f cn1Label=RequestRate", a.Rate),
			fmt.Sprintf("cn2=%d cn2Label=NewClients", a.NewClients))
	}

	add("msg", evt.Reason)

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		cefHeaderEscape(f.cfg.CEFDeviceVendor),
		cefHeaderEscape(f.cfg.CEFDeviceProduct),
		cefHeaderEscape(f.cfg.CEFDeviceVersion),
		cefSignatureID(evt.Type),
		cefHeaderEscape(cefEventName(evt.Type)),
		cefSeverity(evt.Type),
		strings.Join(ext, " "),
	)
}

func formatJSON(evt events.Event) string {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Sprintf(`{"type":%q,"error":%q}`, evt.Type, err.Error())
	}
	return string(data)
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// --- CEF helpers ---

// cefEscape escapes an extension value.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// cefHeaderEscape escapes a header field.
func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `|`, `\|`)
	return s
}

func cefSignatureID(t events.EventType) string {
	switch t {
	case events.EventMessageReceived:
		return "100"
	case events.EventMessageRejected:
		return "101"
	case events.EventFingerprintNew:
		return "200"
	case events.EventFingerprintChanged:
		return "201"
	case events.EventRogueDetected:
		return "400"
	case events.EventRogueResolved:
		return "401"
	case events.EventAnomalyDetected:
		return "500"
	default:
		return "999"
	}
}

func cefEventName(t events.EventType) string {
	switch t {
	case events.EventMessageReceived:
		return "DHCP Message Received"
	case events.EventMessageRejected:
		return "Malformed DHCP Datagram"
	case events.EventFingerprintNew:
		return "New DHCP Client"
	case events.EventFingerprintChanged:
		return "DHCP Client Fingerprint Changed"
	case events.EventRogueDetected:
		return "Rogue DHCP Server Detected"
	case events.EventRogueResolved:
		return "Rogue DHCP Server Resolved"
	case events.EventAnomalyDetected:
		return "DHCP Traffic Anomaly"
	default:
		return string(t)
	}
}

// cefSeverity maps event types to CEF severity (0-10 scale).
func cefSeverity(t events.EventType) int {
	switch t {
	case events.EventRogueDetected:
		return 7
	case events.EventAnomalyDetected:
		return 5
	case events.EventFingerprintChanged:
		return 4
	case events.EventMessageRejected:
		return 3
	case events.EventRogueResolved, events.EventFingerprintNew:
		return 2
	default:
		return 1
	}
}

func eventSeverity(t events.EventType) int {
	switch t {
	case events.EventRogueDetected, events.EventAnomalyDetected:
		return SeverityWarning
	case events.EventFingerprintChanged, events.EventMessageRejected:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}
