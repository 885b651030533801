package dhcp

import (
	"errors"
	"fmt"

	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Decode failure kinds. Match with errors.Is.
var (
	ErrTruncatedMessage   = errors.New("truncated message")
	ErrLengthMismatch     = errors.New("option length mismatch")
	ErrInvalidMessageType = errors.New("invalid DHCP message type")
	ErrBadMagicCookie     = errors.New("bad magic cookie")
)

// DecodeError describes why a datagram could not be decoded.
// Code is only meaningful when HasCode is set (header failures have no option code).
type DecodeError struct {
	Kind    error
	Code    dhcpv4.OptionCode
	HasCode bool
	Offset  int
	Length  int
	Detail  string
	Err     error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.HasCode {
		name := "unknown"
		if def := lookupOption(e.Code); def != nil {
			name = def.Name
		}
		msg = fmt.Sprintf("%s: option %d (%s) length %d", msg, e.Code, name, e.Length)
	}
	msg = fmt.Sprintf("%s at offset %d", msg, e.Offset)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and any underlying read error.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// KindName returns a short label for metrics and events.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrTruncatedMessage):
		return "truncated"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrInvalidMessageType):
		return "invalid_message_type"
	case errors.Is(err, ErrBadMagicCookie):
		return "bad_magic_cookie"
	default:
		return "other"
	}
}

func truncated(offset int, err error) *DecodeError {
	return &DecodeError{Kind: ErrTruncatedMessage, Offset: offset, Err: err}
}

func optionError(kind error, code dhcpv4.OptionCode, offset, length int, detail string) *DecodeError {
	return &DecodeError{Kind: kind, Code: code, HasCode: true, Offset: offset, Length: length, Detail: detail}
}
