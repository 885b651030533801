package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// runDecode decodes a single datagram read from path and writes it to out
// as indented JSON. It returns the process exit status: 0 on success, 1 if
// the input could not be read, 2 if it did not decode.
func runDecode(path string, hexInput, lenient bool, out, errOut io.Writer) int {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: reading %s: %v\n", path, err)
		return 1
	}

	if hexInput {
		if data, err = dhcpv4.ParseHexDump(string(data)); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return 1
		}
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelDebug}))
	decoder := dhcp.NewDecoder(logger, dhcp.WithLenientMagicCookie(lenient))

	msg, err := decoder.Decode(data)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		var de *dhcp.DecodeError
		if errors.As(err, &de) {
			fmt.Fprintf(errOut, "kind: %s, offset: %d\n", dhcp.KindName(err), de.Offset)
		}
		return 2
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msg); err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	return 0
}
