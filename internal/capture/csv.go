package capture

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeaders returns the CSV column headers for capture records.
var CSVHeaders = []string{
	"id", "timestamp", "event", "msg_type", "op", "xid", "mac", "client_id",
	"hostname", "vendor_class", "requested_ip", "ciaddr", "yiaddr", "giaddr",
	"src", "interface", "error_kind", "error", "size",
}

// WriteCSV writes capture records as CSV to the given writer. The full
// decoded message is omitted; use the JSON export for that.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeaders); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Timestamp,
			r.Event,
			r.MsgType,
			r.Op,
			r.XID,
			r.MAC,
			r.ClientID,
			r.Hostname,
			r.VendorClass,
			r.RequestedIP,
			r.CIAddr,
			r.YIAddr,
			r.GIAddr,
			r.Src,
			r.Interface,
			r.ErrorKind,
			r.Error,
			formatSize(r.Size),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatSize(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
