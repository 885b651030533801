// Package macvendor maps MAC addresses to vendor names using an OUI
// database loaded from disk. Both the macdb.json layout and the IEEE
// registry CSV exports (MA-L, MA-M, MA-S) are accepted.
package macvendor

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Entry represents a single MAC vendor database record.
type Entry struct {
	MacPrefix  string `json:"macPrefix"`
	VendorName string `json:"vendorName"`
	Private    bool   `json:"private"`
	BlockType  string `json:"blockType"`
}

// DB is the in-memory MAC vendor database.
type DB struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	vendors map[string]string // normalized prefix -> vendor name
}

// NewDB creates a new empty MAC vendor database.
func NewDB(logger *slog.Logger) *DB {
	return &DB{
		logger:  logger,
		vendors: make(map[string]string),
	}
}

// LoadFile replaces the database with the contents of path. Files ending
// in .csv are read as IEEE registry exports, anything else as macdb.json.
func (db *DB) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening vendor database %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = db.LoadCSV(f)
	} else {
		var data []byte
		if data, err = io.ReadAll(f); err == nil {
			err = db.Load(data)
		}
	}
	if err != nil {
		return fmt.Errorf("loading vendor database %s: %w", path, err)
	}

	db.logger.Info("MAC vendor database loaded", "path", path, "entries", db.Count())
	return nil
}

// Load parses a macdb.json byte slice and loads it into memory.
func (db *DB) Load(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing macdb.json: %w", err)
	}

	vendors := make(map[string]string, len(entries))
	for _, e := range entries {
		if prefix := normalize(e.MacPrefix); prefix != "" {
			vendors[prefix] = e.VendorName
		}
	}
	db.swap(vendors)
	return nil
}

// LoadCSV parses an IEEE registry export: Registry,Assignment,Organization Name,...
func (db *DB) LoadCSV(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("reading CSV header: %w", err)
	}
	assignCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "assignment":
			assignCol = i
		case "organization name":
			nameCol = i
		}
	}
	if assignCol < 0 || nameCol < 0 {
		return errors.New("CSV header lacks Assignment and Organization Name columns")
	}

	vendors := make(map[string]string)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading CSV: %w", err)
		}
		if len(rec) <= assignCol || len(rec) <= nameCol {
			continue
		}
		if prefix := normalize(rec[assignCol]); prefix != "" {
			vendors[prefix] = strings.TrimSpace(rec[nameCol])
		}
	}
	db.swap(vendors)
	return nil
}

func (db *DB) swap(vendors map[string]string) {
	db.mu.Lock()
	db.vendors = vendors
	db.mu.Unlock()
}

// Lookup returns the vendor name for a MAC address, or "" if unknown.
func (db *DB) Lookup(mac string) string {
	normalized := normalize(mac)
	if len(normalized) < 6 {
		return ""
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	// Longest prefix first (MA-S = 9 chars, MA-M = 7 chars, MA-L = 6 chars)
	for _, prefixLen := range []int{9, 7, 6} {
		if prefixLen > len(normalized) {
			continue
		}
		if vendor, ok := db.vendors[normalized[:prefixLen]]; ok {
			return vendor
		}
	}
	return ""
}

// Count returns the number of vendor entries loaded.
func (db *DB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// normalize converts "00:00:0C", "00-00-0C" or "0000.0c" to "00000c".
func normalize(s string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(strings.TrimSpace(s)))
}
