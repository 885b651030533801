package macvendor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testJSON = `[
	{"macPrefix":"00:00:0C","vendorName":"Cisco Systems, Inc","private":false,"blockType":"MA-L"},
	{"macPrefix":"70:B3:D5:1","vendorName":"Small Block Corp","private":false,"blockType":"MA-M"},
	{"macPrefix":"70:B3:D5:12:3","vendorName":"Tiny Block Corp","private":false,"blockType":"MA-S"}
]`

const testCSV = `Registry,Assignment,Organization Name,Organization Address
MA-L,B827EB,Raspberry Pi Foundation,Mitchell Wood House Caldecote GB
MA-L,3C22FB,"Apple, Inc.",1 Infinite Loop Cupertino CA US
`

func TestLookupFromJSON(t *testing.T) {
	db := NewDB(testLogger())
	if err := db.Load([]byte(testJSON)); err != nil {
		t.Fatal(err)
	}
	if db.Count() != 3 {
		t.Fatalf("Count = %d, want 3", db.Count())
	}

	tests := []struct {
		mac  string
		want string
	}{
		{"00:00:0C:11:22:33", "Cisco Systems, Inc"},
		{"00-00-0C-11-22-33", "Cisco Systems, Inc"},
		{"00000c112233", "Cisco Systems, Inc"},
		{"0000.0c11.2233", "Cisco Systems, Inc"},
		{"70:b3:d5:1f:00:00", "Small Block Corp"},
		{"70:b3:d5:12:30:00", "Tiny Block Corp"},
		{"ff:ff:ff:dd:ee:ff", ""},
		{"AA", ""},
	}
	for _, tt := range tests {
		if got := db.Lookup(tt.mac); got != tt.want {
			t.Errorf("Lookup(%q) = %q, want %q", tt.mac, got, tt.want)
		}
	}
}

func TestLoadCSV(t *testing.T) {
	db := NewDB(testLogger())
	if err := db.LoadCSV(strings.NewReader(testCSV)); err != nil {
		t.Fatal(err)
	}
	if v := db.Lookup("b8:27:eb:01:02:03"); v != "Raspberry Pi Foundation" {
		t.Errorf("Lookup = %q", v)
	}
	if v := db.Lookup("3c:22:fb:01:02:03"); v != "Apple, Inc." {
		t.Errorf("quoted vendor = %q", v)
	}

	if err := db.LoadCSV(strings.NewReader("a,b,c\n1,2,3\n")); err == nil {
		t.Error("expected error for a CSV without registry columns")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "macdb.json")
	csvPath := filepath.Join(dir, "oui.CSV")
	os.WriteFile(jsonPath, []byte(testJSON), 0644)
	os.WriteFile(csvPath, []byte(testCSV), 0644)

	db := NewDB(testLogger())
	if err := db.LoadFile(jsonPath); err != nil {
		t.Fatal(err)
	}
	if db.Count() != 3 {
		t.Errorf("json Count = %d", db.Count())
	}

	// A second load replaces the first.
	if err := db.LoadFile(csvPath); err != nil {
		t.Fatal(err)
	}
	if db.Count() != 2 || db.Lookup("00:00:0c:00:00:00") != "" {
		t.Errorf("csv load did not replace json entries, count %d", db.Count())
	}

	if err := db.LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"00:00:0C", "00000c"},
		{"00-00-0C", "00000c"},
		{"AA:BB:CC:DD", "aabbccdd"},
		{" aabbcc ", "aabbcc"},
	}
	for _, tc := range tests {
		if got := normalize(tc.input); got != tc.want {
			t.Errorf("normalize(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestLoadBadJSON(t *testing.T) {
	db := NewDB(testLogger())
	if err := db.Load([]byte("not json")); err == nil {
		t.Error("expected error for bad JSON")
	}
}

func TestEmptyDB(t *testing.T) {
	db := NewDB(testLogger())
	if db.Count() != 0 {
		t.Errorf("empty DB count = %d", db.Count())
	}
	if v := db.Lookup("AA:BB:CC:DD:EE:FF"); v != "" {
		t.Errorf("empty DB lookup = %q", v)
	}
}
