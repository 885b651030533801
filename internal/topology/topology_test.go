package topology

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp/dhcptest"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func newMap(t *testing.T, db *bolt.DB) *Map {
	t.Helper()
	m, err := NewMap(db, testBus(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRecordBuildsTopology(t *testing.T) {
	m := newMap(t, testDB(t))

	m.Record(Observation{
		CircuitID: "eth0/1/3",
		RemoteID:  "switch-01",
		GIAddr:    "10.0.0.1",
		MAC:       "aa:bb:cc:dd:ee:01",
		IP:        "10.0.0.100",
		Hostname:  "device-1",
		Interface: "eth1",
	})

	stats := m.Stats()
	if stats["switches"] != 1 || stats["ports"] != 1 || stats["devices"] != 1 {
		t.Errorf("stats = %v", stats)
	}

	tree := m.Tree()
	if len(tree) != 1 {
		t.Fatalf("tree has %d switches", len(tree))
	}
	if tree[0].ID != "switch-01" || tree[0].GIAddr != "10.0.0.1" {
		t.Errorf("switch = %+v", tree[0])
	}
	port := tree[0].Ports["eth0/1/3"]
	if port == nil || len(port.Devices) != 1 {
		t.Fatalf("port = %+v", port)
	}
	if d := port.Devices[0]; d.MAC != "aa:bb:cc:dd:ee:01" || d.Interface != "eth1" || d.Hostname != "device-1" {
		t.Errorf("device = %+v", d)
	}
}

func TestMultipleDevicesAndSwitches(t *testing.T) {
	m := newMap(t, testDB(t))

	m.Record(Observation{CircuitID: "eth0/1/1", RemoteID: "sw1", MAC: "aa:bb:cc:00:00:01"})
	m.Record(Observation{CircuitID: "eth0/1/1", RemoteID: "sw1", MAC: "aa:bb:cc:00:00:02"})
	m.Record(Observation{CircuitID: "eth0/1/2", RemoteID: "sw1", MAC: "aa:bb:cc:00:00:03"})
	m.Record(Observation{CircuitID: "port1", RemoteID: "sw2", MAC: "aa:bb:cc:00:00:04"})

	stats := m.Stats()
	if stats["switches"] != 2 || stats["ports"] != 3 || stats["devices"] != 4 {
		t.Errorf("stats = %v", stats)
	}
}

func TestDeviceUpdateOnSameMAC(t *testing.T) {
	m := newMap(t, testDB(t))

	m.Record(Observation{CircuitID: "port1", RemoteID: "sw1", MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.10", Hostname: "old"})
	moved := m.Record(Observation{CircuitID: "port1", RemoteID: "sw1", MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.20", Hostname: "new"})
	if moved {
		t.Error("same port reported as a move")
	}
	// A later request without a hostname keeps the last one seen.
	m.Record(Observation{CircuitID: "port1", RemoteID: "sw1", MAC: "aa:bb:cc:dd:ee:ff"})

	port := m.Tree()[0].Ports["port1"]
	if len(port.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(port.Devices))
	}
	if d := port.Devices[0]; d.IP != "10.0.0.20" || d.Hostname != "new" {
		t.Errorf("device = %+v", d)
	}
}

func TestPortMove(t *testing.T) {
	m := newMap(t, testDB(t))
	mac := "aa:00:00:00:00:01"

	m.Record(Observation{CircuitID: "port1", RemoteID: "sw1", MAC: mac})
	if !m.Record(Observation{CircuitID: "port7", RemoteID: "sw1", MAC: mac}) {
		t.Error("port change not reported as a move")
	}
	if sw, port, ok := m.Locate(mac); !ok || sw != "sw1" || port != "port7" {
		t.Errorf("Locate = %q %q %v", sw, port, ok)
	}
	if !m.Record(Observation{CircuitID: "port1", RemoteID: "sw2", MAC: mac}) {
		t.Error("switch change not reported as a move")
	}

	// The device lives on exactly one port; empty ports are kept.
	if devices := m.Stats()["devices"]; devices != 1 {
		t.Errorf("devices = %d, want 1", devices)
	}
	if ports := m.Stats()["ports"]; ports != 3 {
		t.Errorf("ports = %d, want 3", ports)
	}
}

func TestFallbackToGIAddr(t *testing.T) {
	m := newMap(t, testDB(t))

	m.Record(Observation{CircuitID: "port1", GIAddr: "10.0.0.1", MAC: "aa:00:00:00:00:01"})

	tree := m.Tree()
	if len(tree) != 1 || tree[0].ID != "10.0.0.1" {
		t.Errorf("tree = %+v", tree)
	}
}

func TestIgnoreNoOption82(t *testing.T) {
	m := newMap(t, testDB(t))

	m.Record(Observation{GIAddr: "10.0.0.1", MAC: "aa:00:00:00:00:01"})
	if m.Stats()["switches"] != 0 {
		t.Error("observations without relay identity should be ignored")
	}
}

func TestSetLabel(t *testing.T) {
	m := newMap(t, testDB(t))
	m.Record(Observation{CircuitID: "eth0/1/1", RemoteID: "sw1", MAC: "aa:00:00:00:00:01"})

	if err := m.SetLabel("sw1", "", "Core Switch 1"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLabel("sw1", "eth0/1/1", "Server Room Port 1"); err != nil {
		t.Fatal(err)
	}

	tree := m.Tree()
	if tree[0].Label != "Core Switch 1" || tree[0].Ports["eth0/1/1"].Label != "Server Room Port 1" {
		t.Errorf("labels = %q / %q", tree[0].Label, tree[0].Ports["eth0/1/1"].Label)
	}

	if err := m.SetLabel("nonexist", "", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown switch err = %v", err)
	}
	if err := m.SetLabel("sw1", "eth9", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown port err = %v", err)
	}
}

func TestPersistence(t *testing.T) {
	db := testDB(t)
	m1 := newMap(t, db)

	m1.Record(Observation{CircuitID: "port1", RemoteID: "sw1", MAC: "aa:00:00:00:00:01"})
	m1.Record(Observation{CircuitID: "port2", RemoteID: "sw1", MAC: "aa:00:00:00:00:02"})
	m1.SetLabel("sw1", "", "closet")

	m2 := newMap(t, db)
	stats := m2.Stats()
	if stats["switches"] != 1 || stats["ports"] != 2 || stats["devices"] != 2 {
		t.Errorf("after reload: %v", stats)
	}
	if m2.Tree()[0].Label != "closet" {
		t.Error("label lost on reload")
	}
	// The MAC index is rebuilt, so a move after restart is still detected.
	if !m2.Record(Observation{CircuitID: "port2", RemoteID: "sw1", MAC: "aa:00:00:00:00:01"}) {
		t.Error("move after reload not detected")
	}
}

func relayedRequest(t *testing.T) *dhcp.Message {
	t.Helper()
	p := dhcptest.Discover(net.HardwareAddr{0xaa, 0, 0, 0, 0, 0x09}, 5).
		WithString(dhcpv4.OptionHostname, "cam-3").
		With(dhcpv4.OptionRequestedIP, 10, 2, 0, 44)
	p.GIAddr = net.IPv4(10, 2, 0, 1)
	msg, err := dhcp.DecodeMessage(p.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestObservationFromEvent(t *testing.T) {
	msg := relayedRequest(t)
	src := &events.SourceData{Interface: "eth1", CircuitID: "Gi1/0/4", RemoteID: "access-2"}

	obs, ok := ObservationFromEvent(events.Event{Type: events.EventMessageReceived, Message: msg, Source: src})
	if !ok {
		t.Fatal("relayed request not observed")
	}
	want := Observation{
		CircuitID: "Gi1/0/4",
		RemoteID:  "access-2",
		GIAddr:    "10.2.0.1",
		MAC:       "aa:00:00:00:00:09",
		IP:        "10.2.0.44",
		Hostname:  "cam-3",
		Interface: "eth1",
	}
	if obs != want {
		t.Errorf("obs = %+v\nwant  %+v", obs, want)
	}

	tests := []struct {
		name string
		evt  events.Event
	}{
		{"no relay ids", events.Event{Type: events.EventMessageReceived, Message: msg, Source: &events.SourceData{}}},
		{"no source", events.Event{Type: events.EventMessageReceived, Message: msg}},
		{"rejected", events.Event{Type: events.EventMessageRejected, Source: src}},
	}
	for _, tt := range tests {
		if _, ok := ObservationFromEvent(tt.evt); ok {
			t.Errorf("%s: unexpectedly observed", tt.name)
		}
	}
}

func TestSubscribedMapLearnsFromBus(t *testing.T) {
	bus := testBus(t)
	m, err := NewMap(testDB(t), bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.Subscribe()
	go m.Start()
	defer m.Stop()

	src := dhcp.Source{Interface: "eth1", Relay: &dhcp.RelayInfo{CircuitID: "Gi1/0/4", RemoteID: "access-2"}}
	bus.MessageReceived(src, relayedRequest(t))

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats()["devices"] == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sw, port, ok := m.Locate("aa:00:00:00:00:09"); !ok || sw != "access-2" || port != "Gi1/0/4" {
		t.Errorf("Locate = %q %q %v", sw, port, ok)
	}
}
