package rogue

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

func offer(t *testing.T, serverID net.IP, yiaddr string) *dhcp.Message {
	t.Helper()
	p := &dhcptest.Packet{
		Op:     dhcpv4.OpCodeBootReply,
		HType:  dhcpv4.HardwareTypeEthernet,
		HLen:   6,
		XID:    0x1234,
		YIAddr: net.ParseIP(yiaddr),
		CHAddr: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
		Options: []dhcptest.Option{
			{Code: dhcpv4.OptionDHCPMessageType, Data: []byte{byte(dhcpv4.MessageTypeOffer)}},
		},
	}
	if serverID != nil {
		p.With(dhcpv4.OptionServerIdentifier, serverID.To4()...)
	}
	msg, err := dhcp.DecodeMessage(p.Bytes())
	if err != nil {
		t.Fatalf("decoding test offer: %v", err)
	}
	return msg
}

func reply(server, offered string) Reply {
	return Reply{ServerID: net.ParseIP(server), OfferedIP: net.ParseIP(offered), MsgType: "DHCPOFFER", Interface: "eth0"}
}

func TestReplyFromMessage(t *testing.T) {
	src := &events.SourceData{Addr: "10.0.0.9:67", Interface: "eth0"}

	r, ok := ReplyFromMessage(offer(t, net.ParseIP("10.0.0.254"), "10.0.0.100"), src)
	if !ok {
		t.Fatal("offer not recognised as a reply")
	}
	if r.ServerID.String() != "10.0.0.254" || r.OfferedIP.String() != "10.0.0.100" {
		t.Errorf("reply = %+v", r)
	}
	if r.ClientMAC != "aa:bb:cc:dd:ee:01" || r.MsgType != "DHCPOFFER" || r.Interface != "eth0" {
		t.Errorf("reply = %+v", r)
	}

	// Without option 54 the datagram source names the server.
	r, ok = ReplyFromMessage(offer(t, nil, "10.0.0.100"), src)
	if !ok || r.ServerID.String() != "10.0.0.9" {
		t.Errorf("fallback server id = %v, ok %v", r.ServerID, ok)
	}

	// Requests are not replies.
	discover, err := dhcp.DecodeMessage(dhcptest.Discover(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1).Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ReplyFromMessage(discover, src); ok {
		t.Error("DISCOVER treated as a server reply")
	}
}

func TestDetectRogueServer(t *testing.T) {
	bus := testBus(t)
	ch := bus.Subscribe(100)

	d, err := NewDetector(testDB(t), bus, []string{"10.0.0.1"}, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if d.Report(reply("10.0.0.1", "10.0.0.50")) {
		t.Error("known server raised an alert")
	}
	if d.Count() != 0 {
		t.Errorf("known server should be ignored, got count %d", d.Count())
	}

	if !d.Report(reply("10.0.0.254", "10.0.0.100")) {
		t.Error("new rogue server did not alert")
	}

	all := d.All()
	if len(all) != 1 || all[0].ServerID != "10.0.0.254" || all[0].Count != 1 {
		t.Fatalf("All() = %+v", all)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventRogueDetected {
			t.Errorf("event type = %q, want rogue.detected", evt.Type)
		}
		if evt.Rogue == nil || evt.Rogue.ServerID != "10.0.0.254" || evt.Rogue.OfferedIP != "10.0.0.100" {
			t.Errorf("rogue data = %+v", evt.Rogue)
		}
	case <-time.After(time.Second):
		t.Error("no rogue event received")
	}
}

func TestRepeatedRepliesAlertOnce(t *testing.T) {
	d, err := NewDetector(testDB(t), testBus(t), nil, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	alerts := 0
	for _, ip := range []string{"192.168.1.100", "192.168.1.101", "192.168.1.102"} {
		if d.Report(reply("192.168.1.254", ip)) {
			alerts++
		}
	}
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1 within the re-alert interval", alerts)
	}

	e, ok := d.Get("192.168.1.254")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Count != 3 || e.LastOffer != "192.168.1.102" {
		t.Errorf("entry = %+v", e)
	}
}

func TestRealertAfterInterval(t *testing.T) {
	d, err := NewDetector(testDB(t), testBus(t), nil, time.Nanosecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.Report(reply("10.0.0.254", ""))
	time.Sleep(time.Millisecond)
	if !d.Report(reply("10.0.0.254", "")) {
		t.Error("no re-alert after the interval elapsed")
	}

	if err := d.Acknowledge("10.0.0.254"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if d.Report(reply("10.0.0.254", "")) {
		t.Error("acknowledged server re-alerted")
	}
}

func TestAcknowledge(t *testing.T) {
	d, err := NewDetector(testDB(t), testBus(t), nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.Report(reply("10.0.0.254", ""))
	if d.ActiveCount() != 1 {
		t.Errorf("active count = %d, want 1", d.ActiveCount())
	}
	if err := d.Acknowledge("10.0.0.254"); err != nil {
		t.Fatal(err)
	}
	if d.ActiveCount() != 0 {
		t.Errorf("active count after ack = %d, want 0", d.ActiveCount())
	}
	if d.Count() != 1 {
		t.Errorf("total count = %d, want 1", d.Count())
	}
	if err := d.Acknowledge("10.9.9.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acknowledge unknown = %v, want ErrNotFound", err)
	}
}

func TestRemoveRogue(t *testing.T) {
	bus := testBus(t)
	ch := bus.Subscribe(100)

	d, err := NewDetector(testDB(t), bus, nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.Report(reply("10.0.0.254", ""))
	<-ch

	if err := d.Remove("10.0.0.254"); err != nil {
		t.Fatal(err)
	}
	if d.Count() != 0 {
		t.Errorf("count after remove = %d, want 0", d.Count())
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventRogueResolved {
			t.Errorf("event type = %q, want rogue.resolved", evt.Type)
		}
	case <-time.After(time.Second):
		t.Error("no resolved event")
	}

	if err := d.Remove("10.0.0.254"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove non-existent = %v, want ErrNotFound", err)
	}
}

func TestPersistence(t *testing.T) {
	db := testDB(t)
	bus := testBus(t)

	d1, err := NewDetector(db, bus, nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d1.Report(reply("10.0.0.254", "10.0.0.50"))
	d1.Report(reply("10.0.0.253", ""))

	d2, err := NewDetector(db, bus, nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if d2.Count() != 2 {
		t.Errorf("after reload: count = %d, want 2", d2.Count())
	}
}

func TestSetKnownServers(t *testing.T) {
	d, err := NewDetector(testDB(t), testBus(t), nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.Report(reply("10.0.0.1", ""))
	d.SetKnownServers([]string{"10.0.0.1", "not-an-ip"}, 0)
	d.Report(reply("10.0.0.1", ""))

	e, _ := d.Get("10.0.0.1")
	if e.Count != 1 {
		t.Errorf("count = %d, want 1 once the server is known", e.Count)
	}
}

func TestSubscribedDetectorSeesOffers(t *testing.T) {
	bus := testBus(t)
	d, err := NewDetector(testDB(t), bus, nil, 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.Subscribe()
	go d.Start()
	defer d.Stop()

	bus.MessageReceived(dhcp.Source{Interface: "eth0"}, offer(t, net.ParseIP("172.16.0.1"), "172.16.0.10"))

	deadline := time.Now().Add(2 * time.Second)
	for d.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := d.Get("172.16.0.1"); !ok {
		t.Error("offer on the bus did not reach the inventory")
	}
}
