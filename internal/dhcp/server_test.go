package dhcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp/dhcptest"
)

type received struct {
	src Source
	msg *Message
	raw []byte
	err error
}

// recordingPublisher collects everything the listener hands over.
type recordingPublisher struct {
	out chan received
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{out: make(chan received, 16)}
}

func (p *recordingPublisher) MessageReceived(src Source, msg *Message) {
	p.out <- received{src: src, msg: msg}
}

func (p *recordingPublisher) MessageRejected(src Source, data []byte, err error) {
	p.out <- received{src: src, raw: append([]byte(nil), data...), err: err}
}

func (p *recordingPublisher) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-p.out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return received{}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sendTo(t *testing.T, addr net.Addr, data []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}
}

func startTestServer(t *testing.T, pub Publisher, throttle *Throttle) *Server {
	t.Helper()
	srv := NewServer(NewDecoder(discardLogger()), pub, throttle, "127.0.0.1:0", discardLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestServerPublishesDecodedMessages(t *testing.T) {
	pub := newRecordingPublisher()
	srv := startTestServer(t, pub, nil)

	sendTo(t, srv.LocalAddr(), dhcptest.Discover(testMAC, 0x1234).Bytes())

	r := pub.next(t)
	if r.err != nil {
		t.Fatalf("unexpected rejection: %v", r.err)
	}
	if r.msg.XID != 0x1234 || r.msg.CHAddr.Address != "00:0c:29:ab:cd:ef" {
		t.Errorf("message = %+v", r.msg)
	}
	if r.src.Addr == nil || !r.src.Addr.IP.IsLoopback() {
		t.Errorf("source = %+v", r.src)
	}
}

func TestServerRejectsMalformedDatagrams(t *testing.T) {
	pub := newRecordingPublisher()
	srv := startTestServer(t, pub, nil)

	sendTo(t, srv.LocalAddr(), []byte{1, 2, 3})

	r := pub.next(t)
	if !errors.Is(r.err, ErrTruncatedMessage) {
		t.Fatalf("err = %v, want truncated", r.err)
	}
	if len(r.raw) != 3 {
		t.Errorf("raw = %v", r.raw)
	}
}

func TestServerThrottlesPublishing(t *testing.T) {
	pub := newRecordingPublisher()
	srv := startTestServer(t, pub, NewThrottle(true, 100, 1))

	data := dhcptest.Discover(testMAC, 1).Bytes()
	sendTo(t, srv.LocalAddr(), data)
	pub.next(t)

	sendTo(t, srv.LocalAddr(), data)
	select {
	case r := <-pub.out:
		t.Errorf("second message from the same client should be throttled, got %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerInterfaceFilter(t *testing.T) {
	srv := NewServer(NewDecoder(nil), newRecordingPublisher(), nil, "", discardLogger())
	if srv.Addr() != ":67" {
		t.Errorf("default Addr = %q, want :67", srv.Addr())
	}

	if !srv.accepts("eth0") {
		t.Error("empty filter should accept all")
	}
	srv.SetInterfaces([]string{"eth1"})
	if srv.accepts("eth0") {
		t.Error("eth0 should be filtered")
	}
	if !srv.accepts("eth1") {
		t.Error("eth1 should be accepted")
	}
	if !srv.accepts("") {
		t.Error("unknown interface should be accepted")
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	srv := NewServer(NewDecoder(nil), newRecordingPublisher(), nil, "127.0.0.1:0", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestServerGroupReload(t *testing.T) {
	pub := newRecordingPublisher()
	g := NewServerGroup(pub, discardLogger())

	cfg, err := config.Parse([]byte("[server]\nlisten = [\"127.0.0.1:0\"]\n"), "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	if got := g.Addrs(); len(got) != 1 || got[0] != "127.0.0.1:0" {
		t.Fatalf("Addrs = %v", got)
	}

	cfg2, err := config.Parse([]byte("[server]\nlisten = [\"127.0.0.2:0\"]\n[decoder]\nlenient_magic_cookie = true\n"), "test")
	if err != nil {
		t.Fatal(err)
	}
	g.Reload(cfg2)

	got := g.Addrs()
	if len(got) > 1 || (len(got) == 1 && got[0] != "127.0.0.2:0") {
		t.Errorf("Addrs after reload = %v", got)
	}
	if !g.Decoder().lenientCookie {
		t.Error("decoder not replaced on reload")
	}
}

func TestServerGroupStartFailureStopsListeners(t *testing.T) {
	g := NewServerGroup(newRecordingPublisher(), discardLogger())
	cfg, err := config.Parse([]byte("[server]\nlisten = [\"127.0.0.1:0\", \"192.0.2.1:67\"]\n"), "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background(), cfg); err == nil {
		g.Stop()
		t.Skip("host can bind 192.0.2.1; nothing to test")
	}
	if got := g.Addrs(); len(got) != 0 {
		t.Errorf("listeners left running after failed start: %v", got)
	}
}
