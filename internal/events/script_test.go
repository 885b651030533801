package events

import (
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp/dhcptest"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

func decodedEvent(t *testing.T, p *dhcptest.Packet) Event {
	t.Helper()
	msg, err := dhcp.DecodeMessage(p.Bytes())
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return NewReceivedEvent(testSource(), msg)
}

func TestScriptRunnerPassesEnvAndStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	runner := NewScriptRunner(1, testLogger())
	defer runner.Close()

	cfg := ScriptConfig{
		Name:    "capture-env",
		Command: `printf '%s %s %s\n' "$DHCPWATCH_HOOK_NAME" "$DHCPWATCH_MAC" "$DHCPWATCH_OPT_12" > ` + out + ` && cat >> ` + out,
		Timeout: 5 * time.Second,
	}
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	if !runner.Run(cfg, decodedEvent(t, dhcptest.Discover(mac, 7).WithString(dhcpv4.OptionHostname, "printer"))) {
		t.Fatal("Run dropped the execution")
	}
	runner.Wait()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading script output: %v", err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "capture-env 00:11:22:33:44:55 printer\n") {
		t.Errorf("env line = %q", got)
	}
	if !strings.Contains(got, `"type":"message.received"`) {
		t.Errorf("stdin JSON missing from output: %q", got)
	}
}

func TestScriptRunnerTimeout(t *testing.T) {
	runner := NewScriptRunner(1, testLogger())
	defer runner.Close()

	start := time.Now()
	runner.Run(ScriptConfig{Name: "slow", Command: "exec sleep 5", Timeout: 50 * time.Millisecond}, Event{Type: EventMessageReceived})
	runner.Wait()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("script not killed on timeout, took %v", elapsed)
	}
}

func TestScriptRunnerDropsWhenQueueFull(t *testing.T) {
	runner := NewScriptRunner(1, testLogger())
	defer runner.Close()

	cfg := ScriptConfig{Name: "slow", Command: "exec sleep 5", Timeout: 200 * time.Millisecond}
	accepted := 0
	for range 10 {
		if runner.Run(cfg, Event{Type: EventMessageReceived}) {
			accepted++
		}
	}
	// One in flight plus a full queue; the rest are dropped.
	if accepted < scriptQueuePerWorker || accepted > scriptQueuePerWorker+1 {
		t.Errorf("accepted = %d, want %d or %d", accepted, scriptQueuePerWorker, scriptQueuePerWorker+1)
	}
	runner.Wait()
}

func TestScriptRunnerClosed(t *testing.T) {
	runner := NewScriptRunner(2, testLogger())
	runner.Close()
	runner.Close()
	if runner.Run(ScriptConfig{Name: "late", Command: "true"}, Event{Type: EventMessageReceived}) {
		t.Error("Run accepted an execution after Close")
	}
}

func TestScriptConfigMatches(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	discover := decodedEvent(t, dhcptest.Discover(mac, 1))

	relayed := dhcptest.Discover(mac, 2)
	relayed.GIAddr = net.IPv4(10, 1, 0, 1)
	relayedEvt := decodedEvent(t, relayed)

	bootp := &dhcptest.Packet{Op: dhcpv4.OpCodeBootRequest, HType: dhcpv4.HardwareTypeEthernet, HLen: 6, CHAddr: mac}
	bootpEvt := decodedEvent(t, bootp)

	rogue := Event{Type: EventRogueDetected, Rogue: &RogueData{ServerID: "192.0.2.1"}}

	tests := []struct {
		name string
		cfg  ScriptConfig
		evt  Event
		want bool
	}{
		{"no filters", ScriptConfig{}, discover, true},
		{"event filter", ScriptConfig{Events: []string{"rogue.*"}}, discover, false},
		{"message type match", ScriptConfig{MessageTypes: []string{"dhcpdiscover"}}, discover, true},
		{"message type miss", ScriptConfig{MessageTypes: []string{"DHCPREQUEST"}}, discover, false},
		{"bootp label", ScriptConfig{MessageTypes: []string{"BOOTP"}}, bootpEvt, true},
		{"message type needs a message", ScriptConfig{MessageTypes: []string{"DHCPOFFER"}}, rogue, false},
		{"relay segment", ScriptConfig{Segments: []string{"relay:10.1.0.1"}}, relayedEvt, true},
		{"relay segment miss", ScriptConfig{Segments: []string{"relay:10.1.0.1"}}, discover, false},
		{"interface segment", ScriptConfig{Segments: []string{"eth0"}}, discover, true},
		{"interface filter miss", ScriptConfig{Interfaces: []string{"eth1"}}, discover, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Matches(tt.evt); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScriptEnvExportsOptions(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	p := dhcptest.Discover(mac, 9).
		WithString(dhcpv4.OptionHostname, "printer").
		With(dhcpv4.OptionRequestedIP, 10, 0, 0, 50).
		With(dhcpv4.OptionVendorSpecific, 2, 1, 0xaa, 1, 2, 0xbb, 0xcc).
		With(dhcpv4.OptionClientFQDN, 0, 0, 0, 'p', 'c', '.', 'l', 'a', 'n')
	p.GIAddr = net.IPv4(10, 1, 0, 1)

	env := scriptEnv("inventory", decodedEvent(t, p))
	if !slices.IsSorted(env) {
		t.Errorf("env not sorted: %v", env)
	}
	for _, want := range []string{
		"DHCPWATCH_HOOK_NAME=inventory",
		"DHCPWATCH_SEGMENT=relay:10.1.0.1",
		"DHCPWATCH_OPTIONS=12,43,50,53,55,81",
		"DHCPWATCH_OPT_12=printer",
		"DHCPWATCH_OPT_43=1:bbcc,2:aa",
		"DHCPWATCH_OPT_50=10.0.0.50",
		"DHCPWATCH_OPT_53=DHCPDISCOVER",
		"DHCPWATCH_OPT_55=1,3,6,15",
		"DHCPWATCH_OPT_81=pc.lan.",
	} {
		if !slices.Contains(env, want) {
			t.Errorf("env missing %q\n%v", want, env)
		}
	}
}

func TestScriptEnvRejection(t *testing.T) {
	evt := NewRejectedEvent(testSource(), []byte{1, 2, 3}, dhcp.ErrTruncatedMessage)
	env := scriptEnv("rejects", evt)
	if !slices.Contains(env, "DHCPWATCH_SEGMENT=eth0") {
		t.Errorf("env missing segment: %v", env)
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "DHCPWATCH_OPT") {
			t.Errorf("rejection exported option variable %q", kv)
		}
	}
}
