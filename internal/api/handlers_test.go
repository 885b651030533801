package api

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/anomaly"
	"github.com/athena-dhcpd/dhcpwatch/internal/capture"
	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp/dhcptest"
	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/fingerprint"
	"github.com/athena-dhcpd/dhcpwatch/internal/rogue"
	"github.com/athena-dhcpd/dhcpwatch/internal/topology"
)

var testMAC = net.HardwareAddr{0x00, 0x0c, 0x29, 0xab, 0xcd, 0xef}

type testEnv struct {
	srv     *Server
	bus     *events.Bus
	capture *capture.Log
	fp      *fingerprint.Store
	rogue   *rogue.Detector
	anomaly *anomaly.Detector
	topo    *topology.Map
	handler http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(100, logger)
	go bus.Start()
	t.Cleanup(bus.Stop)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cl, err := capture.NewLog(db, bus, logger)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	fp, err := fingerprint.NewStore(db, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rd, err := rogue.NewDetector(db, bus, []string{"10.0.0.1"}, 0, logger)
	if err != nil {
		t.Fatalf("rogue.NewDetector: %v", err)
	}
	ad := anomaly.NewDetector(bus, anomaly.DefaultConfig(), logger)
	tm, err := topology.NewMap(db, bus, logger)
	if err != nil {
		t.Fatalf("topology.NewMap: %v", err)
	}

	cfg := config.Default()
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Auth.AuthToken = token
	cfg.Hooks.Scripts = []config.ScriptHook{{Name: "notify", Events: []string{"message.*"}, Command: "/bin/true"}}

	srv := NewServer(cfg, bus, logger,
		WithVersion("test"),
		WithCaptureLog(cl),
		WithFingerprintStore(fp),
		WithRogueDetector(rd),
		WithAnomalyDetector(ad),
		WithTopology(tm),
		WithListeners(func() []string { return []string{"0.0.0.0:67"} }),
	)
	t.Cleanup(func() { srv.sseHub.Stop(); srv.auth.Stop() })

	return &testEnv{srv: srv, bus: bus, capture: cl, fp: fp, rogue: rd, anomaly: ad, topo: tm, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, "secret")

	// Health needs no credentials even when auth is configured.
	w := env.do(t, httptest.NewRequest("GET", "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("resp = %v", resp)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, "secret")

	for _, path := range []string{
		"/api/v1/messages", "/api/v1/fingerprints", "/api/v1/stats", "/api/v1/hooks",
	} {
		w := env.do(t, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, w.Code)
		}

		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer secret")
		if w := env.do(t, req); w.Code != http.StatusOK {
			t.Errorf("%s with token: status = %d, want 200", path, w.Code)
		}
	}
}

func TestHandleDecode(t *testing.T) {
	env := newTestEnv(t, "")
	raw := dhcptest.Discover(testMAC, 0xdeadbeef).WithString(12, "laptop").Bytes()

	tests := []struct {
		name        string
		url         string
		contentType string
		body        []byte
	}{
		{"raw", "/api/v1/decode", "application/octet-stream", raw},
		{"hex query", "/api/v1/decode?format=hex", "", []byte(hex.EncodeToString(raw))},
		{"hex text with whitespace", "/api/v1/decode", "text/plain", []byte("0x" + hex.EncodeToString(raw[:100]) + "\n " + hex.EncodeToString(raw[100:]))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.url, bytes.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := env.do(t, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}

			var resp struct {
				Size    int `json:"size"`
				Message struct {
					XID    uint32 `json:"xid"`
					CHAddr struct {
						Address string `json:"address"`
					} `json:"chaddr"`
				} `json:"message"`
			}
			decodeBody(t, w, &resp)
			if resp.Size != len(raw) {
				t.Errorf("size = %d, want %d", resp.Size, len(raw))
			}
			if resp.Message.XID != 0xdeadbeef {
				t.Errorf("xid = %#x", resp.Message.XID)
			}
			if resp.Message.CHAddr.Address != "00:0c:29:ab:cd:ef" {
				t.Errorf("chaddr = %q", resp.Message.CHAddr.Address)
			}
		})
	}
}

func TestHandleDecodeErrors(t *testing.T) {
	env := newTestEnv(t, "")

	truncatedLease := dhcptest.Discover(testMAC, 1).With(51, 0, 0, 1).Bytes()

	tests := []struct {
		name       string
		body       []byte
		wantStatus int
		wantCode   string
		wantOption int
	}{
		{"short", []byte{1, 2, 3}, http.StatusUnprocessableEntity, "truncated", -1},
		{"bad lease length", truncatedLease, http.StatusUnprocessableEntity, "length_mismatch", 51},
		{"bad cookie", (&dhcptest.Packet{Op: 1, HType: 1, HLen: 6, CHAddr: testMAC, Magic: []byte{1, 2, 3, 4}}).Bytes(),
			http.StatusUnprocessableEntity, "bad_magic_cookie", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest("POST", "/api/v1/decode", bytes.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp decodeErrorResponse
			decodeBody(t, w, &resp)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			switch {
			case tt.wantOption < 0 && resp.OptionCode != nil:
				t.Errorf("option_code = %d, want none", *resp.OptionCode)
			case tt.wantOption >= 0 && (resp.OptionCode == nil || *resp.OptionCode != tt.wantOption):
				t.Errorf("option_code = %v, want %d", resp.OptionCode, tt.wantOption)
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/decode?format=hex", strings.NewReader("zz"))
	if w := env.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("bad hex: status = %d, want 400", w.Code)
	}
}

func appendRecords(t *testing.T, cl *capture.Log) {
	t.Helper()
	recs := []capture.Record{
		{Timestamp: "2026-01-02T10:00:00Z", Event: "message.received", MsgType: "DHCPDISCOVER", MAC: "00:0c:29:ab:cd:ef", XID: "0x00000001"},
		{Timestamp: "2026-01-02T10:00:01Z", Event: "message.received", MsgType: "DHCPREQUEST", MAC: "00:0c:29:ab:cd:ef", XID: "0x00000001"},
		{Timestamp: "2026-01-02T10:00:02Z", Event: "message.received", MsgType: "DHCPDISCOVER", MAC: "aa:bb:cc:00:00:01", XID: "0x00000002"},
		{Timestamp: "2026-01-02T10:00:03Z", Event: "message.rejected", ErrorKind: "truncated", Error: "truncated message", Size: 3},
	}
	for _, r := range recs {
		if err := cl.Append(r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHandleMessageQuery(t *testing.T) {
	env := newTestEnv(t, "")
	appendRecords(t, env.capture)

	tests := []struct {
		query   string
		wantIDs []uint64
	}{
		{"", []uint64{4, 3, 2, 1}},
		{"?mac=00:0C:29:AB:CD:EF", []uint64{2, 1}},
		{"?msg_type=DHCPDISCOVER", []uint64{3, 1}},
		{"?event=message.rejected", []uint64{4}},
		{"?limit=2", []uint64{4, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages"+tt.query, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			var resp struct {
				Records []capture.Record `json:"records"`
				Count   int              `json:"count"`
			}
			decodeBody(t, w, &resp)
			if resp.Count != len(tt.wantIDs) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if resp.Records[i].ID != id {
					t.Errorf("records[%d].ID = %d, want %d", i, resp.Records[i].ID, id)
				}
			}
		})
	}

	for _, bad := range []string{"?limit=-1", "?from=yesterday"} {
		if w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages"+bad, nil)); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, w.Code)
		}
	}
}

func TestHandleMessageGet(t *testing.T) {
	env := newTestEnv(t, "")
	appendRecords(t, env.capture)

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages/3", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rec capture.Record
	decodeBody(t, w, &rec)
	if rec.ID != 3 || rec.MAC != "aa:bb:cc:00:00:01" {
		t.Errorf("record = %+v", rec)
	}

	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages/99", nil)); w.Code != http.StatusNotFound {
		t.Errorf("missing id: status = %d, want 404", w.Code)
	}
	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages/abc", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestHandleMessageExportCSV(t *testing.T) {
	env := newTestEnv(t, "")
	appendRecords(t, env.capture)

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages/export?mac=aa:bb:cc:00:00:01", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}

	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if rows[0][0] != "id" || rows[1][0] != "3" {
		t.Errorf("rows = %v", rows)
	}
}

func TestHandleMessageStats(t *testing.T) {
	env := newTestEnv(t, "")
	appendRecords(t, env.capture)

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/messages/stats", nil))
	var resp struct {
		Total     int            `json:"total_records"`
		ByMsgType map[string]int `json:"by_msg_type"`
		ByError   map[string]int `json:"by_error_kind"`
	}
	decodeBody(t, w, &resp)
	if resp.Total != 4 || resp.ByMsgType["DHCPDISCOVER"] != 2 || resp.ByError["truncated"] != 1 {
		t.Errorf("stats = %+v", resp)
	}
}

func TestHandleFingerprints(t *testing.T) {
	env := newTestEnv(t, "")

	fp := &fingerprint.RawFingerprint{
		ClientID:    "00:0c:29:ab:cd:ef",
		MAC:         "00:0c:29:ab:cd:ef",
		VendorClass: "MSFT 5.0",
		ParamList:   []byte{1, 3, 6, 15, 31, 33, 43, 44, 46, 47, 119, 121, 249, 252},
	}
	info, _ := env.fp.Record(fp)

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/fingerprints", nil))
	var list []fingerprint.DeviceInfo
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].ClientID != fp.ClientID {
		t.Fatalf("list = %+v", list)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/fingerprints/00:0c:29:ab:cd:ef", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got fingerprint.DeviceInfo
	decodeBody(t, w, &got)
	if got.FingerprintHash != info.FingerprintHash {
		t.Errorf("hash = %q, want %q", got.FingerprintHash, info.FingerprintHash)
	}

	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/fingerprints/unknown", nil)); w.Code != http.StatusNotFound {
		t.Errorf("unknown client: status = %d, want 404", w.Code)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/fingerprints/hash/"+info.FingerprintHash, nil))
	var byHash struct {
		Clients []string `json:"clients"`
	}
	decodeBody(t, w, &byHash)
	if len(byHash.Clients) != 1 || byHash.Clients[0] != fp.ClientID {
		t.Errorf("clients = %v", byHash.Clients)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/fingerprints/stats", nil))
	var stats map[string]interface{}
	decodeBody(t, w, &stats)
	if stats["total_clients"] != float64(1) || stats["distinct_hashes"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestDisabledStoresReturnUnavailable(t *testing.T) {
	logger := testLogger()
	bus := events.NewBus(10, logger)
	srv := NewServer(config.Default(), bus, logger)
	t.Cleanup(func() { srv.sseHub.Stop(); srv.auth.Stop() })
	h := srv.Handler()

	for _, path := range []string{
		"/api/v1/messages", "/api/v1/messages/1", "/api/v1/fingerprints",
		"/api/v1/rogue", "/api/v1/rogue/10.0.0.9", "/api/v1/anomaly",
		"/api/v1/topology", "/api/v1/topology/stats",
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}

func TestHandleHooks(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/hooks", nil))
	var hooks []map[string]interface{}
	decodeBody(t, w, &hooks)
	if len(hooks) != 1 || hooks[0]["name"] != "notify" || hooks[0]["type"] != "script" {
		t.Errorf("hooks = %v", hooks)
	}

	ch := env.bus.Subscribe(10)
	defer env.bus.Unsubscribe(ch)

	w = env.do(t, httptest.NewRequest("POST", "/api/v1/hooks/test?event=fingerprint.new", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("test hook status = %d", w.Code)
	}
	select {
	case evt := <-ch:
		if evt.Type != events.EventFingerprintNew || evt.Fingerprint == nil {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("test event not published")
	}

	w = env.do(t, httptest.NewRequest("POST", "/api/v1/hooks/test?event=rogue.detected", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("rogue test hook status = %d", w.Code)
	}
	select {
	case evt := <-ch:
		if evt.Type != events.EventRogueDetected || evt.Rogue == nil || evt.Rogue.ServerID == "" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rogue test event not published")
	}

	if w := env.do(t, httptest.NewRequest("POST", "/api/v1/hooks/test?event=lease.ack", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("unknown event: status = %d, want 400", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t, "")
	appendRecords(t, env.capture)

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/stats", nil))
	var stats map[string]interface{}
	decodeBody(t, w, &stats)
	if stats["captured_messages"] != float64(4) || stats["fingerprints"] != float64(0) {
		t.Errorf("stats = %v", stats)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, "")
	go env.srv.sseHub.Run()

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events/stream?types=fingerprint.*")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// The hub subscribes asynchronously, so publish until something arrives.
	// Filtered-out events must never show up.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			if strings.HasPrefix(line, "event: ") {
				if line != "event: fingerprint.changed" {
					t.Fatalf("unexpected event line %q", line)
				}
				return
			}
		case <-tick.C:
			env.bus.Publish(events.Event{Type: events.EventMessageReceived})
			env.bus.Publish(events.Event{
				Type:        events.EventFingerprintChanged,
				Fingerprint: &events.FingerprintData{ClientID: "c1", Hash: "abc"},
			})
		case <-deadline:
			t.Fatal("no event received on stream")
		}
	}
}

func TestSSEClientWants(t *testing.T) {
	tests := []struct {
		types []string
		typ   string
		want  bool
	}{
		{nil, "message.received", true},
		{[]string{"*"}, "fingerprint.new", true},
		{[]string{"message.rejected"}, "message.received", false},
		{[]string{"message.*"}, "message.received", true},
		{[]string{"message.*"}, "fingerprint.new", false},
		{splitList(" fingerprint.new , ,message.rejected"), "message.rejected", true},
	}
	for _, tt := range tests {
		c := &sseClient{types: tt.types}
		if got := c.wants(tt.typ); got != tt.want {
			t.Errorf("wants(%v, %q) = %v, want %v", tt.types, tt.typ, got, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/messages":                   "/api/v1/messages",
		"/api/v1/messages/42":                "/api/v1/messages/{id}",
		"/api/v1/messages/export":            "/api/v1/messages/export",
		"/api/v1/fingerprints/stats":         "/api/v1/fingerprints/stats",
		"/api/v1/fingerprints/hash/abcdef":   "/api/v1/fingerprints/hash/{hash}",
		"/api/v1/fingerprints/01:aa":         "/api/v1/fingerprints/{client_id}",
		"/api/v1/rogue":                      "/api/v1/rogue",
		"/api/v1/rogue/10.0.0.9":             "/api/v1/rogue/{server_id}",
		"/api/v1/rogue/10.0.0.9/acknowledge": "/api/v1/rogue/{server_id}/acknowledge",
		"/metrics":                           "/metrics",
		"/favicon.ico":                       "other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleRogue(t *testing.T) {
	env := newTestEnv(t, "")

	// The configured server is not inventoried.
	env.rogue.Report(rogue.Reply{ServerID: net.IPv4(10, 0, 0, 1), MsgType: "DHCPOFFER"})
	env.rogue.Report(rogue.Reply{
		ServerID:  net.IPv4(10, 0, 0, 9),
		OfferedIP: net.IPv4(10, 0, 0, 150),
		ClientMAC: testMAC.String(),
		MsgType:   "DHCPOFFER",
	})

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/rogue", nil))
	var list struct {
		Servers []rogue.ServerEntry `json:"servers"`
		Total   int                 `json:"total"`
		Active  int                 `json:"active"`
	}
	decodeBody(t, w, &list)
	if list.Total != 1 || list.Active != 1 || list.Servers[0].ServerID != "10.0.0.9" {
		t.Fatalf("list = %+v", list)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/rogue/10.0.0.9", nil))
	var entry rogue.ServerEntry
	decodeBody(t, w, &entry)
	if entry.LastOffer != "10.0.0.150" || entry.LastClient != testMAC.String() {
		t.Errorf("entry = %+v", entry)
	}
	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/rogue/10.0.0.1", nil)); w.Code != http.StatusNotFound {
		t.Errorf("known server: status = %d, want 404", w.Code)
	}

	if w := env.do(t, httptest.NewRequest("POST", "/api/v1/rogue/10.0.0.9/acknowledge", nil)); w.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d", w.Code)
	}
	if e, _ := env.rogue.Get("10.0.0.9"); !e.Acknowledged {
		t.Error("entry not acknowledged")
	}
	if env.rogue.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after acknowledge", env.rogue.ActiveCount())
	}

	if w := env.do(t, httptest.NewRequest("DELETE", "/api/v1/rogue/10.0.0.9", nil)); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do(t, httptest.NewRequest("DELETE", "/api/v1/rogue/10.0.0.9", nil)); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w := env.do(t, httptest.NewRequest("POST", "/api/v1/rogue/10.0.0.77/acknowledge", nil)); w.Code != http.StatusNotFound {
		t.Errorf("acknowledge unknown status = %d, want 404", w.Code)
	}
}

func TestRogueMutationsRequireAdmin(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.rogue.Report(rogue.Reply{ServerID: net.IPv4(10, 0, 0, 9), MsgType: "DHCPOFFER"})

	for _, req := range []*http.Request{
		httptest.NewRequest("POST", "/api/v1/rogue/10.0.0.9/acknowledge", nil),
		httptest.NewRequest("DELETE", "/api/v1/rogue/10.0.0.9", nil),
	} {
		if w := env.do(t, req); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", req.Method, req.URL.Path, w.Code)
		}
	}
	if env.rogue.Count() != 1 {
		t.Errorf("Count = %d, entry should survive", env.rogue.Count())
	}
}

func TestHandleAnomalyWeather(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/anomaly", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("empty weather body = %q, want []", body)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/stats", nil))
	var stats map[string]interface{}
	decodeBody(t, w, &stats)
	if stats["segments"] != float64(0) || stats["rogue_active"] != float64(0) {
		t.Errorf("stats = %v", stats)
	}
}

func TestHandleTopology(t *testing.T) {
	env := newTestEnv(t, "")
	env.topo.Record(topology.Observation{CircuitID: "Gi1/0/4", RemoteID: "access-2", MAC: testMAC.String()})

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/topology", nil))
	var tree []topology.SwitchNode
	decodeBody(t, w, &tree)
	if len(tree) != 1 || tree[0].ID != "access-2" || tree[0].Ports["Gi1/0/4"] == nil {
		t.Fatalf("tree = %+v", tree)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/topology/stats", nil))
	var stats map[string]int
	decodeBody(t, w, &stats)
	if stats["devices"] != 1 {
		t.Errorf("stats = %v", stats)
	}

	body := `{"switch_id":"access-2","port_id":"Gi1/0/4","label":"lobby camera"}`
	w = env.do(t, httptest.NewRequest("PUT", "/api/v1/topology/label", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("label status = %d: %s", w.Code, w.Body.String())
	}
	if got := env.topo.Tree()[0].Ports["Gi1/0/4"].Label; got != "lobby camera" {
		t.Errorf("label = %q", got)
	}

	w = env.do(t, httptest.NewRequest("PUT", "/api/v1/topology/label", strings.NewReader(`{"switch_id":"core-9","label":"x"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown switch status = %d, want 404", w.Code)
	}
	w = env.do(t, httptest.NewRequest("PUT", "/api/v1/topology/label", strings.NewReader(`{"label":"x"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing switch_id status = %d, want 400", w.Code)
	}
}
