package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/obddash/internal/connection"
	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/shaunagostinho/obddash/internal/stream"
	"github.com/shaunagostinho/obddash/internal/transport"
)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	mgr    *connection.Manager
	sched  *stream.Scheduler
	dialer *transport.EmulatorDialer
	memory *datalog.Memory
	cfg    *Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dialer := transport.NewEmulatorDialer()
	memory := datalog.NewMemory(100)
	mgr := connection.NewManager(connection.Options{
		Dialer: dialer,
		Sink:   memory,
		Timings: &connection.Timings{
			Backoff:         20 * time.Millisecond,
			ResponseTimeout: 200 * time.Millisecond,
			InitScript: []connection.InitStep{
				{Command: "ATZ"},
				{Command: "ATE0"},
				{Command: "ATSP0"},
			},
		},
	})
	sched := stream.NewScheduler(mgr, stream.Options{
		Intervals: map[obd.ParameterID]time.Duration{obd.RPM: 20 * time.Millisecond},
		IdleCheck: 10 * time.Millisecond,
		Sink:      memory,
	})

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.OBD.Address = "emulator"

	web := fstest.MapFS{"index.html": {Data: []byte("<html>obddash</html>")}}
	srv := New(cfg, mgr, sched, memory, web)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		sched.Close()
		mgr.Disconnect()
	})
	return &testEnv{srv: srv, http: hs, mgr: mgr, sched: sched, dialer: dialer, memory: memory, cfg: cfg}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame returns the first frame that satisfies match.
func readFrame(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ws read: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if match(f) {
			return f
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var st StatusData
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != connection.Disconnected {
		t.Errorf("Expected DISCONNECTED, got %s", st.State)
	}
	if !bytes.Contains(body, []byte(`"state":"DISCONNECTED"`)) {
		t.Errorf("Expected textual state, got %s", body)
	}
}

func TestConnectCommandDisconnect(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/connect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected connect 200, got %d: %s", resp.StatusCode, body)
	}
	var cr connectResponse
	json.Unmarshal(body, &cr)
	if !cr.OK || cr.Status.State != connection.Connected {
		t.Fatalf("Expected connected result, got %+v", cr)
	}
	if addrs := env.dialer.Addresses(); len(addrs) != 1 || addrs[0] != "emulator" {
		t.Errorf("Expected configured address to be dialed, got %v", addrs)
	}

	resp, body = env.post(t, "/api/command", `{"command":"01 0C"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected command 200, got %d: %s", resp.StatusCode, body)
	}
	var cmd commandResponse
	json.Unmarshal(body, &cmd)
	if !strings.HasPrefix(cmd.Response, "41 0C") {
		t.Errorf("Expected RPM response, got %q", cmd.Response)
	}

	resp, _ = env.post(t, "/api/command", `{"command":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty command, got %d", resp.StatusCode)
	}

	_, body = env.get(t, "/api/log")
	var entries []datalog.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Command == "01 0C" && e.Parameter == obd.Unknown {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected ad-hoc command in the log, got %d entries", len(entries))
	}

	resp, body = env.post(t, "/api/disconnect", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("DISCONNECTED")) {
		t.Errorf("Expected disconnect to report DISCONNECTED, got %d %s", resp.StatusCode, body)
	}

	resp, _ = env.post(t, "/api/command", `{"command":"01 0C"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while disconnected, got %d", resp.StatusCode)
	}
}

func TestConnectExplicitAddressAndFailure(t *testing.T) {
	env := newTestEnv(t)

	env.dialer.SetError(&transport.Error{Kind: transport.Busy, Address: "busy"})
	resp, body := env.post(t, "/api/connect", `{"address":"00:1D:A5:68:98:8B"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d: %s", resp.StatusCode, body)
	}
	var cr connectResponse
	json.Unmarshal(body, &cr)
	if cr.OK || !strings.HasPrefix(cr.Message, "Device busy") {
		t.Errorf("Expected busy message, got %+v", cr)
	}
	if cr.Status.State != connection.Error {
		t.Errorf("Expected ERROR, got %s", cr.Status.State)
	}
	if addrs := env.dialer.Addresses(); len(addrs) != 1 || addrs[0] != "00:1D:A5:68:98:8B" {
		t.Errorf("Expected explicit address to be dialed, got %v", addrs)
	}
}

func TestConnectWithoutAddress(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.OBD.Address = ""
	resp, _ := env.post(t, "/api/connect", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without an address, got %d", resp.StatusCode)
	}
	if env.dialer.Dials() != 0 {
		t.Errorf("Expected no dial, got %d", env.dialer.Dials())
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/config")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"transport":"demo"`)) {
		t.Fatalf("Expected config JSON, got %d %s", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/config", `{"display":{"units":{"speed":"mph"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if env.cfg.DisplaySnapshot().Units.Speed != "mph" {
		t.Errorf("Expected speed unit mph, got %s", env.cfg.DisplaySnapshot().Units.Speed)
	}
	if _, err := os.Stat(env.cfg.path); err != nil {
		t.Errorf("Expected config saved to %s: %v", env.cfg.path, err)
	}

	resp, _ = env.post(t, "/api/config", `{"obd":{"transport":"can"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid config, got %d", resp.StatusCode)
	}
}

func TestParametersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.get(t, "/api/parameters")
	var params []ParameterInfo
	if err := json.Unmarshal(body, &params); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(params) != len(obd.Parameters()) {
		t.Fatalf("Expected %d parameters, got %d", len(obd.Parameters()), len(params))
	}
	for _, p := range params {
		if p.ID == obd.RPM && p.IntervalMs != 20 {
			t.Errorf("Expected RPM interval override of 20ms, got %d", p.IntervalMs)
		}
		if p.Streamed || p.Latest != nil {
			t.Errorf("%s: expected nothing streamed yet", p.ID)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/connect"},
		{http.MethodGet, "/api/disconnect"},
		{http.MethodGet, "/api/command"},
		{http.MethodPost, "/api/status"},
		{http.MethodPost, "/api/log"},
		{http.MethodPost, "/api/parameters"},
		{http.MethodDelete, "/api/config"},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, env.http.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestStaticAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.get(t, "/")
	if !bytes.Contains(body, []byte("obddash")) {
		t.Errorf("Expected embedded index, got %s", body)
	}
	resp, body := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("obd_connection_status")) {
		t.Errorf("Expected prometheus output, got %d", resp.StatusCode)
	}
}

func TestWebSocketSnapshotAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.watchStatus(ctx)

	conn := env.dialWS(t)
	first := readFrame(t, conn, func(Frame) bool { return true })
	if first.Config == nil || first.Status == nil || len(first.Parameters) == 0 {
		t.Fatalf("Expected snapshot frame, got %+v", first)
	}
	if first.Status.State != connection.Disconnected {
		t.Errorf("Expected DISCONNECTED in snapshot, got %s", first.Status.State)
	}

	if res := env.mgr.Connect(ctx, "emulator"); !res.OK {
		t.Fatalf("Connect failed: %s", res.Message)
	}
	f := readFrame(t, conn, func(f Frame) bool {
		return f.Status != nil && f.Status.State == connection.Connected
	})
	if f.Status.Session == "" {
		t.Error("Expected a session id once connected")
	}
}

func TestWebSocketReadings(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := env.dialWS(t)
	readFrame(t, conn, func(Frame) bool { return true })

	sub, err := env.sched.Subscribe(ctx, obd.RPM)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	go env.srv.forward(ctx, sub)

	if res := env.mgr.Connect(ctx, "emulator"); !res.OK {
		t.Fatalf("Connect failed: %s", res.Message)
	}
	f := readFrame(t, conn, func(f Frame) bool { return f.Reading != nil })
	if f.Reading.Parameter != obd.RPM {
		t.Errorf("Expected RPM reading, got %s", f.Reading.Parameter)
	}
	if f.Reading.Value < 800 || f.Reading.Value > 5000 {
		t.Errorf("Expected plausible RPM, got %v", f.Reading.Value)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Server.ListenAddr = "127.0.0.1:0"
	env.cfg.Server.Parameters = []string{"RPM", "SPEED"}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- env.srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(env.sched.Active()) != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(env.sched.Active()); n != 2 {
		t.Errorf("Expected 2 streamed parameters, got %d", n)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsUnknownParameter(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Server.Parameters = []string{"BOOST"}
	if err := env.srv.Run(context.Background()); err == nil {
		t.Error("Expected Run to reject an unknown parameter")
	}
}
