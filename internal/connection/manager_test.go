package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/elm"
	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/shaunagostinho/obddash/internal/transport"
)

const testAddr = "00:1D:A5:68:98:8B"

type pairingFunc func(string) bool

func (f pairingFunc) IsPaired(addr string) bool { return f(addr) }

func fastTimings() *Timings {
	return &Timings{
		Settle:          0,
		Backoff:         20 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		CommandGap:      0,
		InitScript: []InitStep{
			{Command: "ATZ"},
			{Command: "ATE0"},
			{Command: "ATSP0"},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *transport.EmulatorDialer, *datalog.Memory) {
	t.Helper()
	d := transport.NewEmulatorDialer()
	sink := datalog.NewMemory(100)
	m := NewManager(Options{Dialer: d, Sink: sink, Timings: fastTimings()})
	t.Cleanup(m.Disconnect)
	return m, d, sink
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Expected status %s, still %s", want, m.Status())
}

func mustConnect(t *testing.T, m *Manager) {
	t.Helper()
	res := m.Connect(context.Background(), testAddr)
	if !res.OK {
		t.Fatalf("Connect failed: %s (%v)", res.Message, res.Err)
	}
}

func TestConnectRunsInitScript(t *testing.T) {
	m, d, sink := newTestManager(t)
	mustConnect(t, m)

	if m.Status() != Connected {
		t.Errorf("Expected CONNECTED, got %s", m.Status())
	}
	if m.LastAddress() != testAddr {
		t.Errorf("Expected last address %s, got %q", testAddr, m.LastAddress())
	}
	if m.SessionID() == "" {
		t.Error("Expected a session id after connecting")
	}

	got := strings.Join(d.Conns()[0].Commands(), ",")
	if got != "ATZ,ATE0,ATSP0,0100" {
		t.Errorf("Expected init script ATZ,ATE0,ATSP0,0100, got %s", got)
	}

	entries := sink.Recent()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 logged init commands, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Parameter != obd.Initialization || e.Session != m.SessionID() {
			t.Errorf("Unexpected init log entry %+v", e)
		}
	}
}

func TestConnectTwiceOpensOneHandle(t *testing.T) {
	m, d, _ := newTestManager(t)
	d.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = m.Connect(context.Background(), testAddr)
	}()
	waitStatus(t, m, Connecting)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = m.Connect(context.Background(), testAddr)
	}()
	wg.Wait()

	for i, r := range results {
		if !r.OK {
			t.Errorf("call %d: expected success, got %s", i, r.Message)
		}
	}
	if d.Dials() != 1 {
		t.Errorf("Expected exactly 1 transport handle, got %d dials", d.Dials())
	}

	// connecting again while connected has no side effects
	if r := m.Connect(context.Background(), testAddr); !r.OK {
		t.Errorf("Expected success while connected, got %s", r.Message)
	}
	if d.Dials() != 1 {
		t.Errorf("Expected no new dial while connected, got %d dials", d.Dials())
	}
}

func TestConnectSurvivesFirstCallerLeaving(t *testing.T) {
	m, d, _ := newTestManager(t)
	d.SetDelay(100 * time.Millisecond)

	ctxA, cancelA := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- m.Connect(ctxA, testAddr) }()
	waitStatus(t, m, Connecting)

	second := make(chan Result, 1)
	go func() { second <- m.Connect(context.Background(), testAddr) }()
	time.Sleep(10 * time.Millisecond)
	cancelA()

	select {
	case r := <-first:
		if r.OK || !errors.Is(r.Err, context.Canceled) {
			t.Errorf("Expected the departed caller to see context.Canceled, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	select {
	case r := <-second:
		if !r.OK {
			t.Errorf("Expected the remaining caller to connect, got %s (%v)", r.Message, r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got a result")
	}
	if m.Status() != Connected {
		t.Errorf("Expected CONNECTED, got %s", m.Status())
	}
	if d.Dials() != 1 {
		t.Errorf("Expected exactly 1 dial, got %d", d.Dials())
	}
}

func TestConnectContinuesWithoutWaiters(t *testing.T) {
	m, d, _ := newTestManager(t)
	d.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if r := m.Connect(ctx, testAddr); r.OK {
		t.Fatal("Expected the caller to give up before the dial finished")
	}
	waitStatus(t, m, Connected)
	if m.LastAddress() != testAddr {
		t.Errorf("Expected last address %s, got %q", testAddr, m.LastAddress())
	}
}

func TestErrorBudgetTriggersOneReconnection(t *testing.T) {
	d := transport.NewEmulatorDialer()
	timings := fastTimings()
	timings.Backoff = 200 * time.Millisecond
	m := NewManager(Options{Dialer: d, Timings: timings})
	defer m.Disconnect()
	mustConnect(t, m)

	boom := errors.New("no data")
	for i := 1; i < DefaultErrorThreshold; i++ {
		m.HandleCommandError(boom)
		if m.ConsecutiveErrors() != i {
			t.Fatalf("Expected %d consecutive errors, got %d", i, m.ConsecutiveErrors())
		}
	}
	if m.Status() != Connected {
		t.Fatalf("Expected CONNECTED below threshold, got %s", m.Status())
	}

	m.HandleCommandError(boom)
	if s := m.Status(); s != Reconnecting {
		t.Fatalf("Expected RECONNECTING at threshold, got %s", s)
	}
	if m.ConsecutiveErrors() != 0 {
		t.Errorf("Expected counter reset at threshold, got %d", m.ConsecutiveErrors())
	}
	if !d.Conns()[0].Closed() {
		t.Error("Expected the old link to be closed")
	}

	// failures while not connected are not counted
	m.HandleCommandError(boom)
	m.TriggerReconnection()

	waitStatus(t, m, Connected)
	time.Sleep(50 * time.Millisecond)

	addrs := d.Addresses()
	if len(addrs) != 2 {
		t.Fatalf("Expected exactly one reconnection dial, got %d dials", len(addrs))
	}
	if addrs[1] != testAddr {
		t.Errorf("Expected reconnection to %s, got %s", testAddr, addrs[1])
	}

	m.HandleCommandError(boom)
	m.HandleCommandError(boom)
	m.ReportSuccess()
	if m.ConsecutiveErrors() != 0 {
		t.Errorf("Expected success to reset the counter, got %d", m.ConsecutiveErrors())
	}
}

func TestReconnectionFailureIsTerminal(t *testing.T) {
	m, d, _ := newTestManager(t)
	mustConnect(t, m)

	d.SetError(&transport.Error{Kind: transport.Busy, Address: testAddr})
	m.TriggerReconnection()
	waitStatus(t, m, Error)

	time.Sleep(100 * time.Millisecond)
	if m.Status() != Error {
		t.Errorf("Expected to stay in ERROR, got %s", m.Status())
	}
	if d.Dials() != 2 {
		t.Errorf("Expected no retry after failed reconnection, got %d dials", d.Dials())
	}
}

func TestTriggerReconnectionWithoutAddress(t *testing.T) {
	m, d, _ := newTestManager(t)
	m.TriggerReconnection()
	if m.Status() != Error {
		t.Errorf("Expected ERROR without a known address, got %s", m.Status())
	}
	if d.Dials() != 0 {
		t.Errorf("Expected no dial, got %d", d.Dials())
	}
}

func TestDisconnectDuringDial(t *testing.T) {
	m, d, _ := newTestManager(t)
	d.SetDelay(time.Second)

	done := make(chan Result, 1)
	go func() { done <- m.Connect(context.Background(), testAddr) }()
	waitStatus(t, m, Connecting)

	m.Disconnect()
	if m.Status() != Disconnected {
		t.Fatalf("Expected DISCONNECTED, got %s", m.Status())
	}

	select {
	case r := <-done:
		if r.OK || !errors.Is(r.Err, ErrCancelled) {
			t.Errorf("Expected cancelled attempt, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if m.Status() != Disconnected {
		t.Errorf("Expected cancelled attempt to leave DISCONNECTED, got %s", m.Status())
	}
	if len(d.Conns()) != 0 {
		t.Errorf("Expected no handle opened, got %d", len(d.Conns()))
	}
}

func TestDisconnectDuringInit(t *testing.T) {
	d := transport.NewEmulatorDialer()
	timings := fastTimings()
	timings.InitScript[0].Delay = time.Second
	m := NewManager(Options{Dialer: d, Timings: timings})

	done := make(chan Result, 1)
	go func() { done <- m.Connect(context.Background(), testAddr) }()
	deadline := time.Now().Add(time.Second)
	for len(d.Conns()) == 0 || len(d.Conns()[0].Commands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("init script never started")
		}
		time.Sleep(time.Millisecond)
	}

	m.Disconnect()
	r := <-done
	if r.OK {
		t.Error("Expected the attempt to fail")
	}
	if m.Status() != Disconnected {
		t.Errorf("Expected DISCONNECTED, got %s", m.Status())
	}
	if !d.Conns()[0].Closed() {
		t.Error("Expected the opened handle to be closed")
	}
}

func TestConnectNotPaired(t *testing.T) {
	d := transport.NewEmulatorDialer()
	m := NewManager(Options{
		Dialer:  d,
		Pairing: pairingFunc(func(string) bool { return false }),
		Timings: fastTimings(),
	})

	r := m.Connect(context.Background(), testAddr)
	if r.OK {
		t.Fatal("Expected failure for an unpaired device")
	}
	if !errors.Is(r.Err, transport.ErrNotPaired) {
		t.Errorf("Expected ErrNotPaired, got %v", r.Err)
	}
	if !strings.Contains(r.Message, "not paired") {
		t.Errorf("Expected a descriptive message, got %q", r.Message)
	}
	if m.Status() != Error {
		t.Errorf("Expected ERROR, got %s", m.Status())
	}
	if d.Dials() != 0 {
		t.Errorf("Expected no dial for an unpaired device, got %d", d.Dials())
	}
}

func TestConnectInitTimeoutTearsDown(t *testing.T) {
	m, d, sink := newTestManager(t)
	d.OnDial(func(em *transport.Emulator) { em.Silence(1) })

	r := m.Connect(context.Background(), testAddr)
	if r.OK {
		t.Fatal("Expected failure when the adapter stays silent")
	}
	if !errors.Is(r.Err, elm.ErrNoResponse) {
		t.Errorf("Expected ErrNoResponse, got %v", r.Err)
	}
	if !strings.HasPrefix(r.Message, "Connection timed out") {
		t.Errorf("Expected timeout message, got %q", r.Message)
	}
	if m.Status() != Error {
		t.Errorf("Expected ERROR, got %s", m.Status())
	}
	if !d.Conns()[0].Closed() {
		t.Error("Expected handle to be closed after failed init")
	}

	var sawConnectionError bool
	for _, e := range sink.Recent() {
		if e.Parameter == obd.Connection && e.Error != "" {
			sawConnectionError = true
		}
	}
	if !sawConnectionError {
		t.Error("Expected the failure to be logged against CONNECTION")
	}

	// a fresh explicit connect recovers
	d.OnDial(nil)
	mustConnect(t, m)
}

func TestProbeFailureIsNotFatal(t *testing.T) {
	m, d, _ := newTestManager(t)
	d.OnDial(func(em *transport.Emulator) { em.Garble(4) })
	mustConnect(t, m)
	if m.Status() != Connected {
		t.Errorf("Expected CONNECTED despite a bad probe answer, got %s", m.Status())
	}
}

func TestSendCommand(t *testing.T) {
	m, _, sink := newTestManager(t)

	if _, err := m.SendCommand(context.Background(), "ATRV"); !errors.Is(err, elm.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before connecting, got %v", err)
	}

	mustConnect(t, m)
	resp, err := m.SendCommand(context.Background(), "ATRV")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if !strings.HasSuffix(resp, "V") {
		t.Errorf("Expected a voltage, got %q", resp)
	}

	entries := sink.Recent()
	last := entries[len(entries)-1]
	if last.Command != "ATRV" || last.Parameter != obd.Unknown || last.Raw != resp {
		t.Errorf("Expected ad-hoc command to be logged, got %+v", last)
	}
}

func TestSendCommandFailuresCount(t *testing.T) {
	m, d, _ := newTestManager(t)
	mustConnect(t, m)
	d.Conns()[0].Silence(2)

	for i := 0; i < 2; i++ {
		if _, err := m.SendCommand(context.Background(), "010C"); !errors.Is(err, elm.ErrNoResponse) {
			t.Fatalf("Expected ErrNoResponse, got %v", err)
		}
	}
	if m.ConsecutiveErrors() != 2 {
		t.Errorf("Expected 2 counted failures, got %d", m.ConsecutiveErrors())
	}
	if _, err := m.SendCommand(context.Background(), "010C"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if m.ConsecutiveErrors() != 0 {
		t.Errorf("Expected success to reset the counter, got %d", m.ConsecutiveErrors())
	}
}

func TestDisconnectFromAnyState(t *testing.T) {
	m, d, _ := newTestManager(t)
	m.Disconnect()
	if m.Status() != Disconnected {
		t.Errorf("Expected DISCONNECTED, got %s", m.Status())
	}

	mustConnect(t, m)
	m.Disconnect()
	m.Disconnect()
	if m.Status() != Disconnected {
		t.Errorf("Expected DISCONNECTED, got %s", m.Status())
	}
	if !d.Conns()[0].Closed() {
		t.Error("Expected handle closed on disconnect")
	}
	if _, err := m.Execute(context.Background(), elm.NewRaw("ATI")); !errors.Is(err, elm.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after disconnect, got %v", err)
	}

	// disconnect during the reconnection backoff wins
	mustConnect(t, m)
	m.TriggerReconnection()
	m.Disconnect()
	time.Sleep(60 * time.Millisecond)
	if m.Status() != Disconnected {
		t.Errorf("Expected DISCONNECTED after cancelling reconnection, got %s", m.Status())
	}
}

func TestWatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ch, stop := m.Watch()
	defer stop()

	if s := <-ch; s != Disconnected {
		t.Errorf("Expected initial DISCONNECTED, got %s", s)
	}
	mustConnect(t, m)

	timeout := time.After(time.Second)
	for {
		select {
		case s := <-ch:
			if s == Connected {
				return
			}
		case <-timeout:
			t.Fatal("never observed CONNECTED")
		}
	}
}

func TestStatusText(t *testing.T) {
	for s := Disconnected; s <= Error; s++ {
		b, _ := s.MarshalText()
		var back Status
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("%s: round trip gave %s, %v", s, back, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		err    error
		prefix string
	}{
		{&transport.Error{Kind: transport.NotPaired}, "Device not paired"},
		{fmt.Errorf("ATZ: %w", elm.ErrNoResponse), "Connection timed out"},
		{context.DeadlineExceeded, "Connection timed out"},
		{&transport.Error{Kind: transport.SocketCreateFailed}, "Connection refused"},
		{&transport.Error{Kind: transport.Busy}, "Device busy"},
		{&transport.Error{Kind: transport.IOError}, "Read failed"},
		{errors.New("strange"), "Connection failed: strange"},
	}
	for _, tt := range tests {
		if got := describeFailure(tt.err); !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("describeFailure(%v): expected prefix %q, got %q", tt.err, tt.prefix, got)
		}
	}
}
