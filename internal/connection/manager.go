// Package connection owns the adapter link: it drives connect, initialize and
// ready, counts consecutive command failures and reconnects to the last known
// address when the link goes bad.
package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/elm"
	"github.com/shaunagostinho/obddash/internal/monitor"
	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/shaunagostinho/obddash/internal/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var log = logrus.WithField("component", "connection")

var (
	// ErrCancelled is returned when Disconnect or a newer Connect supersedes
	// an attempt in progress.
	ErrCancelled = errors.New("connection attempt cancelled")
	ErrNoAddress = errors.New("no device address")
)

const (
	DefaultErrorThreshold = 5
	ProbeCommand          = "0100"
	probeExpect           = "4100"
)

// InitStep is one adapter setup command and the pause that follows it.
type InitStep struct {
	Command string
	Delay   time.Duration
}

// DefaultInitScript resets the adapter, turns echo off and selects automatic
// protocol detection.
var DefaultInitScript = []InitStep{
	{Command: "ATZ", Delay: 1500 * time.Millisecond},
	{Command: "ATE0", Delay: 200 * time.Millisecond},
	{Command: "ATSP0", Delay: 3000 * time.Millisecond},
}

// Timings groups every delay of the connection lifecycle.
type Timings struct {
	Settle          time.Duration // after the raw link opens
	Backoff         time.Duration // before a reconnection attempt
	ResponseTimeout time.Duration
	CommandGap      time.Duration
	InitScript      []InitStep
}

func DefaultTimings() Timings {
	return Timings{
		Settle:          1000 * time.Millisecond,
		Backoff:         3000 * time.Millisecond,
		ResponseTimeout: elm.DefaultResponseTimeout,
		CommandGap:      elm.DefaultGap,
		InitScript:      DefaultInitScript,
	}
}

type Options struct {
	Dialer  transport.Dialer
	Pairing transport.PairingChecker // nil accepts every address
	Sink    datalog.Sink             // nil discards
	Timings *Timings                 // nil uses DefaultTimings
	// ErrorThreshold is the consecutive failure count that triggers a
	// reconnection; zero means DefaultErrorThreshold.
	ErrorThreshold int
	QueueCapacity  int
}

// attempt is a Connect in progress; concurrent callers wait on it.
type attempt struct {
	done   chan struct{}
	cancel context.CancelFunc
	res    Result
}

func (a *attempt) wait(ctx context.Context) Result {
	select {
	case <-a.done:
		return a.res
	case <-ctx.Done():
		return failure("Connection cancelled", ctx.Err())
	}
}

// Manager is the single owner of the link status, the error budget, the last
// known address and the transport handle.
type Manager struct {
	dialer    transport.Dialer
	pairing   transport.PairingChecker
	sink      datalog.Sink
	timings   Timings
	threshold int

	proc   *elm.Processor
	reader atomic.Pointer[elm.Reader]
	hub    *hub

	mu            sync.Mutex
	status        Status
	conn          transport.Conn
	lastAddress   string
	session       string
	errors        int
	epoch         uint64
	inflight      *attempt
	cancelConnect context.CancelFunc
}

func NewManager(opts Options) *Manager {
	t := DefaultTimings()
	if opts.Timings != nil {
		t = *opts.Timings
	}
	if opts.Pairing == nil {
		opts.Pairing = transport.AlwaysPaired{}
	}
	if opts.Sink == nil {
		opts.Sink = datalog.Nop{}
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}

	m := &Manager{
		dialer:    opts.Dialer,
		pairing:   opts.Pairing,
		sink:      opts.Sink,
		timings:   t,
		threshold: opts.ErrorThreshold,
		hub:       newHub(),
	}
	m.proc = elm.NewProcessor(m.exchange, elm.ProcessorOptions{
		Capacity: opts.QueueCapacity,
		Gap:      t.CommandGap,
	})
	monitor.ConnectionStatus.Set(float64(Disconnected))
	return m
}

// exchange is the Processor's only path to the link.
func (m *Manager) exchange(ctx context.Context, text string) (string, error) {
	r := m.reader.Load()
	if r == nil {
		return "", elm.ErrNotConnected
	}
	return r.Exchange(ctx, text)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Watch returns a channel that immediately holds the current status and then
// always the latest one. Call the returned func to stop watching.
func (m *Manager) Watch() (<-chan Status, func()) {
	return m.hub.watch()
}

func (m *Manager) LastAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAddress
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	log.Infof("status %s -> %s", m.status, s)
	m.status = s
	monitor.ConnectionStatus.Set(float64(s))
	m.hub.publish(s)
}

// Connect opens the link to address, initializes the adapter and starts the
// command processor. While an attempt is already running the call waits for
// that attempt's outcome instead of starting another one; while connected it
// succeeds immediately. An empty address reuses the last known one. A caller
// whose ctx ends stops waiting but does not abort the attempt.
func (m *Manager) Connect(ctx context.Context, address string) Result {
	m.mu.Lock()
	switch m.status {
	case Connected:
		addr := m.lastAddress
		m.mu.Unlock()
		return success("Already connected to " + addr)
	case Connecting:
		if a := m.inflight; a != nil {
			m.mu.Unlock()
			return a.wait(ctx)
		}
	}
	if address == "" {
		address = m.lastAddress
	}
	if address == "" {
		m.mu.Unlock()
		return failure("No device address given", ErrNoAddress)
	}
	// a pending reconnection is superseded
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	// The attempt outlives this caller; only Disconnect or a newer
	// Connect cancels it. ctx bounds the wait alone.
	a, actx, epoch := m.beginLocked(context.WithoutCancel(ctx))
	m.mu.Unlock()

	go func() { m.finish(a, m.runConnect(actx, epoch, address)) }()
	return a.wait(ctx)
}

func (m *Manager) beginLocked(parent context.Context) (*attempt, context.Context, uint64) {
	m.epoch++
	ctx, cancel := context.WithCancel(parent)
	m.cancelConnect = cancel
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.inflight = a
	m.setStatusLocked(Connecting)
	return a, ctx, m.epoch
}

func (m *Manager) finish(a *attempt, res Result) Result {
	a.cancel()
	m.mu.Lock()
	if m.inflight == a {
		m.inflight = nil
	}
	m.mu.Unlock()

	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	monitor.ConnectAttempts.WithLabelValues(outcome).Inc()

	a.res = res
	close(a.done)
	return res
}

func (m *Manager) runConnect(ctx context.Context, epoch uint64, address string) Result {
	session := newSessionID()
	log.Infof("connecting to %s", address)

	if !m.pairing.IsPaired(address) {
		return m.fail(epoch, session, address, &transport.Error{Kind: transport.NotPaired, Address: address})
	}

	conn, err := m.dialer.Dial(ctx, address)
	if err != nil {
		return m.fail(epoch, session, address, err)
	}

	reader := elm.NewReader(conn)
	reader.Timeout = m.timings.ResponseTimeout

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close()
		return failure("Connection cancelled", ErrCancelled)
	}
	m.conn = conn
	m.reader.Store(reader)
	m.proc.Start()
	m.mu.Unlock()

	if err := sleepCtx(ctx, m.timings.Settle); err != nil {
		return m.fail(epoch, session, address, err)
	}

	for _, step := range m.timings.InitScript {
		resp, err := m.proc.Enqueue(ctx, elm.NewControl(step.Command))
		if err != nil {
			m.sink.LogError(session, step.Command, err.Error(), obd.Initialization)
			return m.fail(epoch, session, address, fmt.Errorf("%s: %w", step.Command, err))
		}
		m.sink.LogCommand(session, step.Command, resp, nil, obd.Initialization)
		if err := sleepCtx(ctx, step.Delay); err != nil {
			return m.fail(epoch, session, address, err)
		}
	}

	// Some adapters answer the first query after init unpredictably.
	resp, err := m.proc.Enqueue(ctx, elm.NewControl(ProbeCommand))
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return m.fail(epoch, session, address, err)
		}
		log.Warnf("communication test failed: %v", err)
		m.sink.LogError(session, ProbeCommand, err.Error(), obd.Initialization)
	case !strings.Contains(strings.ReplaceAll(resp, " ", ""), probeExpect):
		log.Warnf("communication test: unexpected answer %q", resp)
		m.sink.LogCommand(session, ProbeCommand, resp, nil, obd.Initialization)
	default:
		m.sink.LogCommand(session, ProbeCommand, resp, nil, obd.Initialization)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return failure("Connection cancelled", ErrCancelled)
	}
	m.errors = 0
	monitor.ConsecutiveErrors.Set(0)
	m.lastAddress = address
	m.session = session
	m.proc.Start()
	m.setStatusLocked(Connected)
	log.Infof("connected to %s, session %s", address, session)
	return success("Connected to " + address)
}

// fail tears the link down and moves to ERROR, unless the attempt has been
// superseded in the meantime.
func (m *Manager) fail(epoch uint64, session, address string, err error) Result {
	msg := describeFailure(err)
	log.Warnf("connect %s failed: %v", address, err)
	m.sink.LogError(session, "CONNECT "+address, msg, obd.Connection)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return failure("Connection cancelled", ErrCancelled)
	}
	conn := m.teardownLocked()
	m.setStatusLocked(Error)
	m.mu.Unlock()

	closeQuietly(conn)
	return failure(msg, err)
}

// teardownLocked invalidates any attempt in progress, stops the processor
// and detaches the link. The caller closes the returned conn.
func (m *Manager) teardownLocked() transport.Conn {
	m.epoch++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.proc.Stop()
	m.reader.Store(nil)
	conn := m.conn
	m.conn = nil
	m.errors = 0
	monitor.ConsecutiveErrors.Set(0)
	return conn
}

// Disconnect is safe from any state, including mid-connect. It always ends
// in DISCONNECTED.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.teardownLocked()
	m.setStatusLocked(Disconnected)
	m.mu.Unlock()

	closeQuietly(conn)
}

func closeQuietly(conn transport.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Debugf("close: %v", err)
	}
}

// ReportSuccess resets the error budget.
func (m *Manager) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Connected && m.errors != 0 {
		m.errors = 0
		monitor.ConsecutiveErrors.Set(0)
	}
}

// HandleCommandError counts a failed command while connected. Reaching the
// threshold resets the count and triggers a reconnection.
func (m *Manager) HandleCommandError(err error) {
	m.mu.Lock()
	if m.status != Connected {
		m.mu.Unlock()
		return
	}
	m.errors++
	monitor.ConsecutiveErrors.Set(float64(m.errors))
	if m.errors < m.threshold {
		m.mu.Unlock()
		return
	}
	log.Warnf("%d consecutive command failures, last: %v", m.errors, err)
	m.errors = 0
	monitor.ConsecutiveErrors.Set(0)
	m.mu.Unlock()

	m.TriggerReconnection()
}

// TriggerReconnection drops the link and, after the backoff, connects to the
// last known address again. A failed reconnection leaves the manager in
// ERROR; nothing retries further.
func (m *Manager) TriggerReconnection() {
	m.mu.Lock()
	switch m.status {
	case Reconnecting, Connecting:
		m.mu.Unlock()
		return
	}

	if m.lastAddress == "" {
		log.Warn("reconnection requested with no known address")
		conn := m.teardownLocked()
		m.setStatusLocked(Error)
		m.mu.Unlock()
		closeQuietly(conn)
		return
	}

	address := m.lastAddress
	conn := m.teardownLocked()
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelConnect = cancel
	m.setStatusLocked(Reconnecting)
	m.mu.Unlock()

	closeQuietly(conn)
	monitor.Reconnections.Inc()
	log.Infof("reconnecting to %s in %s", address, m.timings.Backoff)
	go m.reconnect(ctx, cancel, epoch, address)
}

func (m *Manager) reconnect(ctx context.Context, cancel context.CancelFunc, epoch uint64, address string) {
	defer cancel()
	if err := sleepCtx(ctx, m.timings.Backoff); err != nil {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	a, actx, next := m.beginLocked(ctx)
	m.mu.Unlock()

	res := m.finish(a, m.runConnect(actx, next, address))
	if res.OK {
		log.Infof("reconnected to %s", address)
	} else if !errors.Is(res.Err, ErrCancelled) {
		log.Errorf("reconnection to %s failed: %s", address, res.Message)
	}
}

// Execute runs cmd through the command queue without touching the error
// budget; the caller decides how to account for the outcome.
func (m *Manager) Execute(ctx context.Context, cmd *elm.Command) (string, error) {
	if m.Status() != Connected {
		return "", elm.ErrNotConnected
	}
	return m.proc.Enqueue(ctx, cmd)
}

// SendCommand runs an ad-hoc command, logs it and feeds the error budget.
func (m *Manager) SendCommand(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty command")
	}
	resp, err := m.Execute(ctx, elm.NewRaw(text))
	session := m.SessionID()
	if err != nil {
		m.sink.LogError(session, text, err.Error(), obd.Unknown)
		if !errors.Is(err, context.Canceled) {
			m.HandleCommandError(err)
		}
		return "", err
	}
	m.sink.LogCommand(session, text, resp, nil, obd.Unknown)
	m.ReportSuccess()
	return resp, nil
}

// describeFailure turns a connect error into the message shown to the user.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, transport.ErrNotPaired):
		return "Device not paired. Pair the adapter in the system Bluetooth settings first"
	case errors.Is(err, elm.ErrNoResponse), errors.Is(err, elm.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return "Connection timed out. Make sure the adapter is plugged in and the ignition is on"
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTDOWN),
		errors.Is(err, transport.ErrSocketCreateFailed):
		return "Connection refused. The adapter may be out of range or powered off"
	case errors.Is(err, transport.ErrBusy):
		return "Device busy. Another application may be connected to the adapter"
	case errors.Is(err, transport.ErrIO):
		return "Read failed. The link dropped while talking to the adapter"
	default:
		return "Connection failed: " + err.Error()
	}
}

func newSessionID() string {
	return fmt.Sprintf("%s-%04x", time.Now().Format("20060102T150405"), rand.Intn(0x10000))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
