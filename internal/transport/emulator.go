package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Emulator simulates an ELM327 adapter plugged into a running car. It is used
// for demo mode and tests.
type Emulator struct {
	mu          sync.Mutex
	notify      chan struct{}
	out         []byte
	line        []byte
	readTimeout time.Duration
	closed      bool
	echo        bool
	silence     int
	garble      int
	commands    []string

	t        float64 // virtual time accumulator
	fuelPct  float64
	voltBase float64
}

func NewEmulator() *Emulator {
	return &Emulator{
		notify:      make(chan struct{}, 1),
		readTimeout: 100 * time.Millisecond,
		echo:        true,
		fuelPct:     72,
		voltBase:    13.8,
	}
}

// Silence makes the emulator swallow the next n commands, echo included.
func (e *Emulator) Silence(n int) {
	e.mu.Lock()
	e.silence = n
	e.mu.Unlock()
}

// Garble makes the emulator answer the next n commands with NO DATA.
func (e *Emulator) Garble(n int) {
	e.mu.Lock()
	e.garble = n
	e.mu.Unlock()
}

// Commands returns every command line received so far.
func (e *Emulator) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	copy(out, e.commands)
	return out
}

// Closed reports whether Close has been called.
func (e *Emulator) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	timeout := e.readTimeout
	e.mu.Unlock()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return 0, &Error{Kind: IOError, Address: "emulator", Err: errors.New("connection closed")}
		}
		if len(e.out) > 0 {
			n := copy(p, e.out)
			e.out = e.out[n:]
			e.mu.Unlock()
			return n, nil
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, &Error{Kind: IOError, Address: "emulator", Err: errors.New("connection closed")}
	}
	for _, b := range p {
		if b != '\r' {
			e.line = append(e.line, b)
			continue
		}
		e.handleLine(string(e.line))
		e.line = e.line[:0]
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (e *Emulator) SetReadTimeout(d time.Duration) error {
	e.mu.Lock()
	e.readTimeout = d
	e.mu.Unlock()
	return nil
}

func (e *Emulator) ResetInputBuffer() error {
	e.mu.Lock()
	e.out = e.out[:0]
	e.mu.Unlock()
	return nil
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.notify)
	}
	return nil
}

// handleLine is called with e.mu held.
func (e *Emulator) handleLine(line string) {
	cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
	if cmd == "" {
		return
	}
	e.commands = append(e.commands, line)
	if e.silence > 0 {
		e.silence--
		return
	}
	if e.echo {
		e.out = append(e.out, line+"\r"...)
	}
	if e.garble > 0 {
		e.garble--
		e.out = append(e.out, "NO DATA\r\r>"...)
		return
	}
	e.out = append(e.out, e.respond(cmd)+"\r\r>"...)
}

func (e *Emulator) respond(cmd string) string {
	if strings.HasPrefix(cmd, "AT") {
		switch cmd {
		case "ATZ":
			e.echo = true
			return "\r\rELM327 v1.5"
		case "ATI":
			return "ELM327 v1.5"
		case "ATE0":
			e.echo = false
			return "OK"
		case "ATE1":
			e.echo = true
			return "OK"
		case "ATRV":
			return fmt.Sprintf("%.1fV", e.voltBase+rand.Float64()*0.4)
		case "ATDPN":
			return "A6"
		}
		if len(cmd) > 2 {
			return "OK"
		}
		return "?"
	}

	if len(cmd) != 4 || cmd[:2] != "01" {
		return "?"
	}
	var pid byte
	if _, err := fmt.Sscanf(cmd[2:], "%02X", &pid); err != nil {
		return "?"
	}
	payload, ok := e.simulate(pid)
	if !ok {
		return "NO DATA"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "41 %02X", pid)
	for _, v := range payload {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// simulate produces the raw payload bytes for a Mode-01 PID.
func (e *Emulator) simulate(pid byte) ([]byte, bool) {
	e.t += 0.05

	// RPM cycling between idle and revving
	rpmBase := 850.0 + 4000.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3)
	rpm := rpmBase + rand.Float64()*50
	tps := clamp((rpm-850)/(8000-850)*100, 0, 100)

	switch pid {
	case 0x00:
		return []byte{0xBE, 0x3E, 0xB8, 0x11}, true
	case 0x04: // engine load
		return []byte{pctByte(20 + tps*0.75)}, true
	case 0x05: // coolant
		return []byte{byte(85 + rand.Float64()*5 + 40)}, true
	case 0x0A: // fuel pressure, 3 kPa/bit
		return []byte{byte(100 + rand.Float64()*4)}, true
	case 0x0C:
		raw := uint16(rpm * 4)
		return []byte{byte(raw >> 8), byte(raw)}, true
	case 0x0D:
		return []byte{byte(tps / 100 * 220)}, true
	case 0x0F: // intake air
		return []byte{byte(30 + rand.Float64()*8 + 40)}, true
	case 0x10: // MAF, 0.01 g/s
		raw := uint16((2 + tps/100*180) * 100)
		return []byte{byte(raw >> 8), byte(raw)}, true
	case 0x11:
		return []byte{pctByte(tps)}, true
	case 0x2F:
		e.fuelPct = math.Max(0, e.fuelPct-0.001)
		return []byte{pctByte(e.fuelPct)}, true
	case 0x33:
		return []byte{101}, true
	case 0x42: // control module voltage, 0.1 V/bit
		return []byte{byte((e.voltBase + rand.Float64()*0.4) * 10)}, true
	case 0x46:
		return []byte{byte(20 + 40)}, true
	}
	return nil, false
}

func pctByte(pct float64) byte { return byte(clamp(pct, 0, 100) * 255 / 100) }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// EmulatorDialer hands out a fresh Emulator for every Dial.
type EmulatorDialer struct {
	dials atomic.Int32

	mu        sync.Mutex
	delay     time.Duration
	err       error
	conns     []*Emulator
	addresses []string
	setup     func(*Emulator)
}

func NewEmulatorDialer() *EmulatorDialer {
	return &EmulatorDialer{}
}

// SetDelay holds each following Dial for d before it completes.
func (d *EmulatorDialer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// SetError makes following Dials fail with err; nil restores success.
func (d *EmulatorDialer) SetError(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// OnDial registers a hook run on every new Emulator before it is returned.
func (d *EmulatorDialer) OnDial(fn func(*Emulator)) {
	d.mu.Lock()
	d.setup = fn
	d.mu.Unlock()
}

func (d *EmulatorDialer) Dial(ctx context.Context, address string) (Conn, error) {
	d.dials.Inc()
	d.mu.Lock()
	d.addresses = append(d.addresses, address)
	delay, err := d.delay, d.err
	d.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}

	em := NewEmulator()
	d.mu.Lock()
	if d.setup != nil {
		d.setup(em)
	}
	d.conns = append(d.conns, em)
	d.mu.Unlock()
	log.Debugf("emulator dialed for %s", address)
	return em, nil
}

// Dials returns how many times Dial was called.
func (d *EmulatorDialer) Dials() int { return int(d.dials.Load()) }

// Addresses returns the address passed to every Dial, in order.
func (d *EmulatorDialer) Addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addresses...)
}

// Conns returns every emulator handed out so far.
func (d *EmulatorDialer) Conns() []*Emulator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Emulator(nil), d.conns...)
}
