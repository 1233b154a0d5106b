package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/shaunagostinho/obddash/internal/connection"
	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/server"
	"github.com/shaunagostinho/obddash/internal/transport"
)

// demoAddress is dialed when the emulator runs without a configured address.
const demoAddress = "emulator"

// newDialer picks the transport and the matching pairing check.
func newDialer(o server.OBDConfig) (transport.Dialer, transport.PairingChecker, error) {
	var pairing transport.PairingChecker = transport.AlwaysPaired{}
	switch o.Transport {
	case "rfcomm":
		if o.CheckPairing {
			pairing = transport.NewBlueZPairing()
		}
		return transport.NewRFCOMMDialer(uint8(o.Channel)), pairing, nil
	case "serial":
		if o.CheckPairing {
			pairing = transport.SerialPorts{}
		}
		return transport.NewSerialDialer(o.BaudRate), pairing, nil
	case "demo":
		return transport.NewEmulatorDialer(), pairing, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", o.Transport)
	}
}

// linkAddress is the address to dial at startup, empty when there is none.
func linkAddress(o server.OBDConfig) string {
	if o.Address == "" && o.Transport == "demo" {
		return demoAddress
	}
	return o.Address
}

func newTimings(o server.OBDConfig) *connection.Timings {
	t := connection.DefaultTimings()
	if o.ResponseTimeoutMs > 0 {
		t.ResponseTimeout = time.Duration(o.ResponseTimeoutMs) * time.Millisecond
	}
	if o.CommandGapMs >= 0 {
		t.CommandGap = time.Duration(o.CommandGapMs) * time.Millisecond
	}
	if o.Transport == "demo" {
		// The emulator is ready as soon as it is dialed
		t.Settle = 0
		script := make([]connection.InitStep, len(t.InitScript))
		for i, step := range t.InitScript {
			script[i] = connection.InitStep{Command: step.Command}
		}
		t.InitScript = script
	}
	return &t
}

func newManager(o server.OBDConfig, sink datalog.Sink) (*connection.Manager, error) {
	dialer, pairing, err := newDialer(o)
	if err != nil {
		return nil, err
	}
	return connection.NewManager(connection.Options{
		Dialer:         dialer,
		Pairing:        pairing,
		Sink:           sink,
		Timings:        newTimings(o),
		ErrorThreshold: o.ErrorThreshold,
	}), nil
}

// sinks is the assembled data log: an in-memory ring for the API plus the
// configured CSV, Redis and MQTT writers.
type sinks struct {
	datalog.Multi
	memory  *datalog.Memory
	closers []*datalog.Async
}

func (s *sinks) Close() {
	for _, a := range s.closers {
		if err := a.Close(); err != nil {
			log.Warnf("closing data log sink: %v", err)
		}
	}
}

func (s *sinks) add(name string, w datalog.Writer) {
	a := datalog.NewAsync(name, w, 256)
	s.Multi = append(s.Multi, a)
	s.closers = append(s.closers, a)
}

// buildSinks wires the data log. Unreachable external sinks are logged and
// skipped so the dashboard still starts.
func buildSinks(ctx context.Context, c *server.Config) *sinks {
	s := &sinks{memory: datalog.NewMemory(c.Logging.Memory)}
	s.Multi = datalog.Multi{s.memory}

	if c.Logging.Enabled {
		s.add("csv", datalog.NewCSV(datalog.CSVConfig{Enabled: true, Path: c.Logging.Path}))
	}

	if c.Sinks.Redis.Addr != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		r, err := datalog.NewRedis(dctx, c.Sinks.Redis)
		cancel()
		if err != nil {
			log.Warnf("redis sink disabled: %v", err)
		} else {
			s.add("redis", r)
		}
	}

	if c.Sinks.MQTT.Broker != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		m, err := datalog.NewMQTT(dctx, c.Sinks.MQTT)
		cancel()
		if err != nil {
			log.Warnf("mqtt sink disabled: %v", err)
		} else {
			s.add("mqtt", m)
		}
	}
	return s
}

// connectWithRetry keeps calling Connect with exponential backoff until it
// succeeds, ctx ends or the failure cannot be fixed by waiting.
func connectWithRetry(ctx context.Context, mgr *connection.Manager, address string, attempts uint) error {
	return retry.Do(
		func() error {
			res := mgr.Connect(ctx, address)
			if res.OK {
				return nil
			}
			err := errors.New(res.Message)
			if errors.Is(res.Err, transport.ErrNotPaired) || errors.Is(res.Err, connection.ErrNoAddress) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("connect attempt %d to %s failed: %v", n+1, address, err)
		}),
		retry.LastErrorOnly(true),
	)
}
