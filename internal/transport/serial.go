package transport

import (
	"context"
	"errors"
	"sync"

	"go.bug.st/serial"
)

// openPort is swapped out by tests.
var openPort = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// SerialDialer opens a serial device node: a bound /dev/rfcomm* channel or a
// USB ELM327. The address is the device path.
type SerialDialer struct {
	BaudRate int
}

// NewSerialDialer creates a dialer; baud defaults to 38400, the ELM327
// factory setting.
func NewSerialDialer(baud int) *SerialDialer {
	if baud == 0 {
		baud = 38400
	}
	return &SerialDialer{BaudRate: baud}
}

func (d *SerialDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(address, mode)
	if err != nil {
		return nil, &Error{Kind: serialErrorKind(err), Address: address, Err: err}
	}
	log.Infof("opened %s at %d baud", address, d.BaudRate)
	return &serialConn{Port: port}, nil
}

func serialErrorKind(err error) Kind {
	var pe *serial.PortError
	if !errors.As(err, &pe) {
		return IOError
	}
	switch pe.Code() {
	case serial.PortBusy:
		return Busy
	case serial.PortNotFound, serial.InvalidSerialPort, serial.PermissionDenied:
		return SocketCreateFailed
	default:
		return IOError
	}
}

type serialConn struct {
	serial.Port
	once sync.Once
	err  error
}

func (c *serialConn) Close() error {
	c.once.Do(func() { c.err = c.Port.Close() })
	return c.err
}

// SerialPorts treats a device path as paired when the OS lists it.
type SerialPorts struct{}

func (SerialPorts) IsPaired(address string) bool {
	ports, err := serial.GetPortsList()
	if err != nil {
		log.Warnf("listing serial ports: %v", err)
		return false
	}
	for _, p := range ports {
		if p == address {
			return true
		}
	}
	return false
}
