//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RFCOMM link-mode socket option (linux/include/net/bluetooth/rfcomm.h).
const (
	solRFCOMM       = 18
	rfcommLM        = 0x03
	rfcommLMAuth    = 0x02
	rfcommLMEncrypt = 0x04
)

// RFCOMMDialer connects to a classic Bluetooth SPP adapter. It first asks for
// an authenticated, encrypted link and falls back to an insecure one when the
// secure setup fails.
type RFCOMMDialer struct {
	Channel uint8
}

func NewRFCOMMDialer(channel uint8) *RFCOMMDialer {
	if channel == 0 {
		channel = 1
	}
	return &RFCOMMDialer{Channel: channel}
}

func (d *RFCOMMDialer) Dial(ctx context.Context, address string) (Conn, error) {
	bdaddr, err := parseBDAddr(address)
	if err != nil {
		return nil, &Error{Kind: SocketCreateFailed, Address: address, Err: err}
	}

	conn, err := d.dial(ctx, bdaddr, true)
	if err == nil {
		log.Infof("rfcomm %s ch%d connected (secure)", address, d.Channel)
		return conn, nil
	}
	if errors.Is(err, ErrBusy) || ctx.Err() != nil {
		return nil, wrapAddr(err, address)
	}
	log.Warnf("rfcomm %s secure connect failed: %v, falling back to insecure", address, err)

	conn, err = d.dial(ctx, bdaddr, false)
	if err != nil {
		return nil, wrapAddr(err, address)
	}
	log.Infof("rfcomm %s ch%d connected (insecure)", address, d.Channel)
	return conn, nil
}

func (d *RFCOMMDialer) dial(ctx context.Context, bdaddr [6]uint8, secure bool) (*rfcommConn, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, &Error{Kind: SocketCreateFailed, Err: err}
	}

	lm := 0
	if secure {
		lm = rfcommLMAuth | rfcommLMEncrypt
	}
	if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, lm); err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: SocketCreateFailed, Err: fmt.Errorf("set link mode: %w", err)}
	}

	sa := &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: d.Channel}
	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()

	select {
	case err := <-done:
		if err != nil {
			unix.Close(fd)
			return nil, &Error{Kind: connectErrorKind(err), Err: err}
		}
	case <-ctx.Done():
		// connect(2) cannot be interrupted; release the fd once it returns.
		unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() {
			<-done
			unix.Close(fd)
		}()
		return nil, ctx.Err()
	}
	return &rfcommConn{fd: fd}, nil
}

func connectErrorKind(err error) Kind {
	switch {
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EADDRINUSE):
		return Busy
	default:
		return IOError
	}
}

func wrapAddr(err error, address string) error {
	var te *Error
	if errors.As(err, &te) && te.Address == "" {
		te.Address = address
	}
	return err
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian bdaddr_t
// layout the kernel expects.
func parseBDAddr(address string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(address)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("invalid bluetooth address %q", address)
	}
	for i := 0; i < 6; i++ {
		out[i] = hw[5-i]
	}
	return out, nil
}

type rfcommConn struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func (c *rfcommConn) getFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1, &Error{Kind: IOError, Err: errors.New("connection closed")}
	}
	return c.fd, nil
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	fd, err := c.getFD()
	if err != nil {
		return 0, err
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, &Error{Kind: IOError, Err: err}
	}
	if n == 0 && len(p) > 0 {
		return 0, &Error{Kind: IOError, Err: errors.New("connection closed by peer")}
	}
	return n, nil
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	fd, err := c.getFD()
	if err != nil {
		return 0, err
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		return n, &Error{Kind: IOError, Err: err}
	}
	return n, nil
}

func (c *rfcommConn) SetReadTimeout(d time.Duration) error {
	fd, err := c.getFD()
	if err != nil {
		return err
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (c *rfcommConn) ResetInputBuffer() error {
	fd, err := c.getFD()
	if err != nil {
		return err
	}
	buf := make([]byte, 256)
	for {
		n, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return &Error{Kind: IOError, Err: err}
		}
		if n == 0 {
			return nil
		}
	}
}

func (c *rfcommConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}
