// Package transport provides the byte links to an ELM327-compatible adapter:
// Bluetooth RFCOMM sockets, serial device nodes and an in-process emulator.
// Nothing here knows about OBD semantics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "transport")

// Conn is an open link to the adapter.
type Conn interface {
	// Read returns 0, nil when the read timeout elapses without data.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	// ResetInputBuffer discards bytes already received but not yet read.
	ResetInputBuffer() error
	// Close is idempotent.
	Close() error
}

// Dialer opens a Conn to the adapter at address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// PairingChecker reports whether the platform knows the device at address.
type PairingChecker interface {
	IsPaired(address string) bool
}

// AlwaysPaired accepts every address.
type AlwaysPaired struct{}

func (AlwaysPaired) IsPaired(string) bool { return true }

// Kind categorizes transport failures.
type Kind int

const (
	NotPaired Kind = iota + 1
	SocketCreateFailed
	Busy
	IOError
)

func (k Kind) String() string {
	switch k {
	case NotPaired:
		return "not paired"
	case SocketCreateFailed:
		return "socket create failed"
	case Busy:
		return "busy"
	case IOError:
		return "i/o error"
	default:
		return "unknown"
	}
}

var (
	ErrNotPaired          = errors.New("device not paired")
	ErrSocketCreateFailed = errors.New("socket create failed")
	ErrBusy               = errors.New("device busy")
	ErrIO                 = errors.New("i/o error")
)

// Error is returned by Dialers; errors.Is matches both the Kind sentinel and
// the wrapped cause.
type Error struct {
	Kind    Kind
	Address string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Address, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Address, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotPaired:
		return e.Kind == NotPaired
	case ErrSocketCreateFailed:
		return e.Kind == SocketCreateFailed
	case ErrBusy:
		return e.Kind == Busy
	case ErrIO:
		return e.Kind == IOError
	}
	return false
}
