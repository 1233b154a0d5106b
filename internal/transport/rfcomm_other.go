//go:build !linux

package transport

import (
	"context"
	"errors"
)

// RFCOMMDialer is only available on linux; use a bound serial port elsewhere.
type RFCOMMDialer struct {
	Channel uint8
}

func NewRFCOMMDialer(channel uint8) *RFCOMMDialer {
	return &RFCOMMDialer{Channel: channel}
}

func (d *RFCOMMDialer) Dial(ctx context.Context, address string) (Conn, error) {
	return nil, &Error{Kind: SocketCreateFailed, Address: address, Err: errors.New("rfcomm sockets are not supported on this platform")}
}
