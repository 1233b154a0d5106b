//go:build linux

package transport

import (
	"context"
	"errors"
	"testing"
)

func TestParseBDAddr(t *testing.T) {
	got, err := parseBDAddr("00:1D:A5:68:98:8B")
	if err != nil {
		t.Fatalf("parseBDAddr failed: %v", err)
	}
	want := [6]uint8{0x8B, 0x98, 0x68, 0xA5, 0x1D, 0x00}
	if got != want {
		t.Errorf("Expected %x, got %x", want, got)
	}

	for _, bad := range []string{"", "00:1D:A5", "zz:zz:zz:zz:zz:zz", "00:00:5e:00:53:01:02:03"} {
		if _, err := parseBDAddr(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestRFCOMMDialerRejectsBadAddress(t *testing.T) {
	d := NewRFCOMMDialer(0)
	if d.Channel != 1 {
		t.Errorf("Expected default channel 1, got %d", d.Channel)
	}
	_, err := d.Dial(context.Background(), "not-an-address")
	if !errors.Is(err, ErrSocketCreateFailed) {
		t.Errorf("Expected ErrSocketCreateFailed, got %v", err)
	}
}
