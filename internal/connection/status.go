package connection

import (
	"fmt"
	"strings"
	"sync"
)

// Status is the adapter link state. Only the Manager changes it.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for c := Disconnected; c <= Error; c++ {
		if strings.EqualFold(c.String(), string(b)) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("connection: unknown status %q", b)
}

// Result is the outcome of a Connect call.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func success(msg string) Result { return Result{OK: true, Message: msg} }

func failure(msg string, err error) Result { return Result{Message: msg, Err: err} }

// hub fans status changes out to watchers. Each watcher has a one-slot
// channel that always holds the latest status.
type hub struct {
	mu       sync.Mutex
	current  Status
	watchers map[chan Status]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[chan Status]struct{})}
}

func (h *hub) publish(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = s
	for ch := range h.watchers {
		offerLatest(ch, s)
	}
}

func (h *hub) watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	ch <- h.current
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, ch)
			h.mu.Unlock()
		})
	}
}

// offerLatest replaces whatever is buffered in ch with s.
func offerLatest(ch chan Status, s Status) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
