// Package datalog persists adapter traffic: every command with its raw answer
// and decoded value, and every failure. Sinks are fire-and-forget; nothing
// here may block or fail the command path.
package datalog

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "datalog")

// Sink receives command traffic from the connection and stream layers.
type Sink interface {
	LogCommand(session, command, raw string, parsed *float64, id obd.ParameterID)
	LogError(session, command, message string, id obd.ParameterID)
}

// Entry is one logged exchange.
type Entry struct {
	Time      time.Time       `json:"time"`
	Session   string          `json:"session"`
	Parameter obd.ParameterID `json:"parameter"`
	Command   string          `json:"command"`
	Raw       string          `json:"raw,omitempty"`
	Value     *float64        `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Writer is a storage backend. Writes happen on a single goroutine owned by
// Async, so implementations need not be concurrency safe for Write.
type Writer interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

func commandEntry(session, command, raw string, parsed *float64, id obd.ParameterID) Entry {
	var v *float64
	if parsed != nil {
		f := *parsed
		v = &f
	}
	return Entry{Time: time.Now(), Session: session, Parameter: id, Command: command, Raw: raw, Value: v}
}

func errorEntry(session, command, message string, id obd.ParameterID) Entry {
	return Entry{Time: time.Now(), Session: session, Parameter: id, Command: command, Error: message}
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogCommand(string, string, string, *float64, obd.ParameterID) {}
func (Nop) LogError(string, string, string, obd.ParameterID)             {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) LogCommand(session, command, raw string, parsed *float64, id obd.ParameterID) {
	for _, s := range m {
		s.LogCommand(session, command, raw, parsed, id)
	}
}

func (m Multi) LogError(session, command, message string, id obd.ParameterID) {
	for _, s := range m {
		s.LogError(session, command, message, id)
	}
}

// Memory keeps the most recent entries for the dashboard's log view.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 200
	}
	return &Memory{entries: make([]Entry, size)}
}

func (m *Memory) LogCommand(session, command, raw string, parsed *float64, id obd.ParameterID) {
	m.add(commandEntry(session, command, raw, parsed, id))
}

func (m *Memory) LogError(session, command, message string, id obd.ParameterID) {
	m.add(errorEntry(session, command, message, id))
}

func (m *Memory) add(e Entry) {
	m.mu.Lock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// Recent returns the buffered entries, oldest first.
func (m *Memory) Recent() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		out := make([]Entry, m.next)
		copy(out, m.entries[:m.next])
		return out
	}
	out := make([]Entry, 0, len(m.entries))
	out = append(out, m.entries[m.next:]...)
	return append(out, m.entries[:m.next]...)
}
