package datalog

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/obddash/internal/monitor"
	"github.com/shaunagostinho/obddash/internal/obd"
	"go.uber.org/atomic"
)

const writeTimeout = 5 * time.Second

// Async turns a Writer into a non-blocking Sink. Entries go through a
// buffered channel to one writer goroutine; when the buffer is full the entry
// is dropped and counted.
type Async struct {
	name    string
	w       Writer
	ch      chan Entry
	dropped atomic.Int64
	closed  atomic.Bool

	mu   sync.RWMutex
	done chan struct{}
}

func NewAsync(name string, w Writer, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		name: name,
		w:    w,
		ch:   make(chan Entry, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) LogCommand(session, command, raw string, parsed *float64, id obd.ParameterID) {
	a.offer(commandEntry(session, command, raw, parsed, id))
}

func (a *Async) LogError(session, command, message string, id obd.ParameterID) {
	a.offer(errorEntry(session, command, message, id))
}

func (a *Async) offer(e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- e:
	default:
		if n := a.dropped.Inc(); n == 1 || n%100 == 0 {
			log.Warnf("%s: behind, %d entries dropped", a.name, n)
		}
		monitor.SinkDropped.WithLabelValues(a.name).Inc()
	}
}

// Dropped returns how many entries were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := a.w.Write(ctx, e); err != nil {
			log.Warnf("%s: write failed: %v", a.name, err)
		}
		cancel()
	}
}

// Close flushes buffered entries and closes the Writer.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		return nil
	}
	close(a.ch)
	a.mu.Unlock()

	<-a.done
	return a.w.Close()
}
