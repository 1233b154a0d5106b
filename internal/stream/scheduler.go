// Package stream turns PID polling into live parameter streams. Each
// parameter with at least one subscriber has its own polling loop; all loops
// share the connection's single command queue.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/obddash/internal/connection"
	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/elm"
	"github.com/shaunagostinho/obddash/internal/monitor"
	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stream")

const DefaultIdleCheck = 250 * time.Millisecond

// Link is the part of the connection manager the scheduler drives.
type Link interface {
	Status() connection.Status
	Watch() (<-chan connection.Status, func())
	Execute(ctx context.Context, cmd *elm.Command) (string, error)
	ReportSuccess()
	HandleCommandError(err error)
	SessionID() string
}

type Options struct {
	// Intervals overrides the default polling cadence per parameter.
	Intervals map[obd.ParameterID]time.Duration
	// IdleCheck is how often an idle loop re-checks the link status.
	IdleCheck time.Duration
	Sink      datalog.Sink
}

type Scheduler struct {
	link      Link
	sink      datalog.Sink
	intervals map[obd.ParameterID]time.Duration
	idleCheck time.Duration

	mu    sync.Mutex
	loops map[obd.ParameterID]*loop
}

func NewScheduler(link Link, opts Options) *Scheduler {
	if opts.IdleCheck <= 0 {
		opts.IdleCheck = DefaultIdleCheck
	}
	if opts.Sink == nil {
		opts.Sink = datalog.Nop{}
	}
	intervals := make(map[obd.ParameterID]time.Duration, len(opts.Intervals))
	for id, d := range opts.Intervals {
		intervals[id] = d
	}
	return &Scheduler{
		link:      link,
		sink:      opts.Sink,
		intervals: intervals,
		idleCheck: opts.IdleCheck,
		loops:     make(map[obd.ParameterID]*loop),
	}
}

// Subscription delivers readings of one parameter. The channel holds at most
// one value, always the latest.
type Subscription struct {
	ID obd.ParameterID

	s    *Scheduler
	ch   chan obd.Reading
	once sync.Once
	stop func() bool
}

func (sub *Subscription) C() <-chan obd.Reading { return sub.ch }

// Close ends the subscription and closes C. It is idempotent.
func (sub *Subscription) Close() {
	sub.once.Do(func() { sub.s.unsubscribe(sub) })
}

type loop struct {
	id       obd.ParameterID
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest *obd.Reading
}

// Subscribe starts streaming id. The first subscriber starts the polling
// loop; later ones immediately receive the latest value. The subscription
// ends when ctx does or Close is called.
func (s *Scheduler) Subscribe(ctx context.Context, id obd.ParameterID) (*Subscription, error) {
	if _, ok := obd.Lookup(id); !ok {
		return nil, fmt.Errorf("stream: %s cannot be polled", id)
	}
	sub := &Subscription{ID: id, s: s, ch: make(chan obd.Reading, 1)}

	s.mu.Lock()
	l := s.loops[id]
	if l == nil {
		interval := s.Interval(id)
		lctx, cancel := context.WithCancel(context.Background())
		l = &loop{
			id:       id,
			interval: interval,
			cancel:   cancel,
			done:     make(chan struct{}),
			subs:     make(map[*Subscription]struct{}),
		}
		s.loops[id] = l
		go s.run(lctx, l)
		log.Debugf("%s: polling every %s", id, interval)
	}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	if l.latest != nil {
		sub.ch <- *l.latest
	}
	l.mu.Unlock()
	monitor.Subscribers.WithLabelValues(id.String()).Inc()
	sub.stop = context.AfterFunc(ctx, sub.Close)
	s.mu.Unlock()
	return sub, nil
}

func (s *Scheduler) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.stop != nil {
		sub.stop()
	}
	l := s.loops[sub.ID]
	if l == nil {
		return
	}

	l.mu.Lock()
	if _, ok := l.subs[sub]; ok {
		delete(l.subs, sub)
		close(sub.ch)
		monitor.Subscribers.WithLabelValues(sub.ID.String()).Dec()
	}
	empty := len(l.subs) == 0
	l.mu.Unlock()

	if empty {
		delete(s.loops, sub.ID)
		l.cancel()
		log.Debugf("%s: last subscriber left, polling stopped", sub.ID)
	}
}

// Latest returns the most recent reading of an active stream.
func (s *Scheduler) Latest(id obd.ParameterID) (obd.Reading, bool) {
	s.mu.Lock()
	l := s.loops[id]
	s.mu.Unlock()
	if l == nil {
		return obd.Reading{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil {
		return obd.Reading{}, false
	}
	return *l.latest, true
}

// Active lists parameters that currently have subscribers.
func (s *Scheduler) Active() []obd.ParameterID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]obd.ParameterID, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	return out
}

// Interval is the polling cadence id gets when it is subscribed.
func (s *Scheduler) Interval(id obd.ParameterID) time.Duration {
	if d, ok := s.intervals[id]; ok && d > 0 {
		return d
	}
	p, _ := obd.Lookup(id)
	return p.Interval
}

// Close ends every subscription and waits for the loops to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[obd.ParameterID]*loop)
	s.mu.Unlock()

	for _, l := range loops {
		l.cancel()
		l.mu.Lock()
		for sub := range l.subs {
			delete(l.subs, sub)
			close(sub.ch)
			monitor.Subscribers.WithLabelValues(sub.ID.String()).Dec()
		}
		l.mu.Unlock()
		<-l.done
	}
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer close(l.done)
	statusCh, stopWatch := s.link.Watch()
	defer stopWatch()

	for {
		if s.link.Status() != connection.Connected {
			if !wait(ctx, s.idleCheck, statusCh) {
				return
			}
			continue
		}
		s.poll(ctx, l)
		if !wait(ctx, l.interval, nil) {
			return
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, l *loop) {
	cmd, err := elm.NewQuery(l.id)
	if err != nil {
		log.Errorf("%s: %v", l.id, err)
		return
	}

	raw, err := s.link.Execute(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.sink.LogError(s.link.SessionID(), cmd.Text, err.Error(), l.id)
		s.link.HandleCommandError(err)
		return
	}

	reading, err := obd.Decode(l.id, raw)
	if err != nil {
		monitor.DecodeErrors.WithLabelValues(l.id.String()).Inc()
		s.sink.LogError(s.link.SessionID(), cmd.Text, err.Error(), l.id)
		s.link.HandleCommandError(err)
		return
	}

	s.link.ReportSuccess()
	monitor.Readings.WithLabelValues(l.id.String()).Inc()
	s.sink.LogCommand(s.link.SessionID(), cmd.Text, raw, &reading.Value, l.id)
	l.publish(reading)
}

func (l *loop) publish(r obd.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = &r
	for sub := range l.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- r
	}
}

// wait sleeps for d. It returns early, true, when wake fires and false when
// ctx ends.
func wait(ctx context.Context, d time.Duration, wake <-chan connection.Status) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}
