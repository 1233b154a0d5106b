package elm

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/obddash/internal/monitor"
	"go.uber.org/atomic"
)

const (
	DefaultGap      = 100 * time.Millisecond
	DefaultCapacity = 32
)

// ExecFunc performs one exchange with the adapter.
type ExecFunc func(ctx context.Context, text string) (string, error)

type ProcessorOptions struct {
	// Capacity bounds the FIFO; Enqueue blocks while it is full.
	Capacity int
	// Gap is the pause after each command before the next one is sent.
	Gap time.Duration
}

// Processor executes queued commands one at a time, in arrival order, on a
// single worker goroutine. A queued command whose caller gives up is removed
// at once and frees its slot.
type Processor struct {
	exec  ExecFunc
	gap   time.Duration
	slots chan struct{} // one token per queued command
	ready chan struct{} // wakes the worker

	qmu     sync.Mutex
	pending []*Command

	mu      sync.Mutex   // serializes Start/Stop
	sendMu  sync.RWMutex // held for reading while a caller is being queued
	running atomic.Bool
	quit    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewProcessor(exec ExecFunc, opts ProcessorOptions) *Processor {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Gap < 0 {
		opts.Gap = 0
	}
	return &Processor{
		exec:  exec,
		gap:   opts.Gap,
		slots: make(chan struct{}, opts.Capacity),
		ready: make(chan struct{}, 1),
	}
}

// Start launches the worker. Calling it while running is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan struct{})
	done := make(chan struct{})

	p.sendMu.Lock()
	p.quit = quit
	p.cancel = cancel
	p.done = done
	p.running.Store(true)
	p.sendMu.Unlock()

	go p.run(ctx, quit, done)
	log.Debug("command processor started")
}

// Stop cancels the worker, waits for it to exit and fails every command
// still queued with ErrProcessorStopped. A command in flight sees its context
// cancelled. Stop on a stopped processor is a no-op.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return
	}

	close(p.quit)
	p.cancel()

	// Waits out callers already inside Enqueue's send.
	p.sendMu.Lock()
	p.running.Store(false)
	p.sendMu.Unlock()

	<-p.done

	p.qmu.Lock()
	failed := p.pending
	p.pending = nil
	for range failed {
		<-p.slots
	}
	p.qmu.Unlock()
	for _, cmd := range failed {
		cmd.complete("", ErrProcessorStopped)
	}
	monitor.QueueDepth.Set(0)
	log.Debugf("command processor stopped, %d queued commands failed", len(failed))
}

func (p *Processor) Running() bool { return p.running.Load() }

// Enqueue submits cmd and blocks until it has been processed, ctx ends or
// the processor stops.
func (p *Processor) Enqueue(ctx context.Context, cmd *Command) (string, error) {
	cmd.ctx = ctx

	p.sendMu.RLock()
	if !p.running.Load() {
		p.sendMu.RUnlock()
		return "", ErrProcessorStopped
	}
	select {
	case p.slots <- struct{}{}:
	case <-p.quit:
		p.sendMu.RUnlock()
		return "", ErrProcessorStopped
	case <-ctx.Done():
		p.sendMu.RUnlock()
		return "", ctx.Err()
	}
	p.qmu.Lock()
	p.pending = append(p.pending, cmd)
	depth := len(p.pending)
	p.qmu.Unlock()
	p.sendMu.RUnlock()

	monitor.QueueDepth.Set(float64(depth))
	p.wake()

	select {
	case res := <-cmd.result:
		return res.Response, res.Err
	case <-ctx.Done():
		// Still queued: drop it. Already taken: its exchange sees ctx end.
		if p.remove(cmd) {
			monitor.CommandsTotal.WithLabelValues(cmd.Kind.String(), "skipped").Inc()
		}
		return "", ctx.Err()
	}
}

// Len is the number of commands waiting for the worker.
func (p *Processor) Len() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.pending)
}

func (p *Processor) wake() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// pop takes the oldest queued command, or nil.
func (p *Processor) pop() *Command {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	cmd := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	<-p.slots
	monitor.QueueDepth.Set(float64(len(p.pending)))
	return cmd
}

// remove unqueues cmd if the worker has not taken it yet.
func (p *Processor) remove(cmd *Command) bool {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	for i, c := range p.pending {
		if c == cmd {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			<-p.slots
			monitor.QueueDepth.Set(float64(len(p.pending)))
			return true
		}
	}
	return false
}

func (p *Processor) run(ctx context.Context, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		default:
		}

		cmd := p.pop()
		if cmd == nil {
			select {
			case <-quit:
				return
			case <-p.ready:
			}
			continue
		}
		if err := cmd.ctx.Err(); err != nil {
			cmd.complete("", err)
			monitor.CommandsTotal.WithLabelValues(cmd.Kind.String(), "skipped").Inc()
			continue
		}
		p.process(ctx, cmd)

		select {
		case <-quit:
			return
		case <-time.After(p.gap):
		}
	}
}

func (p *Processor) process(ctx context.Context, cmd *Command) {
	execCtx, cancel := context.WithCancel(cmd.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	resp, err := p.exec(execCtx, cmd.Text)
	monitor.CommandDuration.Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		log.Debugf("%s %q failed: %v", cmd.Kind, cmd.Text, err)
	}
	monitor.CommandsTotal.WithLabelValues(cmd.Kind.String(), result).Inc()
	cmd.complete(resp, err)
}
