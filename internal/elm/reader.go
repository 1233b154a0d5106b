package elm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/obddash/internal/transport"
)

const (
	Prompt = '>'

	DefaultResponseTimeout = 2000 * time.Millisecond
	DefaultPollInterval    = 10 * time.Millisecond

	drainSilence = 20 * time.Millisecond
	drainTimeout = 500 * time.Millisecond
)

// Reader runs one command/response exchange at a time over a Conn. It is not
// safe for concurrent use; the Processor serializes callers.
type Reader struct {
	conn    transport.Conn
	Timeout time.Duration
	Poll    time.Duration
}

func NewReader(conn transport.Conn) *Reader {
	return &Reader{
		conn:    conn,
		Timeout: DefaultResponseTimeout,
		Poll:    DefaultPollInterval,
	}
}

// Exchange discards stale input, writes text followed by a carriage return and
// waits for the prompt. The returned text has the prompt and surrounding
// whitespace removed and line breaks normalized to '\n'.
func (r *Reader) Exchange(ctx context.Context, text string) (string, error) {
	if r == nil || r.conn == nil {
		return "", ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.drain()

	if _, err := r.conn.Write([]byte(text + "\r")); err != nil {
		return "", fmt.Errorf("write %q: %w", text, asIOError(err))
	}
	return r.readResponse(ctx)
}

// readResponse polls in small increments until the prompt shows up or the
// timeout elapses. Text without a prompt at the deadline is returned as is.
func (r *Reader) readResponse(ctx context.Context) (string, error) {
	if err := r.conn.SetReadTimeout(r.Poll); err != nil {
		return "", fmt.Errorf("set read timeout: %w", asIOError(err))
	}

	var sb strings.Builder
	buf := make([]byte, 128)
	deadline := time.Now().Add(r.Timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return "", err
		}
		n, err := r.conn.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if bytes.IndexByte(buf[:n], Prompt) >= 0 {
				break
			}
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", asIOError(err))
		}
	}

	resp := clean(sb.String())
	if resp == "" {
		return "", ErrNoResponse
	}
	return resp, nil
}

// drain reads and discards pending input until the link goes quiet.
func (r *Reader) drain() {
	r.conn.ResetInputBuffer()
	r.conn.SetReadTimeout(drainSilence)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := r.conn.Read(buf)
		if n == 0 || err != nil {
			break
		}
		total += n
	}
	if total > 0 {
		log.Debugf("drain cleared %d stale bytes", total)
	}
}

func clean(s string) string {
	if i := strings.IndexByte(s, Prompt); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func asIOError(err error) error {
	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}
	return &transport.Error{Kind: transport.IOError, Err: err}
}
