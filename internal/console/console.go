// Package console prompts for passkeys on a terminal.
//
// A reader goroutine copies the input stream into a ring buffer so a prompt can give up at
// its deadline without leaving a blocked read behind. Input that arrives while nobody is
// prompting stays buffered for the next prompt.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/pkg/manager"
	"github.com/srg/blemgr/pkg/stack"
	"golang.org/x/term"
)

// DefaultBufferSize is the input ring buffer capacity in bytes.
const DefaultBufferSize = 256

// Prompter implements manager.PasskeyProvider on top of an input stream.
type Prompter struct {
	out    io.Writer
	logger *logrus.Logger
	color  bool

	buf     *ringbuffer.RingBuffer
	notify  chan struct{}
	eof     atomic.Bool
	dropped atomic.Uint64

	mu      sync.Mutex
	partial []byte
}

var _ manager.PasskeyProvider = (*Prompter)(nil)

// NewPrompter starts reading in until ctx is done or the stream ends. Prompts go to out,
// colored when out is a terminal.
func NewPrompter(ctx context.Context, in io.Reader, out io.Writer, logger *logrus.Logger) *Prompter {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	p := &Prompter{
		out:    out,
		logger: logger,
		color:  isTerminal(out),
		buf:    ringbuffer.New(DefaultBufferSize),
		notify: make(chan struct{}, 1),
	}
	groutine.Go(ctx, "console-reader", func(ctx context.Context) {
		p.readLoop(ctx, in)
	})
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Prompter) readLoop(ctx context.Context, in io.Reader) {
	defer p.signal()

	chunk := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := in.Read(chunk)
		if n > 0 {
			// smallnest/ringbuffer writes what fits and reports ErrIsFull for the rest
			written, werr := p.buf.Write(chunk[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("Console buffer write failed")
			}
			if written < n {
				p.dropped.Add(uint64(n - written))
				p.logger.WithField("dropped", n-written).Warn("Console input buffer full, input dropped")
			}
			p.signal()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.WithError(err).Warn("Console read failed")
			}
			p.eof.Store(true)
			return
		}
	}
}

func (p *Prompter) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many input bytes were lost to a full buffer.
func (p *Prompter) Dropped() uint64 { return p.dropped.Load() }

// EnterPasskey prints a prompt and waits for one line of input. It fails with
// manager.ErrPasskeyTimeout when ctx expires first and with io.EOF when the input ended.
func (p *Prompter) EnterPasskey(ctx context.Context, h stack.Handle) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prompt(h)
	for {
		if line, ok := p.nextLine(); ok {
			return strings.TrimSpace(line), nil
		}
		if p.eof.Load() && p.buf.IsEmpty() {
			if len(p.partial) > 0 {
				line := string(p.partial)
				p.partial = p.partial[:0]
				return strings.TrimSpace(line), nil
			}
			return "", fmt.Errorf("passkey for handle %d: %w", h, io.EOF)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("passkey for handle %d: %w", h, manager.ErrPasskeyTimeout)
			}
			return "", ctx.Err()
		case <-p.notify:
		}
	}
}

func (p *Prompter) prompt(h stack.Handle) {
	msg := fmt.Sprintf("Enter the passkey displayed by the peer on handle %d: ", h)
	if p.color {
		msg = color.New(color.FgCyan, color.Bold).Sprint(msg)
	}
	fmt.Fprint(p.out, msg)
}

// nextLine moves buffered input into partial and cuts the first complete line from it.
func (p *Prompter) nextLine() (string, bool) {
	tmp := make([]byte, 64)
	for {
		n, err := p.buf.TryRead(tmp)
		p.partial = append(p.partial, tmp[:n]...)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			break
		}
	}

	i := bytes.IndexByte(p.partial, '\n')
	if i < 0 {
		return "", false
	}
	line := string(p.partial[:i])
	p.partial = append(p.partial[:0], p.partial[i+1:]...)
	return strings.TrimRight(line, "\r"), true
}
