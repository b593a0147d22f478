// Package monitor bridges the device's serial console to the terminal once
// a deployment is done.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/schaermu/mpysync/internal/transport"
)

// Control bytes sent for the single-letter commands
const (
	ctrlA byte = 0x01 // raw REPL
	ctrlB byte = 0x02 // friendly REPL
	ctrlC byte = 0x03 // interrupt
	ctrlD byte = 0x04 // soft reset
)

const defaultPollTimeout = 100 * time.Millisecond

var errQuit = errors.New("quit requested")

// Options configure a Monitor
type Options struct {
	In  io.Reader
	Out io.Writer
	// Reset sends a soft reset on start so freshly deployed code runs
	Reset bool
	// NoColor disables highlighting even on a terminal
	NoColor     bool
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Monitor copies device output to Out and user lines from In to the device
type Monitor struct {
	t      transport.Transport
	opts   Options
	logger *slog.Logger

	plain *color.Color
	alert *color.Color
	hint  *color.Color
}

// New creates a monitor over t. It does not take ownership of t.
func New(t transport.Transport, opts Options) *Monitor {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Monitor{
		t:      t,
		opts:   opts,
		logger: opts.Logger,
		plain:  color.New(color.Reset),
		alert:  color.New(color.FgRed),
		hint:   color.New(color.FgGreen),
	}
	if opts.NoColor || !isTerminal(opts.Out) {
		m.plain.DisableColor()
		m.alert.DisableColor()
		m.hint.DisableColor()
	} else {
		m.plain.EnableColor()
		m.alert.EnableColor()
		m.hint.EnableColor()
	}
	return m
}

// Run bridges until the user enters "x", input ends, ctx is cancelled or
// the device link fails. Only a link failure is returned as an error.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.Reset {
		if _, err := m.t.Write([]byte{ctrlD}); err != nil {
			return fmt.Errorf("failed to reset device: %w", err)
		}
	}
	_, _ = m.hint.Fprintln(m.opts.Out, "Monitoring device output ('x' quit, 'a' raw REPL, 'b' friendly REPL, 'c' interrupt, 'd' soft reset)")

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go readLines(m.opts.In, lines, done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.pumpDevice(gctx)
	})
	g.Go(func() error {
		return m.pumpInput(gctx, lines)
	})

	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// pumpDevice prints device output line by line. A trailing partial line,
// such as a prompt, is printed once the device goes quiet.
func (m *Monitor) pumpDevice(ctx context.Context) error {
	var pending []byte
	for {
		if ctx.Err() != nil {
			m.flush(pending)
			return nil
		}

		data, err := m.t.ReadAvailable(m.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from device: %w", err)
		}

		if len(data) == 0 {
			m.flush(pending)
			pending = pending[:0]
			continue
		}

		pending = append(pending, data...)
		for {
			i := strings.IndexByte(string(pending), '\n')
			if i < 0 {
				break
			}
			m.printLine(strings.TrimRight(string(pending[:i]), "\r"))
			pending = pending[i+1:]
		}
	}
}

// pumpInput forwards user lines and interprets the single-letter commands.
func (m *Monitor) pumpInput(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}

			var payload []byte
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "x":
				return errQuit
			case "a":
				payload = []byte{ctrlA}
			case "b":
				payload = []byte{ctrlB}
			case "c":
				payload = []byte{ctrlC}
			case "d":
				payload = []byte{ctrlD}
			default:
				payload = []byte(line + "\r\n")
			}

			if _, err := m.t.Write(payload); err != nil {
				return fmt.Errorf("failed to write to device: %w", err)
			}
		}
	}
}

func (m *Monitor) printLine(line string) {
	if strings.Contains(line, "Traceback") || strings.Contains(line, "Error:") {
		_, _ = m.alert.Fprintln(m.opts.Out, line)
		return
	}
	_, _ = m.plain.Fprintln(m.opts.Out, line)
}

func (m *Monitor) flush(partial []byte) {
	if len(partial) == 0 {
		return
	}
	_, _ = m.plain.Fprint(m.opts.Out, string(partial))
}

// readLines feeds lines from r into out until r ends or done is closed.
// A read blocked on a terminal cannot be interrupted, so this goroutine is
// abandoned rather than joined.
func readLines(r io.Reader, out chan<- string, done <-chan struct{}) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-done:
			return
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
