// Package repl drives the raw execution mode of a MicroPython interpreter
// over a Transport.
//
// The interpreter offers two modes. The friendly prompt echoes input and
// evaluates line by line. Raw mode buffers source text silently until the
// execute byte arrives, then runs the buffer as one unit and replies with
// "OK", the program output, and the error output, each section closed by
// the execute byte.
//
// A Session owns the transport together with its State. Every exported
// method takes the session lock, so at most one protocol exchange is in
// flight per connection. Close is the exception: it may be called from any
// goroutine at any time to abort.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/mpysync/internal/retry"
	"github.com/schaermu/mpysync/internal/transport"
)

// Control bytes understood by the interpreter
const (
	CtrlEnterRaw  byte = 0x01
	CtrlExitRaw   byte = 0x02
	CtrlInterrupt byte = 0x03
	CtrlExecute   byte = 0x04
)

var (
	// ErrTimeout means the expected banner did not arrive in time
	ErrTimeout = errors.New("no expected response before timeout")
	// ErrNotRaw is returned by ExitRaw when the session is not in raw mode
	ErrNotRaw = errors.New("session is not in raw mode")
	// ErrClosed is returned once the session has been closed
	ErrClosed = errors.New("session closed")
)

// pollInterval spaces out empty reads from transports that return immediately.
const pollInterval = 5 * time.Millisecond

// State of the raw-mode protocol
type State int

const (
	Idle State = iota
	EnteringRaw
	RawActive
	ExecutingTransfer
	ExitingRaw
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case EnteringRaw:
		return "entering-raw"
	case RawActive:
		return "raw-active"
	case ExecutingTransfer:
		return "executing-transfer"
	case ExitingRaw:
		return "exiting-raw"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timing holds the fixed delays and timeouts of the protocol
type Timing struct {
	InterruptDelay time.Duration // after the interrupt byte
	EnterDelay     time.Duration // after the enter-raw byte
	ExitDelay      time.Duration // after the exit-raw byte
	PostWriteDelay time.Duration // settle time between a write and its read
	BannerTimeout  time.Duration // wait for a mode banner
}

// DefaultTiming matches what slow boards over USB-serial bridges need.
func DefaultTiming() Timing {
	return Timing{
		InterruptDelay: 100 * time.Millisecond,
		EnterDelay:     100 * time.Millisecond,
		ExitDelay:      300 * time.Millisecond,
		PostWriteDelay: 100 * time.Millisecond,
		BannerTimeout:  200 * time.Millisecond,
	}
}

// Observer is notified about raw-mode enter and exit attempts
type Observer interface {
	RawModeAttempt(op string, ok bool)
}

// Options configure a Session
type Options struct {
	Timing Timing
	// RawBanner and FriendlyBanner override the default banner substrings
	RawBanner      string
	FriendlyBanner string
	Logger         *slog.Logger
	Observer       Observer
}

// Session is the protocol state machine for one transport
type Session struct {
	mu     sync.Mutex
	t      transport.Transport
	state  State
	closed bool

	timing   Timing
	raw      string
	friendly string
	logger   *slog.Logger
	observer Observer

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps t. The session starts Idle.
func NewSession(t transport.Transport, opts Options) *Session {
	if opts.RawBanner == "" {
		opts.RawBanner = RawBanner
	}
	if opts.FriendlyBanner == "" {
		opts.FriendlyBanner = FriendlyBanner
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		t:        t,
		state:    Idle,
		timing:   opts.Timing,
		raw:      opts.RawBanner,
		friendly: opts.FriendlyBanner,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnterRaw interrupts any running program and switches to raw mode. On a
// missing banner the session stays in EnteringRaw and ErrTimeout is
// returned; callers retry via EnterRawRetry. In RawActive it does nothing.
func (s *Session) EnterRaw(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.enterRaw(ctx)
	s.observe("enter", err == nil)
	return err
}

func (s *Session) enterRaw(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.state == RawActive {
		return nil
	}

	s.state = EnteringRaw

	if err := s.writeByte(CtrlInterrupt); err != nil {
		return err
	}
	if err := sleep(ctx, s.timing.InterruptDelay); err != nil {
		return err
	}
	if err := s.writeByte(CtrlEnterRaw); err != nil {
		return err
	}
	if err := sleep(ctx, s.timing.EnterDelay); err != nil {
		return err
	}

	resp, err := s.sendCommand(ctx, "\r\n", true, s.timing.BannerTimeout, s.timing.PostWriteDelay)
	if err != nil {
		return err
	}
	if !HasBanner(resp, s.raw) {
		s.logger.Debug("raw mode banner missing", "response", resp)
		return fmt.Errorf("entering raw mode: %w", ErrTimeout)
	}

	s.state = RawActive
	s.logger.Debug("entered raw mode")
	return nil
}

// ExitRaw returns to the friendly prompt. From Idle it fails with ErrNotRaw
// and leaves the state alone. On a missing banner the session stays in
// ExitingRaw and ErrTimeout is returned.
func (s *Session) ExitRaw(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.exitRaw(ctx)
	if !errors.Is(err, ErrNotRaw) {
		s.observe("exit", err == nil)
	}
	return err
}

func (s *Session) exitRaw(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	switch s.state {
	case RawActive, ExecutingTransfer, ExitingRaw:
	default:
		return ErrNotRaw
	}

	s.state = ExitingRaw

	if err := s.writeByte(CtrlExitRaw); err != nil {
		return err
	}
	if err := sleep(ctx, s.timing.ExitDelay); err != nil {
		return err
	}

	resp, err := s.sendCommand(ctx, "\r\n", true, s.timing.BannerTimeout, s.timing.PostWriteDelay)
	if err != nil {
		return err
	}
	if !HasBanner(resp, s.friendly) {
		s.logger.Debug("friendly prompt banner missing", "response", resp)
		return fmt.Errorf("exiting raw mode: %w", ErrTimeout)
	}

	s.state = Idle
	s.logger.Debug("exited raw mode")
	return nil
}

// EnterRawRetry calls EnterRaw until it succeeds or policy is exhausted.
func (s *Session) EnterRawRetry(ctx context.Context, policy retry.Config) error {
	return retry.Do(ctx, policy, func(attempt int) error {
		err := s.EnterRaw(ctx)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return retry.Stop(err)
		}
		if err != nil {
			s.logger.Warn("failed to enter raw mode, retrying", "attempt", attempt)
		}
		return err
	})
}

// ExitRawRetry calls ExitRaw until it succeeds or policy is exhausted.
func (s *Session) ExitRawRetry(ctx context.Context, policy retry.Config) error {
	return retry.Do(ctx, policy, func(attempt int) error {
		err := s.ExitRaw(ctx)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return retry.Stop(err)
		}
		if err != nil {
			s.logger.Warn("failed to exit raw mode, retrying", "attempt", attempt)
		}
		return err
	})
}

// SendCommand writes text and, after postWriteDelay, optionally waits up to
// timeout for a response. The first non-empty read is returned as is; an
// expired timeout yields "". Without wait the result is always "".
// Sending while RawActive moves the session to ExecutingTransfer.
func (s *Session) SendCommand(ctx context.Context, text string, wait bool, timeout, postWriteDelay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.state == RawActive {
		s.state = ExecutingTransfer
	}
	return s.sendCommand(ctx, text, wait, timeout, postWriteDelay)
}

// Execute sends the execute byte so the raw-mode buffer runs, and collects
// the reply until both of its sections are terminated or timeout elapses.
// An incomplete reply is returned as far as it arrived.
func (s *Session) Execute(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.state == RawActive {
		s.state = ExecutingTransfer
	}

	deadline := time.Now().Add(s.timing.PostWriteDelay + timeout)
	resp, err := s.sendCommand(ctx, string([]byte{CtrlExecute}), true, timeout, s.timing.PostWriteDelay)
	if err != nil {
		return "", err
	}
	for !ReplyComplete(resp) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		more, err := s.poll(ctx, remaining)
		if err != nil {
			return "", err
		}
		if more == "" {
			break
		}
		resp += more
	}
	if !ReplyComplete(resp) {
		s.logger.Debug("incomplete execute reply", "response", resp)
	}
	return resp, nil
}

// ReadResponse waits up to timeout for further output without sending
// anything. Callers use it to collect the rest of a reply that arrived in
// several reads.
func (s *Session) ReadResponse(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	return s.poll(ctx, timeout)
}

func (s *Session) sendCommand(ctx context.Context, text string, wait bool, timeout, postWriteDelay time.Duration) (string, error) {
	if _, err := s.t.Write([]byte(text)); err != nil {
		return "", s.transportErr(err)
	}
	if err := sleep(ctx, postWriteDelay); err != nil {
		return "", err
	}
	if !wait {
		return "", nil
	}
	return s.poll(ctx, timeout)
}

// poll reads until data arrives or timeout elapses.
func (s *Session) poll(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		data, err := s.t.ReadAvailable(remaining)
		if err != nil {
			return "", s.transportErr(err)
		}
		if len(data) > 0 {
			return string(data), nil
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
		if err := sleep(ctx, min(pollInterval, time.Until(deadline))); err != nil {
			return "", err
		}
	}
}

func (s *Session) writeByte(b byte) error {
	if _, err := s.t.Write([]byte{b}); err != nil {
		return s.transportErr(err)
	}
	return nil
}

// transportErr maps failures after a concurrent Close to ErrClosed.
func (s *Session) transportErr(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (s *Session) observe(op string, ok bool) {
	if s.observer != nil {
		s.observer.RawModeAttempt(op, ok)
	}
}

// Close closes the transport and forces the session back to Idle without
// any banner exchange. It is idempotent and does not wait for an in-flight
// operation to finish before closing the transport.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.t.Close()
	})

	s.mu.Lock()
	s.closed = true
	s.state = Idle
	s.mu.Unlock()

	return s.closeErr
}

// Transport returns the underlying channel so a terminal bridge can take it
// over once the session is done with raw mode.
func (s *Session) Transport() transport.Transport {
	return s.t
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
