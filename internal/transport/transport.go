// Package transport provides the byte channel to the device.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a duplex byte channel to the device
type Transport interface {
	// Write sends p to the device
	Write(p []byte) (int, error)
	// ReadAvailable waits up to timeout for data and returns what is
	// buffered. An empty result with a nil error means nothing arrived.
	ReadAvailable(timeout time.Duration) ([]byte, error)
	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// Config describes a serial connection
type Config struct {
	Port string
	Baud int
}

// drainTimeout bounds the follow-up reads that collect bytes arriving right
// after the first chunk of a response.
const drainTimeout = 10 * time.Millisecond

// Serial implements Transport on a serial port
type Serial struct {
	cfg       Config
	port      serial.Port
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open opens the serial port described by cfg
func Open(cfg Config) (*Serial, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	// Drop whatever the device printed before we connected
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset input buffer on %s: %w", cfg.Port, err)
	}

	return &Serial{cfg: cfg, port: port, closed: make(chan struct{})}, nil
}

// Write sends p to the device
func (s *Serial) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial write on %s: %w", s.cfg.Port, err)
	}
	return n, nil
}

// ReadAvailable waits up to timeout for the first bytes, then keeps reading
// while data continues to arrive.
func (s *Serial) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	buf := make([]byte, 1024)
	var out []byte

	wait := timeout
	for {
		if err := s.port.SetReadTimeout(wait); err != nil {
			return out, fmt.Errorf("serial set timeout on %s: %w", s.cfg.Port, err)
		}
		n, err := s.port.Read(buf)
		if err != nil {
			if s.isClosed() {
				return out, ErrClosed
			}
			return out, fmt.Errorf("serial read on %s: %w", s.cfg.Port, err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
		wait = drainTimeout
	}
}

// Close closes the port once; later calls return the first result.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

func (s *Serial) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// String describes the connection for logs.
func (s *Serial) String() string {
	return fmt.Sprintf("%s@%d", s.cfg.Port, s.cfg.Baud)
}
