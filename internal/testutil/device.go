// Package testutil provides a simulated MicroPython board for tests.
package testutil

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/mpysync/internal/transport"
)

const (
	rawBanner      = "raw REPL; CTRL-B to exit\r\n>"
	friendlyBanner = "\r\nMicroPython v1.22.2 on 2024-02-22; Generic ESP32 module with ESP32\r\nType \"help()\" for more information.\r\n>>> "
	prompt         = ">>> "
)

var (
	mkdirRe = regexp.MustCompile(`os\.mkdir\('((?:[^'\\]|\\.)*)'\)`)
	openRe  = regexp.MustCompile(`^f = open\('((?:[^'\\]|\\.)*)', 'wb'\)$`)
	writeRe = regexp.MustCompile(`^f\.write\(ubinascii\.a2b_base64\('([A-Za-z0-9+/=]*)'\)\)$`)
	statRe  = regexp.MustCompile(`^os\.stat\('((?:[^'\\]|\\.)*)'\)\[6\]$`)
)

// Device simulates a board running the MicroPython REPL. It implements
// transport.Transport and is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	raw     bool
	closed  bool
	line    []byte
	rawBuf  strings.Builder
	pending []byte

	files map[string][]byte
	dirs  map[string]bool

	// Faults
	failRawEntries int
	failRawExits   int
	mkdirErrors    map[string]string
	sizeSkew       map[string]int64
	writeErrors    map[string]string
	silent         bool
	split          bool
	held           []byte

	// Observations
	written    []byte
	programs   []string
	rawEntries int
	resets     int
}

// NewDevice returns an idle board with an empty filesystem.
func NewDevice() *Device {
	return &Device{
		files:       make(map[string][]byte),
		dirs:        map[string]bool{"": true},
		mkdirErrors: make(map[string]string),
		sizeSkew:    make(map[string]int64),
		writeErrors: make(map[string]string),
	}
}

// FailRawEntries makes the next n enter-raw requests go unanswered.
func (d *Device) FailRawEntries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRawEntries = n
}

// FailRawExits makes the next n exit-raw requests go unanswered.
func (d *Device) FailRawExits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRawExits = n
}

// FailMkdir makes creating dir raise an OSError carrying msg.
func (d *Device) FailMkdir(dir, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirErrors[dir] = msg
}

// FailWrite makes every chunk write to file raise an OSError carrying msg.
func (d *Device) FailWrite(file, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErrors[file] = msg
}

// SplitReplies makes raw-mode executions answer "OK" first and hold back the
// rest of the reply until after one empty read, like a board that is still
// running the statement.
func (d *Device) SplitReplies() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.split = true
}

// SkewSize makes os.stat report the size of file shifted by delta.
func (d *Device) SkewSize(file string, delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizeSkew[file] = delta
}

// Silence stops the device from producing any output.
func (d *Device) Silence() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = true
}

// PutFile places a file on the device.
func (d *Device) PutFile(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		d.dirs[dir] = true
	}
	d.files[name] = append([]byte(nil), data...)
}

// File returns the content of a file on the device.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[name]
	return append([]byte(nil), data...), ok
}

// Files lists file names on the device, sorted.
func (d *Device) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDir reports whether dir exists on the device.
func (d *Device) HasDir(dir string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirs[dir]
}

// Raw reports whether the device is in raw mode.
func (d *Device) Raw() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw
}

// Programs returns every raw-mode buffer that was executed.
func (d *Device) Programs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.programs...)
}

// Written returns all bytes received so far.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written...)
}

// RawEntries counts successful switches into raw mode.
func (d *Device) RawEntries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rawEntries
}

// SoftResets counts soft reboots triggered from the friendly prompt.
func (d *Device) SoftResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Emit queues output as if a running program printed it.
func (d *Device) Emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(s)
}

// Write implements transport.Transport.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, transport.ErrClosed
	}
	d.written = append(d.written, p...)
	for _, b := range p {
		d.feed(b)
	}
	return len(p), nil
}

// ReadAvailable implements transport.Transport. Output is produced as soon
// as input is written, so it never blocks; an empty read waits a little to
// mimic a serial timeout.
func (d *Device) ReadAvailable(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, transport.ErrClosed
	}
	out := d.pending
	d.pending = nil
	if len(out) == 0 && d.held != nil {
		d.pending, d.held = d.held, nil
	}
	d.mu.Unlock()

	if len(out) == 0 && timeout > 0 {
		time.Sleep(min(timeout, time.Millisecond))
	}
	return out, nil
}

// Close implements transport.Transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) emit(s string) {
	if d.silent {
		return
	}
	d.pending = append(d.pending, s...)
}

func (d *Device) feed(b byte) {
	switch b {
	case 0x01:
		if d.failRawEntries > 0 {
			d.failRawEntries--
			return
		}
		d.raw = true
		d.rawBuf.Reset()
		d.rawEntries++
		d.emit(rawBanner)
	case 0x02:
		if !d.raw {
			d.emit(friendlyBanner)
			return
		}
		if d.failRawExits > 0 {
			d.failRawExits--
			return
		}
		d.raw = false
		d.line = d.line[:0]
		d.emit(friendlyBanner)
	case 0x03:
		if d.raw {
			d.rawBuf.Reset()
			return
		}
		d.line = d.line[:0]
		d.emit("\r\n" + prompt)
	case 0x04:
		if d.raw {
			d.execute()
			return
		}
		d.resets++
		d.emit("MPY: soft reboot\r\n" + friendlyBanner)
	default:
		if d.raw {
			d.rawBuf.WriteByte(b)
			return
		}
		d.friendlyByte(b)
	}
}

func (d *Device) friendlyByte(b byte) {
	switch b {
	case '\r':
		return
	case '\n':
		line := string(d.line)
		d.line = d.line[:0]
		d.emit("\r\n")
		d.evalLine(strings.TrimSpace(line))
		d.emit(prompt)
	default:
		d.line = append(d.line, b)
		d.emit(string(b))
	}
}

func (d *Device) evalLine(line string) {
	if line == "" || line == "import os" {
		return
	}
	if m := statRe.FindStringSubmatch(line); m != nil {
		name := unquote(m[1])
		data, ok := d.files[name]
		if !ok {
			d.emit(traceback(1, "OSError: [Errno 2] ENOENT"))
			return
		}
		d.emit(fmt.Sprintf("%d\r\n", int64(len(data))+d.sizeSkew[name]))
		return
	}
	d.emit(traceback(1, "NameError: name isn't defined"))
}

// execute runs the raw buffer and replies "OK<stdout>\x04<stderr>\x04>".
func (d *Device) execute() {
	program := d.rawBuf.String()
	d.rawBuf.Reset()
	d.programs = append(d.programs, program)

	stdout, stderr := d.run(program)
	if d.split && !d.silent {
		d.emit("OK")
		d.held = append(d.held, stdout+"\x04"+stderr+"\x04>"...)
		return
	}
	d.emit("OK" + stdout + "\x04" + stderr + "\x04>")
}

func (d *Device) run(program string) (string, string) {
	var stdout strings.Builder
	var open string
	var content []byte
	writing := false

	for i, raw := range strings.Split(program, "\n") {
		line := strings.TrimSpace(raw)
		lineNo := i + 1

		if m := mkdirRe.FindStringSubmatch(line); m != nil {
			dir := unquote(m[1])
			if msg, ok := d.mkdirErrors[dir]; ok {
				return stdout.String(), traceback(lineNo, msg)
			}
			if d.dirs[dir] {
				stdout.WriteString("MPYSYNC:EEXIST\r\n")
				continue
			}
			if parent := path.Dir(dir); parent != "." && !d.dirs[parent] {
				return stdout.String(), traceback(lineNo, "OSError: [Errno 2] ENOENT")
			}
			d.dirs[dir] = true
			continue
		}
		if m := openRe.FindStringSubmatch(line); m != nil {
			open = unquote(m[1])
			if parent := path.Dir(open); parent != "." && !d.dirs[parent] {
				return stdout.String(), traceback(lineNo, "OSError: [Errno 2] ENOENT")
			}
			writing = true
			content = content[:0]
			continue
		}
		if m := writeRe.FindStringSubmatch(line); m != nil {
			if !writing {
				return stdout.String(), traceback(lineNo, "NameError: name 'f' isn't defined")
			}
			if msg, ok := d.writeErrors[open]; ok {
				return stdout.String(), traceback(lineNo, msg)
			}
			chunk, err := base64.StdEncoding.DecodeString(m[1])
			if err != nil {
				return stdout.String(), traceback(lineNo, "ValueError: incorrect padding")
			}
			content = append(content, chunk...)
			continue
		}
		if line == "f.close()" {
			if writing {
				d.files[open] = append([]byte(nil), content...)
				writing = false
			}
			continue
		}
	}

	return stdout.String(), ""
}

func traceback(line int, msg string) string {
	return fmt.Sprintf("Traceback (most recent call last):\r\n  File \"<stdin>\", line %d, in <module>\r\n%s\r\n", line, msg)
}

func unquote(s string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
