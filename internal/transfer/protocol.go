// Package transfer writes a single local file onto the device through a
// raw-mode session and verifies the result.
package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/repl"
	"github.com/schaermu/mpysync/internal/retry"
)

// DefaultChunkSize is the number of base64 characters per write statement.
const DefaultChunkSize = 512

// ErrIO is wrapped by errors reading the local file.
var ErrIO = errors.New("local file error")

// RemoteExecutionError reports a statement the device rejected.
type RemoteExecutionError struct {
	Op     string // mkdir or write
	Path   string
	Detail string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote %s of %s failed: %s", e.Op, e.Path, e.Detail)
}

// SizeMismatchError reports a failed post-transfer size check. Parsed is
// false when the device reply held no usable size at all.
type SizeMismatchError struct {
	Path   string
	Local  int64
	Remote int64
	Parsed bool
}

func (e *SizeMismatchError) Error() string {
	if !e.Parsed {
		return fmt.Sprintf("could not read remote size of %s (local %d bytes)", e.Path, e.Local)
	}
	return fmt.Sprintf("size mismatch for %s: local %d bytes, remote %d bytes", e.Path, e.Local, e.Remote)
}

// Record describes one transfer attempt. Only a Verified record may update
// the fingerprint snapshot.
type Record struct {
	SourcePath  string
	RemotePath  string
	LocalSize   int64
	RemoteSize  int64
	RemoteKnown bool
	Verified    bool
}

// Session is the part of repl.Session the protocol drives.
type Session interface {
	EnterRawRetry(ctx context.Context, policy retry.Config) error
	ExitRawRetry(ctx context.Context, policy retry.Config) error
	SendCommand(ctx context.Context, text string, wait bool, timeout, postWriteDelay time.Duration) (string, error)
	Execute(ctx context.Context, timeout time.Duration) (string, error)
	ReadResponse(ctx context.Context, timeout time.Duration) (string, error)
}

// Options configure a Protocol. Zero values fall back to defaults where one
// exists.
type Options struct {
	ChunkSize       int
	ChunkDelay      time.Duration
	CommandDelay    time.Duration
	ResponseTimeout time.Duration
	VerifyTimeout   time.Duration
	Retry           retry.Config
	Fs              afero.Fs
	Logger          *slog.Logger
}

// Protocol runs the create-directories, write-chunks, verify sequence.
type Protocol struct {
	opts   Options
	fs     afero.Fs
	logger *slog.Logger
}

// New creates a Protocol. ChunkSize must be a positive multiple of 4 so
// every chunk decodes on its own; other values are replaced by the default.
func New(opts Options) *Protocol {
	if opts.ChunkSize <= 0 || opts.ChunkSize%4 != 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.Fixed(10, 200*time.Millisecond)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Protocol{opts: opts, fs: opts.Fs, logger: opts.Logger}
}

// Transfer copies filePath, which must live under baseDir, to the same
// relative path on the device. The file counts as deployed only when err is
// nil and the record is Verified.
func (p *Protocol) Transfer(ctx context.Context, s Session, baseDir, filePath string) (Record, error) {
	start := time.Now()
	rec := Record{SourcePath: filePath}

	remote, err := RemotePath(baseDir, filePath)
	if err != nil {
		return rec, err
	}
	rec.RemotePath = remote

	data, err := afero.ReadFile(p.fs, filePath)
	if err != nil {
		return rec, fmt.Errorf("failed to read %s: %w: %w", filePath, ErrIO, err)
	}
	rec.LocalSize = int64(len(data))
	encoded := base64.StdEncoding.EncodeToString(data)

	if err := s.EnterRawRetry(ctx, p.opts.Retry); err != nil {
		return rec, fmt.Errorf("failed to enter raw mode: %w", err)
	}

	if err := p.writeRemote(ctx, s, remote, encoded); err != nil {
		p.leaveRaw(ctx, s)
		return rec, err
	}

	if err := s.ExitRawRetry(ctx, p.opts.Retry); err != nil {
		return rec, fmt.Errorf("failed to exit raw mode: %w", err)
	}

	size, parsed, err := p.remoteSize(ctx, s, remote)
	if err != nil {
		return rec, fmt.Errorf("failed to verify %s: %w", remote, err)
	}
	rec.RemoteSize = size
	rec.RemoteKnown = parsed
	if !parsed || size != rec.LocalSize {
		return rec, &SizeMismatchError{Path: remote, Local: rec.LocalSize, Remote: size, Parsed: parsed}
	}

	rec.Verified = true
	p.logger.Debug("file transferred",
		"path", remote,
		"bytes", rec.LocalSize,
		"chunks", len(Chunk(encoded, p.opts.ChunkSize)),
		"elapsed", time.Since(start))
	return rec, nil
}

func (p *Protocol) writeRemote(ctx context.Context, s Session, remote, encoded string) error {
	for _, dir := range ParentDirs(remote) {
		if err := p.mkdir(ctx, s, dir); err != nil {
			return err
		}
	}

	if _, err := s.SendCommand(ctx, openStatement(remote), false, 0, p.opts.CommandDelay); err != nil {
		return fmt.Errorf("failed to open %s: %w", remote, err)
	}
	for i, chunk := range Chunk(encoded, p.opts.ChunkSize) {
		if _, err := s.SendCommand(ctx, writeStatement(chunk), false, 0, p.opts.ChunkDelay); err != nil {
			return fmt.Errorf("failed to send chunk %d of %s: %w", i, remote, err)
		}
	}
	if _, err := s.SendCommand(ctx, "f.close()\n", false, 0, p.opts.CommandDelay); err != nil {
		return fmt.Errorf("failed to close %s: %w", remote, err)
	}

	resp, err := s.Execute(ctx, p.opts.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("failed to execute write of %s: %w", remote, err)
	}
	if out := repl.Classify(resp); out.Kind == repl.KindError {
		return &RemoteExecutionError{Op: "write", Path: remote, Detail: out.Detail}
	}
	return nil
}

func (p *Protocol) mkdir(ctx context.Context, s Session, dir string) error {
	if _, err := s.SendCommand(ctx, mkdirStatement(dir), false, 0, p.opts.CommandDelay); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	resp, err := s.Execute(ctx, p.opts.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	out := repl.Classify(resp)
	switch out.Kind {
	case repl.KindError:
		return &RemoteExecutionError{Op: "mkdir", Path: dir, Detail: out.Detail}
	case repl.KindAlreadyExists:
		p.logger.Debug("directory already exists", "dir", dir)
	default:
		p.logger.Debug("directory created", "dir", dir)
	}
	return nil
}

// leaveRaw tries to bring the device back to the friendly prompt after an
// aborted transfer.
func (p *Protocol) leaveRaw(ctx context.Context, s Session) {
	if err := s.ExitRawRetry(ctx, p.opts.Retry); err != nil {
		p.logger.Warn("failed to exit raw mode after aborted transfer", "error", err)
	}
}

// remoteSize asks the friendly prompt for the size of remote. The reply may
// arrive in several reads; collection stops once the value or a traceback
// shows up, or the verify timeout runs out.
func (p *Protocol) remoteSize(ctx context.Context, s Session, remote string) (int64, bool, error) {
	stmt := statStatement(remote)
	deadline := time.Now().Add(p.opts.VerifyTimeout)

	resp, err := s.SendCommand(ctx, "import os\r\n"+stmt+"\r\n", true, p.opts.VerifyTimeout, p.opts.CommandDelay)
	if err != nil {
		return 0, false, err
	}
	for {
		if size, ok := repl.ParseSize(resp, stmt); ok {
			return size, true, nil
		}
		if repl.Classify(resp).Kind == repl.KindError {
			return 0, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false, nil
		}
		more, err := s.ReadResponse(ctx, remaining)
		if err != nil {
			return 0, false, err
		}
		if more == "" {
			return 0, false, nil
		}
		resp += more
	}
}

// RemotePath returns filePath relative to baseDir with slash separators.
func RemotePath(baseDir, filePath string) (string, error) {
	rel, err := filepath.Rel(baseDir, filePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", filePath, baseDir, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not a file under %s", filePath, baseDir)
	}
	return rel, nil
}

// ParentDirs lists the directories leading to remote, shallowest first.
func ParentDirs(remote string) []string {
	var dirs []string
	for dir := path.Dir(remote); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs
}

// Chunk splits encoded into pieces of at most size characters. Joining the
// pieces yields encoded again.
func Chunk(encoded string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([]string, 0, (len(encoded)+size-1)/size)
	for len(encoded) > size {
		chunks = append(chunks, encoded[:size])
		encoded = encoded[size:]
	}
	if encoded != "" {
		chunks = append(chunks, encoded)
	}
	return chunks
}

func mkdirStatement(dir string) string {
	return "import os\n" +
		"try:\n" +
		" os.mkdir('" + quote(dir) + "')\n" +
		"except OSError as e:\n" +
		" if e.args[0] == 17:\n" +
		"  print('" + repl.ExistsMarker + "')\n" +
		" else:\n" +
		"  raise\n"
}

func openStatement(remote string) string {
	return "import ubinascii\nf = open('" + quote(remote) + "', 'wb')\n"
}

func writeStatement(chunk string) string {
	return "f.write(ubinascii.a2b_base64('" + chunk + "'))\n"
}

func statStatement(remote string) string {
	return "os.stat('" + quote(remote) + "')[6]"
}

// quote escapes s for a single-quoted string literal.
func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
