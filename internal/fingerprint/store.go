// Package fingerprint computes content digests for source files and persists
// the path to digest snapshot between runs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	snapshotVersion = 1
	readBufferSize  = 4096
)

// ErrIO marks failures to open or read a source file.
var ErrIO = errors.New("file read failed")

// CorruptStateError reports a snapshot file that exists but cannot be decoded.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt snapshot %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// Fingerprint is the digest of a single file's content
type Fingerprint struct {
	Path   string
	Digest string
}

// Snapshot maps base-relative slash paths to content digests
type Snapshot struct {
	Version int               `json:"version"`
	Files   map[string]string `json:"files"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Version: snapshotVersion, Files: make(map[string]string)}
}

// Digest returns the recorded digest for path.
func (s *Snapshot) Digest(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	d, ok := s.Files[path]
	return d, ok
}

// Set records digest for path.
func (s *Snapshot) Set(path, digest string) {
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	s.Files[path] = digest
}

// Delete drops the entry for path.
func (s *Snapshot) Delete(path string) {
	delete(s.Files, path)
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Files)
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	if s == nil {
		return c
	}
	for k, v := range s.Files {
		c.Files[k] = v
	}
	return c
}

// Store reads and writes the snapshot file and fingerprints source files
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a store persisting to path on fs
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Compute streams the file at path through SHA-256.
func (s *Store) Compute(path string) (Fingerprint, error) {
	digest, err := Digest(s.fs, path)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Path: path, Digest: digest}, nil
}

// Digest computes the hex SHA-256 of the file at path, reading it in
// bounded chunks.
func Digest(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrIO, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Load reads the persisted snapshot. A missing file yields an empty
// snapshot; undecodable content yields *CorruptStateError.
func (s *Store) Load() (*Snapshot, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &CorruptStateError{Path: s.path, Err: err}
	}
	if snap.Version != snapshotVersion {
		return nil, &CorruptStateError{Path: s.path, Err: fmt.Errorf("unsupported version %d", snap.Version)}
	}
	if snap.Files == nil {
		snap.Files = make(map[string]string)
	}

	return &snap, nil
}

// Save replaces the persisted snapshot atomically: the content goes to a
// temporary file in the same directory which is then renamed over the target.
func (s *Store) Save(snap *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	out := snap.Clone()
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-"+filepath.Base(s.path)+"-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return s.fs.Rename(tmpPath, s.path)
}
