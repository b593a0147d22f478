// Package changeset decides which files of a source tree need to be sent,
// by comparing their fingerprints with the last recorded snapshot.
package changeset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/mpysync/internal/fingerprint"
	"github.com/spf13/afero"
)

// ChangeSet lists base-relative slash paths whose content differs from the
// previous snapshot, in walk order.
type ChangeSet []string

// Options tune the tree walk
type Options struct {
	// SkipHidden skips files and directories whose name starts with "."
	SkipHidden bool
	// Exclude holds filepath.Match patterns tested against the relative
	// slash path and the base name
	Exclude []string
	// Logger receives per-file read failures; nil discards them
	Logger *slog.Logger
}

// Resolver walks a source tree and diffs it against a snapshot
type Resolver struct {
	fs   afero.Fs
	opts Options
}

// NewResolver creates a resolver over fs
func NewResolver(fs afero.Fs, opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{fs: fs, opts: opts}
}

// Unreadable is a file that was found but could not be fingerprinted
type Unreadable struct {
	Path string
	Err  error
}

// Scan is the outcome of walking a source tree
type Scan struct {
	Changed ChangeSet
	Current *fingerprint.Snapshot
	// Unreadable lists files that could not be read, in walk order. They are
	// never part of Changed and keep their previous snapshot entry.
	Unreadable []Unreadable
}

// Resolve walks rootDir, fingerprints every regular file and returns the
// files that are new or changed relative to previous, plus the snapshot of
// the tree as it is now. Use Scan to also learn which files were unreadable.
func (r *Resolver) Resolve(rootDir string, previous *fingerprint.Snapshot) (ChangeSet, *fingerprint.Snapshot, error) {
	scan, err := r.Scan(rootDir, previous)
	if err != nil {
		return nil, nil, err
	}
	return scan.Changed, scan.Current, nil
}

// Scan is Resolve with unreadable files reported instead of only logged.
// Directories are visited in lexical order.
func (r *Resolver) Scan(rootDir string, previous *fingerprint.Snapshot) (*Scan, error) {
	files, err := r.discover(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover source files: %w", err)
	}

	scan := &Scan{
		Changed: make(ChangeSet, 0),
		Current: fingerprint.NewSnapshot(),
	}

	for _, rel := range files {
		digest, err := fingerprint.Digest(r.fs, filepath.Join(rootDir, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, fingerprint.ErrIO) {
				r.opts.Logger.Warn("skipping unreadable file", "path", rel, "error", err)
				scan.Unreadable = append(scan.Unreadable, Unreadable{Path: rel, Err: err})
				// Keep the old entry so the file is not treated as removed
				if prev, ok := previous.Digest(rel); ok {
					scan.Current.Set(rel, prev)
				}
				continue
			}
			return nil, err
		}

		scan.Current.Set(rel, digest)

		prev, exists := previous.Digest(rel)
		if !exists || prev != digest {
			scan.Changed = append(scan.Changed, rel)
		}
	}

	return scan, nil
}

// Removed returns the paths present in previous but missing from current, sorted.
func Removed(previous, current *fingerprint.Snapshot) []string {
	removed := make([]string, 0)
	if previous == nil {
		return removed
	}
	for p := range previous.Files {
		if _, ok := current.Digest(p); !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	return removed
}

// discover lists regular files under dir as relative slash paths.
func (r *Resolver) discover(dir string) ([]string, error) {
	var files []string

	err := afero.Walk(r.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if r.skip(rel, info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks, devices and directories are not deployable files
		if !info.Mode().IsRegular() {
			return nil
		}

		files = append(files, rel)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

func (r *Resolver) skip(rel, name string) bool {
	if r.opts.SkipHidden && strings.HasPrefix(name, ".") {
		return true
	}
	for _, pattern := range r.opts.Exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
