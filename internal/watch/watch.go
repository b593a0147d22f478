// Package watch redeploys the base directory whenever files below it change.
package watch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DeployFunc runs one deployment
type DeployFunc func(ctx context.Context) error

// Options configure a Watcher
type Options struct {
	Debounce   time.Duration
	SkipHidden bool
	// Ignore reports paths whose changes must not trigger a deployment,
	// e.g. files the deployment itself writes.
	Ignore func(path string) bool
	Logger *slog.Logger
}

// Watcher runs a deployment on start and again after every burst of
// filesystem events
type Watcher struct {
	baseDir string
	deploy  DeployFunc
	opts    Options
	logger  *slog.Logger

	deployMu      sync.Mutex // guards deployRunning, deployPending and stopped
	deployRunning bool       // whether a deployment is in progress
	deployPending bool       // whether another deployment is needed after the current one
	stopped       bool       // set once Run is shutting down
	debounce      *debouncer
	inflight      sync.WaitGroup
}

// New creates a watcher for baseDir
func New(baseDir string, deploy DeployFunc, opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		baseDir:  baseDir,
		deploy:   deploy,
		opts:     opts,
		logger:   opts.Logger,
		debounce: &debouncer{delay: opts.Debounce},
	}
}

// Run performs an initial deployment, then watches until ctx is cancelled.
// It returns once any deployment still in flight has finished.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("performing initial deploy before watching", "base_dir", w.baseDir)
	w.performDeploy(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	if err := w.addRecursive(fsw, w.baseDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.baseDir, err)
	}
	w.logger.Info("watching for changes", "base_dir", w.baseDir, "debounce", w.opts.Debounce)

	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())

			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fsw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			w.debounce.trigger(func() {
				w.fire(ctx)
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// fire runs a debounced deployment unless the watcher is shutting down.
func (w *Watcher) fire(ctx context.Context) {
	w.deployMu.Lock()
	if w.stopped || ctx.Err() != nil {
		w.deployMu.Unlock()
		return
	}
	w.inflight.Add(1)
	w.deployMu.Unlock()

	defer w.inflight.Done()
	w.performDeploy(ctx)
}

// shutdown drops scheduled deployments and waits for a running one.
func (w *Watcher) shutdown() {
	w.deployMu.Lock()
	w.stopped = true
	w.deployMu.Unlock()

	w.debounce.stop()
	w.inflight.Wait()
}

// relevant filters out attribute-only changes, hidden entries and ignored paths.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if w.opts.SkipHidden && hiddenBelow(w.baseDir, event.Name) {
		return false
	}
	if w.opts.Ignore != nil && w.opts.Ignore(event.Name) {
		return false
	}
	return true
}

// addRecursive watches dir and every directory below it.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.baseDir && w.opts.SkipHidden && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// performDeploy executes a deployment with single-flight semantics.
// If one is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (w *Watcher) performDeploy(ctx context.Context) {
	w.deployMu.Lock()
	if w.deployRunning {
		w.deployPending = true
		w.deployMu.Unlock()
		w.logger.Info("deploy already in progress, queuing pending re-run")
		return
	}
	w.deployRunning = true
	w.deployMu.Unlock()

	for {
		if err := w.deploy(ctx); err != nil {
			w.logger.Error("deploy failed", "error", err)
		}

		w.deployMu.Lock()
		if !w.deployPending || ctx.Err() != nil {
			w.deployPending = false
			w.deployRunning = false
			w.deployMu.Unlock()
			break
		}
		w.deployPending = false
		w.deployMu.Unlock()

		w.logger.Info("re-running deploy due to pending request")
	}
}

// hiddenBelow reports whether any element of path below base starts with ".".
func hiddenBelow(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
