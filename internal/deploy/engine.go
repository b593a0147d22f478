// Package deploy runs one incremental deployment: diff the source tree
// against the last snapshot, push every changed file to the device and
// record what was verified.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/changeset"
	"github.com/schaermu/mpysync/internal/config"
	"github.com/schaermu/mpysync/internal/fingerprint"
	"github.com/schaermu/mpysync/internal/metrics"
	"github.com/schaermu/mpysync/internal/repl"
	"github.com/schaermu/mpysync/internal/retry"
	"github.com/schaermu/mpysync/internal/transfer"
	"github.com/schaermu/mpysync/internal/transport"
)

// Dialer opens the link to the device. It is only called when there is
// something to send.
type Dialer func() (transport.Transport, error)

// Precompiler prepares the source tree before it is scanned.
type Precompiler interface {
	Run(ctx context.Context, baseDir string) error
}

// Options carry the collaborators of an Engine
type Options struct {
	Fs   afero.Fs
	Dial Dialer
	// Timing overrides the session delays; the zero value selects
	// repl.DefaultTiming with the configured read timeout.
	Timing      repl.Timing
	Precompiler Precompiler
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
	DryRun      bool
	Now         func() time.Time
}

// Engine orchestrates the deploy process
type Engine struct {
	cfg         *config.Config
	fs          afero.Fs
	dial        Dialer
	timing      repl.Timing
	precompiler Precompiler
	recorder    *metrics.Recorder
	logger      *slog.Logger
	dryRun      bool
	now         func() time.Time
}

// NewEngine creates a new deploy engine
func NewEngine(cfg *config.Config, opts Options) *Engine {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timing == (repl.Timing{}) {
		opts.Timing = repl.DefaultTiming()
		opts.Timing.BannerTimeout = cfg.Serial.ReadTimeout
	}
	return &Engine{
		cfg:         cfg,
		fs:          opts.Fs,
		dial:        opts.Dial,
		timing:      opts.Timing,
		precompiler: opts.Precompiler,
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		dryRun:      opts.DryRun,
		now:         opts.Now,
	}
}

// Run executes the complete deploy process. Failures of single files are
// recorded in the Result and do not stop the run; the returned error is
// reserved for problems that prevent deploying anything further. The
// Result is non-nil whenever the changed files were determined.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := e.now()
	baseDir := e.cfg.Paths.BaseDir

	e.logger.Info("starting deploy",
		"base_dir", baseDir,
		"port", e.cfg.Serial.Port,
		"dry_run", e.dryRun)

	if e.precompiler != nil {
		if err := e.precompiler.Run(ctx, baseDir); err != nil {
			return nil, fmt.Errorf("failed to precompile sources: %w", err)
		}
		e.logger.Debug("precompile finished", "elapsed", e.now().Sub(start))
	}

	store := fingerprint.NewStore(e.fs, e.cfg.StateFilePath())
	previous, err := e.loadSnapshot(store)
	if err != nil {
		return nil, err
	}

	resolver := changeset.NewResolver(e.fs, changeset.Options{
		SkipHidden: e.cfg.SkipHidden(),
		Exclude:    e.excludePatterns(),
		Logger:     e.logger,
	})
	scan, err := resolver.Scan(baseDir, previous)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve changes: %w", err)
	}
	changed, current := scan.Changed, scan.Current
	removed := changeset.Removed(previous, current)

	result := &Result{
		Unchanged: current.Len() - len(changed),
		Removed:   removed,
		DryRun:    e.dryRun,
	}
	for _, u := range scan.Unreadable {
		if _, ok := previous.Digest(u.Path); ok {
			result.Unchanged--
		}
		result.add(FileResult{Path: u.Path, Outcome: OutcomeError, Err: u.Err}, e.recorder)
	}

	e.logger.Info("deploy plan",
		"changed", len(changed),
		"unreadable", len(scan.Unreadable),
		"unchanged", result.Unchanged,
		"removed", len(removed),
		"elapsed", e.now().Sub(start))

	if e.dryRun {
		e.logPlanDetails(changed, removed)
		result.Planned = changed
		e.logger.Info("dry-run complete, nothing sent")
		result.Duration = e.now().Sub(start)
		return result, nil
	}

	persisted := previous.Clone()

	if len(changed) > 0 {
		err = e.deployFiles(ctx, store, persisted, current, changed, result)
	}

	if err == nil && len(removed) > 0 {
		for _, p := range removed {
			persisted.Delete(p)
		}
		if serr := store.Save(persisted); serr != nil {
			err = fmt.Errorf("failed to save state: %w", serr)
		}
	}

	result.Duration = e.now().Sub(start)
	if e.recorder != nil {
		e.recorder.RecordRun(result.Duration, err == nil && result.Failed() == 0, e.now())
	}

	if err != nil {
		return result, err
	}

	e.logger.Info("deploy finished",
		"sent", result.Sent(),
		"failed", result.Failed(),
		"elapsed", result.Duration)
	return result, nil
}

// deployFiles opens the device and transfers every changed file in order.
// The snapshot entry of a file is updated and persisted right after its
// transfer is verified.
func (e *Engine) deployFiles(ctx context.Context, store *fingerprint.Store, persisted, current *fingerprint.Snapshot, changed changeset.ChangeSet, result *Result) error {
	if e.dial == nil {
		return errors.New("no device connection configured")
	}
	t, err := e.dial()
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	sessOpts := repl.Options{
		Timing:         e.timing,
		RawBanner:      e.cfg.Serial.RawBanner,
		FriendlyBanner: e.cfg.Serial.FriendlyBanner,
		Logger:         e.logger,
	}
	if e.recorder != nil {
		sessOpts.Observer = e.recorder
	}
	session := repl.NewSession(t, sessOpts)
	defer func() {
		_ = session.Close()
	}()

	// Cancellation closes the port so a blocked exchange returns at once
	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	protocol := transfer.New(transfer.Options{
		ChunkSize:       e.cfg.Transfer.ChunkSize,
		ChunkDelay:      e.cfg.Transfer.ChunkDelay,
		CommandDelay:    e.cfg.Transfer.CommandDelay,
		ResponseTimeout: e.cfg.Transfer.ResponseTimeout,
		VerifyTimeout:   e.cfg.Transfer.VerifyTimeout,
		Retry:           retry.Fixed(e.cfg.Transfer.MaxAttempts, e.cfg.Transfer.RetryWait),
		Fs:              e.fs,
		Logger:          e.logger,
	})

	baseDir := e.cfg.Paths.BaseDir
	for i, rel := range changed {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.logger.Info("sending file", "path", rel, "index", i+1, "total", len(changed))
		rec, err := protocol.Transfer(ctx, session, baseDir, filepath.Join(baseDir, filepath.FromSlash(rel)))
		file := FileResult{Path: rel, Bytes: rec.LocalSize}

		switch {
		case err == nil && rec.Verified:
			file.Outcome = OutcomeSent
			digest, _ := current.Digest(rel)
			persisted.Set(rel, digest)
			if serr := store.Save(persisted); serr != nil {
				result.add(file, e.recorder)
				return fmt.Errorf("failed to save state after %s: %w", rel, serr)
			}
			e.logger.Info("file verified", "path", rel, "bytes", rec.LocalSize)

		case isSizeMismatch(err):
			file.Outcome = OutcomeSizeMismatch
			file.Err = err
			e.logger.Warn("size verification failed", "path", rel, "error", err)

		default:
			if err == nil {
				err = fmt.Errorf("transfer of %s was not verified", rel)
			}
			file.Outcome = OutcomeError
			file.Err = err
			e.logger.Error("failed to send file", "path", rel, "error", err)
		}
		result.add(file, e.recorder)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, repl.ErrClosed) {
			return fmt.Errorf("device connection lost: %w", err)
		}
	}

	return nil
}

// loadSnapshot applies the configured policy to an undecodable state file.
func (e *Engine) loadSnapshot(store *fingerprint.Store) (*fingerprint.Snapshot, error) {
	snap, err := store.Load()
	if err == nil {
		return snap, nil
	}

	var corrupt *fingerprint.CorruptStateError
	if errors.As(err, &corrupt) && e.cfg.State.OnCorrupt == config.CorruptReset {
		e.logger.Warn("failed to load previous state (will treat as fresh deploy)", "error", err)
		return fingerprint.NewSnapshot(), nil
	}
	return nil, fmt.Errorf("failed to load state: %w", err)
}

// excludePatterns adds the state file and its temporaries to the configured
// excludes when they live inside the base directory.
func (e *Engine) excludePatterns() []string {
	patterns := append([]string(nil), e.cfg.Scan.Exclude...)

	base, err := filepath.Abs(e.cfg.Paths.BaseDir)
	if err != nil {
		return patterns
	}
	state, err := filepath.Abs(e.cfg.StateFilePath())
	if err != nil {
		return patterns
	}
	rel, err := filepath.Rel(base, state)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return patterns
	}

	rel = filepath.ToSlash(rel)
	dir, name := path.Split(rel)
	return append(patterns, rel, dir+".tmp-"+name+"-*")
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(changed changeset.ChangeSet, removed []string) {
	for _, p := range changed {
		e.logger.Info("[dry-run] would send", "path", p)
	}
	for _, p := range removed {
		e.logger.Info("[dry-run] would forget", "path", p)
	}
}

func isSizeMismatch(err error) bool {
	var mismatch *transfer.SizeMismatchError
	return errors.As(err, &mismatch)
}
