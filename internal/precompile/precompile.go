// Package precompile runs a bytecode cross-compiler over the Python sources
// of the base directory before they are deployed.
package precompile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/config"
)

// The interpreter only starts these by their source name, so they are
// never compiled.
var entryPoints = map[string]bool{
	"boot.py": true,
	"main.py": true,
}

// Runner executes an external command
type Runner interface {
	// Run executes name with args and returns its combined output
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner implements Runner with os/exec
type ExecRunner struct{}

// Run executes the command and returns stdout and stderr combined
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Compiler compiles every .py file below a directory to .mpy
type Compiler struct {
	cfg    config.PrecompileConfig
	fs     afero.Fs
	runner Runner
	logger *slog.Logger
}

// New creates a compiler. A nil runner selects ExecRunner.
func New(cfg config.PrecompileConfig, fs afero.Fs, runner Runner, logger *slog.Logger) *Compiler {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compiler{cfg: cfg, fs: fs, runner: runner, logger: logger}
}

// Run compiles the sources under baseDir. Output goes next to each source
// unless an output directory is configured, in which case the relative
// layout is mirrored there. The first failing compile stops the run.
func (c *Compiler) Run(ctx context.Context, baseDir string) error {
	sources, err := c.sources(baseDir)
	if err != nil {
		return fmt.Errorf("failed to discover python sources: %w", err)
	}

	c.logger.Info("precompiling sources", "count", len(sources), "command", c.cfg.Command)

	for _, rel := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := filepath.Join(baseDir, rel)
		args := append([]string(nil), c.cfg.Args...)

		if c.cfg.OutputDir != "" {
			out := filepath.Join(c.cfg.OutputDir, strings.TrimSuffix(rel, ".py")+".mpy")
			if err := c.fs.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("failed to create output directory for %s: %w", rel, err)
			}
			args = append(args, "-o", out)
		}
		args = append(args, src)

		output, err := c.runner.Run(ctx, c.cfg.Command, args...)
		if err != nil {
			return fmt.Errorf("%s %s failed: %w: %s", c.cfg.Command, rel, err, strings.TrimSpace(string(output)))
		}
		c.logger.Debug("compiled", "source", rel)
	}

	return nil
}

// sources lists .py files below baseDir, skipping hidden entries and the
// top-level entry points.
func (c *Compiler) sources(baseDir string) ([]string, error) {
	var files []string

	err := afero.Walk(c.fs, baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == baseDir {
			return nil
		}

		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || filepath.Ext(path) != ".py" {
			return nil
		}

		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		if entryPoints[rel] {
			return nil
		}

		files = append(files, rel)
		return nil
	})

	return files, err
}
