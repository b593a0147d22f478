//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/fingerprint"
	"github.com/schaermu/mpysync/internal/testutil"
)

// Harness runs the compiled mpysync binary against a scratch project
type Harness struct {
	t         *testing.T
	bin       string
	workDir   string
	srcDir    string
	statePath string
	cfgPath   string
}

// NewHarness builds the binary and prepares an empty project
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}
	t.Logf("Building mpysync from %s", root)
	bin, err := testutil.BuildCLI(ctx, root, t.TempDir())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	work := t.TempDir()
	h := &Harness{
		t:         t,
		bin:       bin,
		workDir:   work,
		srcDir:    filepath.Join(work, "src"),
		statePath: filepath.Join(work, ".mpysync", "state.json"),
		cfgPath:   filepath.Join(work, "config.yaml"),
	}
	if err := os.MkdirAll(h.srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	return h
}

// WriteConfig writes the config file for the given serial port
func (h *Harness) WriteConfig(port string) {
	h.t.Helper()
	content := fmt.Sprintf(`serial:
  port: %q
paths:
  base_dir: %q
  state_file: %q
`, port, h.srcDir, h.statePath)
	if err := os.WriteFile(h.cfgPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// WriteSource writes a file below the source directory
func (h *Harness) WriteSource(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.srcDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write source: %v", err)
	}
}

// Run executes mpysync with the harness config prepended
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.cfgPath, "--no-color"}, args...)
	cmd := exec.CommandContext(ctx, h.bin, full...)
	cmd.Dir = h.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &testWriter{t: h.t, prefix: "[mpysync] "})
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[mpysync] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("run failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun runs mpysync and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("mpysync %v exited with %d\nstdout: %s\nstderr: %s", args, exitCode, stdout, stderr)
	}
	return stdout
}

// State loads the persisted snapshot
func (h *Harness) State() *fingerprint.Snapshot {
	h.t.Helper()
	snap, err := fingerprint.NewStore(afero.NewOsFs(), h.statePath).Load()
	if err != nil {
		h.t.Fatalf("load state: %v", err)
	}
	return snap
}

// StateExists reports whether a deploy wrote the state file
func (h *Harness) StateExists() bool {
	_, err := os.Stat(h.statePath)
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
