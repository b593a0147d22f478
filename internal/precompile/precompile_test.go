package precompile

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/config"
)

type call struct {
	name string
	args []string
}

// mockRunner records commands instead of executing them.
type mockRunner struct {
	calls  []call
	failOn string
	output string
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, call{name: name, args: args})
	if m.failOn != "" && strings.HasSuffix(args[len(args)-1], m.failOn) {
		return []byte(m.output), errors.New("exit status 1")
	}
	return nil, nil
}

func sourceTree(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/src/main.py",
		"/src/boot.py",
		"/src/app.py",
		"/src/lib/main.py",
		"/src/lib/util.py",
		"/src/lib/data.json",
		"/src/.venv/x.py",
	} {
		if err := afero.WriteFile(fs, p, []byte("pass\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestRun_CompilesNextToSources(t *testing.T) {
	runner := &mockRunner{}
	cfg := config.PrecompileConfig{Enabled: true, Command: "mpy-cross", Args: []string{"-march=xtensawin"}}

	if err := New(cfg, sourceTree(t), runner, nil).Run(context.Background(), "/src"); err != nil {
		t.Fatal(err)
	}

	want := []call{
		{name: "mpy-cross", args: []string{"-march=xtensawin", "/src/app.py"}},
		{name: "mpy-cross", args: []string{"-march=xtensawin", "/src/lib/main.py"}},
		{name: "mpy-cross", args: []string{"-march=xtensawin", "/src/lib/util.py"}},
	}
	if diff := cmp.Diff(want, runner.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_OutputDirMirrorsLayout(t *testing.T) {
	fs := sourceTree(t)
	runner := &mockRunner{}
	cfg := config.PrecompileConfig{Enabled: true, Command: "mpy-cross", OutputDir: "/build"}

	if err := New(cfg, fs, runner, nil).Run(context.Background(), "/src"); err != nil {
		t.Fatal(err)
	}

	last := runner.calls[len(runner.calls)-1]
	wantArgs := []string{"-o", filepath.Join("/build", "lib", "util.mpy"), "/src/lib/util.py"}
	if diff := cmp.Diff(wantArgs, last.args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := afero.DirExists(fs, "/build/lib"); !ok {
		t.Error("output directory was not created")
	}
}

func TestRun_StopsOnFailure(t *testing.T) {
	runner := &mockRunner{failOn: "app.py", output: "app.py:3: SyntaxError\n"}
	cfg := config.PrecompileConfig{Enabled: true, Command: "mpy-cross"}

	err := New(cfg, sourceTree(t), runner, nil).Run(context.Background(), "/src")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "SyntaxError") || !strings.Contains(err.Error(), "app.py") {
		t.Errorf("error should carry the compiler output: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected the run to stop after the failure, got %d calls", len(runner.calls))
	}
}

func TestRun_MissingBaseDir(t *testing.T) {
	cfg := config.PrecompileConfig{Enabled: true, Command: "mpy-cross"}
	if err := New(cfg, afero.NewMemMapFs(), &mockRunner{}, nil).Run(context.Background(), "/nope"); err == nil {
		t.Fatal("expected error for missing base directory")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &mockRunner{}
	cfg := config.PrecompileConfig{Enabled: true, Command: "mpy-cross"}
	if err := New(cfg, sourceTree(t), runner, nil).Run(ctx, "/src"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Error("no command should run after cancellation")
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "out") || !strings.Contains(string(out), "err") {
		t.Errorf("expected combined output, got %q", out)
	}

	if _, err := (ExecRunner{}).Run(context.Background(), "sh", "-c", "exit 3"); err == nil {
		t.Error("expected error for non-zero exit")
	}
}
