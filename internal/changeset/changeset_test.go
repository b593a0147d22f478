package changeset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/mpysync/internal/fingerprint"
	"github.com/spf13/afero"
)

func writeTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolve_FreshTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs, "/src", map[string]string{
		"main.py":          "import app\n",
		"boot.py":          "# boot\n",
		"lib/app.py":       "def run(): pass\n",
		"lib/drivers/a.py": "A = 1\n",
		"lib/b.py":         "B = 2\n",
	})

	changed, snap, err := NewResolver(fs, Options{}).Resolve("/src", fingerprint.NewSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	// Lexical order per directory, directories interleaved with files
	want := ChangeSet{"boot.py", "lib/app.py", "lib/b.py", "lib/drivers/a.py", "main.py"}
	if diff := cmp.Diff(want, changed); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
	if snap.Len() != 5 {
		t.Errorf("expected 5 snapshot entries, got %d", snap.Len())
	}
}

func TestResolve_Changes(t *testing.T) {
	base := map[string]string{
		"main.py":    "print(1)\n",
		"lib/app.py": "X = 1\n",
	}

	tests := []struct {
		name   string
		mutate func(t *testing.T, fs afero.Fs)
		want   ChangeSet
	}{
		{
			name:   "no-op",
			mutate: func(t *testing.T, fs afero.Fs) {},
			want:   ChangeSet{},
		},
		{
			name: "added",
			mutate: func(t *testing.T, fs afero.Fs) {
				writeTree(t, fs, "/src", map[string]string{"lib/new.py": "N = 1\n"})
			},
			want: ChangeSet{"lib/new.py"},
		},
		{
			name: "modified",
			mutate: func(t *testing.T, fs afero.Fs) {
				writeTree(t, fs, "/src", map[string]string{"main.py": "print(2)\n"})
			},
			want: ChangeSet{"main.py"},
		},
		{
			name: "removed then re-added unchanged",
			mutate: func(t *testing.T, fs afero.Fs) {
				if err := fs.Remove("/src/lib/app.py"); err != nil {
					t.Fatal(err)
				}
				writeTree(t, fs, "/src", map[string]string{"lib/app.py": "X = 1\n"})
			},
			want: ChangeSet{},
		},
		{
			name: "touched with identical content",
			mutate: func(t *testing.T, fs afero.Fs) {
				writeTree(t, fs, "/src", map[string]string{"main.py": "print(1)\n"})
			},
			want: ChangeSet{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeTree(t, fs, "/src", base)
			r := NewResolver(fs, Options{})

			_, first, err := r.Resolve("/src", fingerprint.NewSnapshot())
			if err != nil {
				t.Fatal(err)
			}

			tt.mutate(t, fs)

			changed, _, err := r.Resolve("/src", first)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, changed); diff != "" {
				t.Errorf("change set mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs, "/src", map[string]string{"a.py": "a", "pkg/b.py": "b"})
	r := NewResolver(fs, Options{})

	_, snap, err := r.Resolve("/src", nil)
	if err != nil {
		t.Fatal(err)
	}
	changed, snap2, err := r.Resolve("/src", snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("expected empty change set, got %v", changed)
	}
	if diff := cmp.Diff(snap.Files, snap2.Files); diff != "" {
		t.Errorf("snapshots differ (-first +second):\n%s", diff)
	}
}

func TestResolve_SkipsHiddenAndExcluded(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs, "/src", map[string]string{
		"main.py":          "m",
		".hidden":          "h",
		".git/config":      "g",
		"notes.md":         "n",
		"tests/test_a.py":  "t",
		"lib/.cache/x.mpy": "c",
		"lib/util.py":      "u",
	})

	r := NewResolver(fs, Options{SkipHidden: true, Exclude: []string{"*.md", "tests/*"}})
	changed, _, err := r.Resolve("/src", nil)
	if err != nil {
		t.Fatal(err)
	}

	want := ChangeSet{"lib/util.py", "main.py"}
	if diff := cmp.Diff(want, changed); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_IncludesHiddenWhenAsked(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs, "/src", map[string]string{".env": "e", "main.py": "m"})

	changed, _, err := NewResolver(fs, Options{}).Resolve("/src", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ChangeSet{".env", "main.py"}, changed); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "real.py"), []byte("r"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "real.py"), filepath.Join(root, "link.py")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	changed, snap, err := NewResolver(afero.NewOsFs(), Options{}).Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ChangeSet{"real.py"}, changed); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 snapshot entry, got %d", snap.Len())
	}
}

func TestResolve_UnreadableFileKeepsPreviousEntry(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	locked := filepath.Join(root, "locked.py")
	if err := os.WriteFile(locked, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "ok.py"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(afero.NewOsFs(), Options{})
	_, first, err := r.Resolve(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(locked, []byte("changed"), 0o000); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o644) })

	scan, err := r.Scan(root, first)
	if err != nil {
		t.Fatal(err)
	}
	if len(scan.Changed) != 0 {
		t.Errorf("unreadable file must not be reported as changed: %v", scan.Changed)
	}
	if len(scan.Unreadable) != 1 || scan.Unreadable[0].Path != "locked.py" {
		t.Fatalf("Unreadable = %+v, want locked.py", scan.Unreadable)
	}
	if !errors.Is(scan.Unreadable[0].Err, fingerprint.ErrIO) {
		t.Errorf("expected ErrIO, got %v", scan.Unreadable[0].Err)
	}
	want, _ := first.Digest("locked.py")
	if got, _ := scan.Current.Digest("locked.py"); got != want {
		t.Errorf("expected previous digest to be kept, got %q", got)
	}
}

// failingOpenFs refuses to open one path.
type failingOpenFs struct {
	afero.Fs
	path string
}

func (f failingOpenFs) Open(name string) (afero.File, error) {
	if name == f.path {
		return nil, os.ErrPermission
	}
	return f.Fs.Open(name)
}

func TestScan_ReportsUnreadableFiles(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/src", map[string]string{
		"a.py":     "a",
		"bad.py":   "bad",
		"lib/c.py": "c",
	})
	fs := failingOpenFs{Fs: mem, path: filepath.Join("/src", "bad.py")}

	scan, err := NewResolver(fs, Options{}).Scan("/src", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ChangeSet{"a.py", "lib/c.py"}, scan.Changed); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
	if len(scan.Unreadable) != 1 || scan.Unreadable[0].Path != "bad.py" {
		t.Fatalf("Unreadable = %+v, want bad.py", scan.Unreadable)
	}
	if !errors.Is(scan.Unreadable[0].Err, os.ErrPermission) {
		t.Errorf("cause should be kept, got %v", scan.Unreadable[0].Err)
	}
	if _, ok := scan.Current.Digest("bad.py"); ok {
		t.Error("a never-read file has no entry to carry over")
	}
}

func TestRemoved(t *testing.T) {
	prev := fingerprint.NewSnapshot()
	prev.Set("a.py", "1")
	prev.Set("b.py", "2")
	prev.Set("c.py", "3")

	cur := fingerprint.NewSnapshot()
	cur.Set("b.py", "2")

	if diff := cmp.Diff([]string{"a.py", "c.py"}, Removed(prev, cur)); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if got := Removed(nil, cur); len(got) != 0 {
		t.Errorf("expected nothing removed from nil snapshot, got %v", got)
	}
}
