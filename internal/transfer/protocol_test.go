package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/schaermu/mpysync/internal/repl"
	"github.com/schaermu/mpysync/internal/retry"
	"github.com/schaermu/mpysync/internal/testutil"
)

const baseDir = "/project/src"

func newTestProtocol(fs afero.Fs, chunkSize int) *Protocol {
	return New(Options{
		ChunkSize:       chunkSize,
		ResponseTimeout: 20 * time.Millisecond,
		VerifyTimeout:   50 * time.Millisecond,
		Retry:           retry.Fixed(3, 0),
		Fs:              fs,
	})
}

func newTestSession(dev *testutil.Device) *repl.Session {
	return repl.NewSession(dev, repl.Options{Timing: repl.Timing{BannerTimeout: 20 * time.Millisecond}})
}

func writeLocal(t *testing.T, fs afero.Fs, rel string, data []byte) string {
	t.Helper()
	p := baseDir + "/" + rel
	if err := afero.WriteFile(fs, p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestChunk_RoundTrip(t *testing.T) {
	const size = 16

	for _, encodedLen := range []int{0, 4, size - 4, size, size + 4, 10*size + 8, 64 * size} {
		data := randomBytes(encodedLen / 4 * 3)
		encoded := base64.StdEncoding.EncodeToString(data)
		if len(encoded) != encodedLen {
			t.Fatalf("setup: encoded length %d, want %d", len(encoded), encodedLen)
		}

		chunks := Chunk(encoded, size)
		if strings.Join(chunks, "") != encoded {
			t.Errorf("len %d: chunks do not concatenate back to the input", encodedLen)
		}

		var decoded []byte
		for i, c := range chunks {
			if len(c) == 0 || len(c) > size {
				t.Errorf("len %d: chunk %d has length %d", encodedLen, i, len(c))
			}
			part, err := base64.StdEncoding.DecodeString(c)
			if err != nil {
				t.Fatalf("len %d: chunk %d does not decode on its own: %v", encodedLen, i, err)
			}
			decoded = append(decoded, part...)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("len %d: decoded chunks differ from original bytes", encodedLen)
		}
	}
}

func TestChunk_OddLengths(t *testing.T) {
	// Sizes that are not multiples of the chunk size, measured in input bytes
	for _, n := range []int{1, 2, 383, 384, 385, 1000} {
		data := randomBytes(n)
		encoded := base64.StdEncoding.EncodeToString(data)

		var decoded []byte
		for _, c := range Chunk(encoded, DefaultChunkSize) {
			part, err := base64.StdEncoding.DecodeString(c)
			if err != nil {
				t.Fatalf("n=%d: %v", n, err)
			}
			decoded = append(decoded, part...)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("n=%d: round trip failed", n)
		}
	}
}

func TestParentDirs(t *testing.T) {
	tests := []struct {
		remote string
		want   []string
	}{
		{"main.py", nil},
		{"lib/util.py", []string{"lib"}},
		{"lib/sub/deep/x.py", []string{"lib", "lib/sub", "lib/sub/deep"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ParentDirs(tt.remote)); diff != "" {
			t.Errorf("ParentDirs(%q) mismatch (-want +got):\n%s", tt.remote, diff)
		}
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct {
		file    string
		want    string
		wantErr bool
	}{
		{baseDir + "/main.py", "main.py", false},
		{baseDir + "/lib/util.py", "lib/util.py", false},
		{baseDir, "", true},
		{"/project/other/x.py", "", true},
	}
	for _, tt := range tests {
		got, err := RemotePath(baseDir, tt.file)
		if (err != nil) != tt.wantErr {
			t.Errorf("RemotePath(%q) error = %v, wantErr %v", tt.file, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("RemotePath(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestQuote(t *testing.T) {
	if got := quote(`it's\here`); got != `it\'s\\here` {
		t.Errorf("quote = %s", got)
	}
}

func TestTransfer_NewFileInSubdirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := []byte("def add(a, b):\n    return a + b\n")
	file := writeLocal(t, fs, "lib/sub/util.py", content)

	dev := testutil.NewDevice()
	s := newTestSession(dev)

	rec, err := newTestProtocol(fs, 8).Transfer(context.Background(), s, baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	want := Record{
		SourcePath:  file,
		RemotePath:  "lib/sub/util.py",
		LocalSize:   int64(len(content)),
		RemoteSize:  int64(len(content)),
		RemoteKnown: true,
		Verified:    true,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	got, ok := dev.File("lib/sub/util.py")
	if !ok || !bytes.Equal(got, content) {
		t.Errorf("device content = %q, want %q", got, content)
	}
	if !dev.HasDir("lib") || !dev.HasDir("lib/sub") {
		t.Error("parent directories were not created")
	}
	if dev.Raw() {
		t.Error("device left in raw mode")
	}
	if s.State() != repl.Idle {
		t.Errorf("session state = %s, want idle", s.State())
	}

	// One program per mkdir plus one for the write
	if n := len(dev.Programs()); n != 3 {
		t.Errorf("expected 3 executed programs, got %d", n)
	}
}

func TestTransfer_ExistingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "lib/new.py", []byte("x = 1\n"))

	dev := testutil.NewDevice()
	dev.PutFile("lib/old.py", []byte("y = 2\n"))

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.Verified {
		t.Error("expected verified record")
	}
	if diff := cmp.Diff([]string{"lib/new.py", "lib/old.py"}, dev.Files()); diff != "" {
		t.Errorf("device files mismatch (-want +got):\n%s", diff)
	}
}

func TestTransfer_EmptyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "empty.py", nil)
	dev := testutil.NewDevice()

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.Verified || rec.RemoteSize != 0 {
		t.Errorf("unexpected record %+v", rec)
	}
	if _, ok := dev.File("empty.py"); !ok {
		t.Error("empty file not created on device")
	}
}

func TestTransfer_LargeFileManyChunks(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := randomBytes(5000)
	file := writeLocal(t, fs, "assets/blob.bin", content)
	dev := testutil.NewDevice()

	rec, err := newTestProtocol(fs, 64).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.Verified {
		t.Fatal("expected verified record")
	}
	got, _ := dev.File("assets/blob.bin")
	if !bytes.Equal(got, content) {
		t.Error("device content differs from local file")
	}

	programs := dev.Programs()
	writes := strings.Count(programs[len(programs)-1], "a2b_base64")
	encodedLen := base64.StdEncoding.EncodedLen(len(content))
	if want := (encodedLen + 63) / 64; writes != want {
		t.Errorf("expected %d chunk writes, got %d", want, writes)
	}
}

func TestTransfer_QuotedName(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "it's.py", []byte("pass\n"))
	dev := testutil.NewDevice()

	if _, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, ok := dev.File("it's.py"); !ok {
		t.Errorf("device files = %v", dev.Files())
	}
}

func TestTransfer_MkdirError(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "lib/util.py", []byte("x = 1\n"))

	dev := testutil.NewDevice()
	dev.FailMkdir("lib", "OSError: [Errno 28] ENOSPC")
	s := newTestSession(dev)

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), s, baseDir, file)

	var remoteErr *RemoteExecutionError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	if remoteErr.Op != "mkdir" || remoteErr.Path != "lib" || !strings.Contains(remoteErr.Detail, "ENOSPC") {
		t.Errorf("unexpected error %+v", remoteErr)
	}
	if rec.Verified {
		t.Error("record must not be verified")
	}
	if len(dev.Files()) != 0 {
		t.Errorf("no file should be written, got %v", dev.Files())
	}
	if dev.Raw() || s.State() != repl.Idle {
		t.Error("aborted transfer should leave raw mode")
	}
}

func TestTransfer_WriteError(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "lib/big.py", randomBytes(2000))

	dev := testutil.NewDevice()
	dev.FailWrite("lib/big.py", "OSError: [Errno 28] ENOSPC")
	s := newTestSession(dev)

	rec, err := newTestProtocol(fs, 64).Transfer(context.Background(), s, baseDir, file)

	var remoteErr *RemoteExecutionError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	if remoteErr.Op != "write" || remoteErr.Path != "lib/big.py" || !strings.Contains(remoteErr.Detail, "ENOSPC") {
		t.Errorf("unexpected error %+v", remoteErr)
	}
	if rec.Verified {
		t.Error("record must not be verified")
	}
	if _, ok := dev.File("lib/big.py"); ok {
		t.Error("failed write must not leave a file")
	}
	if !dev.HasDir("lib") {
		t.Error("directory should have been created before the write")
	}
	if dev.Raw() || s.State() != repl.Idle {
		t.Error("aborted transfer should leave raw mode")
	}
}

func TestTransfer_SplitRepliesMkdirError(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "lib/a.py", []byte("a = 1\n"))

	dev := testutil.NewDevice()
	dev.SplitReplies()
	dev.FailMkdir("lib", "OSError: [Errno 13] EACCES")
	s := newTestSession(dev)

	_, err := newTestProtocol(fs, 0).Transfer(context.Background(), s, baseDir, file)

	var remoteErr *RemoteExecutionError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	if remoteErr.Op != "mkdir" || remoteErr.Path != "lib" || !strings.Contains(remoteErr.Detail, "EACCES") {
		t.Errorf("error should be attributed to the mkdir, got %+v", remoteErr)
	}
	if len(dev.Programs()) != 1 {
		t.Errorf("transfer should stop after the failed mkdir, ran %d programs", len(dev.Programs()))
	}
}

func TestTransfer_SplitRepliesSucceed(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := []byte("def f():\n    return 42\n")
	file := writeLocal(t, fs, "lib/deep/f.py", content)

	dev := testutil.NewDevice()
	dev.SplitReplies()

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.Verified {
		t.Error("record should be verified")
	}
	got, _ := dev.File("lib/deep/f.py")
	if !bytes.Equal(got, content) {
		t.Errorf("device content = %q, want %q", got, content)
	}
}

func TestTransfer_SizeMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := []byte("print('hello')\n")
	file := writeLocal(t, fs, "main.py", content)

	dev := testutil.NewDevice()
	dev.SkewSize("main.py", -3)

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)

	var mismatch *SizeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SizeMismatchError, got %v", err)
	}
	if !mismatch.Parsed || mismatch.Local != int64(len(content)) || mismatch.Remote != int64(len(content))-3 {
		t.Errorf("unexpected mismatch %+v", mismatch)
	}
	if rec.Verified || !rec.RemoteKnown {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestTransfer_UnparsableSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "main.py", []byte("x\n"))

	dev := testutil.NewDevice()
	s := newTestSession(dev)
	p := newTestProtocol(fs, 0)

	rec, err := p.Transfer(context.Background(), s, baseDir, file)
	if err != nil || !rec.Verified {
		t.Fatalf("setup transfer failed: %v", err)
	}

	// Stat of a file that does not exist yields a traceback
	size, parsed, err := p.remoteSize(context.Background(), s, "missing.py")
	if err != nil {
		t.Fatal(err)
	}
	if parsed || size != 0 {
		t.Errorf("expected unparsed size, got %d %v", size, parsed)
	}
}

func TestTransfer_RawEntryRetried(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "main.py", []byte("x\n"))

	dev := testutil.NewDevice()
	dev.FailRawEntries(2)

	rec, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !rec.Verified {
		t.Error("expected verified record")
	}
}

func TestTransfer_RawEntryExhausted(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "main.py", []byte("x\n"))

	dev := testutil.NewDevice()
	dev.FailRawEntries(100)

	_, err := newTestProtocol(fs, 0).Transfer(context.Background(), newTestSession(dev), baseDir, file)
	if !errors.Is(err, retry.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if len(dev.Programs()) != 0 {
		t.Error("nothing should be executed without raw mode")
	}
}

func TestTransfer_MissingLocalFile(t *testing.T) {
	dev := testutil.NewDevice()

	_, err := newTestProtocol(afero.NewMemMapFs(), 0).Transfer(context.Background(), newTestSession(dev), baseDir, baseDir+"/gone.py")
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if len(dev.Written()) != 0 {
		t.Error("device should not be touched when the local read fails")
	}
}

func TestTransfer_ClosedSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := writeLocal(t, fs, "main.py", []byte("x\n"))

	s := newTestSession(testutil.NewDevice())
	_ = s.Close()

	_, err := newTestProtocol(fs, 0).Transfer(context.Background(), s, baseDir, file)
	if !errors.Is(err, repl.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
