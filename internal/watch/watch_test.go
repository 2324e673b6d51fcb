package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Kezak1/mirrormesh/internal/watch"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type call struct {
	method     string
	sourceRoot string
	rel        string
	extra      string
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeHandler) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeHandler) BroadcastEnsureDir(_ context.Context, src, rel string) {
	f.record(call{method: "EnsureDir", sourceRoot: src, rel: rel})
}

func (f *fakeHandler) BroadcastCopyFile(_ context.Context, src, rel, srcFull string) {
	f.record(call{method: "CopyFile", sourceRoot: src, rel: rel, extra: srcFull})
}

func (f *fakeHandler) BroadcastSymlink(_ context.Context, src, rel, target string, _ bool) {
	f.record(call{method: "Symlink", sourceRoot: src, rel: rel, extra: target})
}

func (f *fakeHandler) BroadcastDelete(_ context.Context, src, rel string) {
	f.record(call{method: "Delete", sourceRoot: src, rel: rel})
}

func (f *fakeHandler) Rescan(_ context.Context, src, subtree string) {
	f.record(call{method: "Rescan", sourceRoot: src, extra: subtree})
}

func (f *fakeHandler) SourceGone(_ context.Context, src string) {
	f.record(call{method: "SourceGone", sourceRoot: src})
}

func (f *fakeHandler) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]call, len(f.calls))
	copy(out, f.calls)

	return out
}

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}

	return pred()
}

func Test_Integ_Watch_FileCreate_BroadcastsCopyFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fsys := afero.NewOsFs()
	handler := &fakeHandler{}

	w, err := watch.New(t.Context(), fsys, root, handler, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o666))

	ok := waitFor(t, 2*time.Second, func() bool {
		for _, c := range handler.snapshot() {
			if c.method == "CopyFile" && c.rel == "a.txt" {
				return true
			}
		}

		return false
	})
	require.True(t, ok, "expected CopyFile broadcast, got %+v", handler.snapshot())
}

func Test_Integ_Watch_DirCreate_BroadcastsEnsureDirAndRescan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fsys := afero.NewOsFs()
	handler := &fakeHandler{}

	w, err := watch.New(t.Context(), fsys, root, handler, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o777))

	ok := waitFor(t, 2*time.Second, func() bool {
		var hasDir, hasRescan bool
		for _, c := range handler.snapshot() {
			if c.method == "EnsureDir" && c.rel == "dir" {
				hasDir = true
			}
			if c.method == "Rescan" {
				hasRescan = true
			}
		}

		return hasDir && hasRescan
	})
	require.True(t, ok, "expected EnsureDir+Rescan broadcast, got %+v", handler.snapshot())
}

func Test_Integ_Watch_FileDelete_BroadcastsDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o666))

	fsys := afero.NewOsFs()
	handler := &fakeHandler{}

	w, err := watch.New(t.Context(), fsys, root, handler, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))

	ok := waitFor(t, 2*time.Second, func() bool {
		for _, c := range handler.snapshot() {
			if c.method == "Delete" && c.rel == "a.txt" {
				return true
			}
		}

		return false
	})
	require.True(t, ok, "expected Delete broadcast, got %+v", handler.snapshot())
}

func Test_Integ_Watch_SourceRemoved_BroadcastsSourceGone(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "src")
	require.NoError(t, os.Mkdir(root, 0o777))

	fsys := afero.NewOsFs()
	handler := &fakeHandler{}

	w, err := watch.New(t.Context(), fsys, root, handler, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.RemoveAll(root))

	ok := waitFor(t, 2*time.Second, func() bool {
		for _, c := range handler.snapshot() {
			if c.method == "SourceGone" {
				return true
			}
		}

		return false
	})
	require.True(t, ok, "expected SourceGone broadcast, got %+v", handler.snapshot())
}
