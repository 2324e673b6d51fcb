package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Kezak1/mirrormesh/internal/registry"
	"github.com/Kezak1/mirrormesh/internal/worker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return true
		}

		time.Sleep(5 * time.Millisecond)
	}

	return pred()
}

func Test_Unit_REPL_Step_UnknownCommand_ReturnsError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	reg := registry.New(fsys, nil, worker.Options{})

	var stdout, stderr bytes.Buffer
	re := newREPL(reg, nil, &stdout, &stderr)

	err := re.step(t.Context(), "bogus")
	require.Error(t, err)
}

func Test_Unit_REPL_Step_EmptyLine_NoError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	reg := registry.New(fsys, nil, worker.Options{})

	var stdout, stderr bytes.Buffer
	re := newREPL(reg, nil, &stdout, &stderr)

	require.NoError(t, re.step(t.Context(), "   # just a comment"))
}

func Test_Unit_REPL_Step_Exit_ReturnsSentinel(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	reg := registry.New(fsys, nil, worker.Options{})

	var stdout, stderr bytes.Buffer
	re := newREPL(reg, nil, &stdout, &stderr)

	err := re.step(t.Context(), "exit")
	require.ErrorIs(t, err, ErrExitRequested)
}

func Test_Unit_REPL_AddThenList_MirrorsAndReports(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("hello"), 0o666))

	reg := registry.New(fsys, nil, worker.Options{})

	var stdout, stderr bytes.Buffer
	re := newREPL(reg, nil, &stdout, &stderr)

	require.NoError(t, re.step(t.Context(), `add /src /dst`))
	require.Contains(t, stdout.String(), "added /src")

	ok := waitFor(t, 2*time.Second, func() bool {
		got, err := afero.ReadFile(fsys, "/dst/a.txt")

		return err == nil && string(got) == "hello"
	})
	require.True(t, ok)

	stdout.Reset()

	require.NoError(t, re.step(t.Context(), "list"))
	require.Contains(t, stdout.String(), "/src")
	require.Contains(t, stdout.String(), "/dst")
}

func Test_Unit_REPL_Run_ReadsMultipleLinesUntilExit(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o777))

	reg := registry.New(fsys, nil, worker.Options{})

	var stdout, stderr bytes.Buffer
	re := newREPL(reg, nil, &stdout, &stderr)

	input := strings.NewReader("add /src /dst\nlist\nexit\nlist\n")
	re.run(t.Context(), input)

	require.Contains(t, stdout.String(), "added /src")
}
