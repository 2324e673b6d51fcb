package mirrorevent_test

import (
	"testing"

	"github.com/Kezak1/mirrormesh/internal/mirrorevent"
	"github.com/stretchr/testify/require"
)

func Test_Unit_Validate_EnsureDir_Success(t *testing.T) {
	t.Parallel()

	require.NoError(t, mirrorevent.NewEnsureDir("a/b").Validate())
}

func Test_Unit_Validate_CopyFile_Success(t *testing.T) {
	t.Parallel()

	require.NoError(t, mirrorevent.NewCopyFile("a/b", "/src/a/b").Validate())
}

func Test_Unit_Validate_CopyFileMissingSource_Error(t *testing.T) {
	t.Parallel()

	e := mirrorevent.Event{Kind: mirrorevent.CopyFile, RelPath: "a/b"}
	require.ErrorIs(t, e.Validate(), mirrorevent.ErrInvalidEvent)
}

func Test_Unit_Validate_CreateSymlinkMissingTarget_Error(t *testing.T) {
	t.Parallel()

	e := mirrorevent.Event{Kind: mirrorevent.CreateSymlink, RelPath: "a/b"}
	require.ErrorIs(t, e.Validate(), mirrorevent.ErrInvalidEvent)
}

func Test_Unit_Validate_EnsureDirWithSourcePath_Error(t *testing.T) {
	t.Parallel()

	e := mirrorevent.Event{Kind: mirrorevent.EnsureDir, RelPath: "a", SourceFullPath: "/x"}
	require.ErrorIs(t, e.Validate(), mirrorevent.ErrInvalidEvent)
}

func Test_Unit_Equality_SameFields_Equal(t *testing.T) {
	t.Parallel()

	a := mirrorevent.NewCreateSymlink("l", "/dst/x", false)
	b := mirrorevent.NewCreateSymlink("l", "/dst/x", false)
	require.Equal(t, a, b)
}
