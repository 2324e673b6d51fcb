package pathutil_test

import (
	"testing"

	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/stretchr/testify/require"
)

func Test_Unit_IsSubpath_Equal_True(t *testing.T) {
	t.Parallel()

	require.True(t, pathutil.IsSubpath("/a/b", "/a/b"))
}

func Test_Unit_IsSubpath_Descendant_True(t *testing.T) {
	t.Parallel()

	require.True(t, pathutil.IsSubpath("/a/b/c", "/a/b"))
}

func Test_Unit_IsSubpath_Sibling_False(t *testing.T) {
	t.Parallel()

	require.False(t, pathutil.IsSubpath("/a/bc", "/a/b"))
}

func Test_Unit_IsSubpath_Unrelated_False(t *testing.T) {
	t.Parallel()

	require.False(t, pathutil.IsSubpath("/x/y", "/a/b"))
}

func Test_Unit_RewriteLinkTarget_Relative_Unchanged(t *testing.T) {
	t.Parallel()

	got := pathutil.RewriteLinkTarget("../sibling", "/src", "/dst")
	require.Equal(t, "../sibling", got)
}

func Test_Unit_RewriteLinkTarget_InsideSource_Rewritten(t *testing.T) {
	t.Parallel()

	got := pathutil.RewriteLinkTarget("/src/data.txt", "/src", "/dst")
	require.Equal(t, "/dst/data.txt", got)
}

func Test_Unit_RewriteLinkTarget_SourceRootItself_Rewritten(t *testing.T) {
	t.Parallel()

	got := pathutil.RewriteLinkTarget("/src", "/src", "/dst")
	require.Equal(t, "/dst", got)
}

func Test_Unit_RewriteLinkTarget_OutsideSource_Unchanged(t *testing.T) {
	t.Parallel()

	got := pathutil.RewriteLinkTarget("/elsewhere/data.txt", "/src", "/dst")
	require.Equal(t, "/elsewhere/data.txt", got)
}

func Test_Unit_Escapes_Parent_True(t *testing.T) {
	t.Parallel()

	require.True(t, pathutil.Escapes(".."))
	require.True(t, pathutil.Escapes("../x"))
}

func Test_Unit_Escapes_WithinRoot_False(t *testing.T) {
	t.Parallel()

	require.False(t, pathutil.Escapes("."))
	require.False(t, pathutil.Escapes("a/b"))
}
