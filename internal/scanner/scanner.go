// Package scanner implements the recursive source-tree walk that seeds a
// worker's queue for initial sync, live-rename handling, and restore
// (spec.md §4.C).
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Kezak1/mirrormesh/internal/ioutilx"
	"github.com/Kezak1/mirrormesh/internal/mirrorevent"
	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/spf13/afero"
)

// Pusher is the subset of worker.Worker that Scan needs, letting tests
// substitute a recording fake instead of building a full Worker.
type Pusher interface {
	Push(ctx context.Context, event mirrorevent.Event) error
}

// Scan performs a depth-first traversal of sourceRoot, pushing events to w
// in the order described by spec.md §4.C: symlinks are reported but not
// descended into, directories are reported then recursed into, and files
// are reported as copies. Absolute symlink literals that point inside
// sourceRoot are rewritten to point at the equivalent location under
// targetRoot (spec.md §4.G); all other literals are preserved verbatim.
func Scan(ctx context.Context, fsys afero.Fs, sourceRoot, targetRoot string, w Pusher) error {
	return ScanSubtree(ctx, fsys, sourceRoot, targetRoot, sourceRoot, w)
}

// ScanSubtree is the same algorithm as Scan, but rooted at an arbitrary
// subtree of sourceRoot (subtreeFullPath) while relative paths are still
// computed against sourceRoot — used by the watcher on directory-rename
// and directory-create events.
func ScanSubtree(ctx context.Context, fsys afero.Fs, sourceRoot, targetRoot, subtreeFullPath string, w Pusher) error {
	return afero.Walk(fsys, subtreeFullPath, func(path string, info os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("scan cancelled: %w", cerr)
		}

		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		rel, err := pathutil.Rel(sourceRoot, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		if rel == "." {
			return nil
		}

		isSymlink, err := ioutilx.IsSymlink(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to check symlink: %q (%w)", path, err)
		}

		if isSymlink {
			linkTarget, err := ioutilx.ReadLink(fsys, path)
			if err != nil {
				return fmt.Errorf("failed to read link: %q (%w)", path, err)
			}

			rewritten := pathutil.RewriteLinkTarget(linkTarget, sourceRoot, targetRoot)

			// info comes from Lstat; follow the link to learn whether it
			// points at a directory.
			targetInfo, statErr := fsys.Stat(path)
			isDirLink := statErr == nil && targetInfo.IsDir()

			event := mirrorevent.NewCreateSymlink(rel, rewritten, isDirLink)
			if err := w.Push(ctx, event); err != nil {
				return fmt.Errorf("failed to push symlink event: %w", err)
			}

			// afero.Walk lstats entries, so a symlink is never descended
			// into; SkipDir here would skip its remaining siblings instead.
			return nil
		}

		if info.IsDir() {
			if err := w.Push(ctx, mirrorevent.NewEnsureDir(rel)); err != nil {
				return fmt.Errorf("failed to push ensure-dir event: %w", err)
			}

			return nil
		}

		if err := w.Push(ctx, mirrorevent.NewCopyFile(rel, path)); err != nil {
			return fmt.Errorf("failed to push copy-file event: %w", err)
		}

		return nil
	})
}
