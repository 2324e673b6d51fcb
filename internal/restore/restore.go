// Package restore implements the one-shot reverse mirror: target → source,
// with deletion of extraneous source entries (spec.md §4.E). Restore is
// invoked only after the session for sourceRoot has been stopped and its
// workers/watcher disposed.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Kezak1/mirrormesh/internal/ioutilx"
	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/spf13/afero"
)

const dirPerm = 0o777

// ErrTargetMissing is returned when targetRoot does not exist.
var ErrTargetMissing = errors.New("restore target does not exist")

// Restore makes sourceRoot identical to targetRoot: every entry under
// targetRoot is copied/linked/ensured into sourceRoot, and every entry
// under sourceRoot with no counterpart in targetRoot is removed.
func Restore(ctx context.Context, fsys afero.Fs, sourceRoot, targetRoot string) error {
	if _, err := fsys.Stat(targetRoot); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrTargetMissing, targetRoot)
	} else if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", targetRoot, err)
	}

	if err := fsys.MkdirAll(sourceRoot, dirPerm); err != nil {
		return fmt.Errorf("failed to create: %q (%w)", sourceRoot, err)
	}

	present := make(map[string]struct{})

	if err := mirrorIn(ctx, fsys, sourceRoot, targetRoot, present); err != nil {
		return err
	}

	return deleteOrphans(ctx, fsys, sourceRoot, present)
}

func mirrorIn(ctx context.Context, fsys afero.Fs, sourceRoot, targetRoot string, present map[string]struct{}) error {
	return afero.Walk(fsys, targetRoot, func(path string, info os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("restore cancelled: %w", cerr)
		}

		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		rel, err := pathutil.Rel(targetRoot, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		if rel == "." {
			return nil
		}

		present[rel] = struct{}{}
		dst := filepath.Join(sourceRoot, rel)

		isSymlink, err := ioutilx.IsSymlink(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to check symlink: %q (%w)", path, err)
		}

		if isSymlink {
			linkTarget, err := ioutilx.ReadLink(fsys, path)
			if err != nil {
				return fmt.Errorf("failed to read link: %q (%w)", path, err)
			}

			rewritten := pathutil.RewriteLinkTarget(linkTarget, targetRoot, sourceRoot)
			if err := ioutilx.CreateSymlink(fsys, dst, rewritten, dirPerm); err != nil {
				return err
			}

			// afero.Walk lstats entries, so a symlink is never descended
			// into; SkipDir here would skip its remaining siblings instead.
			return nil
		}

		if info.IsDir() {
			dstInfo, statErr := fsys.Stat(dst)
			if statErr == nil && !dstInfo.IsDir() {
				if err := ioutilx.RemoveAny(fsys, dst); err != nil {
					return err
				}
			}

			if err := fsys.MkdirAll(dst, dirPerm); err != nil {
				return fmt.Errorf("failed to create: %q (%w)", dst, err)
			}

			return nil
		}

		return restoreFile(ctx, fsys, path, dst, info)
	})
}

func restoreFile(ctx context.Context, fsys afero.Fs, src, dst string, srcInfo os.FileInfo) error {
	dstInfo, err := fsys.Stat(dst)
	switch {
	case err == nil && dstInfo.IsDir():
		if err := ioutilx.RemoveAny(fsys, dst); err != nil {
			return err
		}
	case err == nil:
		if dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
			// Identical by (length, mtime); skip the copy (spec.md §4.E).
			return nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to stat: %q (%w)", dst, err)
	}

	if err := ioutilx.EnsureDir(fsys, filepath.Dir(dst), dirPerm); err != nil {
		return err
	}

	if _, err := ioutilx.CopyFile(ctx, fsys, src, dst, false); err != nil {
		return err
	}

	if err := fsys.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to stamp mtime: %q (%w)", dst, err)
	}

	return nil
}

// deleteOrphans removes every entry under sourceRoot whose relative path is
// not in present, without descending into symlinked directories.
func deleteOrphans(ctx context.Context, fsys afero.Fs, sourceRoot string, present map[string]struct{}) error {
	return afero.Walk(fsys, sourceRoot, func(path string, info os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("restore cancelled: %w", cerr)
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

		if _, ok := present[rel]; ok {
			isSymlink, err := ioutilx.IsSymlink(fsys, path)
			if err != nil {
				return fmt.Errorf("failed to check symlink: %q (%w)", path, err)
			}

			if isSymlink {
				// Not descended into by afero.Walk (Lstat info); nothing to do.
				return nil
			}

			return nil
		}

		if err := ioutilx.RemoveAny(fsys, path); err != nil {
			return err
		}

		if info.IsDir() {
			return filepath.SkipDir
		}

		return nil
	})
}
