package ioutilx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// RemoveAny implements the unified removal policy of spec.md §4.B: remove
// whatever is at path, whether it is a file, a symlink, or a directory
// (recursively). Non-existence is not an error.
func RemoveAny(fsys afero.Fs, path string) error {
	info, _, err := lstat(fsys, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", path, err)
	}

	if info.IsDir() {
		if err := fsys.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove dir: %q (%w)", path, err)
		}

		return nil
	}

	if err := fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove: %q (%w)", path, err)
	}

	return nil
}

// EnsureDir ensures path exists as a directory, creating it (and any
// missing parents) if necessary. If a non-directory entry occupies path,
// it is removed first (spec.md §4.B).
func EnsureDir(fsys afero.Fs, path string, perm fs.FileMode) error {
	info, _, err := lstat(fsys, path)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil
		}

		if err := RemoveAny(fsys, path); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		// Nothing there; fall through to creation.
	default:
		return fmt.Errorf("failed to stat: %q (%w)", path, err)
	}

	if err := fsys.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create dir: %q (%w)", path, err)
	}

	return nil
}

// IsSymlink reports whether path is a symlink, using afero's optional
// Lstater interface when the backing filesystem implements it (exactly
// the probe afero.Walk itself performs) and falling back to Stat
// otherwise, in which case symlinks are indistinguishable from their
// targets and this reports false.
func IsSymlink(fsys afero.Fs, path string) (bool, error) {
	info, lstatCalled, err := lstat(fsys, path)
	if err != nil {
		return false, err
	}

	if !lstatCalled {
		return false, nil
	}

	return info.Mode()&os.ModeSymlink != 0, nil
}

// ReadLink returns the literal target of the symlink at path, if the
// backing filesystem supports reading links.
func ReadLink(fsys afero.Fs, path string) (string, error) {
	reader, ok := fsys.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("%w: %T does not support reading symlinks", ErrSymlinksUnsupported, fsys)
	}

	target, err := reader.ReadlinkIfPossible(path)
	if err != nil {
		return "", fmt.Errorf("failed to read link: %q (%w)", path, err)
	}

	return target, nil
}

// CreateSymlink creates a symlink at path pointing at target, replacing
// any existing entry there first, if the backing filesystem supports
// symlinks.
func CreateSymlink(fsys afero.Fs, path, target string, perm fs.FileMode) error {
	linker, ok := fsys.(afero.Linker)
	if !ok {
		return fmt.Errorf("%w: %T does not support creating symlinks", ErrSymlinksUnsupported, fsys)
	}

	if err := EnsureDir(fsys, filepath.Dir(path), perm); err != nil {
		return err
	}

	if err := RemoveAny(fsys, path); err != nil {
		return err
	}

	if err := linker.SymlinkIfPossible(target, path); err != nil {
		return fmt.Errorf("failed to create symlink: %q -> %q (%w)", path, target, err)
	}

	return nil
}

// lstat stats path without following a trailing symlink when the backing
// filesystem implements afero.Lstater (the same capability-probe
// afero.Walk performs internally); lstatCalled reports whether the
// Lstat-flavored call was actually used.
func lstat(fsys afero.Fs, path string) (info fs.FileInfo, lstatCalled bool, err error) {
	if lstater, ok := fsys.(afero.Lstater); ok {
		info, lstatCalled, err = lstater.LstatIfPossible(path)

		return info, lstatCalled, err
	}

	info, err = fsys.Stat(path)

	return info, false, err
}

// ErrSymlinksUnsupported is returned when the backing afero.Fs does not
// implement the optional symlink interfaces (e.g. afero.MemMapFs).
var ErrSymlinksUnsupported = errors.New("filesystem does not support symlinks")
