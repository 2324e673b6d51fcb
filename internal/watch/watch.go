// Package watch adapts github.com/fsnotify/fsnotify into the recursive
// filesystem watcher described by spec.md §4.D: it subscribes to OS change
// notifications across the whole source subtree and translates them into
// ChangeEvents broadcast to every worker of a session.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Kezak1/mirrormesh/internal/ioutilx"
	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// dispatchLimit bounds how many watcher callbacks run concurrently, so a
// burst of OS notifications cannot spawn unbounded goroutines.
const dispatchLimit = 8

// Handler receives translated events, one call per logical mirror
// operation. Per spec.md §9's cyclic-reference note, the watcher never
// holds a reference to a specific session: every call carries sourceRoot
// so the registry can look the session up fresh each time, and symlink
// literal rewriting (source root -> each worker's target root) happens
// inside the registry's fan-out, since a session may have more than one
// target.
type Handler interface {
	// BroadcastEnsureDir handles a Created-or-Changed event whose path is
	// a directory.
	BroadcastEnsureDir(ctx context.Context, sourceRoot, rel string)
	// BroadcastCopyFile handles a Created-or-Changed event whose path is
	// a regular file.
	BroadcastCopyFile(ctx context.Context, sourceRoot, rel, srcFullPath string)
	// BroadcastSymlink handles a Created-or-Changed event whose path is a
	// symlink; rawLinkTarget is the literal exactly as read from disk,
	// not yet rewritten for any particular target.
	BroadcastSymlink(ctx context.Context, sourceRoot, rel, rawLinkTarget string, isDirLink bool)
	// BroadcastDelete handles a Deleted or Renamed-away event: the
	// registry emits DeleteFile followed by DeleteDir per spec.md §4.D,
	// since the entry's prior kind is no longer observable.
	BroadcastDelete(ctx context.Context, sourceRoot, rel string)
	// Rescan handles the "directory arrived already populated" case: a
	// renamed-in or mkdir-p'd directory for which no per-descendant
	// notification will fire.
	Rescan(ctx context.Context, sourceRoot, subtreeFullPath string)
	// SourceGone is invoked when sourceRoot itself has disappeared; the
	// registry treats this as an implicit StopSession.
	SourceGone(ctx context.Context, sourceRoot string)
}

// Watcher is the armed filesystem watcher for a single source root.
type Watcher struct {
	fsys       afero.Fs
	sourceRoot string
	handler    Handler
	log        *slog.Logger

	fsw   *fsnotify.Watcher
	group *errgroup.Group

	watchedMu sync.Mutex
	watched   map[string]struct{}

	stopOnce sync.Once
}

// New constructs and arms a Watcher over sourceRoot: it walks the tree,
// subscribes to every directory (skipping symlinked directories, matching
// the scanner's "do not descend into it"), and starts dispatching events
// to handler. Callers must call Close to release the underlying fsnotify
// watcher and await in-flight dispatches.
func New(ctx context.Context, fsys afero.Fs, sourceRoot string, handler Handler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	group, gctx := errgroup.WithContext(context.Background())
	group.SetLimit(dispatchLimit)

	w := &Watcher{
		fsys:       fsys,
		sourceRoot: sourceRoot,
		handler:    handler,
		log:        logger,
		fsw:        fsw,
		group:      group,
		watched:    make(map[string]struct{}),
	}

	if err := w.addTree(ctx, sourceRoot); err != nil {
		fsw.Close()

		return nil, fmt.Errorf("failed to arm watcher: %w", err)
	}

	go w.loop(gctx)

	return w, nil
}

// Close stops watching and awaits all in-flight dispatch callbacks.
func (w *Watcher) Close() error {
	var closeErr error

	w.stopOnce.Do(func() {
		closeErr = w.fsw.Close()
		_ = w.group.Wait()
	})

	return closeErr
}

// addTree walks root and registers a watch on every directory beneath it
// (inclusive), skipping symlinked directories per spec.md §4.C/§4.D.
func (w *Watcher) addTree(ctx context.Context, root string) error {
	return afero.Walk(w.fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return err
		}

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		isSymlink, serr := ioutilx.IsSymlink(w.fsys, path)
		if serr != nil {
			return serr
		}

		if isSymlink {
			// afero.Walk lstats entries, so a symlink is never descended
			// into; SkipDir here would abort the rest of the walk.
			return nil
		}

		if !info.IsDir() {
			return nil
		}

		return w.addDir(path)
	})
}

func (w *Watcher) addDir(path string) error {
	if err := w.fsw.Add(path); err != nil {
		return fmt.Errorf("failed to watch: %q (%w)", path, err)
	}

	w.watchedMu.Lock()
	w.watched[path] = struct{}{}
	w.watchedMu.Unlock()

	return nil
}

func (w *Watcher) removeDir(path string) {
	w.watchedMu.Lock()
	_, ok := w.watched[path]
	delete(w.watched, path)
	w.watchedMu.Unlock()

	if ok {
		_ = w.fsw.Remove(path)
	}
}

// loop drains fsnotify's Events/Errors channels and schedules the
// (potentially I/O-bound) translation work onto a bounded pool, so that
// work does not run on the reading goroutine. While dispatchLimit
// callbacks are in flight, reading the next event waits for one of them
// to finish (spec.md §4.D).
func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			ev := event
			w.group.Go(func() error {
				w.handle(ctx, ev)

				return nil
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Error("watcher reported error",
				"source", w.sourceRoot,
				"error", err,
				"error-type", "runtime",
			)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if _, err := w.fsys.Stat(w.sourceRoot); errors.Is(err, os.ErrNotExist) {
		w.handler.SourceGone(ctx, w.sourceRoot)

		return
	}

	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		w.handleCreatedOrChanged(ctx, event.Name)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.handleRemovedOrRenamedAway(ctx, event.Name)
	}
}

func (w *Watcher) handleCreatedOrChanged(ctx context.Context, fullPath string) {
	rel, err := pathutil.Rel(w.sourceRoot, fullPath)
	if err != nil || pathutil.Escapes(rel) {
		return
	}

	isSymlink, err := ioutilx.IsSymlink(w.fsys, fullPath)
	if err != nil {
		return
	}

	if isSymlink {
		target, err := ioutilx.ReadLink(w.fsys, fullPath)
		if err != nil {
			return
		}

		info, statErr := w.fsys.Stat(fullPath)
		isDirLink := statErr == nil && info.IsDir()

		w.handler.BroadcastSymlink(ctx, w.sourceRoot, rel, target, isDirLink)

		return
	}

	info, err := w.fsys.Stat(fullPath)
	if err != nil {
		return
	}

	if info.IsDir() {
		w.handler.BroadcastEnsureDir(ctx, w.sourceRoot, rel)

		if err := w.addDir(fullPath); err != nil {
			w.log.Error("failed to watch new directory",
				"source", w.sourceRoot, "path", fullPath, "error", err, "error-type", "runtime")
		}

		// A directory can arrive fully populated (mkdir -p, or an
		// external rename into the tree); no per-descendant
		// notification will fire for its pre-existing contents, so
		// rescan it (spec.md §4.D).
		w.handler.Rescan(ctx, w.sourceRoot, fullPath)

		return
	}

	w.handler.BroadcastCopyFile(ctx, w.sourceRoot, rel, fullPath)
}

func (w *Watcher) handleRemovedOrRenamedAway(ctx context.Context, fullPath string) {
	rel, err := pathutil.Rel(w.sourceRoot, fullPath)
	if err != nil || pathutil.Escapes(rel) {
		return
	}

	w.handler.BroadcastDelete(ctx, w.sourceRoot, rel)
	w.removeDir(fullPath)
}
