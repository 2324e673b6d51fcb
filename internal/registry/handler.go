package registry

import (
	"context"

	"github.com/Kezak1/mirrormesh/internal/mirrorevent"
	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/Kezak1/mirrormesh/internal/scanner"
	"github.com/Kezak1/mirrormesh/internal/worker"
)

// The methods below implement watch.Handler. The watcher holds a
// back-reference to the Registry, never to a specific session, and looks
// the session up by source path on every callback (spec.md §9: "cyclic
// reference avoidance"). Each broadcast snapshots the worker list under
// the lock, then acts on every worker outside the lock.

// BroadcastEnsureDir fans an EnsureDir event out to every worker of
// source.
func (r *Registry) BroadcastEnsureDir(ctx context.Context, source, rel string) {
	event := mirrorevent.NewEnsureDir(rel)

	for _, w := range r.broadcast(source) {
		r.push(ctx, w, event)
	}
}

// BroadcastCopyFile fans a CopyFile event out to every worker of source.
func (r *Registry) BroadcastCopyFile(ctx context.Context, source, rel, srcFullPath string) {
	event := mirrorevent.NewCopyFile(rel, srcFullPath)

	for _, w := range r.broadcast(source) {
		r.push(ctx, w, event)
	}
}

// BroadcastSymlink rewrites rawLinkTarget for each worker's own target
// root before pushing a CreateSymlink event, since a session may bind a
// source to more than one target (spec.md §4.D, §4.G).
func (r *Registry) BroadcastSymlink(ctx context.Context, source, rel, rawLinkTarget string, isDirLink bool) {
	for _, w := range r.broadcast(source) {
		rewritten := pathutil.RewriteLinkTarget(rawLinkTarget, source, w.TargetRoot())
		r.push(ctx, w, mirrorevent.NewCreateSymlink(rel, rewritten, isDirLink))
	}
}

// BroadcastDelete fans DeleteFile then DeleteDir out to every worker of
// source: the entry no longer exists so its prior kind is unknown, and
// unified removal makes both events safe (spec.md §4.D).
func (r *Registry) BroadcastDelete(ctx context.Context, source, rel string) {
	fileEvent := mirrorevent.NewDeleteFile(rel)
	dirEvent := mirrorevent.NewDeleteDir(rel)

	for _, w := range r.broadcast(source) {
		r.push(ctx, w, fileEvent)
		r.push(ctx, w, dirEvent)
	}
}

// Rescan re-walks subtreeFullPath for every worker of source, each
// writing into its own target root, catching children that arrived
// already in place (e.g. a populated mkdir -p or rename-in) for which no
// individual notification fires (spec.md §4.D).
func (r *Registry) Rescan(ctx context.Context, source, subtreeFullPath string) {
	for _, w := range r.broadcast(source) {
		if err := scanner.ScanSubtree(ctx, r.fsys, source, w.TargetRoot(), subtreeFullPath, w); err != nil {
			r.log.Error("rescan failed",
				"source", source, "target", w.TargetRoot(), "path", subtreeFullPath,
				"error", err, "error-type", "scan")
		}
	}
}

// SourceGone treats the disappearance of source as an implicit
// StopSession (spec.md §7).
func (r *Registry) SourceGone(_ context.Context, source string) {
	r.log.Error("source root disappeared, stopping session", "source", source, "error-type", "runtime")

	// SourceGone runs inside one of the watcher's dispatch callbacks, and
	// stopSession closes that watcher, which waits for every in-flight
	// callback; stop on a separate goroutine so this callback can return.
	go r.stopSession(source)
}

func (r *Registry) push(ctx context.Context, w *worker.Worker, event mirrorevent.Event) {
	if err := w.Push(ctx, event); err != nil {
		r.log.Error("failed to push event to worker",
			"target", w.TargetRoot(), "event", event.Kind.String(), "error", err, "error-type", "runtime")
	}
}
