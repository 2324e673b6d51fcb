// Package registry implements the session registry (spec.md §4.F): the
// top-level object the REPL drives, binding one source directory to one or
// more target directories and owning the workers, scanner tasks, and
// watcher for each binding.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Kezak1/mirrormesh/internal/pathutil"
	"github.com/Kezak1/mirrormesh/internal/restore"
	"github.com/Kezak1/mirrormesh/internal/scanner"
	"github.com/Kezak1/mirrormesh/internal/watch"
	"github.com/Kezak1/mirrormesh/internal/worker"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const dirPerm = 0o777

var (
	// ErrSourceMissing is returned when source does not exist or is not a
	// directory.
	ErrSourceMissing = errors.New("source does not exist or is not a directory")
	// ErrNoSession is returned by End/Restore when source has no session.
	ErrNoSession = errors.New("no session for source")
	// ErrContainment is returned when a target equals or is contained in
	// its source (spec.md §8 property 4).
	ErrContainment = errors.New("target must not equal or be contained in source")
	// ErrTargetNotEmpty is returned when a target directory exists and is
	// non-empty at registration time.
	ErrTargetNotEmpty = errors.New("target is not an empty directory")
)

// session is one source bound to a set of live workers, plus the
// machinery mirroring it.
type session struct {
	source             string
	workers            map[string]*worker.Worker // keyed by target root
	watcher            *watch.Watcher
	pendingInitialScan int

	// scanGroup tracks every background initial-scan task spawned for this
	// session, so a full teardown (End collapsing to zero targets, or
	// StopAll) can Wait() for them before disposing workers
	// (spec.md §8 property 6: shutdown quiescence).
	scanGroup errgroup.Group
}

// Registry is the in-memory, process-wide set of live mirror sessions
// (spec.md §6: "Persisted state: none"). The zero value is not usable;
// construct with New.
type Registry struct {
	fsys afero.Fs
	log  *slog.Logger
	opts worker.Options

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs an empty Registry operating on fsys. opts configures
// every worker the registry creates (queue capacity, verify-on-copy).
func New(fsys afero.Fs, logger *slog.Logger, opts worker.Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		fsys:     fsys,
		log:      logger,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Add binds source to targets, creating missing targets and skipping
// targets that already exist and are non-empty (spec.md §4.F). Errors
// returned here are whole-call validation failures; per-target setup
// failures are logged and simply skip that target.
func (r *Registry) Add(ctx context.Context, source string, targets []string) error {
	source, err := pathutil.Normalize(source)
	if err != nil {
		return fmt.Errorf("failed to normalize source: %w", err)
	}

	info, err := r.fsys.Stat(source)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %q", ErrSourceMissing, source)
	}

	normalized, err := normalizeTargets(source, targets)
	if err != nil {
		return err
	}

	accepted := make([]string, 0, len(normalized))

	for _, target := range normalized {
		if r.alreadyBound(source, target) {
			continue
		}

		if err := r.prepareTarget(target); err != nil {
			r.log.Error("target setup failed, skipping",
				"source", source, "target", target, "error", err, "error-type", "setup")

			continue
		}

		accepted = append(accepted, target)
	}

	sess, newWorkers := r.registerWorkers(source, accepted)

	for target, w := range newWorkers {
		target, w := target, w
		sess.scanGroup.Go(func() error {
			r.runInitialScan(ctx, source, target, w)

			return nil
		})
	}

	return nil
}

// normalizeTargets normalizes and deduplicates targets, rejecting the
// whole call if any one of them equals or is contained in source
// (spec.md §8 property 4).
func normalizeTargets(source string, targets []string) ([]string, error) {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))

	for _, t := range targets {
		norm, err := pathutil.Normalize(t)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize target: %w", err)
		}

		if pathutil.IsSubpath(norm, source) {
			return nil, fmt.Errorf("%w: %q under %q", ErrContainment, norm, source)
		}

		if _, ok := seen[norm]; ok {
			continue
		}

		seen[norm] = struct{}{}
		out = append(out, norm)
	}

	return out, nil
}

func (r *Registry) alreadyBound(source, target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[source]
	if !ok {
		return false
	}

	_, ok = sess.workers[target]

	return ok
}

// prepareTarget ensures target is an empty directory, creating it if it
// does not exist (spec.md §4.F step 3).
func (r *Registry) prepareTarget(target string) error {
	info, err := r.fsys.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return r.fsys.MkdirAll(target, dirPerm)
	}

	if err != nil {
		return fmt.Errorf("failed to stat target: %q (%w)", target, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrTargetNotEmpty, target)
	}

	entries, err := afero.ReadDir(r.fsys, target)
	if err != nil {
		return fmt.Errorf("failed to read target: %q (%w)", target, err)
	}

	if len(entries) > 0 {
		return fmt.Errorf("%w: %q", ErrTargetNotEmpty, target)
	}

	return nil
}

// registerWorkers obtains-or-creates the session for source and
// constructs a Worker for each accepted target not already present,
// incrementing pendingInitialScan for each (spec.md §4.F step 4).
func (r *Registry) registerWorkers(source string, accepted []string) (*session, map[string]*worker.Worker) {
	if len(accepted) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[source]
	if !ok {
		sess = &session{source: source, workers: make(map[string]*worker.Worker)}
		r.sessions[source] = sess
	}

	newWorkers := make(map[string]*worker.Worker, len(accepted))

	for _, target := range accepted {
		if _, exists := sess.workers[target]; exists {
			continue
		}

		w := worker.New(r.fsys, source, target, r.opts)
		sess.workers[target] = w
		sess.pendingInitialScan++
		newWorkers[target] = w
	}

	return sess, newWorkers
}

// runInitialScan performs the source scanner for one newly added worker,
// then arms the session's watcher once every worker's initial scan has
// completed (spec.md §4.F step 5).
func (r *Registry) runInitialScan(ctx context.Context, source, target string, w *worker.Worker) {
	err := scanner.Scan(ctx, r.fsys, source, target, w)
	if err != nil {
		r.log.Error("initial scan failed, dropping target",
			"source", source, "target", target, "error", err, "error-type", "scan")
		w.Dispose()
	}

	r.finishInitialScan(ctx, source, target, err != nil)
}

func (r *Registry) finishInitialScan(ctx context.Context, source, target string, failed bool) {
	r.mu.Lock()

	sess, ok := r.sessions[source]
	if !ok {
		r.mu.Unlock()

		return
	}

	if failed {
		delete(sess.workers, target)
	}

	sess.pendingInitialScan--

	collapse := len(sess.workers) == 0
	if collapse {
		delete(r.sessions, source)
	}

	armNow := !collapse && sess.pendingInitialScan == 0 && sess.watcher == nil
	r.mu.Unlock()

	if collapse {
		return
	}

	if armNow {
		r.arm(ctx, sess)
	}
}

// arm builds and installs the watcher for sess, outside the registry
// lock (watcher construction walks the whole source tree).
func (r *Registry) arm(ctx context.Context, sess *session) {
	w, err := watch.New(ctx, r.fsys, sess.source, r, r.log)
	if err != nil {
		r.log.Error("failed to arm watcher",
			"source", sess.source, "error", err, "error-type", "runtime")

		return
	}

	r.mu.Lock()
	if current, ok := r.sessions[sess.source]; ok && current == sess && sess.watcher == nil {
		sess.watcher = w
	} else {
		// Session was torn down or already armed between the initial
		// scan finishing and the watcher being built; don't leak it.
		r.mu.Unlock()
		_ = w.Close()

		return
	}
	r.mu.Unlock()
}

// End removes targets from source's session, disposing their workers.
// If the session becomes empty, its watcher is disposed too
// (spec.md §4.F).
func (r *Registry) End(_ context.Context, source string, targets []string) error {
	source, err := pathutil.Normalize(source)
	if err != nil {
		return fmt.Errorf("failed to normalize source: %w", err)
	}

	r.mu.Lock()

	sess, ok := r.sessions[source]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %q", ErrNoSession, source)
	}

	removed := make([]*worker.Worker, 0, len(targets))

	for _, t := range targets {
		norm, nerr := pathutil.Normalize(t)
		if nerr != nil {
			r.log.Error("failed to normalize target, skipping", "target", t, "error", nerr)

			continue
		}

		w, exists := sess.workers[norm]
		if !exists {
			r.log.Error("target not bound to source, skipping", "source", source, "target", norm)

			continue
		}

		delete(sess.workers, norm)
		removed = append(removed, w)
	}

	var capturedWatcher *watch.Watcher

	collapsed := len(sess.workers) == 0
	if collapsed {
		capturedWatcher = sess.watcher
		delete(r.sessions, source)
	}

	r.mu.Unlock()

	if capturedWatcher != nil {
		if err := capturedWatcher.Close(); err != nil {
			r.log.Error("failed to close watcher", "source", source, "error", err)
		}
	}

	// Only a fully-collapsed session waits on its scan group: removing a
	// subset of targets must not block End on unrelated targets' still
	// in-flight initial scans (spec.md §8: "End subset" keeps the rest
	// working independently).
	if collapsed {
		_ = sess.scanGroup.Wait()
	}

	for _, w := range removed {
		w.Dispose()
	}

	return nil
}

// Restore stops the session for source (disposing its watcher and
// workers) and invokes the restore engine against target
// (spec.md §4.F, §4.E).
func (r *Registry) Restore(ctx context.Context, source, target string) error {
	source, err := pathutil.Normalize(source)
	if err != nil {
		return fmt.Errorf("failed to normalize source: %w", err)
	}

	target, err = pathutil.Normalize(target)
	if err != nil {
		return fmt.Errorf("failed to normalize target: %w", err)
	}

	r.stopSession(source)

	return restore.Restore(ctx, r.fsys, source, target)
}

// stopSession captures and disposes the watcher and all workers of the
// session for source, if one exists.
func (r *Registry) stopSession(source string) {
	r.mu.Lock()
	sess, ok := r.sessions[source]
	if ok {
		delete(r.sessions, source)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if sess.watcher != nil {
		_ = sess.watcher.Close()
	}

	_ = sess.scanGroup.Wait()

	for _, w := range sess.workers {
		w.Dispose()
	}
}

// List writes the sources and their target sets, in lexicographic
// order, to w (spec.md §4.F).
func (r *Registry) List(w io.Writer) {
	r.mu.Lock()

	sources := make([]string, 0, len(r.sessions))
	targetsBySource := make(map[string][]string, len(r.sessions))

	for source, sess := range r.sessions {
		sources = append(sources, source)

		targets := make([]string, 0, len(sess.workers))
		for target := range sess.workers {
			targets = append(targets, target)
		}

		sort.Strings(targets)
		targetsBySource[source] = targets
	}

	r.mu.Unlock()

	sort.Strings(sources)

	for _, source := range sources {
		fmt.Fprintf(w, "%s -> %s\n", source, strings.Join(targetsBySource[source], ", "))
	}
}

// StopAll snapshots and clears every session, then disposes all
// captured watchers and workers (spec.md §4.F, §8 property 6).
func (r *Registry) StopAll(_ context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.watcher != nil {
			_ = sess.watcher.Close()
		}
	}

	for _, sess := range sessions {
		_ = sess.scanGroup.Wait()
	}

	for _, sess := range sessions {
		for _, w := range sess.workers {
			w.Dispose()
		}
	}

	return nil
}

// broadcast snapshots the worker list for source under the lock, then
// pushes event-producing work to each worker outside the lock
// (spec.md §4.D: "Broadcast means: snapshot ... then push ... outside
// the lock").
func (r *Registry) broadcast(source string) []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[source]
	if !ok {
		return nil
	}

	out := make([]*worker.Worker, 0, len(sess.workers))
	for _, w := range sess.workers {
		out = append(out, w)
	}

	return out
}
