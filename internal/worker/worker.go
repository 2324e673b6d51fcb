// Package worker implements the per-target mirror worker (spec.md §4.B):
// a bounded event queue, a single apply goroutine, and a bounded number of
// concurrent large-file copies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Kezak1/mirrormesh/internal/ioutilx"
	"github.com/Kezak1/mirrormesh/internal/mirrorevent"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
)

// DefaultQueueCapacity is the suggested bound from spec.md §3.
const DefaultQueueCapacity = 10_000

// copyPermits bounds the number of concurrent large-file copies a single
// worker may have in flight (spec.md §3, §5).
const copyPermits = 4

const dirPerm = 0o777

// ErrQueueClosed is returned by Push once the worker has been completed,
// stopped, or disposed.
var ErrQueueClosed = errors.New("worker queue is closed")

// Options configures a Worker beyond its source/target roots.
type Options struct {
	// QueueCapacity overrides DefaultQueueCapacity when positive.
	QueueCapacity int
	// CopyConcurrency overrides copyPermits when positive.
	CopyConcurrency int
	// VerifyCopies re-reads and re-hashes each destination file after
	// writing it (the teacher's --verify flag, generalized to mirror
	// copies rather than promote-via-rename copies).
	VerifyCopies bool
	Logger       *slog.Logger
}

// Worker owns one target tree: it consumes ChangeEvents from a bounded
// queue and applies them in strict FIFO order (spec.md §3, §4.B).
type Worker struct {
	sourceRoot string
	targetRoot string
	fsys       afero.Fs
	verify     bool
	log        *slog.Logger

	queue   chan mirrorevent.Event
	closed  atomic.Bool
	limiter *semaphore.Weighted

	// pushMu serializes Push against Complete's close(w.queue): without it,
	// a Push that has just read closed==false can still lose a race with a
	// concurrent Complete and send on a closed channel.
	pushMu sync.Mutex

	done chan struct{}
	once sync.Once
}

// New constructs a Worker for targetRoot mirroring sourceRoot, and starts
// its apply loop immediately (spec.md §4.B: "the queue opens for writes,
// and the apply task starts").
func New(fsys afero.Fs, sourceRoot, targetRoot string, opts Options) *Worker {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	permits := int64(opts.CopyConcurrency)
	if permits <= 0 {
		permits = copyPermits
	}

	w := &Worker{
		sourceRoot: sourceRoot,
		targetRoot: targetRoot,
		fsys:       fsys,
		verify:     opts.VerifyCopies,
		log:        logger,
		queue:      make(chan mirrorevent.Event, capacity),
		limiter:    semaphore.NewWeighted(permits),
		done:       make(chan struct{}),
	}

	go w.applyLoop()

	return w
}

// TargetRoot returns the root this worker mirrors into.
func (w *Worker) TargetRoot() string { return w.targetRoot }

// Push enqueues event, blocking cooperatively while the queue is full. It
// fails once the queue has been closed (spec.md §4.B), or with ctx's error
// when ctx is done before the event is enqueued.
func (w *Worker) Push(ctx context.Context, event mirrorevent.Event) error {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	if w.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case w.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete closes the queue; further Push calls fail. The apply loop
// drains whatever remains before exiting.
func (w *Worker) Complete() {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	if w.closed.CompareAndSwap(false, true) {
		close(w.queue)
	}
}

// Stop closes the queue, then awaits apply-task completion.
func (w *Worker) Stop() {
	w.Complete()
	<-w.done
}

// Dispose stops the worker and releases its resources. It is safe to call
// more than once.
func (w *Worker) Dispose() {
	w.once.Do(w.Stop)
}

// applyLoop is the single consumer draining the queue in FIFO order
// (spec.md §4.B "Apply loop"). I/O errors are logged and the loop
// continues with the next event; queue closure is the only termination
// signal (spec.md §7).
func (w *Worker) applyLoop() {
	defer close(w.done)

	ctx := context.Background()

	for event := range w.queue {
		if err := event.Validate(); err != nil {
			w.log.Error("invalid change event skipped",
				"target", w.targetRoot,
				"event", event.Kind.String(),
				"rel", event.RelPath,
				"error", err,
				"error-type", "programming-invariant",
			)

			continue
		}

		if err := w.apply(ctx, event); err != nil {
			w.log.Error("failed to apply change event",
				"target", w.targetRoot,
				"event", event.Kind.String(),
				"rel", event.RelPath,
				"error", err,
				"error-type", "runtime",
			)
		}
	}
}

func (w *Worker) apply(ctx context.Context, event mirrorevent.Event) error {
	dst := filepath.Join(w.targetRoot, event.RelPath)

	switch event.Kind {
	case mirrorevent.EnsureDir:
		return ioutilx.EnsureDir(w.fsys, dst, dirPerm)

	case mirrorevent.CopyFile:
		return w.applyCopyFile(ctx, event, dst)

	case mirrorevent.DeleteFile, mirrorevent.DeleteDir:
		return ioutilx.RemoveAny(w.fsys, dst)

	case mirrorevent.CreateSymlink:
		return ioutilx.CreateSymlink(w.fsys, dst, event.LinkTarget, dirPerm)

	default:
		return fmt.Errorf("unhandled event kind: %v", event.Kind)
	}
}

func (w *Worker) applyCopyFile(ctx context.Context, event mirrorevent.Event, dst string) error {
	if err := ioutilx.EnsureDir(w.fsys, filepath.Dir(dst), dirPerm); err != nil {
		return err
	}

	if err := ioutilx.RemoveAny(w.fsys, dst); err != nil {
		return err
	}

	if err := w.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire copy permit: %w", err)
	}
	defer w.limiter.Release(1)

	if _, err := ioutilx.CopyFile(ctx, w.fsys, event.SourceFullPath, dst, w.verify); err != nil {
		return err
	}

	srcInfo, err := w.fsys.Stat(event.SourceFullPath)
	if err != nil {
		return fmt.Errorf("failed to stat source for mtime: %q (%w)", event.SourceFullPath, err)
	}

	if err := w.fsys.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to stamp mtime: %q (%w)", dst, err)
	}

	return nil
}
