/*
mirrormesh is a long-lived, interactive directory-mirroring service. It
registers a source directory against one or more target directories,
brings every target to an exact copy of the source, then watches the
source for live changes and propagates them to all targets as they
happen. A restore operation reverses a chosen target back onto its
source.

# USAGE

	mirrormesh [--config=PATH] [--queue-capacity=N] [--copy-concurrency=N]
		[--verify] [--log-level=debug|info|warn|error] [--json]

The process then reads commands from standard input, one per line:

	add source target1 [target2 ...]
	end source target1 [target2 ...]
	restore source target
	list
	exit

Lines are tokenized with shell-style quoting ('...', "...", \-escapes)
and '#'-line-comments. All diagnostics go to standard error; successful
informational output goes to standard output.
*/
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kezak1/mirrormesh/internal/config"
	"github.com/Kezak1/mirrormesh/internal/registry"
	"github.com/Kezak1/mirrormesh/internal/worker"
	"github.com/spf13/afero"
)

const exitTimeout = 10 * time.Second

func main() {
	cfg, flags, err := config.Parse(os.Args, afero.NewOsFs(), os.Stderr)
	if err != nil {
		if flags != nil {
			flags.Usage()
		}

		os.Exit(1)
	}

	logger := slog.New(cfg.Handler(os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fsys := afero.NewOsFs()
	reg := registry.New(fsys, logger, worker.Options{
		QueueCapacity:   cfg.QueueCapacity,
		CopyConcurrency: cfg.CopyConcurrency,
		VerifyCopies:    cfg.VerifyCopies,
		Logger:          logger,
	})

	console := newREPL(reg, logger, os.Stdout, os.Stderr)

	doneChan := make(chan struct{})

	go func() {
		console.run(ctx, os.Stdin)
		close(doneChan)
	}()

	select {
	case <-doneChan:
		stopAll(context.Background(), reg, logger)

		return

	case <-sigChan:
		logger.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()

		select {
		case <-doneChan:
		case <-time.After(exitTimeout):
			logger.Error("timed out waiting for REPL to exit; stopping sessions anyway",
				"error-type", "fatal")
		}

		stopAll(context.Background(), reg, logger)

		return
	}
}

func stopAll(ctx context.Context, reg *registry.Registry, logger *slog.Logger) {
	if err := reg.StopAll(ctx); err != nil {
		logger.Error("failed to stop all sessions", "error", err, "error-type", "fatal")
	}
}
