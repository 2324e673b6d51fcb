package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/Kezak1/mirrormesh/internal/registry"
)

// ErrExitRequested is returned by repl.step when the user typed "exit".
var ErrExitRequested = errors.New("exit requested")

// repl drives the command loop described by spec.md §6: it reads lines,
// tokenizes them, and dispatches to a Registry's public operations.
type repl struct {
	reg    *registry.Registry
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newREPL(reg *registry.Registry, logger *slog.Logger, stdout, stderr io.Writer) *repl {
	return &repl{reg: reg, log: logger, stdout: stdout, stderr: stderr}
}

// run reads lines from r until EOF, ctx cancellation, or an "exit"
// command.
func (re *repl) run(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		if err := re.step(ctx, scanner.Text()); err != nil {
			if errors.Is(err, ErrExitRequested) {
				return
			}

			fmt.Fprintf(re.stderr, "error: %v\n", err)
		}
	}
}

// step tokenizes and dispatches a single REPL line.
func (re *repl) step(ctx context.Context, line string) error {
	tokens, err := tokenize(line)
	if err != nil {
		return fmt.Errorf("failed to tokenize: %w", err)
	}

	if len(tokens) == 0 {
		return nil
	}

	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "add":
		return re.cmdAdd(ctx, args)
	case "end":
		return re.cmdEnd(ctx, args)
	case "restore":
		return re.cmdRestore(ctx, args)
	case "list":
		re.reg.List(re.stdout)

		return nil
	case "exit":
		return ErrExitRequested
	default:
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

func (re *repl) cmdAdd(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: add source target1 [target2 ...]")
	}

	source, err := resolveAbs(args[0])
	if err != nil {
		return err
	}

	targets, err := resolveAbsAll(args[1:])
	if err != nil {
		return err
	}

	if err := re.reg.Add(ctx, source, targets); err != nil {
		return fmt.Errorf("add failed: %w", err)
	}

	fmt.Fprintf(re.stdout, "added %s -> %v\n", source, targets)

	return nil
}

func (re *repl) cmdEnd(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: end source target1 [target2 ...]")
	}

	source, err := resolveAbs(args[0])
	if err != nil {
		return err
	}

	targets, err := resolveAbsAll(args[1:])
	if err != nil {
		return err
	}

	if err := re.reg.End(ctx, source, targets); err != nil {
		return fmt.Errorf("end failed: %w", err)
	}

	fmt.Fprintf(re.stdout, "ended %s -> %v\n", source, targets)

	return nil
}

func (re *repl) cmdRestore(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: restore source target")
	}

	source, err := resolveAbs(args[0])
	if err != nil {
		return err
	}

	target, err := resolveAbs(args[1])
	if err != nil {
		return err
	}

	if err := re.reg.Restore(ctx, source, target); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Fprintf(re.stdout, "restored %s from %s\n", source, target)

	return nil
}

func resolveAbs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %q (%w)", p, err)
	}

	return abs, nil
}

func resolveAbsAll(paths []string) ([]string, error) {
	out := make([]string, len(paths))

	for i, p := range paths {
		abs, err := resolveAbs(p)
		if err != nil {
			return nil, err
		}

		out[i] = abs
	}

	return out, nil
}
