// Package main provides loomctl, the CLI front-end for a loomctx agent: it
// wires the backend, embedder, store, core-block manager, context window,
// token tracker, tool registry, and agent turn loop together and drives
// turns, block CRUD, and an optional HTTP surface from argv.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exitUsage/exitInterrupt are the non-generic exit codes loomctl reports,
// per spec.md §6: 0 success, 1 generic error, 2 bad arguments, 130 user
// interrupt.
const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitInterrupt = 130
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	root := buildRootCmd()
	root.SetContext(ctx)

	err := root.Execute()
	return exitCode(err, ctx)
}

// exitCode maps a command's outcome to spec.md §6's CLI exit codes: 0
// success, 1 generic error, 2 bad arguments, 130 user interrupt. A
// command whose context was cancelled (SIGINT/SIGTERM) takes priority
// over other error classification, since the cancellation is usually
// *why* the command returned an error in the first place.
func exitCode(err error, ctx context.Context) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		slog.Warn("interrupted")
		return exitInterrupt
	}
	if isUsageError(err) {
		slog.Error("usage error", "error", err)
		return exitUsage
	}
	slog.Error("command failed", "error", err)
	return exitError
}

// usageError marks an error as a bad-arguments failure (exit code 2) rather
// than a generic one (exit code 1).
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newUsageError(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var u *usageError
	return errors.As(err, &u)
}

// exactArgs is cobra.ExactArgs wrapped so a wrong argument count maps to
// exit code 2 (bad arguments) rather than the generic exit code 1.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loomctl",
		Short:         "loomctl drives a loomctx tiered-memory agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", DefaultConfigPath, "path to loomctl.yaml")

	root.AddCommand(
		buildChatCmd(),
		buildBlockCmd(),
		buildServeCmd(),
	)
	return root
}
