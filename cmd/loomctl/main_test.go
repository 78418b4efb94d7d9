package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "block", "serve"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExactArgsWrapsUsageError(t *testing.T) {
	cmd := buildChatCmd()
	err := exactArgs(1)(cmd, nil)
	if err == nil {
		t.Fatal("expected an error for zero args against exactArgs(1)")
	}
	if !isUsageError(err) {
		t.Fatalf("expected a usageError, got %v (%T)", err, err)
	}
}

func TestExitCode(t *testing.T) {
	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		err  error
		ctx  context.Context
		want int
	}{
		{"nil error succeeds", nil, context.Background(), exitOK},
		{"cancelled context wins over any error", errors.New("boom"), cancelledCtx, exitInterrupt},
		{"error wrapping context.Canceled", fmt.Errorf("turn: %w", context.Canceled), context.Background(), exitInterrupt},
		{"usage error maps to 2", newUsageError("missing --agent"), context.Background(), exitUsage},
		{"generic error maps to 1", errors.New("boom"), context.Background(), exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err, tt.ctx); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsUsageError(t *testing.T) {
	if isUsageError(errors.New("plain error")) {
		t.Fatal("plain errors.New should not be a usage error")
	}
	if !isUsageError(newUsageError("missing --agent")) {
		t.Fatal("newUsageError should be reported as a usage error")
	}
}
