package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctx/loomctx/internal/turn"
)

func buildChatCmd() *cobra.Command {
	var agentID, sessionID, userID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through an agent's turn loop and print the reply",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" {
				return newUsageError("--agent and --user are required")
			}
			return runChat(cmd.Context(), agentID, sessionID, userID, args[0])
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "default", "session id")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	return cmd
}

func runChat(ctx context.Context, agentID, sessionID, userID, message string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(cfg, agentID, userID)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	chunks, err := rt.loop.Run(ctx, turn.Request{
		AgentID:   agentID,
		SessionID: sessionID,
		UserID:    userID,
		Content:   message,
	})
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}

	for c := range chunks {
		switch {
		case c.Text != "":
			fmt.Print(c.Text)
		case c.ToolCall != nil:
			fmt.Printf("\n[tool call] %s(%s)\n", c.ToolCall.Name, string(c.ToolCall.Args))
		case c.ToolResult != nil:
			status := "ok"
			if !c.ToolResult.Success {
				status = "error"
			}
			fmt.Printf("[tool result: %s] %s\n", status, c.ToolResult.Result)
		case c.Complete != nil:
			fmt.Printf("\n\n(turn used %d tokens)\n", c.Complete.Usage.TotalTokens)
		case c.Error != nil:
			return fmt.Errorf("turn: %w", c.Error)
		}
	}
	return nil
}
