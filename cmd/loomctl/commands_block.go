package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomctx/loomctx/pkg/models"
)

func buildBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Create, read, update, delete, and search memory blocks",
	}
	cmd.AddCommand(
		buildBlockCreateCmd(),
		buildBlockGetCmd(),
		buildBlockUpdateCmd(),
		buildBlockDeleteCmd(),
		buildBlockSearchCmd(),
		buildBlockListCmd(),
	)
	return cmd
}

func buildBlockCreateCmd() *cobra.Command {
	var agentID, userID, sessionID, kind, content string
	var tags []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a memory block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" || kind == "" || content == "" {
				return newUsageError("--agent, --user, --kind, and --content are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			now := models.NowMillis()
			b := &models.Block{
				ID:        uuid.New().String(),
				Kind:      models.BlockKind(kind),
				UserID:    userID,
				SessionID: sessionID,
				CreatedAt: now,
				UpdatedAt: now,
				Content:   models.TextContent(content),
				Tags:      tags,
			}
			if err := rt.store.Store(cmd.Context(), b); err != nil {
				return fmt.Errorf("store block: %w", err)
			}
			fmt.Println(b.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&kind, "kind", "", "block kind: message, summary, fact, preference, personal_info, goal, task (required)")
	cmd.Flags().StringVar(&content, "content", "", "block text content (required)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	return cmd
}

func buildBlockGetCmd() *cobra.Command {
	var agentID, userID string

	cmd := &cobra.Command{
		Use:   "get [block-id]",
		Short: "Fetch a block by id",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" {
				return newUsageError("--agent and --user are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			b, err := rt.store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get block: %w", err)
			}
			return printJSON(b)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	return cmd
}

func buildBlockUpdateCmd() *cobra.Command {
	var agentID, userID, sessionID, kind, content string
	var tags []string

	cmd := &cobra.Command{
		Use:   "update [block-id]",
		Short: "Replace a block's content",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" || kind == "" || content == "" {
				return newUsageError("--agent, --user, --kind, and --content are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			now := models.NowMillis()
			replacement := &models.Block{
				ID:        args[0],
				Kind:      models.BlockKind(kind),
				UserID:    userID,
				SessionID: sessionID,
				CreatedAt: now,
				UpdatedAt: now,
				Content:   models.TextContent(content),
				Tags:      tags,
			}
			id, err := rt.store.Update(cmd.Context(), args[0], replacement)
			if err != nil {
				return fmt.Errorf("update block: %w", err)
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&kind, "kind", "", "block kind (required)")
	cmd.Flags().StringVar(&content, "content", "", "replacement text content (required)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	return cmd
}

func buildBlockDeleteCmd() *cobra.Command {
	var agentID, userID string

	cmd := &cobra.Command{
		Use:   "delete [block-id]",
		Short: "Delete a block by id",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" {
				return newUsageError("--agent and --user are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			if err := rt.store.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete block: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	return cmd
}

func buildBlockSearchCmd() *cobra.Command {
	var agentID, userID, sessionID, contains string
	var kinds []string
	var limit int

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search blocks by keyword substring and scalar filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" {
				return newUsageError("--agent and --user are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			q := models.Query{
				UserID:          userID,
				SessionID:       sessionID,
				ContentContains: contains,
				Limit:           limit,
				Sort:            models.SortNewestFirst,
			}
			for _, k := range kinds {
				q.Kinds = append(q.Kinds, models.BlockKind(strings.TrimSpace(k)))
			}

			results, err := rt.store.Query(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("query blocks: %w", err)
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict to a session id")
	cmd.Flags().StringVar(&contains, "contains", "", "keyword substring filter")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "comma-separated block kinds")
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func buildBlockListCmd() *cobra.Command {
	var agentID, userID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's blocks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || userID == "" {
				return newUsageError("--agent and --user are required")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := buildRuntime(cfg, agentID, userID)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			results, err := rt.store.Query(cmd.Context(), models.Query{
				UserID: userID,
				Sort:   models.SortNewestFirst,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("query blocks: %w", err)
			}
			return printJSON(results)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
