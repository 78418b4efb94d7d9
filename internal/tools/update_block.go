package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

// UpdateBlockTool implements the "update_block" tool: replace a block's text
// content by ID.
type UpdateBlockTool struct {
	store *store.Store
}

// NewUpdateBlockTool constructs an UpdateBlockTool against st.
func NewUpdateBlockTool(st *store.Store) *UpdateBlockTool {
	return &UpdateBlockTool{store: st}
}

func (t *UpdateBlockTool) Name() string { return "update_block" }

func (t *UpdateBlockTool) Description() string {
	return "Updates the content of an existing memory block by its ID. Fails if the ID is unknown."
}

func (t *UpdateBlockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "block_id": {"type": "string", "description": "The ID of the memory block to update"},
    "content": {"type": "string", "description": "The new content to replace the existing content"}
  },
  "required": ["block_id", "content"]
}`)
}

type updateBlockInput struct {
	BlockID string `json:"block_id"`
	Content string `json:"content"`
}

func (t *UpdateBlockTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in updateBlockInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	b, err := t.store.Get(ctx, in.BlockID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return &Result{Content: fmt.Sprintf("block not found: %s", in.BlockID), IsError: true}, nil
		}
		return &Result{Content: fmt.Sprintf("failed to fetch block: %v", err), IsError: true}, nil
	}

	b.Content = models.TextContent(in.Content)
	blk.Touch(b)
	if _, err := t.store.Update(ctx, in.BlockID, b); err != nil {
		return &Result{Content: fmt.Sprintf("failed to update block: %v", err), IsError: true}, nil
	}

	payload, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		BlockID string `json:"block_id"`
		Message string `json:"message"`
	}{true, in.BlockID, fmt.Sprintf("updated block %s", in.BlockID)})
	return &Result{Content: string(payload)}, nil
}
