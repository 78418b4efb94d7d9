package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/store"
)

// DeleteBlockTool implements the "delete_block" tool.
type DeleteBlockTool struct {
	store *store.Store
}

// NewDeleteBlockTool constructs a DeleteBlockTool against st.
func NewDeleteBlockTool(st *store.Store) *DeleteBlockTool {
	return &DeleteBlockTool{store: st}
}

func (t *DeleteBlockTool) Name() string { return "delete_block" }

func (t *DeleteBlockTool) Description() string {
	return "Deletes a memory block by its ID. Fails if the ID is unknown."
}

func (t *DeleteBlockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "block_id": {"type": "string", "description": "The ID of the memory block to delete"}
  },
  "required": ["block_id"]
}`)
}

type deleteBlockInput struct {
	BlockID string `json:"block_id"`
}

func (t *DeleteBlockTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in deleteBlockInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	if _, err := t.store.Get(ctx, in.BlockID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return &Result{Content: fmt.Sprintf("block not found: %s", in.BlockID), IsError: true}, nil
		}
		return &Result{Content: fmt.Sprintf("failed to fetch block: %v", err), IsError: true}, nil
	}

	if err := t.store.Delete(ctx, in.BlockID); err != nil {
		return &Result{Content: fmt.Sprintf("failed to delete block: %v", err), IsError: true}, nil
	}

	payload, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		BlockID string `json:"block_id"`
		Message string `json:"message"`
	}{true, in.BlockID, fmt.Sprintf("deleted block %s", in.BlockID)})
	return &Result{Content: string(payload)}, nil
}
