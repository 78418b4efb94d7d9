package tools

import (
	"context"
	"encoding/json"
	"fmt"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

var blockKindsByName = map[string]models.BlockKind{
	"message":       models.KindMessage,
	"summary":       models.KindSummary,
	"fact":          models.KindFact,
	"preference":    models.KindPreference,
	"personal_info": models.KindPersonalInfo,
	"goal":          models.KindGoal,
	"task":          models.KindTask,
}

// BlockTool implements the "block" tool: create a memory block.
type BlockTool struct {
	store *store.Store
}

// NewBlockTool constructs a BlockTool against st.
func NewBlockTool(st *store.Store) *BlockTool {
	return &BlockTool{store: st}
}

func (t *BlockTool) Name() string { return "block" }

func (t *BlockTool) Description() string {
	return "Creates and stores a new memory block (fact, message, summary, preference, personal_info, goal, or task) for a user."
}

func (t *BlockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "user_id": {"type": "string"},
    "session_id": {"type": "string"},
    "block_type": {
      "type": "string",
      "enum": ["message", "summary", "fact", "preference", "personal_info", "goal", "task"],
      "description": "Type of memory block to create"
    },
    "content": {"type": "string", "description": "The content to store in the memory block"},
    "tags": {"type": "array", "items": {"type": "string"}, "description": "Optional tags to categorize the block"}
  },
  "required": ["user_id", "block_type", "content"]
}`)
}

type blockInput struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	BlockType string   `json:"block_type"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
}

func (t *BlockTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in blockInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	kind, ok := blockKindsByName[in.BlockType]
	if !ok {
		return &Result{Content: fmt.Sprintf("unknown block_type: %q", in.BlockType), IsError: true}, nil
	}

	b := blk.New(kind, in.UserID, models.TextContent(in.Content))
	if in.SessionID != "" {
		blk.WithSession(b, in.SessionID)
	}
	for _, tag := range in.Tags {
		blk.AddTag(b, tag)
	}

	if err := t.store.Store(ctx, b); err != nil {
		return &Result{Content: fmt.Sprintf("failed to store block: %v", err), IsError: true}, nil
	}

	payload, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		BlockID string `json:"block_id"`
		Message string `json:"message"`
	}{true, b.ID, fmt.Sprintf("created %s block %s", in.BlockType, b.ID)})
	return &Result{Content: string(payload)}, nil
}
