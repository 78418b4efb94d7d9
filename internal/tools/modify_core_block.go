package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomctx/loomctx/internal/coreblock"
)

// ModifyCoreBlockTool implements the "modify_core_block" tool: an agent
// updating one of its own always-resident core blocks. Bound at
// construction to the core-block manager the owning turn holds.
type ModifyCoreBlockTool struct {
	core *coreblock.Manager
}

// NewModifyCoreBlockTool constructs a ModifyCoreBlockTool against core.
func NewModifyCoreBlockTool(core *coreblock.Manager) *ModifyCoreBlockTool {
	return &ModifyCoreBlockTool{core: core}
}

func (t *ModifyCoreBlockTool) Name() string { return "modify_core_block" }

func (t *ModifyCoreBlockTool) Description() string {
	return "Modifies a core context block (system prompt, user persona, task context, key facts, preferences, conversation summary, active goals, or working memory) that is always present in the context window."
}

func (t *ModifyCoreBlockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "block_type": {
      "type": "string",
      "enum": ["SystemPrompt", "UserPersona", "TaskContext", "KeyFacts", "UserPreferences", "ConversationSummary", "ActiveGoals", "WorkingMemory"]
    },
    "content": {"type": "string", "description": "The new content for the core block"},
    "operation": {"type": "string", "enum": ["replace", "append", "prepend"], "default": "replace"}
  },
  "required": ["block_type", "content"]
}`)
}

type modifyCoreBlockInput struct {
	BlockType string `json:"block_type"`
	Content   string `json:"content"`
	Operation string `json:"operation"`
}

func (t *ModifyCoreBlockTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in modifyCoreBlockInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	kind, ok := coreblock.ParseKind(in.BlockType)
	if !ok {
		return &Result{Content: fmt.Sprintf("unknown block_type: %q", in.BlockType), IsError: true}, nil
	}

	operation := in.Operation
	if operation == "" {
		operation = "replace"
	}

	var finalContent string
	switch operation {
	case "replace":
		finalContent = in.Content
	case "append":
		finalContent = in.Content
		if e, ok := t.core.Get(kind); ok {
			if existing, ok := e.Block.Content.Searchable(); ok && existing != "" {
				finalContent = existing + "\n\n" + in.Content
			}
		}
	case "prepend":
		finalContent = in.Content
		if e, ok := t.core.Get(kind); ok {
			if existing, ok := e.Block.Content.Searchable(); ok && existing != "" {
				finalContent = in.Content + "\n\n" + existing
			}
		}
	default:
		return &Result{Content: fmt.Sprintf("unknown operation: %q (use replace, append, or prepend)", operation), IsError: true}, nil
	}

	t.core.Update(kind, finalContent)
	stats := t.core.Stats()

	payload, _ := json.Marshal(struct {
		Success           bool    `json:"success"`
		Message           string  `json:"message"`
		BlockType         string  `json:"block_type"`
		Operation         string  `json:"operation"`
		ContentLength     int     `json:"content_length"`
		ActiveBlocks      int     `json:"active_blocks"`
		TokenUsage        int     `json:"token_usage"`
		BudgetUtilization float32 `json:"budget_utilization"`
	}{
		Success:           true,
		Message:           fmt.Sprintf("%s core block %s", operationVerb(operation), in.BlockType),
		BlockType:         in.BlockType,
		Operation:         operation,
		ContentLength:     len(finalContent),
		ActiveBlocks:      stats.ActiveBlocks,
		TokenUsage:        stats.TokenUsage,
		BudgetUtilization: stats.BudgetUtilization,
	})
	return &Result{Content: string(payload)}, nil
}

func operationVerb(operation string) string {
	switch operation {
	case "append":
		return "appended to"
	case "prepend":
		return "prepended to"
	default:
		return "replaced"
	}
}
