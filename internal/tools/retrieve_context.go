package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

// RetrieveContextTool implements the "retrieve_context" tool: a scalar-filter
// query over a subset of Query's fields.
type RetrieveContextTool struct {
	store *store.Store
}

// NewRetrieveContextTool constructs a RetrieveContextTool against st.
func NewRetrieveContextTool(st *store.Store) *RetrieveContextTool {
	return &RetrieveContextTool{store: st}
}

func (t *RetrieveContextTool) Name() string { return "retrieve_context" }

func (t *RetrieveContextTool) Description() string {
	return "Fetches relevant memory blocks for the conversation, given user/session/content filters."
}

func (t *RetrieveContextTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "user_id": {"type": "string"},
    "session_id": {"type": "string"},
    "content_query": {"type": "string"},
    "block_types": {
      "type": "array",
      "items": {"type": "string", "enum": ["message", "summary", "fact", "preference", "personal_info", "goal", "task"]}
    },
    "limit": {"type": "integer"}
  },
  "required": ["user_id"]
}`)
}

type retrieveContextInput struct {
	UserID       string   `json:"user_id"`
	SessionID    string   `json:"session_id"`
	ContentQuery string   `json:"content_query"`
	BlockTypes   []string `json:"block_types"`
	Limit        int      `json:"limit"`
}

type retrievedBlock struct {
	ID        string          `json:"id"`
	Type      models.BlockKind `json:"type"`
	Content   string          `json:"content"`
	CreatedAt int64           `json:"created_at"`
}

func (t *RetrieveContextTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in retrieveContextInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	var kinds []models.BlockKind
	for _, bt := range in.BlockTypes {
		if kind, ok := blockKindsByName[bt]; ok {
			kinds = append(kinds, kind)
		}
	}

	results, err := t.store.Query(ctx, models.Query{
		UserID:           in.UserID,
		SessionID:        in.SessionID,
		Kinds:            kinds,
		ContentContains:  in.ContentQuery,
		Limit:            in.Limit,
		Sort:             models.SortNewestFirst,
	})
	if err != nil {
		return &Result{Content: fmt.Sprintf("retrieval failed: %v", err), IsError: true}, nil
	}

	blocks := make([]retrievedBlock, 0, len(results))
	for _, r := range results {
		text, _ := r.Block.Content.Searchable()
		blocks = append(blocks, retrievedBlock{ID: r.Block.ID, Type: r.Block.Kind, Content: text, CreatedAt: r.Block.CreatedAt})
	}

	payload, err := json.Marshal(struct {
		Blocks []retrievedBlock `json:"blocks"`
	}{blocks})
	if err != nil {
		return &Result{Content: fmt.Sprintf("failed to encode results: %v", err), IsError: true}, nil
	}
	return &Result{Content: string(payload)}, nil
}
