package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

// SearchTool implements the "search_agent_memory" / "semantic_search" tools:
// a vector search against the owning agent's memory, falling back to
// keyword search when no embedder is configured.
type SearchTool struct {
	name   string
	store  *store.Store
	userID string
}

// NewSearchTool constructs a SearchTool registered under name ("search_agent_memory"
// or "semantic_search"), scoped to userID.
func NewSearchTool(name string, st *store.Store, userID string) *SearchTool {
	return &SearchTool{name: name, store: st, userID: userID}
}

func (t *SearchTool) Name() string { return t.name }

func (t *SearchTool) Description() string {
	return "Searches memory for content relevant to a query, using vector similarity when available and falling back to keyword matching otherwise."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "What you're looking for, in natural language"},
    "session_id": {"type": "string", "description": "Restrict the search to one session"},
    "block_types": {
      "type": "array",
      "items": {"type": "string", "enum": ["message", "summary", "fact", "preference", "personal_info", "goal", "task"]}
    },
    "max_results": {"type": "integer", "minimum": 1, "maximum": 20, "default": 5},
    "min_relevance": {"type": "number", "minimum": 0.0, "maximum": 1.0, "default": 0.0}
  },
  "required": ["query"]
}`)
}

type searchInput struct {
	Query        string   `json:"query"`
	SessionID    string   `json:"session_id"`
	BlockTypes   []string `json:"block_types"`
	MaxResults   int      `json:"max_results"`
	MinRelevance float32  `json:"min_relevance"`
}

type searchResultItem struct {
	ID             string           `json:"id"`
	Type           models.BlockKind `json:"type"`
	Relevance      float32          `json:"relevance"`
	ContentPreview string           `json:"content_preview"`
	CreatedAt      int64            `json:"created_at"`
}

const searchPreviewChars = 200

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in searchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if t.userID == "" {
		return &Result{Content: "search tool is not bound to a user", IsError: true}, nil
	}

	maxResults := in.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	var kinds []models.BlockKind
	for _, bt := range in.BlockTypes {
		if kind, ok := blockKindsByName[bt]; ok {
			kinds = append(kinds, kind)
		}
	}

	q := models.Query{
		UserID:    t.userID,
		SessionID: in.SessionID,
		Kinds:     kinds,
		Limit:     maxResults,
		Sort:      models.SortRelevance,
		Vector: &models.VectorQuery{
			Text:     in.Query,
			MinScore: in.MinRelevance,
		},
	}

	results, err := t.store.Query(ctx, q)
	if err != nil {
		var cfgErr *errs.Error
		if errors.As(err, &cfgErr) && cfgErr.Kind == errs.KindConfig {
			// No embedder configured: fall back to keyword search.
			q.Vector = nil
			q.ContentContains = in.Query
			results, err = t.store.Query(ctx, q)
		}
		if err != nil {
			return &Result{Content: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
		}
	}

	items := make([]searchResultItem, 0, len(results))
	for _, r := range results {
		text, _ := r.Block.Content.Searchable()
		if len(text) > searchPreviewChars {
			text = text[:searchPreviewChars] + "..."
		}
		items = append(items, searchResultItem{
			ID:             r.Block.ID,
			Type:           r.Block.Kind,
			Relevance:      r.Relevance,
			ContentPreview: text,
			CreatedAt:      r.Block.CreatedAt,
		})
	}

	payload, err := json.Marshal(struct {
		Query   string             `json:"query"`
		Results []searchResultItem `json:"results"`
	}{in.Query, items})
	if err != nil {
		return &Result{Content: fmt.Sprintf("failed to encode results: %v", err), IsError: true}, nil
	}
	return &Result{Content: string(payload)}, nil
}
