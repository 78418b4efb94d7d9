package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loomctx/loomctx/internal/block/backend/memstore"
	"github.com/loomctx/loomctx/internal/block/embeddings/local"
	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{Backend: memstore.New(), Embedder: local.New(local.Config{Dimension: 8})})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an unknown tool, not an aborted call")
	}
}

func TestRegistryExecuteValidatesSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(NewBlockTool(newTestStore(t)))

	res, err := r.Execute(context.Background(), "block", json.RawMessage(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected a schema validation error when block_type/content are missing")
	}
}

func TestBlockToolCreatesBlock(t *testing.T) {
	st := newTestStore(t)
	tool := NewBlockTool(st)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Paris is the capital of France"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}

	var out struct {
		Success bool   `json:"success"`
		BlockID string `json:"block_id"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.BlockID == "" {
		t.Fatalf("expected success with a block_id, got %+v", out)
	}

	if _, err := st.Get(context.Background(), out.BlockID); err != nil {
		t.Fatalf("expected the block to be retrievable: %v", err)
	}
}

func TestBlockToolRejectsUnknownType(t *testing.T) {
	tool := NewBlockTool(newTestStore(t))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"user_id":"u1","block_type":"bogus","content":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected an error for an unknown block_type")
	}
}

func TestUpdateBlockToolReplacesContent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	blockTool := NewBlockTool(st)
	created, _ := blockTool.Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"old"}`))
	var ref struct{ BlockID string `json:"block_id"` }
	json.Unmarshal([]byte(created.Content), &ref)

	updateTool := NewUpdateBlockTool(st)
	res, err := updateTool.Execute(ctx, json.RawMessage(`{"block_id":"`+ref.BlockID+`","content":"new"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}

	b, err := st.Get(ctx, ref.BlockID)
	if err != nil {
		t.Fatal(err)
	}
	text, _ := b.Content.Searchable()
	if text != "new" {
		t.Fatalf("want %q, got %q", "new", text)
	}
}

func TestUpdateBlockToolUnknownID(t *testing.T) {
	tool := NewUpdateBlockTool(newTestStore(t))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"block_id":"missing","content":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected an error for an unknown block_id")
	}
}

func TestDeleteBlockToolRemovesBlock(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	created, _ := NewBlockTool(st).Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"x"}`))
	var ref struct{ BlockID string `json:"block_id"` }
	json.Unmarshal([]byte(created.Content), &ref)

	res, err := NewDeleteBlockTool(st).Execute(ctx, json.RawMessage(`{"block_id":"`+ref.BlockID+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if _, err := st.Get(ctx, ref.BlockID); err == nil {
		t.Fatal("expected the block to be gone after delete")
	}
}

func TestDeleteBlockToolUnknownID(t *testing.T) {
	tool := NewDeleteBlockTool(newTestStore(t))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"block_id":"missing"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected an error for an unknown block_id")
	}
}

func TestRetrieveContextToolFiltersByKeyword(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bt := NewBlockTool(st)
	bt.Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Paris is the capital of France"}`))
	bt.Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Python is a programming language"}`))

	res, err := NewRetrieveContextTool(st).Execute(ctx, json.RawMessage(`{"user_id":"u1","content_query":"Paris"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Blocks []struct{ Content string `json:"content"` } `json:"blocks"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if len(out.Blocks) != 1 {
		t.Fatalf("want 1 block, got %d", len(out.Blocks))
	}
}

func TestSearchToolRanksByRelevance(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bt := NewBlockTool(st)
	bt.Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Paris is the capital of France"}`))
	bt.Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Python is a programming language"}`))

	tool := NewSearchTool("search_agent_memory", st, "u1")
	res, err := tool.Execute(ctx, json.RawMessage(`{"query":"France capital","max_results":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	var out struct {
		Results []searchResultItem `json:"results"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if len(out.Results) == 0 {
		t.Fatal("expected at least one result")
	}
}

func TestSearchToolRequiresBoundUser(t *testing.T) {
	tool := NewSearchTool("semantic_search", newTestStore(t), "")
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected an error when the search tool has no bound user")
	}
}

func TestModifyCoreBlockToolReplaceAndAppend(t *testing.T) {
	ctx := context.Background()
	core := coreblock.New(coreblock.Config{UserID: "u1"})
	tool := NewModifyCoreBlockTool(core)

	res, err := tool.Execute(ctx, json.RawMessage(`{"block_type":"UserPersona","content":"Loves Go.","operation":"replace"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}

	res, err = tool.Execute(ctx, json.RawMessage(`{"block_type":"UserPersona","content":"Also likes Rust.","operation":"append"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}

	e, ok := core.Get(coreblock.UserPersona)
	if !ok {
		t.Fatal("expected UserPersona to exist")
	}
	text, _ := e.Block.Content.Searchable()
	if text != "Loves Go.\n\nAlso likes Rust." {
		t.Fatalf("unexpected appended content: %q", text)
	}
}

func TestModifyCoreBlockToolRejectsUnknownKind(t *testing.T) {
	tool := NewModifyCoreBlockTool(coreblock.New(coreblock.Config{UserID: "u1"}))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"block_type":"Bogus","content":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected an error for an unknown core block_type")
	}
}

func TestMemoryHooksAfterTurnCapturesTriggeredContent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	h := NewMemoryHooks(st, AutoCaptureConfig{Enabled: true}, AutoRecallConfig{}, nil)

	h.AfterTurn(ctx, "u1", "s1", []models.Turn{
		models.UserTurn("I prefer dark mode for coding in every editor I use."),
		models.UserTurn("ok"), // too short / no trigger, not captured
	})

	results, err := st.Query(ctx, models.Query{UserID: "u1", Sort: models.SortNewestFirst, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one auto-captured block, got %d", len(results))
	}
}

func TestMemoryHooksBeforeTurnRecallsRelevantMemory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	NewBlockTool(st).Execute(ctx, json.RawMessage(`{"user_id":"u1","block_type":"fact","content":"Paris is the capital of France"}`))

	h := NewMemoryHooks(st, AutoCaptureConfig{}, AutoRecallConfig{Enabled: true, MinRelevance: 0}, nil)
	out := h.BeforeTurn(ctx, "u1", "What is the capital of France?")
	if out == "" {
		t.Fatal("expected a non-empty recall block")
	}
	if !contains(out, "<relevant-memories>") {
		t.Fatalf("expected a relevant-memories wrapper, got %q", out)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
