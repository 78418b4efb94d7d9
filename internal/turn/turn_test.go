package turn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomctx/loomctx/internal/block/backend/memstore"
	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/ctxwindow"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/llm"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/internal/tokenusage"
	"github.com/loomctx/loomctx/internal/tools"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (echoTool) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	var p struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(params, &p)
	return &tools.Result{Content: "echo: " + p.Text}, nil
}

func newTestLoop(t *testing.T, model llm.LanguageModel) (*Loop, string, string) {
	t.Helper()

	st, err := store.New(store.Config{Backend: memstore.New()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	core := coreblock.New(coreblock.Config{UserID: "user-1"})
	core.Initialize()
	window := ctxwindow.New(ctxwindow.Config{}, core, st)

	tracker := tokenusage.New(tokenusage.Config{})

	registry := tools.NewRegistry()
	registry.Register(echoTool{})

	loop := New(model, registry, window, tracker, NewHistory(), Config{})
	return loop, "agent-1", "session-1"
}

func TestRun_TextReply(t *testing.T) {
	model := llm.NewMockModel("mock", llm.Response{Text: "hello!", InputTokens: 5, OutputTokens: 2})
	loop, agentID, sessionID := newTestLoop(t, model)

	chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sessionID, UserID: "user-1", Content: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var complete *CompleteEvent
	for c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		if c.Complete != nil {
			complete = c.Complete
		}
	}

	if complete == nil {
		t.Fatal("expected a Complete chunk")
	}
	if complete.Text != "hello!" {
		t.Errorf("Text = %q, want %q", complete.Text, "hello!")
	}
	if len(complete.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %+v, want none", complete.ToolCalls)
	}

	history := loop.history.Snapshot(agentID, sessionID)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (user + assistant)", len(history))
	}
}

func TestRun_ToolCallThenText(t *testing.T) {
	model := llm.NewMockModel("mock",
		llm.Response{ToolCalls: []llm.ChunkToolCall{{ID: "call_1", Name: "echo", Input: `{"text":"x"}`}}},
		llm.Response{Text: "done"},
	)
	loop, agentID, sessionID := newTestLoop(t, model)

	chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sessionID, UserID: "user-1", Content: "use the tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawToolCall, sawToolResult bool
	var complete *CompleteEvent
	for c := range chunks {
		switch {
		case c.Error != nil:
			t.Fatalf("unexpected error chunk: %v", c.Error)
		case c.ToolCall != nil:
			sawToolCall = true
			if c.ToolCall.Name != "echo" {
				t.Errorf("ToolCall.Name = %q, want echo", c.ToolCall.Name)
			}
		case c.ToolResult != nil:
			sawToolResult = true
			if c.ToolResult.Result != "echo: x" {
				t.Errorf("ToolResult.Result = %q, want %q", c.ToolResult.Result, "echo: x")
			}
		case c.Complete != nil:
			complete = c.Complete
		}
	}

	if !sawToolCall || !sawToolResult {
		t.Fatalf("sawToolCall=%v sawToolResult=%v", sawToolCall, sawToolResult)
	}
	if complete == nil || complete.Text != "done" {
		t.Fatalf("complete = %+v", complete)
	}
	if len(complete.ToolCalls) != 1 || !complete.ToolCalls[0].Success {
		t.Fatalf("ToolCalls = %+v", complete.ToolCalls)
	}
	if model.CallCount() != 2 {
		t.Errorf("model called %d times, want 2", model.CallCount())
	}
}

func TestRun_UnknownToolDoesNotAbortTurn(t *testing.T) {
	model := llm.NewMockModel("mock",
		llm.Response{ToolCalls: []llm.ChunkToolCall{{ID: "call_1", Name: "does_not_exist"}}},
		llm.Response{Text: "handled"},
	)
	loop, agentID, sessionID := newTestLoop(t, model)

	chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sessionID, UserID: "user-1", Content: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var complete *CompleteEvent
	for c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		if c.Complete != nil {
			complete = c.Complete
		}
	}
	if complete == nil || complete.Text != "handled" {
		t.Fatalf("complete = %+v", complete)
	}
	if len(complete.ToolCalls) != 1 || complete.ToolCalls[0].Success {
		t.Fatalf("expected one failed tool call, got %+v", complete.ToolCalls)
	}
}

func TestRun_MaxIterationsCapped(t *testing.T) {
	responses := make([]llm.Response, 0, 11)
	for i := 0; i < 11; i++ {
		responses = append(responses, llm.Response{ToolCalls: []llm.ChunkToolCall{{ID: "c", Name: "echo", Input: `{"text":"x"}`}}})
	}
	model := llm.NewMockModel("mock", responses...)
	loop, agentID, sessionID := newTestLoop(t, model)

	chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sessionID, UserID: "user-1", Content: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var gotErr error
	for c := range chunks {
		if c.Error != nil {
			gotErr = c.Error
		}
	}
	if gotErr == nil || !errors.Is(gotErr, errs.ErrMaxIterations) {
		t.Fatalf("gotErr = %v, want wrapping errs.ErrMaxIterations", gotErr)
	}
}

func TestRun_ModelFailureStopsWithoutRetry(t *testing.T) {
	model := llm.NewMockModel("mock", llm.Response{Err: errors.New("rate limited")})
	loop, agentID, sessionID := newTestLoop(t, model)

	chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sessionID, UserID: "user-1", Content: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var gotErr error
	for c := range chunks {
		if c.Error != nil {
			gotErr = c.Error
		}
	}
	if gotErr == nil {
		t.Fatal("expected an error chunk")
	}
	if model.CallCount() != 1 {
		t.Errorf("model called %d times, want exactly 1 (no in-loop retry)", model.CallCount())
	}
}

func TestRun_ConcurrentTurnsOnDifferentSessionsDontBlock(t *testing.T) {
	model := llm.NewMockModel("mock", llm.Response{Text: "ok"})
	loop, agentID, _ := newTestLoop(t, model)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		sessionID := "session-a"
		if i == 1 {
			sessionID = "session-b"
		}
		go func(sid string) {
			chunks, err := loop.Run(context.Background(), Request{AgentID: agentID, SessionID: sid, UserID: "user-1", Content: "hi"})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			for range chunks {
			}
			done <- struct{}{}
		}(sessionID)
	}
	<-done
	<-done
}
