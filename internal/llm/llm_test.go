package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/loomctx/loomctx/pkg/models"
)

func drain(t *testing.T, chunks <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	for c := range chunks {
		out = append(out, c)
	}
	return out
}

func TestMockModel_TextResponse(t *testing.T) {
	m := NewMockModel("mock", Response{Text: "hello there", InputTokens: 10, OutputTokens: 2})

	chunks, err := m.Generate(context.Background(), &Request{Messages: []Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got := drain(t, chunks)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].Text != "hello there" {
		t.Errorf("Text = %q, want %q", got[0].Text, "hello there")
	}
	if !got[1].Done || got[1].InputTokens != 10 || got[1].OutputTokens != 2 {
		t.Errorf("terminal chunk = %+v", got[1])
	}
}

func TestMockModel_ToolCallResponse(t *testing.T) {
	m := NewMockModel("mock", Response{
		ToolCalls: []ChunkToolCall{{ID: "call_1", Name: "search_blocks", Input: `{"query":"x"}`}},
	})

	chunks, err := m.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got := drain(t, chunks)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].ToolCall == nil || got[0].ToolCall.Name != "search_blocks" {
		t.Fatalf("ToolCall = %+v", got[0].ToolCall)
	}
	if !got[1].Done {
		t.Errorf("expected terminal Done chunk")
	}
}

func TestMockModel_ErrorResponse(t *testing.T) {
	wantErr := errors.New("model unavailable")
	m := NewMockModel("mock", Response{Err: wantErr})

	chunks, err := m.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got := drain(t, chunks)
	if len(got) != 1 || got[0].Error == nil {
		t.Fatalf("got %+v, want a single error chunk", got)
	}
}

func TestMockModel_RepeatsLastResponseWhenExhausted(t *testing.T) {
	m := NewMockModel("mock", Response{Text: "only one"})

	for i := 0; i < 3; i++ {
		chunks, err := m.Generate(context.Background(), &Request{})
		if err != nil {
			t.Fatalf("call %d: Generate: %v", i, err)
		}
		got := drain(t, chunks)
		if got[0].Text != "only one" {
			t.Errorf("call %d: Text = %q, want %q", i, got[0].Text, "only one")
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", m.CallCount())
	}
}

func TestMockModel_RecordsRequests(t *testing.T) {
	m := NewMockModel("mock", Response{Text: "ok"})

	req := &Request{System: "be terse"}
	chunks, _ := m.Generate(context.Background(), req)
	drain(t, chunks)

	reqs := m.Requests()
	if len(reqs) != 1 || reqs[0].System != "be terse" {
		t.Fatalf("Requests() = %+v", reqs)
	}
}
