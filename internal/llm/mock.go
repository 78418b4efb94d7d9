package llm

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/loomctx/loomctx/pkg/models"
)

// MockModel is a deterministic LanguageModel for tests: each call to
// Generate pops the next scripted Response (or repeats the last one if the
// script is exhausted) and streams its chunks verbatim.
type MockModel struct {
	mu        sync.Mutex
	name      string
	responses []Response
	calls     atomic.Int32
	requests  []*Request
}

// Response is one scripted reply: either text, a set of tool calls, or an
// error, terminated the way a real adapter would terminate it.
type Response struct {
	Text         string
	ToolCalls    []ChunkToolCall
	Err          error
	InputTokens  int
	OutputTokens int
}

// ChunkToolCall is a scripted tool call, carrying raw JSON input the same
// way a real model reply would.
type ChunkToolCall struct {
	ID    string
	Name  string
	Input string // raw JSON; empty means "{}"
}

// NewMockModel builds a MockModel that replays responses in order, holding
// on the last one once exhausted.
func NewMockModel(name string, responses ...Response) *MockModel {
	return &MockModel{name: name, responses: responses}
}

func (m *MockModel) Name() string { return m.name }

// CallCount returns the number of Generate invocations so far.
func (m *MockModel) CallCount() int { return int(m.calls.Load()) }

// Requests returns every Request passed to Generate so far, in order.
func (m *MockModel) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockModel) Generate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	m.mu.Lock()
	idx := int(m.calls.Load())
	if idx >= len(m.responses) && len(m.responses) > 0 {
		idx = len(m.responses) - 1
	}
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	m.calls.Add(1)

	chunks := make(chan *Chunk, 1)
	go func() {
		defer close(chunks)

		if idx >= len(m.responses) {
			chunks <- &Chunk{Done: true}
			return
		}
		resp := m.responses[idx]

		if resp.Err != nil {
			select {
			case chunks <- &Chunk{Error: resp.Err}:
			case <-ctx.Done():
			}
			return
		}

		if resp.Text != "" {
			select {
			case chunks <- &Chunk{Text: resp.Text}:
			case <-ctx.Done():
				return
			}
		}
		for _, tc := range resp.ToolCalls {
			input := tc.Input
			if input == "" {
				input = "{}"
			}
			call := &models.ToolCall{ID: tc.ID, Name: tc.Name, Input: json.RawMessage(input)}
			select {
			case chunks <- &Chunk{ToolCall: call}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case chunks <- &Chunk{Done: true, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}
