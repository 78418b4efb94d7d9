// Package llm defines the LanguageModel capability consumed by the Agent
// Turn Loop, plus concrete adapters.
package llm

import (
	"context"

	"github.com/loomctx/loomctx/internal/tools"
	"github.com/loomctx/loomctx/pkg/models"
)

// LanguageModel is the capability the Agent Turn Loop calls to advance a
// turn: assemble a prompt, send it, and get back text, tool calls, or
// multimodal parts.
type LanguageModel interface {
	// Generate sends req and streams the reply as a sequence of Chunks. The
	// channel is closed when the reply is complete or an error occurs.
	Generate(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name identifies the model backend for logging/usage attribution.
	Name() string
}

// Request is one call to a LanguageModel.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.ToolSchema
	MaxTokens int
}

// Message is one entry in a Request's conversation, converted from
// conversation-history Turns by the caller.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ToolResultPart
}

// ToolResultPart carries one tool's output back to the model in a
// follow-up message.
type ToolResultPart struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Chunk is one streamed piece of a Generate reply.
type Chunk struct {
	// Text is a partial or complete text delta.
	Text string

	// Part is set for multimodal non-text content the model emitted;
	// callers concatenate Text parts and treat non-empty Part-only replies
	// as unsupported per the turn-loop contract.
	Part string

	// ToolCall is set when the model requests a tool invocation.
	ToolCall *models.ToolCall

	// Done marks the end of a successful reply.
	Done bool

	// InputTokens/OutputTokens are populated on the terminal chunk.
	InputTokens  int
	OutputTokens int

	// Error terminates the stream when non-nil.
	Error error
}
