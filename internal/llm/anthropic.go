package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomctx/loomctx/internal/backoff"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/tools"
	"github.com/loomctx/loomctx/pkg/models"
)

// AnthropicModel implements LanguageModel against Claude, with retries for
// transient failures.
type AnthropicModel struct {
	client       anthropic.Client
	defaultModel string
	maxAttempts  int
	retryPolicy  backoff.Policy
}

// AnthropicConfig configures an AnthropicModel.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string // default: "claude-sonnet-4-20250514"
	MaxAttempts  int    // default: 3
}

// NewAnthropicModel constructs an AnthropicModel. Requires a non-empty APIKey.
func NewAnthropicModel(cfg AnthropicConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, errs.Config("llm.NewAnthropicModel", errors.New("API key is required"))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicModel{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxAttempts:  cfg.MaxAttempts,
		retryPolicy:  backoff.ConservativePolicy(),
	}, nil
}

func (m *AnthropicModel) Name() string { return "anthropic" }

func (m *AnthropicModel) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return m.defaultModel
}

func (m *AnthropicModel) maxTokens(req *Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return 4096
}

// Generate implements LanguageModel.
func (m *AnthropicModel) Generate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)

	go func() {
		defer close(chunks)

		messages, err := convertMessages(req.Messages)
		if err != nil {
			chunks <- &Chunk{Error: errs.Agent("llm.Generate", fmt.Errorf("convert messages: %w", err))}
			return
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(m.model(req)),
			Messages:  messages,
			MaxTokens: m.maxTokens(req),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
		}
		if len(req.Tools) > 0 {
			toolParams, err := convertTools(req.Tools)
			if err != nil {
				chunks <- &Chunk{Error: errs.Agent("llm.Generate", err)}
				return
			}
			params.Tools = toolParams
		}

		result, err := backoff.Retry(ctx, m.retryPolicy, m.maxAttempts, func(_ int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
			stream := m.client.Messages.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				return nil, err
			}
			return stream, nil
		})
		if err != nil {
			chunks <- &Chunk{Error: errs.Agent("llm.Generate", fmt.Errorf("anthropic request failed after %d attempts: %w", result.Attempts, err))}
			return
		}

		processStream(result.Value, chunks)
	}()

	return chunks, nil
}

// maxEmptyStreamEvents guards against a malformed stream flooding the
// channel with events that carry no observable content.
const maxEmptyStreamEvents = 300

func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			if start := event.AsMessageStart(); start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			if block := event.AsContentBlockStart().ContentBlock; block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			if delta := event.AsMessageDelta(); delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &Chunk{Error: errs.Agent("llm.processStream", errors.New("anthropic stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			chunks <- &Chunk{Error: errs.Agent("llm.processStream", fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Error: errs.Agent("llm.processStream", err)}
	}
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(schemas []tools.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(s.Parameters, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(inputSchema, s.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", s.Name)
		}
		toolParam.OfTool.Description = anthropic.String(s.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
