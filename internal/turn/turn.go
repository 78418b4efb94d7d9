// Package turn implements the Agent Turn Loop: the state machine that
// takes one user message, assembles a prompt from the Context Window
// Manager, drives the language model through zero or more tool-call
// iterations, and produces exactly one assistant message.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomctx/loomctx/internal/compaction"
	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/ctxwindow"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/llm"
	"github.com/loomctx/loomctx/internal/observability"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/internal/tools"
	"github.com/loomctx/loomctx/internal/tokenusage"
	"github.com/loomctx/loomctx/pkg/models"
)

// Phase names the loop's current state.
type Phase string

const (
	PhaseAwaitingModel   Phase = "awaiting_model"
	PhaseDispatchingTool Phase = "dispatching_tools"
	PhaseEmitting        Phase = "emitting"
)

// Config configures a Loop.
type Config struct {
	// MaxIterations caps model round-trips within one turn. Default 10.
	MaxIterations int

	// MaxTokens is the default max output tokens requested per model call.
	// Default 4096.
	MaxTokens int

	// ConversationTailSize is how many of the working history's most
	// recent turns are handed to the Context Window Manager as the
	// conversation tail. Default 20.
	ConversationTailSize int

	// MaxConversationLength triggers should_summarize() once a session's
	// persisted history exceeds this many turns. Default 40. The Token
	// Manager's ShouldAutoSummarize flag triggers compaction independent
	// of this threshold.
	MaxConversationLength int

	// SummaryStrategy selects the compaction strategy offered once
	// should_summarize() fires. Only compaction.StrategySingleShot is
	// implemented; every other strategy falls back to it. Default
	// compaction.StrategySingleShot.
	SummaryStrategy compaction.SummaryStrategy

	// ModelTimeout bounds a single language-model call. Default 120s.
	ModelTimeout time.Duration

	// ToolTimeout bounds a single tool execution. Default 60s.
	ToolTimeout time.Duration

	// Model is the model identifier passed to the LanguageModel, e.g.
	// "claude-sonnet-4-20250514". Empty uses the model's own default.
	Model string

	// Provider/Operation label usage records for the Token Manager.
	Provider  string
	Operation string

	Logger *slog.Logger

	// Metrics, if set, records turn/tool/token counters and histograms.
	Metrics *observability.Metrics

	// Tracer, if set, emits a turn span plus nested LLM-call and
	// tool-dispatch spans. A nil Tracer disables tracing; callers that want
	// it unconditionally wired pass a no-op observability.Tracer instead.
	Tracer *observability.Tracer

	// Hooks, if set, recalls relevant memories ahead of each model call and
	// auto-captures new ones once the turn completes.
	Hooks *tools.MemoryHooks
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.ConversationTailSize <= 0 {
		c.ConversationTailSize = 20
	}
	if c.MaxConversationLength <= 0 {
		c.MaxConversationLength = 40
	}
	if c.SummaryStrategy == "" {
		c.SummaryStrategy = compaction.StrategySingleShot
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 120 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.Operation == "" {
		c.Operation = "turn"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Loop is one agent's turn-loop state machine: a language model, a tool
// registry, a context window manager, a token tracker, and the history
// store its turns mutate.
type Loop struct {
	model      llm.LanguageModel
	registry   *tools.Registry
	window     *ctxwindow.Manager
	core       *coreblock.Manager
	store      *store.Store
	tokens     *tokenusage.Tracker
	history    *History
	summarizer compaction.Summarizer
	cfg        Config
}

// New constructs a Loop. If cfg is the zero value, spec defaults apply.
func New(model llm.LanguageModel, registry *tools.Registry, window *ctxwindow.Manager, tokens *tokenusage.Tracker, history *History, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		model:      model,
		registry:   registry,
		window:     window,
		core:       window.Core(),
		store:      window.Store(),
		tokens:     tokens,
		history:    history,
		summarizer: &compaction.LanguageModelSummarizer{Model: model},
		cfg:        cfg,
	}
}

// Request identifies the turn to run and carries the new user message.
type Request struct {
	AgentID   string
	SessionID string
	UserID    string
	Content   string
}

// ResponseChunk is one streamed event from Run. Exactly one of its fields
// is populated, except Complete/Error which are always terminal.
type ResponseChunk struct {
	// Text is an incremental text delta from the model, forwarded verbatim.
	Text string

	// ToolCall announces a tool invocation the loop is about to dispatch.
	ToolCall *ToolCallEvent

	// ToolResult carries one tool's finished result.
	ToolResult *ToolResultEvent

	// Complete is the terminal success event: the final assistant text
	// plus every tool call made during the turn.
	Complete *CompleteEvent

	// Error is a terminal failure: a capped-iteration error, a
	// language-model failure, a cancellation, or an unsupported reply
	// shape. No further chunks follow.
	Error error
}

// ToolCallEvent announces a tool call the loop is dispatching.
type ToolCallEvent struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// ToolResultEvent carries one tool's finished result.
type ToolResultEvent struct {
	CallID  string
	Name    string
	Result  string
	Success bool
}

// CompleteEvent is the terminal success payload.
type CompleteEvent struct {
	Text      string
	ToolCalls []models.ToolCallRecord
	Usage     models.TokenUsage
}

// Run executes one turn and streams its events. The channel is closed
// when the turn completes, whether by success or by error.
func (l *Loop) Run(ctx context.Context, req Request) (<-chan *ResponseChunk, error) {
	if req.AgentID == "" || req.SessionID == "" {
		return nil, errs.Agent("turn.Run", fmt.Errorf("agent id and session id are required"))
	}

	chunks := make(chan *ResponseChunk, 16)

	go func() {
		defer close(chunks)

		if l.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = l.cfg.Tracer.TraceTurn(ctx, req.AgentID, req.SessionID)
			defer span.End()
		}

		start := time.Now()
		outcome := "error"
		defer func() {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.TurnCounter.WithLabelValues(req.AgentID, outcome).Inc()
				l.cfg.Metrics.TurnDuration.WithLabelValues(req.AgentID).Observe(time.Since(start).Seconds())
			}
		}()

		unlock := l.history.Lock(req.AgentID, req.SessionID)
		defer unlock()

		// 1. Append User{content} to persistent history.
		userTurn := models.UserTurn(req.Content)
		l.history.Append(req.AgentID, req.SessionID, userTurn)

		// 2. Take a working copy of history.
		working := l.history.Snapshot(req.AgentID, req.SessionID)

		var recall string
		if l.cfg.Hooks != nil {
			recall = l.cfg.Hooks.BeforeTurn(ctx, req.UserID, req.Content)
		}

		var toolRecords []models.ToolCallRecord
		iterations := 0

		for {
			select {
			case <-ctx.Done():
				chunks <- &ResponseChunk{Error: errs.Cancelled("turn.Run", ctx.Err())}
				return
			default:
			}

			// 3a. Enforce the iteration cap.
			iterations++
			if iterations > l.cfg.MaxIterations {
				l.cfg.Logger.Warn("turn capped", "agent_id", req.AgentID, "session_id", req.SessionID, "max_iterations", l.cfg.MaxIterations)
				outcome = "capped"
				chunks <- &ResponseChunk{Error: fmt.Errorf("turn capped at %d tool iterations: %w", l.cfg.MaxIterations, errs.ErrMaxIterations)}
				return
			}

			// 3b. Assemble the prompt via the Context Window Manager.
			tail := Tail(working, l.cfg.ConversationTailSize)
			window, err := l.window.Assemble(ctx, req.UserID, tail)
			if err != nil {
				chunks <- &ResponseChunk{Error: errs.Agent("turn.Run", fmt.Errorf("assemble context window: %w", err))}
				return
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.ContextWindowTokens.WithLabelValues(l.cfg.Operation).Observe(float64(window.Tokens.Total))
			}

			// 3c. Call the language model and record usage.
			genCtx, cancel := context.WithTimeout(ctx, l.cfg.ModelTimeout)
			text, calls, usage, genErr := l.generate(genCtx, window, recall, working, chunks)
			cancel()

			l.tokens.Record(models.TokenUsage{
				Provider:     l.cfg.Provider,
				Model:        l.cfg.Model,
				Operation:    l.cfg.Operation,
				SessionID:    req.SessionID,
				UserID:       req.UserID,
				InputTokens:  int64(usage.InputTokens),
				OutputTokens: int64(usage.OutputTokens),
				TotalTokens:  int64(usage.InputTokens + usage.OutputTokens),
			})
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.LLMTokensUsed.WithLabelValues(l.cfg.Provider, l.cfg.Model, "input").Add(float64(usage.InputTokens))
				l.cfg.Metrics.LLMTokensUsed.WithLabelValues(l.cfg.Provider, l.cfg.Model, "output").Add(float64(usage.OutputTokens))
			}

			// 4. A language-model call failure is never retried within the loop.
			if genErr != nil {
				chunks <- &ResponseChunk{Error: errs.Agent("turn.Run", genErr)}
				return
			}

			// 3d. Text branch (including Parts concatenated to non-empty text).
			if len(calls) == 0 {
				if text == "" {
					chunks <- &ResponseChunk{Error: errs.Agent("turn.Run", fmt.Errorf("model reply contained non-text parts only"))}
					return
				}
				assistantTurn := models.AssistantTurn(text, nil)
				l.history.Append(req.AgentID, req.SessionID, assistantTurn)
				outcome = "complete"
				if l.cfg.Hooks != nil {
					l.cfg.Hooks.AfterTurn(ctx, req.UserID, req.SessionID, []models.Turn{userTurn, assistantTurn})
				}

				// should_summarize(): offered once persisted history has
				// outgrown MaxConversationLength, or the Token Manager's
				// budget check requested it.
				persisted := l.history.Snapshot(req.AgentID, req.SessionID)
				if compaction.ShouldSummarize(len(persisted), l.cfg.MaxConversationLength, l.tokens.CheckBudget(time.Now()).ShouldAutoSummarize) {
					l.compact(ctx, req, persisted)
				}

				chunks <- &ResponseChunk{Complete: &CompleteEvent{
					Text:      text,
					ToolCalls: toolRecords,
					Usage: models.TokenUsage{
						InputTokens:  int64(usage.InputTokens),
						OutputTokens: int64(usage.OutputTokens),
						TotalTokens:  int64(usage.InputTokens + usage.OutputTokens),
					},
				}}
				return
			}

			// 3d. ToolCalls branch: append an Assistant placeholder to both
			// copies, then dispatch each call in order.
			placeholder := models.AssistantTurn(text, calls)
			working = append(working, placeholder)
			l.history.Append(req.AgentID, req.SessionID, placeholder)

			for _, call := range calls {
				select {
				case <-ctx.Done():
					chunks <- &ResponseChunk{Error: errs.Cancelled("turn.Run", ctx.Err())}
					return
				default:
				}

				chunks <- &ResponseChunk{ToolCall: &ToolCallEvent{CallID: call.ID, Name: call.Name, Args: call.Input}}

				toolStart := time.Now()
				toolCtx, toolCancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
				var toolSpan trace.Span
				if l.cfg.Tracer != nil {
					toolCtx, toolSpan = l.cfg.Tracer.TraceToolExecution(toolCtx, call.Name)
				}
				result, execErr := l.registry.Execute(toolCtx, call.Name, call.Input)
				if toolSpan != nil {
					l.cfg.Tracer.RecordError(toolSpan, execErr)
					toolSpan.End()
				}
				toolCancel()

				if execErr != nil {
					l.cfg.Logger.Warn("tool execution failed", "tool", call.Name, "error", execErr)
					result = &tools.Result{Content: execErr.Error(), IsError: true}
				}

				if l.cfg.Metrics != nil {
					status := "success"
					if result.IsError {
						status = "error"
					}
					l.cfg.Metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
					l.cfg.Metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(toolStart).Seconds())
				}

				callID := call.ID
				if callID == "" {
					callID = uuid.New().String()
				}

				toolRecords = append(toolRecords, models.ToolCallRecord{
					CallID:  callID,
					Name:    call.Name,
					Args:    call.Input,
					Result:  result.Content,
					Success: !result.IsError,
				})
				chunks <- &ResponseChunk{ToolResult: &ToolResultEvent{CallID: callID, Name: call.Name, Result: result.Content, Success: !result.IsError}}

				toolTurn := models.ToolResultTurn(call.Name, callID, result.Content)
				working = append(working, toolTurn)
				l.history.Append(req.AgentID, req.SessionID, toolTurn)
			}

			// Continue the loop: back to 3a for the next model call.
		}
	}()

	return chunks, nil
}

// compact summarizes the part of persisted history older than the
// conversation tail, replacing it with a single Summary block and
// refreshing the ConversationSummary core block, per the conversation
// history's compaction lifecycle. Errors are logged, not returned: a
// failed summarization attempt leaves history untouched and is retried on
// the next should_summarize() check.
func (l *Loop) compact(ctx context.Context, req Request, persisted []models.Turn) {
	keep := l.cfg.ConversationTailSize
	if len(persisted) <= keep {
		return
	}
	prefix := persisted[:len(persisted)-keep]

	cfg := compaction.DefaultSummarizationConfig()
	cfg.Model = l.cfg.Model
	if entry, ok := l.core.Get(coreblock.ConversationSummary); ok {
		if text, hasText := entry.Block.Content.Searchable(); hasText {
			cfg.PreviousSummary = text
		}
	}

	summarizeCtx, cancel := context.WithTimeout(ctx, l.cfg.ModelTimeout)
	summary, err := compaction.Summarize(summarizeCtx, l.cfg.SummaryStrategy, compaction.FromTurns(prefix), l.summarizer, cfg)
	cancel()
	if err != nil {
		l.cfg.Logger.Warn("conversation summarization failed", "agent_id", req.AgentID, "session_id", req.SessionID, "error", err)
		return
	}

	now := models.NowMillis()
	block := &models.Block{
		ID:        uuid.New().String(),
		Kind:      models.KindSummary,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Content:   models.TextContent(summary),
	}
	if err := l.store.Store(ctx, block); err != nil {
		l.cfg.Logger.Warn("storing conversation summary block failed", "agent_id", req.AgentID, "session_id", req.SessionID, "error", err)
		return
	}

	l.core.Update(coreblock.ConversationSummary, summary)
	l.history.TruncatePrefix(req.AgentID, req.SessionID, keep)
	l.cfg.Logger.Info("conversation compacted", "agent_id", req.AgentID, "session_id", req.SessionID, "summarized_turns", len(prefix))
}

type usageTotals struct {
	InputTokens  int
	OutputTokens int
}

// generate drives one LanguageModel.Generate call to completion, streaming
// Text chunks verbatim and collecting the final text and tool calls.
func (l *Loop) generate(ctx context.Context, window *ctxwindow.ContextWindow, recall string, history []models.Turn, chunks chan<- *ResponseChunk) (text string, calls []models.ToolCall, usage usageTotals, err error) {
	if l.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = l.cfg.Tracer.TraceLLMRequest(ctx, l.cfg.Provider, l.cfg.Model)
		defer func() {
			l.cfg.Tracer.RecordError(span, err)
			span.End()
		}()
	}

	system := window.Format()
	if recall != "" {
		system = system + "\n\n" + recall
	}
	req := &llm.Request{
		Model:     l.cfg.Model,
		System:    system,
		Messages:  toMessages(history),
		Tools:     l.registry.Schemas(),
		MaxTokens: l.cfg.MaxTokens,
	}

	stream, err := l.model.Generate(ctx, req)
	if err != nil {
		return "", nil, usageTotals{}, err
	}

	var parts string
	for c := range stream {
		if c.Error != nil {
			return "", nil, usage, c.Error
		}
		if c.Text != "" {
			text += c.Text
			chunks <- &ResponseChunk{Text: c.Text}
		}
		if c.Part != "" {
			parts += c.Part
		}
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
		if c.Done {
			usage.InputTokens = c.InputTokens
			usage.OutputTokens = c.OutputTokens
		}
	}
	if text != "" {
		text += parts
	}

	return text, calls, usage, nil
}

// toMessages converts committed conversation turns into the LanguageModel's
// message format, preserving tool-call/tool-result structure so the model
// can continue a multi-step tool-use exchange.
func toMessages(history []models.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case models.RoleTool:
			out = append(out, llm.Message{
				Role: models.RoleUser,
				ToolResults: []llm.ToolResultPart{{
					ToolCallID: t.ToolCallID,
					Content:    t.Content,
				}},
			})
		default:
			out = append(out, llm.Message{
				Role:      t.Role,
				Content:   t.Content,
				ToolCalls: t.ToolCalls,
			})
		}
	}
	return out
}
