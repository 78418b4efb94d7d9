// Package compaction implements conversation-history summarization: it
// turns a prefix of conversation turns into a single Summary block,
// following single-shot summarization with a fallback for oversized
// messages.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/llm"
	"github.com/loomctx/loomctx/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio used for
	// estimation, consistent with the rest of the module.
	CharsPerToken = 4

	// DefaultSummaryFallback is returned when there is no prior history to
	// summarize.
	DefaultSummaryFallback = "No prior history."

	// OversizedThreshold is the fraction of the context window above which
	// a single message is considered too large to summarize (50%).
	OversizedThreshold = 0.5

	// DefaultContextWindow is the fallback context window size in tokens,
	// used when a caller does not know the model's actual window.
	DefaultContextWindow = 100000

	// DefaultMaxChunkTokens bounds how many tokens of conversation go into
	// one summarization call.
	DefaultMaxChunkTokens = 20000

	// DefaultReserveTokens is the output budget reserved for the summary
	// itself.
	DefaultReserveTokens = 1000
)

// SummaryStrategy selects how a conversation prefix is condensed.
type SummaryStrategy string

const (
	// StrategySingleShot summarizes the whole prefix (chunked only when it
	// overflows MaxChunkTokens) in one pass. This is the only strategy this
	// package actually implements.
	StrategySingleShot SummaryStrategy = "single_shot"

	// StrategyProgressive, StrategyTopical, and StrategyHierarchical are
	// accepted so callers can name a preferred strategy, but Summarize
	// falls back to StrategySingleShot for all three — no progressive,
	// topic-based, or hierarchical summarizer is implemented.
	StrategyProgressive  SummaryStrategy = "progressive"
	StrategyTopical      SummaryStrategy = "topical"
	StrategyHierarchical SummaryStrategy = "hierarchical"
)

// Message is one conversation turn reduced to what summarization needs.
type Message struct {
	Role      models.Role
	Content   string
	ToolCalls string
	Timestamp int64
}

// FromTurns converts conversation-history turns into Messages for
// summarization.
func FromTurns(turns []models.Turn) []*Message {
	out := make([]*Message, 0, len(turns))
	for _, t := range turns {
		var toolCalls string
		if len(t.ToolCalls) > 0 {
			parts := make([]string, 0, len(t.ToolCalls))
			for _, c := range t.ToolCalls {
				parts = append(parts, fmt.Sprintf("%s(%s)", c.Name, string(c.Input)))
			}
			toolCalls = strings.Join(parts, ", ")
		}
		out = append(out, &Message{
			Role:      t.Role,
			Content:   t.Content,
			ToolCalls: toolCalls,
			Timestamp: t.CreatedAt,
		})
	}
	return out
}

// EstimateTokens estimates a message's token count: ~4 characters per
// token, ceiling division.
func EstimateTokens(msg *Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Content) + len(msg.ToolCalls)
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens sums EstimateTokens across messages.
func EstimateMessagesTokens(messages []*Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	return total
}

// IsOversizedForSummary reports whether a single message is too large to
// summarize: it exceeds OversizedThreshold of the context window.
func IsOversizedForSummary(msg *Message, contextWindow int) bool {
	if msg == nil || contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(msg)) > float64(contextWindow)*OversizedThreshold
}

// ChunkMessagesByMaxTokens splits messages into chunks no larger than
// maxTokens each. A single message larger than maxTokens gets its own
// chunk.
func ChunkMessagesByMaxTokens(messages []*Message, maxTokens int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*Message{messages}
	}

	var result [][]*Message
	var current []*Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := EstimateTokens(msg)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []*Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}

		current = append(current, msg)
		currentTokens += msgTokens
	}

	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// SummarizationConfig configures one summarization pass.
type SummarizationConfig struct {
	// Model is the LLM model identifier to use for summarization.
	Model string

	// ReserveTokens is the number of tokens reserved for the summary
	// itself.
	ReserveTokens int

	// MaxChunkTokens bounds how many tokens of conversation go into one
	// summarization call before chunking.
	MaxChunkTokens int

	// ContextWindow is the summarizing model's context window size, used
	// to detect oversized messages.
	ContextWindow int

	// CustomInstructions are additional instructions appended to the
	// summarization prompt.
	CustomInstructions string

	// PreviousSummary, if set and not the fallback text, is folded into
	// the new summary so compaction is cumulative across repeated
	// triggers.
	PreviousSummary string
}

// DefaultSummarizationConfig returns a config with sensible defaults.
func DefaultSummarizationConfig() *SummarizationConfig {
	return &SummarizationConfig{
		ReserveTokens:  DefaultReserveTokens,
		MaxChunkTokens: DefaultMaxChunkTokens,
		ContextWindow:  DefaultContextWindow,
	}
}

// Summarizer generates a summary of a set of messages. The Agent Turn Loop
// drives this with a LanguageModelSummarizer backed by the same
// LanguageModel it uses for replies.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []*Message, cfg *SummarizationConfig) (string, error)
}

// SummarizeWithFallback summarizes messages, chunking when the prefix
// overflows MaxChunkTokens and noting (rather than failing on) any
// individually oversized message. This is the single-shot strategy every
// SummaryStrategy ultimately resolves to.
func SummarizeWithFallback(ctx context.Context, messages []*Message, summarizer Summarizer, cfg *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", errs.Memory("compaction.SummarizeWithFallback", fmt.Errorf("summarizer is nil"))
	}
	if cfg == nil {
		cfg = DefaultSummarizationConfig()
	}

	var normal []*Message
	var oversizedNotes []string
	for _, msg := range messages {
		if IsOversizedForSummary(msg, cfg.ContextWindow) {
			oversizedNotes = append(oversizedNotes, fmt.Sprintf(
				"[Oversized %s message with %d tokens - content omitted]", msg.Role, EstimateTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	maxChunkTokens := cfg.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = DefaultMaxChunkTokens
	}

	var summary string
	switch chunks := ChunkMessagesByMaxTokens(normal, maxChunkTokens); {
	case len(chunks) == 0:
		summary = DefaultSummaryFallback
	case len(chunks) == 1:
		s, err := summarizer.GenerateSummary(ctx, chunks[0], cfg)
		if err != nil {
			return "", errs.Memory("compaction.SummarizeWithFallback", err)
		}
		summary = s
	default:
		chunkSummaries := make([]string, 0, len(chunks))
		for i, chunk := range chunks {
			s, err := summarizer.GenerateSummary(ctx, chunk, cfg)
			if err != nil {
				return "", errs.Memory("compaction.SummarizeWithFallback", fmt.Errorf("chunk %d: %w", i, err))
			}
			chunkSummaries = append(chunkSummaries, s)
		}
		merged, err := mergeSummaries(ctx, chunkSummaries, summarizer, cfg)
		if err != nil {
			return "", err
		}
		summary = merged
	}

	if len(oversizedNotes) > 0 {
		summary = summary + "\n\n" + strings.Join(oversizedNotes, "\n")
	}
	return summary, nil
}

func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer, cfg *SummarizationConfig) (string, error) {
	if len(summaries) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	merge := make([]*Message, len(summaries))
	for i, s := range summaries {
		merge[i] = &Message{Role: models.RoleAssistant, Content: fmt.Sprintf("Chunk %d summary:\n%s", i+1, s)}
	}

	mergeCfg := *cfg
	mergeCfg.CustomInstructions = "Merge these chunk summaries into a single coherent summary. Preserve key details and maintain chronological order."
	if cfg.CustomInstructions != "" {
		mergeCfg.CustomInstructions = cfg.CustomInstructions + "\n\n" + mergeCfg.CustomInstructions
	}

	s, err := summarizer.GenerateSummary(ctx, merge, &mergeCfg)
	if err != nil {
		return "", errs.Memory("compaction.mergeSummaries", err)
	}
	return s, nil
}

// Summarize drives strategy against messages. Only StrategySingleShot is
// implemented; every other strategy falls back to it.
func Summarize(ctx context.Context, strategy SummaryStrategy, messages []*Message, summarizer Summarizer, cfg *SummarizationConfig) (string, error) {
	switch strategy {
	case StrategyProgressive, StrategyTopical, StrategyHierarchical, StrategySingleShot, "":
		return SummarizeWithFallback(ctx, messages, summarizer, cfg)
	default:
		return SummarizeWithFallback(ctx, messages, summarizer, cfg)
	}
}

// ShouldSummarize reports whether a turn qualifies for compaction: either
// the Token Manager's budget check already requested it, or persisted
// history has outgrown maxConversationLength turns.
func ShouldSummarize(turnCount, maxConversationLength int, shouldAutoSummarize bool) bool {
	if shouldAutoSummarize {
		return true
	}
	if maxConversationLength <= 0 {
		return false
	}
	return turnCount > maxConversationLength
}

// FormatMessagesForSummary renders messages into the text handed to the
// summarizing model.
func FormatMessagesForSummary(messages []*Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s", msg.Role, msg.Content)
		if msg.ToolCalls != "" {
			fmt.Fprintf(&b, "\n  [Tool calls: %s]", msg.ToolCalls)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

// LanguageModelSummarizer implements Summarizer by prompting a
// LanguageModel with the formatted conversation prefix.
type LanguageModelSummarizer struct {
	Model llm.LanguageModel
}

func (s *LanguageModelSummarizer) GenerateSummary(ctx context.Context, messages []*Message, cfg *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if cfg == nil {
		cfg = DefaultSummarizationConfig()
	}

	system := "Summarize the following conversation concisely. Preserve key facts, decisions, and open tasks; omit small talk."
	if cfg.PreviousSummary != "" && cfg.PreviousSummary != DefaultSummaryFallback {
		system += "\n\nBuild on this prior summary rather than discarding it:\n" + cfg.PreviousSummary
	}
	if cfg.CustomInstructions != "" {
		system += "\n\n" + cfg.CustomInstructions
	}

	req := &llm.Request{
		Model:     cfg.Model,
		System:    system,
		Messages:  []llm.Message{{Role: models.RoleUser, Content: FormatMessagesForSummary(messages)}},
		MaxTokens: cfg.ReserveTokens,
	}

	stream, err := s.Model.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for c := range stream {
		if c.Error != nil {
			return "", c.Error
		}
		text.WriteString(c.Text)
	}
	if text.Len() == 0 {
		return DefaultSummaryFallback, nil
	}
	return text.String(), nil
}
