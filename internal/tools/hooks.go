package tools

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

// AutoCaptureConfig configures automatic capture of Fact/Preference blocks
// from conversation turns.
type AutoCaptureConfig struct {
	Enabled            bool
	MaxCapturesPerTurn int     // default 3
	MinContentLength   int     // default 10
	MaxContentLength   int     // default 500
	DuplicateThreshold float32 // default 0.95; skip capture when a more-similar match exists
}

func (c *AutoCaptureConfig) setDefaults() {
	if c.MaxCapturesPerTurn <= 0 {
		c.MaxCapturesPerTurn = 3
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 10
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 500
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.95
	}
}

// AutoRecallConfig configures automatic injection of relevant memories
// ahead of a turn.
type AutoRecallConfig struct {
	Enabled        bool
	MaxResults     int     // default 3
	MinRelevance   float32 // default 0.3
	MinQueryLength int     // default 5
}

func (c *AutoRecallConfig) setDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.3
	}
	if c.MinQueryLength <= 0 {
		c.MinQueryLength = 5
	}
}

// MemoryHooks captures Fact/Preference blocks out of conversation content
// after a turn completes, and recalls relevant memories before one begins.
type MemoryHooks struct {
	store   *store.Store
	capture AutoCaptureConfig
	recall  AutoRecallConfig
	logger  *slog.Logger
}

// NewMemoryHooks constructs a MemoryHooks bound to st.
func NewMemoryHooks(st *store.Store, capture AutoCaptureConfig, recall AutoRecallConfig, logger *slog.Logger) *MemoryHooks {
	if logger == nil {
		logger = slog.Default()
	}
	capture.setDefaults()
	recall.setDefaults()
	return &MemoryHooks{store: st, capture: capture, recall: recall, logger: logger.With("component", "memory-hooks")}
}

// captureTriggers are regex patterns that mark a user/assistant turn as
// worth capturing into long-term memory.
var captureTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremember\b`),
	regexp.MustCompile(`(?i)\bi (like|prefer|hate|love|want|need|always|never)\b`),
	regexp.MustCompile(`(?i)\b(we|i) (decided|will use|are going to)\b`),
	regexp.MustCompile(`\+\d{10,}`),
	regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w{2,}`),
	regexp.MustCompile(`(?i)\bmy\s+\w+\s+is\b|\bis\s+my\b`),
	regexp.MustCompile(`(?i)\b(important|crucial|key point)\b`),
}

var preferenceTrigger = regexp.MustCompile(`(?i)\b(prefer|like|love|hate|want)\b`)

func shouldCapture(text string, cfg AutoCaptureConfig) bool {
	if len(text) < cfg.MinContentLength || len(text) > cfg.MaxContentLength {
		return false
	}
	if strings.Contains(text, "<relevant-memories>") {
		return false
	}
	for _, pattern := range captureTriggers {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func captureKind(text string) models.BlockKind {
	if preferenceTrigger.MatchString(text) {
		return models.KindPreference
	}
	return models.KindFact
}

// AfterTurn scans a completed turn's user/assistant content for
// capture-worthy statements and stores up to MaxCapturesPerTurn new
// Fact/Preference blocks, skipping near-duplicates of existing memory.
func (h *MemoryHooks) AfterTurn(ctx context.Context, userID, sessionID string, turns []models.Turn) {
	if !h.capture.Enabled {
		return
	}

	captured := 0
	for _, turn := range turns {
		if captured >= h.capture.MaxCapturesPerTurn {
			break
		}
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			continue
		}
		if !shouldCapture(turn.Content, h.capture) {
			continue
		}

		dup, err := h.isDuplicate(ctx, userID, turn.Content)
		if err != nil {
			h.logger.Warn("duplicate check failed", "error", err)
			continue
		}
		if dup {
			h.logger.Debug("skipping duplicate auto-captured memory")
			continue
		}

		b := blk.New(captureKind(turn.Content), userID, models.TextContent(turn.Content))
		if sessionID != "" {
			blk.WithSession(b, sessionID)
		}
		blk.AddTag(b, "auto-capture")
		if err := h.store.Store(ctx, b); err != nil {
			h.logger.Warn("failed to auto-capture memory", "error", err)
			continue
		}
		captured++
	}
}

func (h *MemoryHooks) isDuplicate(ctx context.Context, userID, content string) (bool, error) {
	results, err := h.store.Query(ctx, models.Query{
		UserID: userID,
		Limit:  1,
		Sort:   models.SortRelevance,
		Vector: &models.VectorQuery{Text: content, MinScore: h.capture.DuplicateThreshold},
	})
	if err != nil {
		return false, nil // no embedder configured: duplicate suppression is best-effort
	}
	return len(results) > 0, nil
}

// BeforeTurn returns a formatted block of relevant memories to inject ahead
// of the model call, or "" if recall is disabled, the query is too short, or
// nothing relevant was found.
func (h *MemoryHooks) BeforeTurn(ctx context.Context, userID, query string) string {
	if !h.recall.Enabled || len(query) < h.recall.MinQueryLength {
		return ""
	}

	results, err := h.store.Query(ctx, models.Query{
		UserID: userID,
		Limit:  h.recall.MaxResults,
		Sort:   models.SortRelevance,
		Vector: &models.VectorQuery{Text: query, MinScore: h.recall.MinRelevance},
	})
	if err != nil || len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<relevant-memories>\nThe following memories may be relevant to this conversation:\n")
	for _, r := range results {
		text, _ := r.Block.Content.Searchable()
		b.WriteString("- [")
		b.WriteString(string(r.Block.Kind))
		b.WriteString("] ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("</relevant-memories>")
	return b.String()
}
