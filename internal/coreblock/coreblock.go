// Package coreblock implements the Core Block Manager: the fixed set of
// always-resident memory blocks (system prompt, user persona, working
// memory, and so on) that anchor the context window.
package coreblock

import (
	"sort"
	"strings"
	"sync"

	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

// Kind is one of the fixed core-block kinds, ordered by ascending priority
// (lower number = more important).
type Kind int

const (
	SystemPrompt Kind = iota
	UserPersona
	TaskContext
	KeyFacts
	UserPreferences
	ConversationSummary
	ActiveGoals
	WorkingMemory

	numKinds
)

func (k Kind) String() string {
	switch k {
	case SystemPrompt:
		return "System Prompt"
	case UserPersona:
		return "User Persona"
	case TaskContext:
		return "Task Context"
	case KeyFacts:
		return "Key Facts"
	case UserPreferences:
		return "User Preferences"
	case ConversationSummary:
		return "Conversation Summary"
	case ActiveGoals:
		return "Active Goals"
	case WorkingMemory:
		return "Working Memory"
	default:
		return "Unknown"
	}
}

// AllKinds returns every core-block kind in ascending priority order.
func AllKinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind maps a wire name (as used by modify_core_block's schema, e.g.
// "SystemPrompt", "WorkingMemory") to its Kind. Returns false for unknown
// names.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "SystemPrompt":
		return SystemPrompt, true
	case "UserPersona":
		return UserPersona, true
	case "TaskContext":
		return TaskContext, true
	case "KeyFacts":
		return KeyFacts, true
	case "UserPreferences":
		return UserPreferences, true
	case "ConversationSummary":
		return ConversationSummary, true
	case "ActiveGoals":
		return ActiveGoals, true
	case "WorkingMemory":
		return WorkingMemory, true
	default:
		return 0, false
	}
}

type kindSpec struct {
	subBudget   int
	essential   bool
	autoCreate  bool
	autoUpdate  bool
	defaultText string
}

var specs = map[Kind]kindSpec{
	SystemPrompt: {500, true, true, false,
		"You are a helpful assistant. Follow the user's instructions carefully and answer accurately."},
	UserPersona: {300, true, true, true,
		"User information:\n- Name: [not provided]\n- Preferences: [not specified]\n- Context: [new user]"},
	TaskContext: {400, false, true, true,
		"Current task context:\n- Project: [not specified]\n- Goal: [not defined]\n- Status: [new session]"},
	KeyFacts: {600, false, true, true,
		"Important facts to remember:\n[none recorded yet]"},
	UserPreferences: {200, false, true, true,
		"User preferences:\n- Communication style: [not specified]\n- Detail level: [not specified]"},
	ConversationSummary: {800, false, false, true,
		"Conversation summary:\n[new conversation, no summary yet]"},
	ActiveGoals: {300, false, false, true,
		"Active goals:\n[none defined]"},
	WorkingMemory: {400, true, true, true,
		"Working memory:\n[session just started]"},
}

// Entry is one resident core block plus its management metadata.
type Entry struct {
	Kind         Kind
	Block        *models.Block
	Active       bool
	LastAccessed int64
}

// Manager holds one resident Entry per Kind for a single user.
type Manager struct {
	mu     sync.Mutex
	userID string
	budget int // total token budget across all active core blocks
	blocks map[Kind]*Entry
}

// Config configures a Manager.
type Config struct {
	UserID string
	// TotalTokenBudget bounds the sum of estimate_tokens() across active
	// blocks. Default: 3000.
	TotalTokenBudget int
}

// New constructs a Manager. Call Initialize to populate auto-created kinds.
func New(cfg Config) *Manager {
	if cfg.TotalTokenBudget <= 0 {
		cfg.TotalTokenBudget = 3000
	}
	return &Manager{
		userID: cfg.UserID,
		budget: cfg.TotalTokenBudget,
		blocks: make(map[Kind]*Entry),
	}
}

func newBlock(userID string, kind Kind, text string) *models.Block {
	now := models.NowMillis()
	return &models.Block{
		ID:        "core:" + userID + ":" + kind.String(),
		Kind:      models.CustomKind(int(kind)),
		UserID:    userID,
		Content:   models.TextContent(text),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Initialize creates every auto-created kind that is absent, using its
// default template.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range AllKinds() {
		spec := specs[k]
		if !spec.autoCreate {
			continue
		}
		if _, ok := m.blocks[k]; ok {
			continue
		}
		m.blocks[k] = &Entry{
			Kind:         k,
			Block:        newBlock(m.userID, k, spec.defaultText),
			Active:       true,
			LastAccessed: models.NowMillis(),
		}
	}
}

// Get returns the entry for kind, marking it accessed. Returns nil, false if
// the kind has never been created.
func (m *Manager) Get(kind Kind) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blocks[kind]
	if !ok {
		return nil, false
	}
	e.LastAccessed = models.NowMillis()
	return e, true
}

// Update replaces the content of kind's block, creating it if absent. Bumps
// access time and updated_at.
func (m *Manager) Update(kind Kind, content string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	content = truncateToSubBudget(kind, content)

	now := models.NowMillis()
	e, ok := m.blocks[kind]
	if !ok {
		e = &Entry{Kind: kind, Block: newBlock(m.userID, kind, content), Active: true}
		m.blocks[kind] = e
	} else {
		e.Block.Content = models.TextContent(content)
		e.Block.UpdatedAt = now
	}
	e.LastAccessed = now
	return e
}

// truncateToSubBudget clips content to kind's per-block token allowance,
// keeping the tail (most recently written text) when it overflows.
func truncateToSubBudget(kind Kind, content string) string {
	spec, ok := specs[kind]
	if !ok || spec.subBudget <= 0 {
		return content
	}
	maxChars := spec.subBudget * 4
	if len(content) <= maxChars {
		return content
	}
	return content[len(content)-maxChars:]
}

// Activate marks kind active, creating it with its default template if
// absent.
func (m *Manager) Activate(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blocks[kind]
	if !ok {
		e = &Entry{Kind: kind, Block: newBlock(m.userID, kind, specs[kind].defaultText)}
		m.blocks[kind] = e
	}
	e.Active = true
}

// Deactivate marks kind inactive. Refuses (returns an error) for essential
// kinds or kinds that don't exist yet.
func (m *Manager) Deactivate(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blocks[kind]
	if !ok {
		return errs.Memory("coreblock.Deactivate", errUnknownKind(kind))
	}
	if specs[kind].essential {
		return errs.Memory("coreblock.Deactivate", errEssential(kind))
	}
	e.Active = false
	return nil
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.msg }

func errUnknownKind(k Kind) error { return &kindError{k, "core block not found"} }
func errEssential(k Kind) error   { return &kindError{k, "cannot deactivate an essential core block"} }

// activeSortedLocked returns active entries sorted by ascending priority
// (Kind order). Caller must hold m.mu.
func (m *Manager) activeSortedLocked() []*Entry {
	var out []*Entry
	for _, e := range m.blocks {
		if e.Active {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// FormatForContext concatenates active blocks in ascending priority order as
// "# <Kind>\n\n<content>\n\n".
func (m *Manager) FormatForContext() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for _, e := range m.activeSortedLocked() {
		text, _ := e.Block.Content.Searchable()
		b.WriteString("# ")
		b.WriteString(e.Kind.String())
		b.WriteString("\n\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// EstimateTokens sums ceil(len(content)/4) across active blocks.
func (m *Manager) EstimateTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateTokensLocked()
}

func (m *Manager) estimateTokensLocked() int {
	var total int
	for _, e := range m.activeSortedLocked() {
		text, _ := e.Block.Content.Searchable()
		total += estimateTokens(text)
	}
	return total
}

func estimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// AutoManage deactivates non-essential active blocks, oldest-last_accessed
// first, until estimated token usage is at or below the configured budget,
// or only essentials remain.
func (m *Manager) AutoManage() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.estimateTokensLocked() <= m.budget {
		return
	}

	var candidates []*Entry
	for _, e := range m.blocks {
		if e.Active && !specs[e.Kind].essential {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed < candidates[j].LastAccessed
	})

	for _, e := range candidates {
		if m.estimateTokensLocked() <= m.budget {
			break
		}
		e.Active = false
	}
}

// Stats summarizes core-block usage.
type Stats struct {
	TotalBlocks        int
	ActiveBlocks       int
	TokenUsage         int
	TokenBudget        int
	BudgetUtilization  float32 // percentage
}

// Stats returns a snapshot of current usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, e := range m.blocks {
		if e.Active {
			active++
		}
	}
	usage := m.estimateTokensLocked()
	var util float32
	if m.budget > 0 {
		util = float32(usage) / float32(m.budget) * 100
	}
	return Stats{
		TotalBlocks:       len(m.blocks),
		ActiveBlocks:      active,
		TokenUsage:        usage,
		TokenBudget:       m.budget,
		BudgetUtilization: util,
	}
}
