// Package ctxwindow implements the Context Window Manager: tiered assembly
// of core blocks, conversation tail, and dynamically-selected memory blocks
// under a hard token budget.
package ctxwindow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

// Strategy selects how dynamic candidate blocks are ranked before the
// greedy budget-fit pass.
type Strategy string

const (
	ByRelevance  Strategy = "by_relevance"
	ByRecency    Strategy = "by_recency"
	ByFrequency  Strategy = "by_frequency"
	Balanced     Strategy = "balanced"
	Diversified  Strategy = "diversified"
)

// Config configures a Manager.
type Config struct {
	MaxTotalTokens     int
	CoreTokens         int
	ConversationTokens int
	DynamicTokens      int
	MaxDynamicBlocks   int
	MinRelevance       float32
	Strategy           Strategy
}

func (c *Config) setDefaults() {
	if c.MaxTotalTokens <= 0 {
		c.MaxTotalTokens = 8000
	}
	if c.CoreTokens <= 0 {
		c.CoreTokens = 3000
	}
	if c.ConversationTokens <= 0 {
		c.ConversationTokens = 3000
	}
	if c.DynamicTokens <= 0 {
		c.DynamicTokens = 2000
	}
	if c.MaxDynamicBlocks <= 0 {
		c.MaxDynamicBlocks = 10
	}
	if c.Strategy == "" {
		c.Strategy = ByRelevance
	}
}

// accessInfo is the in-memory access-tracking table entry for one block.
type accessInfo struct {
	accessCount  int
	lastAccessed int64
}

// Manager assembles ContextWindow values for a (user, core-block-manager,
// store) triple.
type Manager struct {
	cfg   Config
	core  *coreblock.Manager
	store *store.Store

	mu     sync.Mutex
	access map[string]*accessInfo
}

// New constructs a Manager.
func New(cfg Config, core *coreblock.Manager, st *store.Store) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		core:   core,
		store:  st,
		access: make(map[string]*accessInfo),
	}
}

// Core returns the Core Block Manager this window assembles against, so
// callers that trigger compaction can update the ConversationSummary core
// block directly.
func (m *Manager) Core() *coreblock.Manager { return m.core }

// Store returns the Block Store this window queries against, so callers
// that trigger compaction can persist the Summary block they produce.
func (m *Manager) Store() *store.Store { return m.store }

// TokenBreakdown reports how the assembled window's budget was spent.
type TokenBreakdown struct {
	CoreTokens        int
	ConversationTokens int
	DynamicTokens      int
	Total              int
}

// ContextWindow is the assembled result, ready to format for the model.
type ContextWindow struct {
	CoreContext  string
	Conversation []models.Turn
	Dynamic      []models.SearchResult
	Tokens       TokenBreakdown
}

func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

func turnTokens(t models.Turn) int {
	total := estimateTokens(t.Content)
	for _, tc := range t.ToolCalls {
		total += estimateTokens(tc.Name) + estimateTokens(string(tc.Input))
	}
	return total
}

// AccessBlock increments access_count and sets last_accessed=now for id. A
// maintenance pass trims the table to the 800 most-recently-accessed
// entries whenever it exceeds 1000.
func (m *Manager) AccessBlock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.access[id]
	if !ok {
		info = &accessInfo{}
		m.access[id] = info
	}
	info.accessCount++
	info.lastAccessed = models.NowMillis()

	if len(m.access) > 1000 {
		m.trimLocked()
	}
}

func (m *Manager) trimLocked() {
	type kv struct {
		id   string
		info *accessInfo
	}
	all := make([]kv, 0, len(m.access))
	for id, info := range m.access {
		all = append(all, kv{id, info})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].info.lastAccessed > all[j].info.lastAccessed })
	if len(all) <= 800 {
		return
	}
	kept := make(map[string]*accessInfo, 800)
	for _, e := range all[:800] {
		kept[e.id] = e.info
	}
	m.access = kept
}

// Assemble runs the tiered assembly algorithm against the current store and
// core-block-manager state, for the given conversation tail.
func (m *Manager) Assemble(ctx context.Context, userID string, conversationTail []models.Turn) (*ContextWindow, error) {
	m.core.AutoManage()
	coreText := m.core.FormatForContext()
	tCore := estimateTokens(coreText)

	tConv := 0
	for _, t := range conversationTail {
		tConv += turnTokens(t)
	}

	overflow := (tCore + tConv) - (m.cfg.CoreTokens + m.cfg.ConversationTokens)
	if overflow < 0 {
		overflow = 0
	}
	tAvail := m.cfg.DynamicTokens - overflow
	if tAvail < 0 {
		tAvail = 0
	}

	candidates, err := m.store.Query(ctx, models.Query{
		UserID: userID,
		Sort:   models.SortRelevance,
		Limit:  2 * m.cfg.MaxDynamicBlocks,
	})
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if c.Relevance >= m.cfg.MinRelevance {
			filtered = append(filtered, c)
		}
	}
	candidates = filtered

	m.mu.Lock()
	infoByID := make(map[string]accessInfo, len(candidates))
	for _, c := range candidates {
		if info, ok := m.access[c.Block.ID]; ok {
			infoByID[c.Block.ID] = *info
		}
	}
	m.mu.Unlock()

	rankCandidates(candidates, infoByID, m.cfg.Strategy)

	var chosen []models.SearchResult
	spent := 0
	for _, c := range candidates {
		if len(chosen) >= m.cfg.MaxDynamicBlocks {
			break
		}
		text, _ := c.Block.Content.Searchable()
		cost := estimateTokens(text)
		if spent+cost > tAvail {
			continue
		}
		chosen = append(chosen, c)
		spent += cost
	}

	return &ContextWindow{
		CoreContext:  coreText,
		Conversation: conversationTail,
		Dynamic:      chosen,
		Tokens: TokenBreakdown{
			CoreTokens:         tCore,
			ConversationTokens: tConv,
			DynamicTokens:      spent,
			Total:              tCore + tConv + spent,
		},
	}, nil
}

func rankCandidates(candidates []models.SearchResult, info map[string]accessInfo, strategy Strategy) {
	switch strategy {
	case ByRecency:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Block.UpdatedAt > candidates[j].Block.UpdatedAt
		})
	case ByFrequency:
		sort.SliceStable(candidates, func(i, j int) bool {
			return info[candidates[i].Block.ID].accessCount > info[candidates[j].Block.ID].accessCount
		})
	case Balanced:
		sortBalanced(candidates)
	case Diversified:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Relevance > candidates[j].Relevance
		})
		diversify(candidates)
	default: // ByRelevance
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Relevance > candidates[j].Relevance
		})
	}
}

func sortBalanced(candidates []models.SearchResult) {
	if len(candidates) == 0 {
		return
	}
	var minT, maxT int64
	minT, maxT = candidates[0].Block.UpdatedAt, candidates[0].Block.UpdatedAt
	for _, c := range candidates {
		if c.Block.UpdatedAt < minT {
			minT = c.Block.UpdatedAt
		}
		if c.Block.UpdatedAt > maxT {
			maxT = c.Block.UpdatedAt
		}
	}
	norm := func(t int64) float32 {
		if maxT == minT {
			return 0
		}
		return float32(t-minT) / float32(maxT-minT)
	}
	score := make(map[string]float32, len(candidates))
	for _, c := range candidates {
		score[c.Block.ID] = 0.7*c.Relevance + 0.3*norm(c.Block.UpdatedAt)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return score[candidates[i].Block.ID] > score[candidates[j].Block.ID]
	})
}

// diversify re-orders a relevance-sorted slice in one pass so that no two
// consecutive blocks share Kind when any alternative exists.
func diversify(candidates []models.SearchResult) {
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Block.Kind != candidates[i-1].Block.Kind {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].Block.Kind != candidates[i-1].Block.Kind {
				candidates[i], candidates[j] = candidates[j], candidates[i]
				break
			}
		}
	}
}

// Format renders the window as the three labeled sections fed to the
// language model: Core Context, Relevant Memories, Recent Conversation
// (capped at five entries, most recent last).
func (cw *ContextWindow) Format() string {
	var b strings.Builder

	b.WriteString("# Core Context\n\n")
	b.WriteString(cw.CoreContext)

	b.WriteString("# Relevant Memories\n\n")
	for i, r := range cw.Dynamic {
		text, _ := r.Block.Content.Searchable()
		fmt.Fprintf(&b, "## Memory %d (Relevance: %.2f)\n\n%s\n\n", i+1, r.Relevance, text)
	}

	b.WriteString("# Recent Conversation\n\n")
	tail := cw.Conversation
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, t := range tail {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	return b.String()
}
