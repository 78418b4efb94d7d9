package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loomctx/loomctx/internal/ctxwindow"
	"github.com/loomctx/loomctx/pkg/models"
)

// Config is loomctl's on-disk configuration, loaded from a YAML file.
type Config struct {
	// DataDir roots per-agent persisted state: <data_dir>/agents/<agent_id>/.
	DataDir string `yaml:"data_dir"`

	Backend     BackendConfig     `yaml:"backend"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	LLM         LLMConfig         `yaml:"llm"`
	ContextWindow ContextWindowConfig `yaml:"context_window"`
	CoreBlock   CoreBlockConfig   `yaml:"core_block"`
	Budget      models.TokenBudget `yaml:"budget"`
	Memory      MemoryConfig      `yaml:"memory"`
	Conversation ConversationConfig `yaml:"conversation"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry tracer. An empty Endpoint
// disables tracing entirely (the turn loop, tool dispatcher, Block Store,
// and HTTP surface all degrade to OpenTelemetry's global no-op tracer).
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// ConversationConfig configures the turn loop's compaction behavior.
type ConversationConfig struct {
	// MaxConversationLength triggers should_summarize() once a session's
	// persisted history exceeds this many turns. Default 40.
	MaxConversationLength int `yaml:"max_conversation_length"`
	// SummaryStrategy selects the compaction strategy offered once
	// should_summarize() fires: "single_shot", "progressive", "topical", or
	// "hierarchical". Only single_shot is implemented; the rest fall back
	// to it. Default "single_shot".
	SummaryStrategy string `yaml:"summary_strategy"`
}

// MemoryConfig configures the auto-capture/auto-recall memory hooks.
type MemoryConfig struct {
	AutoCapture AutoCaptureConfig `yaml:"auto_capture"`
	AutoRecall  AutoRecallConfig  `yaml:"auto_recall"`
}

type AutoCaptureConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MaxCapturesPerTurn int     `yaml:"max_captures_per_turn"`
	MinContentLength   int     `yaml:"min_content_length"`
	MaxContentLength   int     `yaml:"max_content_length"`
	DuplicateThreshold float32 `yaml:"duplicate_threshold"`
}

type AutoRecallConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxResults     int     `yaml:"max_results"`
	MinRelevance   float32 `yaml:"min_relevance"`
	MinQueryLength int     `yaml:"min_query_length"`
}

// BackendConfig selects and configures the Block Backend.
type BackendConfig struct {
	// Kind is "memory", "sqlite", or "postgres". Default: "sqlite".
	Kind string `yaml:"kind"`
	// Path is the sqlite database file; ignored for "memory" and "postgres".
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string; required for "postgres".
	DSN string `yaml:"dsn"`
}

// EmbedderConfig selects and configures the Embedder.
type EmbedderConfig struct {
	// Kind is "local" (deterministic offline hash embedder) or "openai".
	// Default: "local".
	Kind      string `yaml:"kind"`
	Dimension int    `yaml:"dimension"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
}

// LLMConfig configures the Anthropic LanguageModel adapter.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ContextWindowConfig mirrors ctxwindow.Config for YAML loading.
type ContextWindowConfig struct {
	MaxTotalTokens     int    `yaml:"max_total_tokens"`
	CoreTokens         int    `yaml:"core_tokens"`
	ConversationTokens int    `yaml:"conversation_tokens"`
	DynamicTokens      int    `yaml:"dynamic_tokens"`
	MaxDynamicBlocks   int    `yaml:"max_dynamic_blocks"`
	MinRelevance       float32 `yaml:"min_relevance"`
	Strategy           string `yaml:"strategy"`
}

func (c ContextWindowConfig) toCtxwindow() ctxwindow.Config {
	return ctxwindow.Config{
		MaxTotalTokens:     c.MaxTotalTokens,
		CoreTokens:         c.CoreTokens,
		ConversationTokens: c.ConversationTokens,
		DynamicTokens:      c.DynamicTokens,
		MaxDynamicBlocks:   c.MaxDynamicBlocks,
		MinRelevance:       c.MinRelevance,
		Strategy:           ctxwindow.Strategy(c.Strategy),
	}
}

// CoreBlockConfig mirrors coreblock.Config for YAML loading.
type CoreBlockConfig struct {
	TotalTokenBudget int `yaml:"total_token_budget"`
}

// DefaultConfigPath is where loomctl looks for its config absent --config.
const DefaultConfigPath = "loomctl.yaml"

// LoadConfig reads and parses path, applying defaults for anything unset.
// A missing file is not an error: defaults apply throughout.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "sqlite"
	}
	if c.Embedder.Kind == "" {
		c.Embedder.Kind = "local"
	}
	if c.Embedder.Dimension <= 0 {
		c.Embedder.Dimension = 64
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.Budget.WarnThreshold <= 0 {
		c.Budget.WarnThreshold = 0.8
	}
	if c.Conversation.MaxConversationLength <= 0 {
		c.Conversation.MaxConversationLength = 40
	}
	if c.Conversation.SummaryStrategy == "" {
		c.Conversation.SummaryStrategy = "single_shot"
	}
}

// agentDataDir returns <data_dir>/agents/<agent_id>, creating it if absent.
func (c *Config) agentDataDir(agentID string) (string, error) {
	dir := filepath.Join(c.DataDir, "agents", agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create agent data dir: %w", err)
	}
	return dir, nil
}
