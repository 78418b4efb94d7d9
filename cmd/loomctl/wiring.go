package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/block/backend/memstore"
	"github.com/loomctx/loomctx/internal/block/backend/pgvector"
	"github.com/loomctx/loomctx/internal/block/backend/sqlitestore"
	"github.com/loomctx/loomctx/internal/block/embeddings"
	"github.com/loomctx/loomctx/internal/block/embeddings/local"
	"github.com/loomctx/loomctx/internal/block/embeddings/openai"
	"github.com/loomctx/loomctx/internal/compaction"
	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/ctxwindow"
	"github.com/loomctx/loomctx/internal/llm"
	"github.com/loomctx/loomctx/internal/observability"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/internal/tokenusage"
	"github.com/loomctx/loomctx/internal/tools"
	"github.com/loomctx/loomctx/internal/turn"
)

// agentRuntime is the fully-wired stack for one agent: every component
// spec.md §4 names, assembled from Config.
type agentRuntime struct {
	store   *store.Store
	core    *coreblock.Manager
	window  *ctxwindow.Manager
	tokens  *tokenusage.Tracker
	tools   *tools.Registry
	model   llm.LanguageModel
	loop    *turn.Loop
	history *turn.History
	metrics *observability.Metrics
}

var (
	metricsOnce sync.Once
	metrics     *observability.Metrics

	tracerOnce sync.Once
	tracer     *observability.Tracer
)

// sharedMetrics returns the process-wide Metrics registry, built once so a
// process running several agent runtimes (e.g. "serve") doesn't double
// register collectors against Prometheus's default registry.
func sharedMetrics() *observability.Metrics {
	metricsOnce.Do(func() { metrics = observability.NewMetrics() })
	return metrics
}

// sharedTracer returns the process-wide Tracer, built once from cfg's
// tracing config. With no endpoint configured it's a no-op tracer, so
// every call site can wire it in unconditionally.
func sharedTracer(cfg *Config) *observability.Tracer {
	tracerOnce.Do(func() {
		tracer, _ = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "loomctl",
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.EnableInsecure,
		})
	})
	return tracer
}

func buildBackend(cfg *Config, agentID string) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "":
		dir, err := cfg.agentDataDir(agentID)
		if err != nil {
			return nil, err
		}
		path := cfg.Backend.Path
		if path == "" {
			path = filepath.Join(dir, "blocks.db")
		}
		return sqlitestore.New(sqlitestore.Config{Path: path, Dimension: cfg.Embedder.Dimension})
	case "postgres":
		return pgvector.New(pgvector.Config{DSN: cfg.Backend.DSN, Dimension: cfg.Embedder.Dimension})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func buildEmbedder(cfg *Config) (embeddings.Embedder, error) {
	switch cfg.Embedder.Kind {
	case "local", "":
		return local.New(local.Config{Dimension: cfg.Embedder.Dimension}), nil
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.Embedder.APIKey, Model: cfg.Embedder.Model})
	default:
		return nil, fmt.Errorf("unknown embedder kind %q", cfg.Embedder.Kind)
	}
}

// buildRuntime wires every component for agentID per Config, for a single
// long-lived agent process (one core-block manager, one context window,
// one token tracker, one history store, shared across every session that
// agent serves).
func buildRuntime(cfg *Config, agentID, userID string) (*agentRuntime, error) {
	be, err := buildBackend(cfg, agentID)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	t := sharedTracer(cfg)

	st, err := store.New(store.Config{Backend: be, Embedder: embedder, Tracer: t})
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	core := coreblock.New(coreblock.Config{UserID: userID, TotalTokenBudget: cfg.CoreBlock.TotalTokenBudget})
	core.Initialize()

	window := ctxwindow.New(cfg.ContextWindow.toCtxwindow(), core, st)

	tokens := tokenusage.New(tokenusage.Config{Budget: cfg.Budget})

	registry := tools.NewRegistry()
	registry.Register(tools.NewBlockTool(st))
	registry.Register(tools.NewUpdateBlockTool(st))
	registry.Register(tools.NewDeleteBlockTool(st))
	registry.Register(tools.NewRetrieveContextTool(st))
	registry.Register(tools.NewSearchTool("search_agent_memory", st, userID))
	registry.Register(tools.NewSearchTool("semantic_search", st, userID))
	registry.Register(tools.NewModifyCoreBlockTool(core))

	model, err := llm.NewAnthropicModel(llm.AnthropicConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("build language model: %w", err)
	}

	m := sharedMetrics()

	hooks := tools.NewMemoryHooks(st,
		tools.AutoCaptureConfig{
			Enabled:            cfg.Memory.AutoCapture.Enabled,
			MaxCapturesPerTurn: cfg.Memory.AutoCapture.MaxCapturesPerTurn,
			MinContentLength:   cfg.Memory.AutoCapture.MinContentLength,
			MaxContentLength:   cfg.Memory.AutoCapture.MaxContentLength,
			DuplicateThreshold: cfg.Memory.AutoCapture.DuplicateThreshold,
		},
		tools.AutoRecallConfig{
			Enabled:        cfg.Memory.AutoRecall.Enabled,
			MaxResults:     cfg.Memory.AutoRecall.MaxResults,
			MinRelevance:   cfg.Memory.AutoRecall.MinRelevance,
			MinQueryLength: cfg.Memory.AutoRecall.MinQueryLength,
		},
		nil,
	)

	history := turn.NewHistory()
	loop := turn.New(model, registry, window, tokens, history, turn.Config{
		Model:                 cfg.LLM.Model,
		Provider:              "anthropic",
		Operation:             "chat",
		Metrics:               m,
		Tracer:                t,
		Hooks:                 hooks,
		MaxConversationLength: cfg.Conversation.MaxConversationLength,
		SummaryStrategy:       compaction.SummaryStrategy(cfg.Conversation.SummaryStrategy),
	})

	return &agentRuntime{
		store:   st,
		core:    core,
		window:  window,
		tokens:  tokens,
		tools:   registry,
		model:   model,
		loop:    loop,
		history: history,
		metrics: m,
	}, nil
}
