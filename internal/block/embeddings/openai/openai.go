// Package openai provides an Embedder backed by OpenAI's embedding models.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomctx/loomctx/internal/block/embeddings"
	"github.com/loomctx/loomctx/internal/errs"
)

// Provider implements embeddings.Embedder using OpenAI.
type Provider struct {
	client *openai.Client
	model  string
}

var _ embeddings.Embedder = (*Provider)(nil)

// Config configures the OpenAI embedding provider.
type Config struct {
	APIKey  string
	BaseURL string // optional custom base URL
	Model   string // text-embedding-3-small or text-embedding-3-large
}

// New creates an OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errs.Config("openai.New", fmt.Errorf("API key is required"))
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client: openai.NewClientWithConfig(conf),
		model:  cfg.Model,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

// Dimension returns the embedding length for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "text-embedding-3-small":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}

// MaxBatchSize returns OpenAI's per-request input cap.
func (p *Provider) MaxBatchSize() int { return 2048 }

// Embed embeds a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.Storage("openai.Embed", fmt.Errorf("no embedding returned"))
	}
	return out[0], nil
}

// EmbedBatch embeds multiple texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, errs.Storage("openai.EmbedBatch", err)
	}

	results := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		results[data.Index] = data.Embedding
	}
	return results, nil
}
