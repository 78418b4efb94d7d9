// Package ollama provides an Embedder backed by a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomctx/loomctx/internal/block/embeddings"
	"github.com/loomctx/loomctx/internal/errs"
)

// Provider implements embeddings.Embedder using Ollama's /api/embeddings.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ embeddings.Embedder = (*Provider)(nil)

// Config configures the Ollama embedding provider.
type Config struct {
	BaseURL string // default: http://localhost:11434
	Model   string // nomic-embed-text, mxbai-embed-large, all-minilm
}

// New creates an Ollama embedding provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	return &Provider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *Provider) Name() string { return "ollama" }

// Dimension returns the embedding length for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	default:
		return 768
	}
}

// MaxBatchSize caps batching; Ollama's HTTP API embeds one prompt per call.
func (p *Provider) MaxBatchSize() int { return 100 }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed embeds a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, errs.Storage("ollama.Embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Storage("ollama.Embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Storage("ollama.Embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, errs.Storage("ollama.Embed", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b)))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.Storage("ollama.Embed", err)
	}
	return result.Embedding, nil
}

// EmbedBatch embeds each text with a separate request, since Ollama has no
// batch embeddings endpoint.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, errs.Storage("ollama.EmbedBatch", fmt.Errorf("text %d: %w", i, err))
		}
		out[i] = v
	}
	return out, nil
}
