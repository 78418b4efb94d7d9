// Package local provides a deterministic, offline Embedder used for tests
// and for deployments without a live embedding API. It derives a vector from
// a text's SHA-256 digest rather than any learned representation, so
// semantically similar text has no special proximity guarantee — only
// byte-identical text is guaranteed to embed identically.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/loomctx/loomctx/internal/block/embeddings"
)

// Provider implements embeddings.Embedder with a hash-derived vector.
type Provider struct {
	dimension int
}

var _ embeddings.Embedder = (*Provider)(nil)

// Config configures the local provider.
type Config struct {
	// Dimension is the output vector length. Default: 64.
	Dimension int
}

// New creates a deterministic local embedder.
func New(cfg Config) *Provider {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 64
	}
	return &Provider{dimension: cfg.Dimension}
}

func (p *Provider) Name() string        { return "local" }
func (p *Provider) Dimension() int      { return p.dimension }
func (p *Provider) MaxBatchSize() int   { return 4096 }

// Embed derives a unit-normalized vector from repeated SHA-256 digests of
// text, salted by a running counter so dimensions beyond 32 bytes' worth of
// digest output aren't simply repeated.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dimension)
	block := []byte(text)
	idx := 0
	var counter uint32
	for idx < p.dimension {
		h := sha256.Sum256(append(block, byteOf(counter)...))
		for i := 0; i < len(h) && idx < p.dimension; i += 4 {
			bits := binary.LittleEndian.Uint32(h[i : i+4])
			// int32(bits)/MaxInt32 lies in [-1, 1], so each component lands
			// in [-2, 0] before normalization.
			vec[idx] = float32(int32(bits))/float32(math.MaxInt32) - 1
			idx++
		}
		counter++
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently; the local provider has no
// batching efficiency to exploit.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func byteOf(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
