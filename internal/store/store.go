// Package store implements the Block Store / Query Engine: block
// persistence plus selection (scalar filters, keyword and vector
// relevance, sort, limit) over whatever a backend.Backend holds.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/block/embeddings"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/internal/observability"
	"github.com/loomctx/loomctx/pkg/models"
)

// Store wires a Backend and an optional Embedder together behind the Query
// Engine's selection semantics.
type Store struct {
	backend  backend.Backend
	embedder embeddings.Embedder
	metric   embeddings.Metric
	tracer   *observability.Tracer

	mu    sync.RWMutex
	cache map[string][]float32 // query text -> embedding, cleared on growth
}

// Config configures a Store.
type Config struct {
	Backend  backend.Backend
	Embedder embeddings.Embedder // optional; required only for vector queries
	Tracer   *observability.Tracer // optional; traces Query calls
}

// New wires a Store from an already-constructed backend and embedder.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errs.Config("store.New", errUnset("Backend"))
	}
	metric := embeddings.Cosine
	return &Store{
		backend:  cfg.Backend,
		embedder: cfg.Embedder,
		metric:   metric,
		tracer:   cfg.Tracer,
		cache:    make(map[string][]float32),
	}, nil
}

func errUnset(field string) error { return &unsetFieldError{field} }

type unsetFieldError struct{ field string }

func (e *unsetFieldError) Error() string { return e.field + " is required" }

// Store upserts a block. If it has text content and an embedder is
// configured, its embedding is (re)computed transparently.
func (s *Store) Store(ctx context.Context, b *models.Block) error {
	if text, ok := b.Content.Searchable(); ok && s.embedder != nil && text != "" {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return errs.Storage("store.Store", err)
		}
		b.Embedding = vec
	}
	if err := s.backend.Put(ctx, b); err != nil {
		return errs.Storage("store.Store", err)
	}
	return nil
}

// Delete removes a block and all backend indexes for it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return errs.Storage("store.Delete", err)
	}
	return nil
}

// Update is delete(id) followed by store(newBlock); callers are expected to
// carry the old ID forward onto newBlock themselves — this is not a rename.
func (s *Store) Update(ctx context.Context, id string, newBlock *models.Block) (string, error) {
	if err := s.Delete(ctx, id); err != nil {
		return "", err
	}
	if err := s.Store(ctx, newBlock); err != nil {
		return "", err
	}
	return newBlock.ID, nil
}

// Get fetches a single block by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Block, error) {
	b, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err // already tagged by the backend (errs.ErrNotFound wraps KindStorage)
	}
	return b, nil
}

func (s *Store) embedQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.RLock()
	if v, ok := s.cache[text]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) > 1000 {
		s.cache = make(map[string][]float32)
	}
	s.cache[text] = vec
	s.mu.Unlock()
	return vec, nil
}

// Query runs the six-step execution order against the backend's current
// state: partition by user_id, scalar filters, keyword/vector relevance,
// threshold drop, sort, limit.
func (s *Store) Query(ctx context.Context, q models.Query) (result []models.SearchResult, err error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.TraceStoreQuery(ctx, q.UserID)
		defer func() {
			s.tracer.RecordError(span, err)
			span.End()
		}()
	}

	if q.UserID == "" {
		return nil, errs.Config("store.Query", errUnset("UserID"))
	}
	if q.Vector != nil && s.embedder == nil && len(q.Vector.Vec) == 0 {
		return nil, errs.Config("store.Query", errNoEmbedder)
	}

	candidates, err := s.backend.Scan(ctx, backend.ScanOptions{
		UserID:    q.UserID,
		SessionID: q.SessionID,
		Kinds:     q.Kinds,
	})
	if err != nil {
		return nil, errs.Storage("store.Query", err)
	}

	candidates = filterScalars(candidates, q)

	var queryVec []float32
	if q.Vector != nil {
		queryVec = q.Vector.Vec
		if len(queryVec) == 0 {
			v, err := s.embedQuery(ctx, q.Vector.Text)
			if err != nil {
				return nil, errs.Storage("store.Query", err)
			}
			queryVec = v
		}
	}

	metric := s.metric
	if q.Vector != nil {
		switch q.Vector.Metric {
		case models.MetricEuclidean:
			metric = embeddings.Euclidean
		case models.MetricDot:
			metric = embeddings.Dot
		default:
			metric = embeddings.Cosine
		}
	}

	scored := make([]scoredResult, 0, len(candidates))
	for _, b := range candidates {
		if q.ContentContains != "" {
			text, ok := b.Content.Searchable()
			if !ok || !strings.Contains(strings.ToLower(text), strings.ToLower(q.ContentContains)) {
				continue // keyword substring is a hard filter when combined with a vector query
			}
		}

		sr := scoredResult{SearchResult: models.SearchResult{Block: b}}
		switch {
		case q.Vector != nil:
			sr.Relevance = metric(b.Embedding, queryVec)
			sr.hasRelevance = true
		case q.ContentContains != "":
			text, _ := b.Content.Searchable()
			sr.Relevance = keywordRelevance(text, q.ContentContains)
			sr.hasRelevance = true
		default:
			if b.Relevance != nil {
				sr.Relevance = *b.Relevance
				sr.hasRelevance = true
			}
		}
		scored = append(scored, sr)
	}

	if q.Vector != nil {
		filtered := scored[:0]
		for _, r := range scored {
			if r.Relevance >= q.Vector.MinScore {
				filtered = append(filtered, r)
			}
		}
		scored = filtered
	}

	sortResults(scored, q.Sort)

	if q.Limit > 0 && len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}

	results := make([]models.SearchResult, len(scored))
	for i, sr := range scored {
		results[i] = sr.SearchResult
	}
	return results, nil
}

// scoredResult carries whether Relevance was actually computed/stored, for
// the Relevance sort order's "blocks without a score sort last" rule.
type scoredResult struct {
	models.SearchResult
	hasRelevance bool
}

var errNoEmbedder = &unsetFieldError{"vector query requires a configured embedder or an explicit vec"}

func filterScalars(blocks []*models.Block, q models.Query) []*models.Block {
	out := blocks[:0]
	for _, b := range blocks {
		if q.CreatedRange != nil {
			if q.CreatedRange.From != nil && b.CreatedAt < *q.CreatedRange.From {
				continue
			}
			if q.CreatedRange.To != nil && b.CreatedAt > *q.CreatedRange.To {
				continue
			}
		}
		if len(q.Tags) > 0 && !hasAllTags(b, q.Tags) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func hasAllTags(b *models.Block, tags []string) bool {
	for _, t := range tags {
		if !b.HasTag(t) {
			return false
		}
	}
	return true
}

// keywordRelevance is a term-vector cosine between the whitespace-split,
// lowercased query and the candidate text.
func keywordRelevance(text, query string) float32 {
	textTerms := termFreq(text)
	queryTerms := termFreq(query)
	if len(textTerms) == 0 || len(queryTerms) == 0 {
		return 0
	}

	var dot, normText, normQuery float32
	for term, qf := range queryTerms {
		normQuery += qf * qf
		if tf, ok := textTerms[term]; ok {
			dot += tf * qf
		}
	}
	for _, tf := range textTerms {
		normText += tf * tf
	}
	if normText == 0 || normQuery == 0 {
		return 0
	}
	return dot / (sqrtf(normText) * sqrtf(normQuery))
}

func termFreq(s string) map[string]float32 {
	words := strings.Fields(strings.ToLower(s))
	freq := make(map[string]float32, len(words))
	for _, w := range words {
		freq[w]++
	}
	return freq
}

func sqrtf(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

func sortResults(results []scoredResult, order models.SortOrder) {
	switch order {
	case models.SortOldestFirst:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Block.CreatedAt < results[j].Block.CreatedAt
		})
	case models.SortRelevance:
		sort.SliceStable(results, func(i, j int) bool {
			a, b := results[i], results[j]
			if a.hasRelevance != b.hasRelevance {
				return a.hasRelevance // blocks with a relevance sort before those without
			}
			if a.Relevance != b.Relevance {
				return a.Relevance > b.Relevance
			}
			if a.Block.UpdatedAt != b.Block.UpdatedAt {
				return a.Block.UpdatedAt > b.Block.UpdatedAt
			}
			return a.Block.ID < b.Block.ID
		})
	default: // NewestFirst
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Block.CreatedAt > results[j].Block.CreatedAt
		})
	}
}

// Compact optimizes the underlying backend.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.backend.Compact(ctx); err != nil {
		return errs.Storage("store.Compact", err)
	}
	return nil
}

// Close releases the backend's resources.
func (s *Store) Close() error { return s.backend.Close() }
