// Package memstore is an in-process, map-backed Backend implementation. It
// is the reference implementation: every other backend must behave
// identically to it for the same sequence of calls, and it doubles as the
// default backend for tests and single-process deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

// Backend is an in-memory Backend implementation guarded by a single mutex.
type Backend struct {
	mu     sync.RWMutex
	blocks map[string]*models.Block
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{blocks: make(map[string]*models.Block)}
}

func clone(b *models.Block) *models.Block {
	cp := *b
	cp.Refs = append([]string(nil), b.Refs...)
	cp.Tags = append([]string(nil), b.Tags...)
	cp.Embedding = append([]float32(nil), b.Embedding...)
	if b.Properties != nil {
		cp.Properties = make(map[string]any, len(b.Properties))
		for k, v := range b.Properties {
			cp.Properties[k] = v
		}
	}
	if b.Relevance != nil {
		r := *b.Relevance
		cp.Relevance = &r
	}
	return &cp
}

// Put stores a copy of b, keyed by ID.
func (s *Backend) Put(_ context.Context, b *models.Block) error {
	if b.ID == "" {
		return errs.Storage("memstore.Put", errs.ErrInvalidArgs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = clone(b)
	return nil
}

// Get returns a copy of the stored block, or errs.ErrNotFound.
func (s *Backend) Get(_ context.Context, id string) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, errs.NotFound("memstore.Get")
	}
	return clone(b), nil
}

// Delete removes id if present; deleting an absent ID is not an error.
func (s *Backend) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
	return nil
}

func matches(b *models.Block, opts backend.ScanOptions) bool {
	if opts.UserID != "" && b.UserID != opts.UserID {
		return false
	}
	if opts.SessionID != "" && b.SessionID != opts.SessionID {
		return false
	}
	if len(opts.Kinds) > 0 {
		found := false
		for _, k := range opts.Kinds {
			if b.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Scan returns copies of every block matching opts.
func (s *Backend) Scan(_ context.Context, opts backend.ScanOptions) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Block
	for _, b := range s.blocks {
		if matches(b, opts) {
			out = append(out, clone(b))
		}
	}
	return out, nil
}

// Count returns the number of blocks matching opts.
func (s *Backend) Count(ctx context.Context, opts backend.ScanOptions) (int64, error) {
	blocks, err := s.Scan(ctx, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(blocks)), nil
}

// Compact is a no-op for the in-memory backend.
func (s *Backend) Compact(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Backend) Close() error { return nil }
