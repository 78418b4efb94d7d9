// Package backend defines the storage interface memory blocks are persisted
// through, and the reference implementations of it.
package backend

import (
	"context"

	"github.com/loomctx/loomctx/pkg/models"
)

// Backend is the durability boundary for the Block Store. Implementations
// need not understand the Query Engine's selection semantics beyond the
// scalar filters expressed in ScanOptions; relevance scoring and tiering
// live above this layer.
type Backend interface {
	// Put inserts or replaces a block by ID.
	Put(ctx context.Context, b *models.Block) error

	// Get fetches a single block by ID. Returns errs.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*models.Block, error)

	// Delete removes a block by ID. Deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error

	// Scan returns every block matching the scalar filters in opts, in no
	// particular order. Vector ranking and keyword filtering happen above
	// this layer, in the Query Engine.
	Scan(ctx context.Context, opts ScanOptions) ([]*models.Block, error)

	// Count returns the number of blocks matching opts.
	Count(ctx context.Context, opts ScanOptions) (int64, error)

	// Compact optimizes backing storage (vacuum, reindex). A no-op for
	// backends that need it not.
	Compact(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ScanOptions narrows a Scan/Count call to a scope. Empty fields are
// unconstrained.
type ScanOptions struct {
	UserID    string
	SessionID string
	Kinds     []models.BlockKind
}

// Config holds settings common to every backend implementation.
type Config struct {
	// Dimension is the expected embedding length. 0 means "don't validate".
	Dimension int
}
