// Package block builds and mutates memory blocks.
package block

import (
	"github.com/google/uuid"

	"github.com/loomctx/loomctx/pkg/models"
)

// New constructs a Block of the given kind for userID, stamping
// CreatedAt/UpdatedAt and assigning it a fresh random ID.
func New(kind models.BlockKind, userID string, content models.Content) *models.Block {
	now := models.NowMillis()
	return &models.Block{
		ID:        uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Content:   content,
	}
}

// Touch bumps UpdatedAt to the current time.
func Touch(b *models.Block) {
	b.UpdatedAt = models.NowMillis()
}

// SetRelevance stores score on the block, clamped to [0, 1].
func SetRelevance(b *models.Block, score float32) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	b.Relevance = &score
}

// AddTag appends tag if not already present, bumping UpdatedAt. Adding a
// tag already present is a no-op and leaves UpdatedAt untouched.
func AddTag(b *models.Block, tag string) {
	if b.HasTag(tag) {
		return
	}
	b.Tags = append(b.Tags, tag)
	Touch(b)
}

// RemoveTag removes tag if present, preserving order of the rest and
// bumping UpdatedAt. Removing an absent tag is a no-op.
func RemoveTag(b *models.Block, tag string) {
	for i, t := range b.Tags {
		if t == tag {
			b.Tags = append(b.Tags[:i], b.Tags[i+1:]...)
			Touch(b)
			return
		}
	}
}

// AddRef appends a block ID to Refs if not already present, bumping
// UpdatedAt. Adding a ref already present is a no-op.
func AddRef(b *models.Block, refID string) {
	for _, r := range b.Refs {
		if r == refID {
			return
		}
	}
	b.Refs = append(b.Refs, refID)
	Touch(b)
}

// WithSession sets SessionID and returns b for chaining at construction time.
func WithSession(b *models.Block, sessionID string) *models.Block {
	b.SessionID = sessionID
	return b
}

// SetProperty sets a single entry in Properties, allocating the map if nil.
func SetProperty(b *models.Block, key string, value any) {
	if b.Properties == nil {
		b.Properties = make(map[string]any)
	}
	b.Properties[key] = value
}
