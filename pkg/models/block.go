// Package models defines the public data types shared across loomctx:
// memory blocks, queries, conversation turns, and token usage.
package models

import (
	"encoding/json"
	"time"
)

// BlockKind identifies the category of a memory block.
type BlockKind string

const (
	KindMessage      BlockKind = "message"
	KindSummary      BlockKind = "summary"
	KindFact         BlockKind = "fact"
	KindPreference   BlockKind = "preference"
	KindPersonalInfo BlockKind = "personal_info"
	KindGoal         BlockKind = "goal"
	KindTask         BlockKind = "task"
)

// CustomKind builds the Kind string for a core block of the given priority.
// Core-block kinds are represented as Custom(priority) per spec.
func CustomKind(priority int) BlockKind {
	return BlockKind("custom:" + itoa(priority))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ContentType discriminates the Content union.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentJSON   ContentType = "json"
	ContentBinary ContentType = "binary"
)

// Content is the tagged union of a block's payload. Only Text and Json
// variants participate in keyword/vector search.
type Content struct {
	Type ContentType `json:"type"`

	// Text holds the payload when Type == ContentText.
	Text string `json:"text,omitempty"`

	// JSON holds the payload when Type == ContentJSON.
	JSON json.RawMessage `json:"json,omitempty"`

	// MIME and Data hold the payload when Type == ContentBinary.
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// TextContent builds a Content of type Text.
func TextContent(s string) Content { return Content{Type: ContentText, Text: s} }

// JSONContent builds a Content of type Json.
func JSONContent(v json.RawMessage) Content { return Content{Type: ContentJSON, JSON: v} }

// BinaryContent builds a Content of type Binary.
func BinaryContent(mime string, data []byte) Content {
	return Content{Type: ContentBinary, MIME: mime, Data: data}
}

// Searchable returns the text used for keyword/vector search, and whether
// this content participates in search at all.
func (c Content) Searchable() (string, bool) {
	switch c.Type {
	case ContentText:
		return c.Text, true
	case ContentJSON:
		return string(c.JSON), true
	default:
		return "", false
	}
}

// Block is the atomic unit of persisted memory.
type Block struct {
	ID        string         `json:"id"`
	Kind      BlockKind      `json:"kind"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	CreatedAt int64          `json:"created_at"` // ms since epoch
	UpdatedAt int64          `json:"updated_at"` // ms since epoch
	Content   Content        `json:"content"`
	Refs      []string       `json:"refs,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	// Relevance is a cache of the most recent scoring pass, not ground truth.
	Relevance *float32 `json:"relevance,omitempty"`

	// Embedding is the fixed-length vector for this block, if any.
	Embedding []float32 `json:"embedding,omitempty"`
}

// HasTag reports whether the block carries the given tag.
func (b *Block) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NowMillis returns the current time as milliseconds since epoch, the unit
// Block.CreatedAt/UpdatedAt are stored in.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
