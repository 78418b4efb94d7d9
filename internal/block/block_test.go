package block

import (
	"testing"

	"github.com/loomctx/loomctx/pkg/models"
)

func TestNewAssignsIDAndTimestamps(t *testing.T) {
	b := New(models.KindFact, "user-1", models.TextContent("likes espresso"))

	if b.ID == "" {
		t.Fatal("expected a generated ID")
	}
	if b.CreatedAt == 0 || b.UpdatedAt == 0 {
		t.Fatal("expected CreatedAt/UpdatedAt to be stamped")
	}
	if b.CreatedAt != b.UpdatedAt {
		t.Fatalf("expected CreatedAt == UpdatedAt on creation, got %d != %d", b.CreatedAt, b.UpdatedAt)
	}
	if b.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", b.UserID)
	}
}

func TestSetRelevanceClamps(t *testing.T) {
	cases := []struct {
		name  string
		score float32
		want  float32
	}{
		{"below zero", -0.5, 0},
		{"above one", 1.5, 1},
		{"in range", 0.42, 0.42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(models.KindFact, "u", models.TextContent("x"))
			SetRelevance(b, tc.score)
			if b.Relevance == nil || *b.Relevance != tc.want {
				t.Fatalf("want %v, got %v", tc.want, b.Relevance)
			}
		})
	}
}

func TestAddTagIsIdempotent(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	AddTag(b, "coffee")
	AddTag(b, "coffee")
	if len(b.Tags) != 1 {
		t.Fatalf("expected exactly one tag after duplicate AddTag, got %v", b.Tags)
	}
}

func TestAddTagBumpsUpdatedAtOnNewTag(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	stale := b.UpdatedAt - 1000
	b.UpdatedAt = stale
	AddTag(b, "coffee")
	if b.UpdatedAt <= stale {
		t.Fatal("expected adding a new tag to bump UpdatedAt")
	}
}

func TestAddTagDuplicateLeavesUpdatedAtAlone(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	AddTag(b, "coffee")
	stale := b.UpdatedAt - 1000
	b.UpdatedAt = stale
	AddTag(b, "coffee")
	if b.UpdatedAt != stale {
		t.Fatal("expected a duplicate AddTag to leave UpdatedAt untouched")
	}
}

func TestRemoveTag(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	AddTag(b, "a")
	AddTag(b, "b")
	RemoveTag(b, "a")
	if b.HasTag("a") {
		t.Fatal("expected tag a to be removed")
	}
	if !b.HasTag("b") {
		t.Fatal("expected tag b to remain")
	}
}

func TestAddRefDeduplicates(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	AddRef(b, "ref-1")
	AddRef(b, "ref-1")
	if len(b.Refs) != 1 {
		t.Fatalf("expected exactly one ref, got %v", b.Refs)
	}
}

func TestTouchBumpsUpdatedAt(t *testing.T) {
	b := New(models.KindFact, "u", models.TextContent("x"))
	created := b.UpdatedAt
	b.UpdatedAt = created - 1000 // simulate elapsed time without sleeping
	Touch(b)
	if b.UpdatedAt <= created-1000 {
		t.Fatal("expected Touch to advance UpdatedAt")
	}
}
