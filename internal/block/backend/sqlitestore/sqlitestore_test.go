package sqlitestore

import (
	"context"
	"testing"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestBackend(t)

	b := blk.New(models.KindFact, "user-1", models.TextContent("drinks espresso"))
	blk.AddTag(b, "beverage")
	b.Embedding = []float32{0.1, 0.2, 0.3}

	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Text != b.Content.Text {
		t.Fatalf("content mismatch: %q vs %q", got.Content.Text, b.Content.Text)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "beverage" {
		t.Fatalf("tags mismatch: %v", got.Tags)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("expected 3-dim embedding round-trip, got %v", got.Embedding)
	}
	for i, v := range b.Embedding {
		if got.Embedding[i] != v {
			t.Fatalf("embedding[%d]: want %v, got %v", i, v, got.Embedding[i])
		}
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestBackend(t)
	_, err := s.Get(context.Background(), "nope")
	if !errs.Is(err, errs.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestScanFiltersByUserAndKind(t *testing.T) {
	ctx := context.Background()
	s := newTestBackend(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("a"))
	g := blk.New(models.KindGoal, "u1", models.TextContent("g"))
	c := blk.New(models.KindFact, "u2", models.TextContent("c"))
	for _, x := range []*models.Block{a, g, c} {
		if err := s.Put(ctx, x); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.Scan(ctx, backend.ScanOptions{UserID: "u1", Kinds: []models.BlockKind{models.KindFact}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != a.ID {
		t.Fatalf("expected only block a, got %v", results)
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestBackend(t)
	b := blk.New(models.KindFact, "u1", models.TextContent("x"))
	if err := s.Put(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, b.ID); !errs.Is(err, errs.KindStorage) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}
