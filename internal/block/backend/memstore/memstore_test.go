package memstore

import (
	"context"
	"testing"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := blk.New(models.KindFact, "user-1", models.TextContent("drinks espresso"))
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Text != b.Content.Text {
		t.Fatalf("want %q, got %q", b.Content.Text, got.Content.Text)
	}

	// mutating the returned copy must not affect the store
	got.Content.Text = "mutated"
	got2, _ := s.Get(ctx, b.ID)
	if got2.Content.Text != "drinks espresso" {
		t.Fatal("expected Get to return an isolated copy")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	if !errs.Is(err, errs.KindStorage) {
		t.Fatalf("expected a storage error, got %v", err)
	}
}

func TestDeleteAbsentIsNotAnError(t *testing.T) {
	s := New()
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestScanFiltersByUserAndKind(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := blk.New(models.KindFact, "u1", models.TextContent("a"))
	b := blk.New(models.KindGoal, "u1", models.TextContent("b"))
	c := blk.New(models.KindFact, "u2", models.TextContent("c"))
	for _, x := range []*models.Block{a, b, c} {
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

func TestCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, blk.New(models.KindFact, "u1", models.TextContent("x"))); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Count(ctx, backend.ScanOptions{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("want 3, got %d", n)
	}
}
