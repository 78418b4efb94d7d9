package store

import (
	"context"
	"testing"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/block/backend/memstore"
	"github.com/loomctx/loomctx/internal/block/embeddings/local"
	"github.com/loomctx/loomctx/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Backend: memstore.New(), Embedder: local.New(local.Config{Dimension: 8})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStorePartitionsByUserID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("likes coffee"))
	b := blk.New(models.KindFact, "u2", models.TextContent("likes coffee"))
	if err := s.Store(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, b); err != nil {
		t.Fatal(err)
	}

	results, err := s.Query(ctx, models.Query{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Block.ID != a.ID {
		t.Fatalf("expected only u1's block, got %v", results)
	}
}

func TestQueryRequiresUserID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), models.Query{})
	if err == nil {
		t.Fatal("expected an error for a query with no UserID")
	}
}

func TestContentContainsFiltersByKeyword(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("drinks espresso daily"))
	b := blk.New(models.KindFact, "u1", models.TextContent("plays the piano"))
	s.Store(ctx, a)
	s.Store(ctx, b)

	results, err := s.Query(ctx, models.Query{UserID: "u1", ContentContains: "espresso"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Block.ID != a.ID {
		t.Fatalf("expected only the espresso block, got %v", results)
	}
}

func TestContentContainsIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("drinks Espresso daily"))
	b := blk.New(models.KindFact, "u1", models.TextContent("plays the piano"))
	s.Store(ctx, a)
	s.Store(ctx, b)

	results, err := s.Query(ctx, models.Query{UserID: "u1", ContentContains: "ESPRESSO"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Block.ID != a.ID {
		t.Fatalf("expected the mixed-case espresso block to match a case-insensitive filter, got %v", results)
	}
}

func TestTagsRequireAllMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("a"))
	blk.AddTag(a, "work")
	blk.AddTag(a, "urgent")
	b := blk.New(models.KindFact, "u1", models.TextContent("b"))
	blk.AddTag(b, "work")
	s.Store(ctx, a)
	s.Store(ctx, b)

	results, err := s.Query(ctx, models.Query{UserID: "u1", Tags: []string{"work", "urgent"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Block.ID != a.ID {
		t.Fatalf("expected only block a (has both tags), got %v", results)
	}
}

func TestVectorSearchRanksByMetric(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("the quick brown fox"))
	b := blk.New(models.KindFact, "u1", models.TextContent("completely unrelated text about finance"))
	s.Store(ctx, a)
	s.Store(ctx, b)

	results, err := s.Query(ctx, models.Query{
		UserID: "u1",
		Vector: &models.VectorQuery{Text: "the quick brown fox", K: 2},
		Sort:   models.SortRelevance,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both blocks, got %d", len(results))
	}
	if results[0].Block.ID != a.ID {
		t.Fatalf("expected the exact-text match to rank first, got %v", results[0].Block.ID)
	}
}

func TestRelevanceSortPutsScoredBlocksFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := blk.New(models.KindFact, "u1", models.TextContent("a"))
	blk.SetRelevance(a, 0.9)
	b := blk.New(models.KindFact, "u1", models.TextContent("b")) // no relevance set
	s.Store(ctx, a)
	s.Store(ctx, b)

	results, err := s.Query(ctx, models.Query{UserID: "u1", Sort: models.SortRelevance})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Block.ID != a.ID {
		t.Fatal("expected the block with a stored relevance to sort first")
	}
}

func TestLimitTruncates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Store(ctx, blk.New(models.KindFact, "u1", models.TextContent("x")))
	}
	results, err := s.Query(ctx, models.Query{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2, got %d", len(results))
	}
}

func TestUpdateCarriesForwardID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := blk.New(models.KindFact, "u1", models.TextContent("old"))
	s.Store(ctx, a)

	replacement := blk.New(models.KindFact, "u1", models.TextContent("new"))
	replacement.ID = a.ID

	newID, err := s.Update(ctx, a.ID, replacement)
	if err != nil {
		t.Fatal(err)
	}
	if newID != a.ID {
		t.Fatalf("want same id carried forward, got %q", newID)
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content.Text != "new" {
		t.Fatalf("expected updated content, got %q", got.Content.Text)
	}
}
