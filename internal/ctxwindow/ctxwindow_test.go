package ctxwindow

import (
	"context"
	"testing"

	blk "github.com/loomctx/loomctx/internal/block"
	"github.com/loomctx/loomctx/internal/block/backend/memstore"
	"github.com/loomctx/loomctx/internal/block/embeddings/local"
	"github.com/loomctx/loomctx/internal/coreblock"
	"github.com/loomctx/loomctx/internal/store"
	"github.com/loomctx/loomctx/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{Backend: memstore.New(), Embedder: local.New(local.Config{Dimension: 8})})
	if err != nil {
		t.Fatal(err)
	}
	core := coreblock.New(coreblock.Config{UserID: "u1"})
	core.Initialize()
	mgr := New(Config{MaxDynamicBlocks: 5}, core, st)
	return mgr, st
}

func TestAssembleIncludesCoreAndConversation(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	cw, err := mgr.Assemble(ctx, "u1", []models.Turn{models.UserTurn("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if cw.CoreContext == "" {
		t.Fatal("expected non-empty core context")
	}
	if len(cw.Conversation) != 1 {
		t.Fatalf("expected the conversation tail to be passed through, got %v", cw.Conversation)
	}
}

func TestAssemblePullsDynamicBlocks(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)

	for i := 0; i < 3; i++ {
		b := blk.New(models.KindFact, "u1", models.TextContent("fact number"))
		blk.SetRelevance(b, 0.5)
		if err := st.Store(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	cw, err := mgr.Assemble(ctx, "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cw.Dynamic) == 0 {
		t.Fatal("expected at least one dynamic block to be selected")
	}
	if len(cw.Dynamic) > 5 {
		t.Fatalf("expected at most MaxDynamicBlocks=5, got %d", len(cw.Dynamic))
	}
}

func TestAccessBlockTracksCountAndTrims(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.AccessBlock("block-1")
	mgr.AccessBlock("block-1")
	info := mgr.access["block-1"]
	if info.accessCount != 2 {
		t.Fatalf("want accessCount 2, got %d", info.accessCount)
	}
}

func TestFormatProducesThreeSections(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	cw, err := mgr.Assemble(ctx, "u1", []models.Turn{models.UserTurn("hi")})
	if err != nil {
		t.Fatal(err)
	}
	out := cw.Format()
	for _, section := range []string{"# Core Context", "# Relevant Memories", "# Recent Conversation"} {
		if !contains(out, section) {
			t.Fatalf("expected section %q in output:\n%s", section, out)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestDiversifyAvoidsConsecutiveSameKind(t *testing.T) {
	results := []models.SearchResult{
		{Block: &models.Block{ID: "1", Kind: models.KindFact}, Relevance: 0.9},
		{Block: &models.Block{ID: "2", Kind: models.KindFact}, Relevance: 0.8},
		{Block: &models.Block{ID: "3", Kind: models.KindGoal}, Relevance: 0.7},
	}
	diversify(results)
	for i := 1; i < len(results); i++ {
		if results[i].Block.Kind == results[i-1].Block.Kind && i < len(results)-1 {
			// a same-kind pair is only acceptable when no alternative existed
			hasAlternative := false
			for j := i + 1; j < len(results); j++ {
				if results[j].Block.Kind != results[i].Block.Kind {
					hasAlternative = true
				}
			}
			if hasAlternative {
				t.Fatalf("expected no consecutive same-kind blocks when an alternative exists: %+v", results)
			}
		}
	}
}
