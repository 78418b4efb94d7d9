package local

import (
	"context"
	"testing"
)

func TestEmbedIsDeterministic(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	a, err := p.Embed(ctx, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Embed(ctx, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("dim %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEmbedRespectsConfiguredDimension(t *testing.T) {
	p := New(Config{Dimension: 16})
	v, err := p.Embed(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 16 {
		t.Fatalf("want 16 dims, got %d", len(v))
	}
}

func TestEmbedDiffersForDifferentText(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()
	a, _ := p.Embed(ctx, "alpha")
	b, _ := p.Embed(ctx, "beta")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different text to embed differently")
	}
}

func TestEmbedBatchMatchesIndividualEmbed(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()
	texts := []string{"one", "two", "three"}

	batch, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, text := range texts {
		single, err := p.Embed(ctx, text)
		if err != nil {
			t.Fatal(err)
		}
		for j := range single {
			if batch[i][j] != single[j] {
				t.Fatalf("batch[%d] diverges from single embed at dim %d", i, j)
			}
		}
	}
}
