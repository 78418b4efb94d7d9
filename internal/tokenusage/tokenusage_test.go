package tokenusage

import (
	"testing"
	"time"

	"github.com/loomctx/loomctx/pkg/models"
)

func TestRecordComputesEstimatedCost(t *testing.T) {
	tr := New(Config{})
	tr.SetPricing("anthropic", "claude", models.ModelPricing{InputPricePer1K: 1, OutputPricePer1K: 2})

	got := tr.Record(models.TokenUsage{Provider: "anthropic", Model: "claude", InputTokens: 1000, OutputTokens: 500})
	want := 1.0 + 1.0 // 1000/1000*1 + 500/1000*2
	if got.EstimatedCost != want {
		t.Fatalf("want %v, got %v", want, got.EstimatedCost)
	}
	if got.TotalTokens != 1500 {
		t.Fatalf("want 1500 total tokens, got %d", got.TotalTokens)
	}
}

func TestBudgetWarningAtThreshold(t *testing.T) {
	now := time.Now()
	tr := New(Config{Budget: models.TokenBudget{DailyTokens: 1000, WarnThreshold: 0.8}})

	tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: 700})
	tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: 150})

	status := tr.CheckBudget(now)
	if !status.WithinLimits {
		t.Fatal("expected within limits at 850/1000")
	}
	if len(status.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", status.Warnings)
	}
	if status.ShouldAutoSummarize {
		t.Fatal("should not auto-summarize when nothing is exceeded")
	}
}

func TestBudgetExceededTriggersAutoSummarize(t *testing.T) {
	now := time.Now()
	tr := New(Config{Budget: models.TokenBudget{DailyTokens: 100, WarnThreshold: 0.8, AutoSummarizeOnLimit: true}})
	tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: 150})

	status := tr.CheckBudget(now)
	if status.WithinLimits {
		t.Fatal("expected budget exceeded")
	}
	if !status.ShouldAutoSummarize {
		t.Fatal("expected should_auto_summarize to be true")
	}
}

func TestAnalyticsCacheInvalidatesOnRecord(t *testing.T) {
	now := time.Now()
	tr := New(Config{})
	tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: 100})

	a1 := tr.GetAnalytics(now)
	if a1.DailyTokens != 100 {
		t.Fatalf("want 100, got %d", a1.DailyTokens)
	}

	tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: 50})
	a2 := tr.GetAnalytics(now)
	if a2.DailyTokens != 150 {
		t.Fatalf("want 150 after second record, got %d", a2.DailyTokens)
	}
}

func TestTopCostlyIsCappedAtTen(t *testing.T) {
	now := time.Now()
	tr := New(Config{})
	tr.SetPricing("p", "m", models.ModelPricing{InputPricePer1K: 1})
	for i := 0; i < 15; i++ {
		tr.Record(models.TokenUsage{Timestamp: now.UnixMilli(), Provider: "p", Model: "m", InputTokens: int64(i + 1) * 1000})
	}
	a := tr.GetAnalytics(now)
	if len(a.TopCostly) != 10 {
		t.Fatalf("want 10, got %d", len(a.TopCostly))
	}
	if a.TopCostly[0].EstimatedCost < a.TopCostly[9].EstimatedCost {
		t.Fatal("expected TopCostly sorted descending by cost")
	}
}
