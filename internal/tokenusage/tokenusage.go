// Package tokenusage implements the Token Manager: usage recording, cost
// estimation, budget enforcement, and analytics.
package tokenusage

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loomctx/loomctx/pkg/models"
)

// Tracker records TokenUsage entries and answers budget/analytics queries.
// The analytics cache is invalidated on every Record and SetPricing call.
type Tracker struct {
	mu       sync.RWMutex
	records  []models.TokenUsage
	pricing  map[string]models.ModelPricing // key: provider+":"+model
	budget   models.TokenBudget
	maxCount int

	cache      *analyticsCache
}

type analyticsCache struct {
	valid     bool
	analytics Analytics
}

// Config configures a Tracker.
type Config struct {
	Budget   models.TokenBudget
	MaxCount int // retained record cap; default 100000
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 100000
	}
	return &Tracker{
		pricing:  make(map[string]models.ModelPricing),
		budget:   cfg.Budget,
		maxCount: cfg.MaxCount,
		cache:    &analyticsCache{},
	}
}

func pricingKey(provider, model string) string { return provider + ":" + model }

// SetPricing registers per-1K-token pricing for (provider, model).
func (t *Tracker) SetPricing(provider, model string, pricing models.ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[pricingKey(provider, model)] = pricing
	t.cache.valid = false
}

// SetBudget replaces the active budget.
func (t *Tracker) SetBudget(budget models.TokenBudget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = budget
}

// Record appends a usage record, computing estimated_cost when pricing for
// (Provider, Model) is configured. Invalidates the analytics cache.
func (t *Tracker) Record(u models.TokenUsage) models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u.Timestamp == 0 {
		u.Timestamp = models.NowMillis()
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if pricing, ok := t.pricing[pricingKey(u.Provider, u.Model)]; ok {
		u.EstimatedCost = float64(u.InputTokens)/1000*pricing.InputPricePer1K +
			float64(u.OutputTokens)/1000*pricing.OutputPricePer1K
	}

	t.records = append(t.records, u)
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
	t.cache.valid = false
	return u
}

// Analytics is the result of get_analytics().
type Analytics struct {
	DailyTokens     int64
	DailyCost       float64
	MonthlyTokens   int64
	MonthlyCost     float64
	ByProvider      map[string]int64
	ByOperation     map[string]int64
	AvgTokensPerSession float64
	TopCostly       []models.TokenUsage // top 10 most expensive this month
	HourlyTrend     [24]int64           // 24 buckets ending at "now", oldest first
}

// GetAnalytics returns usage analytics as of now. The result MAY be served
// from cache; the cache is invalidated on every Record.
func (t *Tracker) GetAnalytics(now time.Time) Analytics {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache.valid {
		return t.cache.analytics
	}

	a := t.computeAnalyticsLocked(now)
	t.cache.analytics = a
	t.cache.valid = true
	return a
}

func (t *Tracker) computeAnalyticsLocked(now time.Time) Analytics {
	a := Analytics{
		ByProvider:  make(map[string]int64),
		ByOperation: make(map[string]int64),
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UnixMilli()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).UnixMilli()
	hourBucketStart := now.Add(-24 * time.Hour)

	sessionTokens := make(map[string]int64)
	var monthly []models.TokenUsage

	for _, r := range t.records {
		if r.Timestamp >= dayStart {
			a.DailyTokens += r.TotalTokens
			a.DailyCost += r.EstimatedCost
		}
		if r.Timestamp >= monthStart {
			a.MonthlyTokens += r.TotalTokens
			a.MonthlyCost += r.EstimatedCost
			a.ByProvider[r.Provider] += r.TotalTokens
			a.ByOperation[r.Operation] += r.TotalTokens
			if r.SessionID != "" {
				sessionTokens[r.SessionID] += r.TotalTokens
			}
			monthly = append(monthly, r)
		}

		ts := time.UnixMilli(r.Timestamp)
		if !ts.Before(hourBucketStart) && !ts.After(now) {
			idx := int(now.Sub(ts).Hours())
			if idx >= 0 && idx < 24 {
				a.HourlyTrend[23-idx] += r.TotalTokens
			}
		}
	}

	if len(sessionTokens) > 0 {
		var sum int64
		for _, v := range sessionTokens {
			sum += v
		}
		a.AvgTokensPerSession = float64(sum) / float64(len(sessionTokens))
	}

	sort.Slice(monthly, func(i, j int) bool {
		if monthly[i].EstimatedCost != monthly[j].EstimatedCost {
			return monthly[i].EstimatedCost > monthly[j].EstimatedCost
		}
		return monthly[i].Timestamp > monthly[j].Timestamp
	})
	if len(monthly) > 10 {
		monthly = monthly[:10]
	}
	a.TopCostly = monthly

	return a
}

// CheckBudget evaluates the active budget against usage as of now. A limit
// is exceeded when usage >= limit; a warning fires at
// usage >= warn_threshold * limit. should_auto_summarize is true iff
// exceeded is non-empty and auto_summarize_on_limit is set.
func (t *Tracker) CheckBudget(now time.Time) models.BudgetStatus {
	a := t.GetAnalytics(now)

	t.mu.RLock()
	budget := t.budget
	t.mu.RUnlock()

	status := models.BudgetStatus{WithinLimits: true}

	check := func(name string, usage float64, limit float64) {
		if limit <= 0 {
			return
		}
		if usage >= limit {
			status.Exceeded = append(status.Exceeded, name)
			status.WithinLimits = false
			return
		}
		if budget.WarnThreshold > 0 && usage >= budget.WarnThreshold*limit {
			status.Warnings = append(status.Warnings, name)
		}
	}

	check("daily_tokens", float64(a.DailyTokens), float64(budget.DailyTokens))
	check("monthly_tokens", float64(a.MonthlyTokens), float64(budget.MonthlyTokens))
	check("daily_cost", a.DailyCost, budget.DailyCost)
	check("monthly_cost", a.MonthlyCost, budget.MonthlyCost)

	status.ShouldAutoSummarize = len(status.Exceeded) > 0 && budget.AutoSummarizeOnLimit
	return status
}

// FormatTokenCount formats a token count for display (e.g. "1.2k", "12k", "1.4m").
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display, or "" for non-positive/non-finite amounts.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}
