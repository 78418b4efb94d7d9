package models

// TokenUsage is a single append-only usage record, per spec §3.
type TokenUsage struct {
	Timestamp      int64   `json:"timestamp"` // ms since epoch
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	Operation      string  `json:"operation"`
	SessionID      string  `json:"session_id,omitempty"`
	UserID         string  `json:"user_id,omitempty"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	EstimatedCost  float64 `json:"estimated_cost,omitempty"`
}

// TokenBudget configures ceilings enforced by the Token Manager. A missing
// (zero) limit means "no ceiling".
type TokenBudget struct {
	DailyTokens        int64   `json:"daily_tokens,omitempty"`
	MonthlyTokens       int64   `json:"monthly_tokens,omitempty"`
	DailyCost          float64 `json:"daily_cost,omitempty"`
	MonthlyCost        float64 `json:"monthly_cost,omitempty"`
	WarnThreshold      float64 `json:"warn_threshold"` // in [0,1]
	AutoSummarizeOnLimit bool  `json:"auto_summarize_on_limit"`
}

// BudgetStatus is the result of Token Manager's check_budget().
type BudgetStatus struct {
	WithinLimits       bool     `json:"within_limits"`
	Warnings           []string `json:"warnings"`
	Exceeded           []string `json:"exceeded"`
	ShouldAutoSummarize bool    `json:"should_auto_summarize"`
}

// ModelPricing is per-(provider,model) pricing, price per 1000 tokens.
type ModelPricing struct {
	InputPricePer1K  float64
	OutputPricePer1K float64
}
