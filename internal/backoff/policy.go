// Package backoff provides exponential backoff utilities with jitter for
// retry logic used by the block storage backends and LLM adapters.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number (1-indexed).
// base = InitialMs * Factor^(attempt-1); result = min(MaxMs, base + base*Jitter*random()).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injectable random value in [0.0, 1.0),
// for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns a sensible default: Initial 100ms, Max 30s, Factor 2, Jitter 10%.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// AggressivePolicy returns a policy for quick retries: Initial 50ms, Max 5s, Factor 1.5, Jitter 5%.
func AggressivePolicy() Policy {
	return Policy{InitialMs: 50, MaxMs: 5000, Factor: 1.5, Jitter: 0.05}
}

// ConservativePolicy returns a policy for rate-limited or costly external
// calls (e.g. a language-model API): Initial 1s, Max 60s, Factor 2, Jitter 20%.
func ConservativePolicy() Policy {
	return Policy{InitialMs: 1000, MaxMs: 60000, Factor: 2, Jitter: 0.2}
}
