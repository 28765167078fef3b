// Package backoff provides exponential backoff with jitter for retrying
// transient failures against external services (currently the LLM Gateway).
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// DefaultPolicy is the retry policy for the LLM Gateway: base 500ms, with
// jitter, growing exponentially but capped well under a typical request
// deadline.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 500, MaxMs: 8000, Factor: 2, Jitter: 0.2}
}

// Compute calculates the backoff duration for a given 1-indexed attempt.
func Compute(p Policy, attempt int) time.Duration {
	return computeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter, not security sensitive
}

func computeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	jitterAmount := base * p.Jitter * randomValue
	total := math.Min(p.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Result holds the outcome of a retried operation.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Retry runs fn up to maxAttempts times, sleeping with exponential backoff
// between attempts, stopping early if shouldRetry returns false for the
// error fn produced or the context is cancelled.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	shouldRetry func(error) bool,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		result.LastError = err
		if !shouldRetry(err) || attempt == maxAttempts {
			return result, err
		}

		timer := time.NewTimer(Compute(policy, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, result.LastError
}
