// Package retry holds the pure backoff decision function. It touches
// no I/O and no clocks so the full decision space can be tested
// exhaustively.
package retry

import (
	"time"

	"github.com/acme/drip-email-campaign/internal/domain"
)

// Decision is the outcome of consulting the policy after a failed
// attempt: retry after a delay, or give up on the step.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Decide maps (attempts made so far for this step, kind of the last
// failure) to the next action. Delay grows as base * 2^(attempt-1),
// capped at the policy maximum. Permanent failures are never retried.
func Decide(policy domain.RetryPolicy, attempt int, kind domain.FailureKind) Decision {
	if !kind.Retryable() {
		return GiveUp
	}
	if attempt >= policy.MaxAttempts {
		return GiveUp
	}
	return Decision{Retry: true, Delay: Backoff(policy, attempt)}
}

// Backoff returns the capped exponential delay following the given
// attempt number (1-based).
func Backoff(policy domain.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
