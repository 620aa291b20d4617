// Package backoff computes retry delays for failed jobs.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"

	"github.com/nexavpn/worker/internal/domain"
)

// maxDelay caps every strategy so a high attempt count cannot schedule
// a retry absurdly far in the future.
const maxDelay = 30 * time.Minute

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// None retries immediately.
type None struct{}

// Delay always returns zero.
func (None) Delay(_ int) time.Duration { return 0 }

// Exponential doubles the delay each attempt:
// Delay = min(Initial * 2^(attempt-1), maxDelay).
type Exponential struct {
	Initial time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at maxDelay.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if d > maxDelay || d < 0 {
		return maxDelay
	}
	return d
}

// ForJob resolves the strategy declared by a job's backoff policy.
func ForJob(b domain.Backoff) Strategy {
	switch b.Kind {
	case domain.BackoffExponential:
		return Exponential{Initial: b.Delay}
	default:
		return None{}
	}
}
