package pipeline

import (
	"errors"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// DefaultMaxAttempts is the total number of automatic attempts per execution
const DefaultMaxAttempts = 3

// RetryPolicy decides whether a failed attempt is tried again
type RetryPolicy struct {
	// MaxAttempts counts the first attempt
	MaxAttempts int
	// Backoff returns the delay before the attempt following attempt
	Backoff func(attempt int) time.Duration
}

// RetryDecision is the result of RetryPolicy.Decide
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// NewRetryPolicy creates a default retry policy
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     ExponentialBackoff(time.Second, 30*time.Second, 2.0),
	}
}

// Decide returns whether attempt (1-based) failing with err gets another try
func (p *RetryPolicy) Decide(attempt int, err error) RetryDecision {
	if err == nil || IsPermanent(err) {
		return RetryDecision{}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return RetryDecision{}
	}

	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff(attempt)
	}
	return RetryDecision{Retry: true, Delay: delay}
}

// IsPermanent reports whether err can never succeed on another attempt. An
// explicit *domain.RetryableError is never permanent.
func IsPermanent(err error) bool {
	var retryable *domain.RetryableError
	if errors.As(err, &retryable) {
		return false
	}
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrJobNotRunnable) ||
		errors.Is(err, domain.ErrInvalidMessage) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

// ExponentialBackoff returns initial * multiplier^(attempt-1), capped at max
func ExponentialBackoff(initial, max time.Duration, multiplier float64) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		backoff := float64(initial)
		for i := 1; i < attempt; i++ {
			backoff *= multiplier
			if backoff >= float64(max) {
				return max
			}
		}
		if backoff > float64(max) {
			return max
		}
		return time.Duration(backoff)
	}
}
