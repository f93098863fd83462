// Package retry decides whether failed task attempts run again and when.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/hrygo/aqueduct/task"
)

// Backoff selects the delay growth curve between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Condition restricts which failures are retried.
type Condition string

const (
	ConditionNever         Condition = "never"
	ConditionTransientOnly Condition = "transient_only"
	ConditionAllErrors     Condition = "all_errors"
)

// Policy configures retries for one task.
type Policy struct {
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      Backoff       `json:"backoff"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Condition    Condition     `json:"condition"`
	Jitter       bool          `json:"jitter"`
}

// DefaultPolicy retries transient failures three times with exponential
// backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Condition:    ConditionTransientOnly,
		Jitter:       true,
	}
}

// ShouldRetry reports whether a failure on the given attempt (1-based)
// is eligible for another attempt under this policy.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	switch p.Condition {
	case ConditionNever:
		return false
	case ConditionTransientOnly:
		return task.IsTransient(err) || task.IsTimeout(err)
	case ConditionAllErrors:
		return true
	default:
		return false
	}
}

// Delay computes the wait before the next attempt following a failure
// on the given attempt (1-based). The raw delay is clamped to
// [0, MaxDelay]; with jitter enabled the result is drawn uniformly from
// [0.5*delay, 1.5*delay] and clamped again.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	var delay float64
	base := float64(p.InitialDelay)
	switch p.Backoff {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * mult * float64(attempt-1)
		if attempt == 1 {
			delay = base
		}
	case BackoffExponential:
		delay = base * math.Pow(mult, float64(attempt-1))
	default:
		delay = base
	}

	delay = clamp(delay, 0, float64(p.MaxDelay))
	if p.Jitter && delay > 0 {
		// Uniform in [0.5*delay, 1.5*delay] to spread synchronized retries.
		delay *= 0.5 + rand.Float64()
		delay = clamp(delay, 0, float64(p.MaxDelay))
	}
	return time.Duration(delay)
}

// RetryAt returns the absolute next-attempt time for a failure observed
// at now on the given attempt.
func (p Policy) RetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
