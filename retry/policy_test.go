package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/task"
)

func TestPolicyShouldRetry(t *testing.T) {
	transient := task.NewError(task.KindTransient, "t", "pool exhausted", nil)
	user := errors.New("boom")

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		err     error
		want    bool
	}{
		{"never condition", Policy{MaxAttempts: 5, Condition: ConditionNever}, 1, transient, false},
		{"transient only accepts transient", Policy{MaxAttempts: 5, Condition: ConditionTransientOnly}, 1, transient, true},
		{"transient only rejects user error", Policy{MaxAttempts: 5, Condition: ConditionTransientOnly}, 1, user, false},
		{"transient only accepts timeout", Policy{MaxAttempts: 5, Condition: ConditionTransientOnly}, 1, task.NewError(task.KindTimeout, "t", "deadline", nil), true},
		{"all errors", Policy{MaxAttempts: 5, Condition: ConditionAllErrors}, 1, user, true},
		{"attempts exhausted", Policy{MaxAttempts: 3, Condition: ConditionAllErrors}, 3, user, false},
		{"last allowed attempt", Policy{MaxAttempts: 3, Condition: ConditionAllErrors}, 2, user, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ShouldRetry(tt.attempt, tt.err))
		})
	}
}

func TestPolicyDelayFixed(t *testing.T) {
	p := Policy{Backoff: BackoffFixed, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 50*time.Millisecond, p.Delay(4))
}

func TestPolicyDelayLinear(t *testing.T) {
	p := Policy{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
}

func TestPolicyDelayExponential(t *testing.T) {
	p := Policy{Backoff: BackoffExponential, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
}

func TestPolicyDelayClampsToMax(t *testing.T) {
	p := Policy{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 10}
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	p := Policy{Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestPolicyRetryAt(t *testing.T) {
	p := Policy{Backoff: BackoffFixed, InitialDelay: time.Second, MaxDelay: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Second), p.RetryAt(now, 1))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, BackoffExponential, p.Backoff)
	assert.Equal(t, ConditionTransientOnly, p.Condition)
	assert.True(t, p.Jitter)
}
