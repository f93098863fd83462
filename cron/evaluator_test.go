package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatorNext(t *testing.T) {
	e, err := NewEvaluator("0 * * * *", "UTC")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), e.Next(now))
}

func TestEvaluatorTimezone(t *testing.T) {
	e, err := NewEvaluator("0 9 * * *", "America/New_York")
	require.NoError(t, err)

	// 9am New York in winter is 14:00 UTC.
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next := e.Next(now)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), next)
}

func TestEvaluatorDescriptor(t *testing.T) {
	e, err := NewEvaluator("@hourly", "UTC")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), e.Next(now))
}

func TestEvaluatorMissedBetween(t *testing.T) {
	e, err := NewEvaluator("*/15 * * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	missed := e.MissedBetween(from, to, 10)
	require.Len(t, missed, 4)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), missed[0])
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), missed[3])
}

func TestEvaluatorMissedBetweenHonorsLimit(t *testing.T) {
	e, err := NewEvaluator("* * * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	missed := e.MissedBetween(from, to, 5)
	assert.Len(t, missed, 5)
}

func TestNewEvaluatorRejectsBadInput(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		timezone   string
	}{
		{"bad expression", "not a cron", "UTC"},
		{"too many fields", "* * * * * * *", "UTC"},
		{"bad timezone", "0 * * * *", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.expression, tt.timezone)
			require.Error(t, err)
		})
	}
}

func TestValidateExpression(t *testing.T) {
	require.NoError(t, ValidateExpression("30 4 * * 1-5"))
	require.Error(t, ValidateExpression("61 * * * *"))
}
