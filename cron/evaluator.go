// Package cron creates pipeline executions on time schedules, with
// atomic claiming so only one of many competing workers fires each
// schedule.
package cron

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Evaluator computes fire times for one cron expression in a timezone.
type Evaluator struct {
	schedule cron.Schedule
	loc      *time.Location
}

// NewEvaluator parses a standard five-field cron expression (plus the
// @hourly style descriptors) and resolves the timezone.
func NewEvaluator(expression, timezone string) (*Evaluator, error) {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expression)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", timezone)
	}
	return &Evaluator{schedule: schedule, loc: loc}, nil
}

// Next returns the first fire time strictly after t.
func (e *Evaluator) Next(t time.Time) time.Time {
	return e.schedule.Next(t.In(e.loc)).UTC()
}

// MissedBetween enumerates fire times in (from, to], capped at limit.
// Used by catchup handling to bound replayed fires by count.
func (e *Evaluator) MissedBetween(from, to time.Time, limit int) []time.Time {
	var out []time.Time
	t := from
	for len(out) < limit {
		t = e.Next(t)
		if t.After(to) || t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// ValidateExpression reports whether an expression parses.
func ValidateExpression(expression string) error {
	_, err := cron.ParseStandard(expression)
	if err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expression)
	}
	return nil
}
