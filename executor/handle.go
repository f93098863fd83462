package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// slotHandle is the task.Handle implementation backed by the worker
// pool's counting semaphore.
type slotHandle struct {
	slots *semaphore.Weighted
}

// DeferUntil releases the caller's concurrency slot so other tasks can
// run, polls the predicate at pollInterval, and reacquires the slot
// before returning. The ctx deadline bounds the whole wait.
func (h *slotHandle) DeferUntil(ctx context.Context, predicate func(context.Context) (bool, error), pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	h.slots.Release(1)
	// Reacquisition uses a detached context: the slot accounting must be
	// restored even when the wait is abandoned, or the pool's release on
	// task exit would over-release.
	reacquire := func() error {
		return h.slots.Acquire(context.Background(), 1)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done, err := predicate(ctx)
		if err != nil {
			if acqErr := reacquire(); acqErr != nil {
				return acqErr
			}
			return errors.Wrap(err, "defer predicate failed")
		}
		if done {
			return reacquire()
		}
		select {
		case <-ctx.Done():
			if acqErr := reacquire(); acqErr != nil {
				return acqErr
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
