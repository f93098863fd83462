package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestDeferUntilReleasesSlotWhileWaiting(t *testing.T) {
	slots := semaphore.NewWeighted(1)
	require.NoError(t, slots.Acquire(context.Background(), 1))

	h := &slotHandle{slots: slots}
	borrowed := make(chan struct{})

	// Another worker grabs the slot while the handle is deferred, does
	// its work, and gives it back.
	go func() {
		if err := slots.Acquire(context.Background(), 1); err != nil {
			return
		}
		close(borrowed)
		time.Sleep(20 * time.Millisecond)
		slots.Release(1)
	}()

	err := h.DeferUntil(context.Background(), func(context.Context) (bool, error) {
		select {
		case <-borrowed:
			return true, nil
		default:
			return false, nil
		}
	}, 5*time.Millisecond)
	require.NoError(t, err)

	// The slot was reacquired before returning.
	assert.False(t, slots.TryAcquire(1))
	slots.Release(1)
}

func TestDeferUntilHonorsContext(t *testing.T) {
	slots := semaphore.NewWeighted(1)
	require.NoError(t, slots.Acquire(context.Background(), 1))
	h := &slotHandle{slots: slots}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := h.DeferUntil(ctx, func(context.Context) (bool, error) {
		return false, nil
	}, 5*time.Millisecond)
	require.Error(t, err)

	// The slot is held again even on the error path.
	assert.False(t, slots.TryAcquire(1))
}

func TestDeferUntilPropagatesPredicateError(t *testing.T) {
	slots := semaphore.NewWeighted(1)
	require.NoError(t, slots.Acquire(context.Background(), 1))
	h := &slotHandle{slots: slots}

	err := h.DeferUntil(context.Background(), func(context.Context) (bool, error) {
		return false, assertErr
	}, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defer predicate failed")
}

var assertErr = errString("predicate exploded")

type errString string

func (e errString) Error() string { return string(e) }
