package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachRunsEveryIndex(t *testing.T) {
	var seen [20]atomic.Bool
	err := ForEach(context.Background(), len(seen), 4, func(ctx context.Context, i int) error {
		seen[i].Store(true)
		return nil
	})
	require.NoError(t, err)
	for i := range seen {
		assert.True(t, seen[i].Load(), "index %d not visited", i)
	}
}

func TestForEachRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	err := ForEach(context.Background(), 30, 3, func(ctx context.Context, i int) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestForEachFirstErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	var started atomic.Int32
	err := ForEach(context.Background(), 100, 2, func(ctx context.Context, i int) error {
		started.Add(1)
		if i == 0 {
			return boom
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, started.Load(), int32(100))
}

func TestForEachCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ForEach(ctx, 5, 0, func(ctx context.Context, i int) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestForEachEmpty(t *testing.T) {
	called := false
	err := ForEach(context.Background(), 0, 1, func(ctx context.Context, i int) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}
