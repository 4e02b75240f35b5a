package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collection struct {
	Names []string
}

func TestInMemorySetAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory[collection]("templates", DefaultExpiration, DefaultCleanupInterval, nil)

	_, found := c.Get(ctx, "cached-default-templates")
	require.False(t, found)

	c.Set(ctx, "cached-default-templates", collection{Names: []string{"ADT_A01"}}, 0)

	got, found := c.Get(ctx, "cached-default-templates")
	require.True(t, found)
	assert.Equal(t, []string{"ADT_A01"}, got.Names)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestInMemoryExpiration(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory[string]("templates", DefaultExpiration, time.Millisecond, nil)

	c.Set(ctx, "short", "value", 5*time.Millisecond)
	c.Set(ctx, "forever", "value", NoExpiration)

	require.Eventually(t, func() bool {
		_, found := c.Get(ctx, "short")
		return !found
	}, time.Second, 5*time.Millisecond)

	_, found := c.Get(ctx, "forever")
	assert.True(t, found)
}

func TestInMemoryDeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory[int]("numbers", DefaultExpiration, DefaultCleanupInterval, nil)

	c.Set(ctx, "a", 1, 0)
	c.Set(ctx, "b", 2, 0)
	c.Set(ctx, "c", 3, 0)

	c.Delete(ctx, "a", "b")
	_, found := c.Get(ctx, "a")
	assert.False(t, found)
	_, found = c.Get(ctx, "c")
	assert.True(t, found)

	c.Flush(ctx)
	_, found = c.Get(ctx, "c")
	assert.False(t, found)
}

func TestStatsHitRateWithoutLookups(t *testing.T) {
	assert.Zero(t, Stats{}.HitRate())
}
