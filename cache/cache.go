// Package cache holds fetched template collections between provider calls.
package cache

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultExpiration applies when Set is called with a zero ttl.
	DefaultExpiration = 10 * time.Minute
	// DefaultCleanupInterval is how often expired entries are purged.
	DefaultCleanupInterval = 30 * time.Minute
	// NoExpiration keeps an entry until it is deleted.
	NoExpiration = gocache.NoExpiration
)

// Cache is the process-wide key/value store shared by template providers.
// Values must be treated as immutable once stored.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	Flush(ctx context.Context)
}

// Stats reports lookups served by an InMemory cache.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// HitRate returns hits over lookups, or 0 without lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// InMemory implements Cache over go-cache.
type InMemory[V any] struct {
	useCase string
	cache   *gocache.Cache
	logger  logrus.FieldLogger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewInMemory creates a cache labelled useCase in log output.
func NewInMemory[V any](useCase string, defaultExpiration, cleanupInterval time.Duration, logger logrus.FieldLogger) *InMemory[V] {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &InMemory[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
		logger:  logger.WithField("cache", useCase),
	}
}

// Get retrieves an item from the cache by its key
func (c *InMemory[V]) Get(ctx context.Context, key string) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(key)
	if !found {
		c.misses.Add(1)
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		c.logger.WithField("key", key).Error("wrong type assertion when getting value")
		c.misses.Add(1)
		return zeroValue, false
	}

	c.hits.Add(1)
	c.logger.WithField("key", key).Debug("cache hit")
	return v, true
}

// Set stores value under key. A zero ttl uses the cache default.
func (c *InMemory[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	c.cache.Set(key, value, ttl)
}

// Delete removes keys from the cache.
func (c *InMemory[V]) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush removes every entry.
func (c *InMemory[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}

// Stats returns a snapshot of the hit counters.
func (c *InMemory[V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.ItemCount(),
	}
}
