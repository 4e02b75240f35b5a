package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheHit(t *testing.T) {
	hits := testutil.ToFloat64(CacheLookups.WithLabelValues("metrics-test", "hit"))
	misses := testutil.ToFloat64(CacheLookups.WithLabelValues("metrics-test", "miss"))

	CacheHit("metrics-test", true)
	CacheHit("metrics-test", false)
	CacheHit("metrics-test", false)

	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("metrics-test", "hit")) - hits; got != 1 {
		t.Errorf("Expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("metrics-test", "miss")) - misses; got != 2 {
		t.Errorf("Expected 2 misses, got %v", got)
	}
}

func TestRegisterTwice(t *testing.T) {
	Register()
	Register()
}
