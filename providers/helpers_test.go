package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EugeneOSullivan/FHIR-Converter/cache"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/internal/logging"
	"github.com/EugeneOSullivan/FHIR-Converter/storage"
	"github.com/EugeneOSullivan/FHIR-Converter/templates"
)

// fakeStore is an in-memory ObjectStore that counts calls and injects
// failures and latency per object.
type fakeStore struct {
	identity string
	objects  map[string]string
	listErr  error

	mu        sync.Mutex
	failFirst map[string]int
	failErr   error
	slowFirst map[string]time.Duration
	attempts  map[string]int

	listCalls   atomic.Int32
	closeCalls  atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeStore(objects map[string]string) *fakeStore {
	return &fakeStore{
		identity:  "fake://templates",
		objects:   objects,
		failFirst: make(map[string]int),
		failErr:   fmt.Errorf("connection reset by peer"),
		slowFirst: make(map[string]time.Duration),
		attempts:  make(map[string]int),
	}
}

func (s *fakeStore) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	s.listCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	var objects []storage.Object
	for name, content := range s.objects {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			objects = append(objects, storage.Object{Name: name, Size: int64(len(content))})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (s *fakeStore) Download(ctx context.Context, name string) ([]byte, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	s.attempts[name]++
	attempt := s.attempts[name]
	failing := attempt <= s.failFirst[name]
	delay := s.slowFirst[name]
	s.mu.Unlock()

	if attempt == 1 && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, s.failErr
	}
	content, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, storage.ErrObjectNotFound)
	}
	return []byte(content), nil
}

func (s *fakeStore) Close() error {
	s.closeCalls.Add(1)
	return nil
}

func (s *fakeStore) Identity() string {
	return s.identity
}

func (s *fakeStore) attemptsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[name]
}

func testOptions() Options {
	options := DefaultOptions()
	options.Logger = logging.Discard()
	options.Cache = cache.NewInMemory[templates.Collection]("test", cache.DefaultExpiration, cache.DefaultCleanupInterval, nil)
	options.Retry = errors.FixedRetryConfig()
	return options
}
