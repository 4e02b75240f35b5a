// Package parallel runs indexed jobs under a counting semaphore.
package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit bounds concurrent downloads when no limit is configured.
const DefaultLimit = 50

// ForEach calls fn for every index in [0, n) with at most limit calls in
// flight. The first error cancels the context handed to the remaining calls
// and is returned once all started calls have finished.
func ForEach(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	sem := semaphore.NewWeighted(int64(limit))
	eg, egCtx := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		if err := sem.Acquire(egCtx, 1); err != nil {
			// A sibling failed or ctx was cancelled; Wait reports the cause.
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			return fn(egCtx, i)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("parallel jobs interrupted: %w", err)
	}
	return nil
}
