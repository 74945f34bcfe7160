package outbox

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"uiscout/internal/logging"
)

// FlushAll flushes every destination concurrently, at most workers at a
// time. Per-destination stats are merged; a failed destination does not
// stop the others because errors here are publish-level and already
// reflected in the retry counts.
func (q *Queue) FlushAll(ctx context.Context, publish PublishFunc, workers int) (FlushStats, error) {
	timer := logging.StartTimer(logging.CategoryOutbox, "FlushAll")
	defer timer.Stop()

	if workers < 1 {
		workers = 1
	}

	dests, err := q.Destinations()
	if err != nil {
		return FlushStats{}, fmt.Errorf("failed to enumerate destinations: %w", err)
	}
	if len(dests) == 0 {
		return FlushStats{}, nil
	}

	results := make([]FlushStats, len(dests))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, dest := range dests {
		i, dest := i, dest
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, err := q.FlushDestination(publish, dest)
			if err != nil {
				return fmt.Errorf("flush of %s failed: %w", dest, err)
			}
			results[i] = stats
			return nil
		})
	}
	err = g.Wait()

	var total FlushStats
	for _, s := range results {
		total.Delivered += s.Delivered
		total.Failed += s.Failed
		total.Skipped += s.Skipped
		total.Dropped += s.Dropped
	}
	return total, err
}
