package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// spawnRunners starts the goroutines that execute ready tasks
func (w *Worker) spawnRunners(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		name := fmt.Sprintf("%s-%d", w.consumerTag, i)
		g.Go(func() error {
			w.runLoop(ctx, name)
			return nil
		})
	}
}

// runLoop executes ready tasks one at a time until ctx is done
func (w *Worker) runLoop(ctx context.Context, name string) {
	w.logger.Debug("Runner started", slog.String("runner", name))

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Runner stopping - context canceled", slog.String("runner", name))
			return

		case t := <-w.ready:
			t.logger.Debug("Runner picked up job",
				slog.String("runner", name),
				slog.Int("attempt", t.attempt),
			)
			w.process(ctx, t)
		}
	}
}
