package sync

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/mdn/deployer/internal/queue"
	"golang.org/x/sync/errgroup"
)

type poolResult[T, R any] struct {
	task  T
	value R
	err   error
	took  time.Duration
}

// runPool runs fn over tasks with at most workers calls in flight. Each
// outcome is handed to consume on the calling goroutine, which is the only
// place results are aggregated. A failing task does not stop the others.
func runPool[T, R any](
	ctx context.Context,
	workers int,
	tasks iter.Seq[T],
	fn func(context.Context, T) (R, error),
	consume func(task T, value R, err error, took time.Duration),
) {
	results := make(chan poolResult[T, R], workers)

	go func() {
		var g errgroup.Group
		g.SetLimit(workers)
		for task := range tasks {
			g.Go(func() error {
				start := time.Now()
				value, err := fn(ctx, task)
				results <- poolResult[T, R]{task: task, value: value, err: err, took: time.Since(start)}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for res := range results {
		consume(res.task, res.value, res.err, res.took)
	}
}

// bySize orders a batch smallest first, so many small files land early
// while big ones stream in the background.
func bySize(batch []TransferTask) iter.Seq[TransferTask] {
	pq := queue.NewPriorityQueue[TransferTask]()
	for _, task := range slices.Clone(batch) {
		pq.Enqueue(task, task.Size)
	}
	return pq.Drain()
}
