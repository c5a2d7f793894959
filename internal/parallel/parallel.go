// Package parallel provides the fixed-size worker pool used for the
// data-parallel voxel and subject loops.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers normalises a requested worker count. Values below one mean
// "use every available core".
func Workers(n int) int {
	if n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// For runs fn(i) for every i in [0, n) on at most workers goroutines.
//
// The range is split into contiguous blocks, one block per task, so each
// worker completes a whole unit before the next is scheduled. Cancellation
// of ctx is polled between iterations; when it fires For returns ctx.Err()
// and callers must discard whatever the workers wrote.
func For(ctx context.Context, n, workers int, fn func(i int)) error {
	return ForBlock(ctx, n, workers, func(start, end int) error {
		for i := start; i < end; i++ {
			if i&63 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			fn(i)
		}
		return nil
	})
}

// ForBlock is like For but hands each worker a contiguous [start, end) block.
func ForBlock(ctx context.Context, n, workers int, fn func(start, end int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	workers = Workers(workers)
	if workers > n {
		workers = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	blockSize := (n + workers - 1) / workers
	for start := 0; start < n; start += blockSize {
		start := start
		end := start + blockSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(start, end)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Each runs fn for every index on the pool and returns the first error.
// Unlike For, each index is its own task, which suits coarse units of work
// such as whole subjects or whole candidate evaluations.
func Each(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(workers))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
