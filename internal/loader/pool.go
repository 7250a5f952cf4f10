package loader

import (
	"context"
	"sync"
	"sync/atomic"
)

// RunChunkPool dispatches one job per index in [0, chunks) across a
// bounded pool of maxConc goroutines, calling fn(ctx, index) for each. It
// mirrors the jobs-channel/WaitGroup shape used elsewhere
// in this codebase for bounded fan-out (the cache-fill worker pool),
// generalised from H3 cells to chunk indices.
//
// On the first failure, a shared flag is set; workers that have not yet
// started their chunk skip it instead of calling fn: stop spawning new
// work but let in-flight work finish, without killing goroutines already
// mid-flight. RunChunkPool returns the
// first error encountered, or nil if every dispatched chunk succeeded.
func RunChunkPool(ctx context.Context, chunks int, maxConc int, fn func(ctx context.Context, index int) error) error {
	if chunks <= 0 {
		return nil
	}
	if maxConc <= 0 {
		maxConc = 1
	}
	if maxConc > chunks {
		maxConc = chunks
	}

	jobs := make(chan int, chunks)
	for i := 0; i < chunks; i++ {
		jobs <- i
	}
	close(jobs)

	var failed atomic.Bool
	var once sync.Once
	var firstErr error

	var wg sync.WaitGroup
	wg.Add(maxConc)
	for w := 0; w < maxConc; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if failed.Load() {
					continue
				}
				if err := ctx.Err(); err != nil {
					failed.Store(true)
					once.Do(func() { firstErr = err })
					continue
				}
				if err := fn(ctx, idx); err != nil {
					failed.Store(true)
					once.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
