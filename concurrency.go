package qcore

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// parallelAll runs each fn concurrently across a bounded goroutine pool and
// waits for all of them, collecting the first error encountered (spec §5:
// "parallel-all" — independent work items, order of completion does not
// matter, but the caller waits for every item before continuing). Mirrors
// the pool usage in the teacher lineage's IPC server, generalized from a
// fixed request-handler pool to ad-hoc per-call fan-out.
func parallelAll(fns []func() error) error {
	if len(fns) == 0 {
		return nil
	}
	if len(fns) == 1 {
		return fns[0]()
	}

	pool, err := ants.NewPool(poolSize(len(fns)))
	if err != nil {
		return runSequential(fns)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, fn := range fns {
		fn := fn
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if e := fn(); e != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = e
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
		}
	}

	wg.Wait()
	return firstErr
}

// sequentialChain runs fns in order, stopping at the first error (spec §5:
// "sequential-chain" — work items within a single row/relation that must
// observe each other's effects in order, e.g. mutation stages).
func sequentialChain(fns []func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func runSequential(fns []func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func poolSize(n int) int {
	const maxPool = 32
	if n > maxPool {
		return maxPool
	}
	return n
}
