package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parallel execution of the heavy numeric kernels (convolutions) using
// goroutines.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Single-threaded mode is
// deterministic and easy to debug; parallel mode splits independent output
// rows across workers.
//
// DETERMINISM:
// Every worker owns a disjoint range of output rows and writes nothing
// else. There are no shared accumulators, so parallel results are
// bit-identical to the single-threaded ones regardless of scheduling.
//
// PERFORMANCE CHARACTERISTICS:
// A 1-D convolution row is cheap compared to goroutine startup only when
// the kernel is short and the signal is small, so work below
// MinSizeForParallel multiply-adds runs inline.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool `json:"parallel"`

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int `json:"num_workers"`

	// MinSizeForParallel is the minimum number of multiply-adds an
	// operation must perform before it is split across workers.
	MinSizeForParallel int `json:"min_size_for_parallel"`
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 1 << 16,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// parallelFor calls fn over contiguous sub-ranges of [0, rows). work is the
// total multiply-add count used to decide whether splitting pays off.
// fn must only write state owned by its own rows.
func parallelFor(cfg ComputeConfig, rows, work int, fn func(lo, hi int)) {
	workers := cfg.numWorkers()
	if workers > rows {
		workers = rows
	}
	if workers <= 1 || !cfg.shouldParallelize(work) {
		fn(0, rows)
		return
	}

	perWorker := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < rows; start += perWorker {
		end := start + perWorker
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
