package main

import (
	"math"
	"runtime"
	"sync/atomic"
	"testing"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	if !cfg.Parallel {
		t.Error("default config should enable parallel execution")
	}
	if cfg.numWorkers() != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.numWorkers())
	}

	stCfg := SingleThreadedConfig()
	if stCfg.Parallel {
		t.Error("single-threaded config should disable parallel execution")
	}
	if stCfg.numWorkers() != 1 {
		t.Errorf("single-threaded config should have 1 worker, got %d", stCfg.numWorkers())
	}
}

func TestParallelForCoversEveryRowOnce(t *testing.T) {
	tests := []struct {
		name    string
		rows    int
		workers int
	}{
		{"fewer rows than workers", 3, 8},
		{"uneven split", 17, 4},
		{"single row", 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ComputeConfig{Parallel: true, NumWorkers: tt.workers}
			hits := make([]int32, tt.rows)
			parallelFor(cfg, tt.rows, math.MaxInt32, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				if h != 1 {
					t.Errorf("row %d visited %d times", i, h)
				}
			}
		})
	}
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 100}
	calls := 0
	parallelFor(cfg, 8, 50, func(lo, hi int) {
		calls++
		if lo != 0 || hi != 8 {
			t.Errorf("small work split into [%d,%d)", lo, hi)
		}
	})
	if calls != 1 {
		t.Errorf("expected inline call, got %d calls", calls)
	}
}
