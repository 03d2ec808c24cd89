package main

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Whitening transforms every (sample, channel) row on every forward pass,
// and the spectrum estimator does the same over the whole noise set. Each
// row needs an FFT plan plus three scratch slices of the padded length.
// Building a plan computes its twiddle factors, so doing that per call (or
// per worker goroutine per call) shows up in profiles.
//
// fftWorkspacePool keeps one sync.Pool per padded length:
//
//   ws := globalFFTPool.Get(n)     // reuse or build
//   defer globalFFTPool.Put(ws)
//
// SYNC.POOL CHARACTERISTICS:
//
//   - Safe for concurrent use; each parallelFor worker takes its own
//     workspace.
//   - The GC may drop pooled workspaces at any time, so Get must always be
//     able to build a fresh one.
//   - Scratch contents are NOT cleared. Every user overwrites the slices
//     completely before reading them.
//
// ===========================================================================

// fftWorkspace is the per-row scratch space of a length-n transform.
type fftWorkspace struct {
	fft    *fourier.CmplxFFT
	padded []float64
	buf    []complex128
	coeff  []complex128
}

func newFFTWorkspace(n int) *fftWorkspace {
	return &fftWorkspace{
		fft:    fourier.NewCmplxFFT(n),
		padded: make([]float64, n),
		buf:    make([]complex128, n),
		coeff:  make([]complex128, n),
	}
}

// Len returns the transform length.
func (ws *fftWorkspace) Len() int { return len(ws.padded) }

// fftWorkspacePool wraps one sync.Pool per transform length.
type fftWorkspacePool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

// globalFFTPool is shared by the whitener and the spectrum estimator.
var globalFFTPool = newFFTWorkspacePool()

func newFFTWorkspacePool() *fftWorkspacePool {
	return &fftWorkspacePool{pools: make(map[int]*sync.Pool)}
}

// poolFor returns the pool for length n, creating it on first use.
func (p *fftWorkspacePool) poolFor(n int) *sync.Pool {
	// Fast path: pool already exists
	p.mu.RLock()
	pool, ok := p.pools[n]
	p.mu.RUnlock()
	if ok {
		return pool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have created it meanwhile.
	if pool, ok := p.pools[n]; ok {
		return pool
	}
	pool = &sync.Pool{New: func() interface{} { return newFFTWorkspace(n) }}
	p.pools[n] = pool
	return pool
}

// Get returns a workspace for length-n transforms. Its scratch slices hold
// whatever the previous user left in them.
func (p *fftWorkspacePool) Get(n int) *fftWorkspace {
	return p.poolFor(n).Get().(*fftWorkspace)
}

// Put returns ws to the pool. ws must not be used afterwards.
func (p *fftWorkspacePool) Put(ws *fftWorkspace) {
	if ws == nil {
		return
	}
	p.poolFor(ws.Len()).Put(ws)
}
