// Package throttler bounds how many dirty pages may be in flight across
// every open transaction at once, applying backpressure to writers once
// the memory budget's worth of dirty pages is outstanding.
package throttler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Throttler is the cluster-wide dirty-page budget: a weighted semaphore
// sized so that, at capacity, every outstanding dirty page still fits
// within the memory limit last reported.
type Throttler struct {
	mu       sync.Mutex
	sem      *semaphore.Weighted
	capacity int64
}

// New constructs a throttler sized for memoryLimit bytes of dirty pages
// at maxBlockSize bytes each.
func New(memoryLimit int64, maxBlockSize int) *Throttler {
	t := &Throttler{}
	t.InformMemoryLimitChange(memoryLimit, maxBlockSize)
	return t
}

// InformMemoryLimitChange resizes the budget, e.g. after the balancer
// changes this node's memory limit. In-flight acquisitions against the
// previous semaphore are unaffected; the new capacity governs future
// acquire calls.
func (t *Throttler) InformMemoryLimitChange(memoryLimit int64, maxBlockSize int) {
	capacity := int64(1)
	if maxBlockSize > 0 {
		if c := memoryLimit / int64(maxBlockSize); c > 0 {
			capacity = c
		}
	}
	t.mu.Lock()
	t.capacity = capacity
	t.sem = semaphore.NewWeighted(capacity)
	t.mu.Unlock()
}

func (t *Throttler) snapshot() (*semaphore.Weighted, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sem, t.capacity
}

// NewAcq returns a fresh per-transaction acquisition tracking how many
// dirty pages that transaction currently holds against the shared
// budget.
func (t *Throttler) NewAcq() *Acq {
	return &Acq{throttler: t}
}

// Acq is one transaction's claim against the shared dirty-page budget,
// implementing flushdag.ThrottlerAcq.
type Acq struct {
	throttler *Throttler
	held      int64
}

// UpdateDirtyPageCount blocks until the budget can accommodate n dirty
// pages for this transaction, acquiring the delta above what it already
// holds (or releasing it, if n dropped).
func (a *Acq) UpdateDirtyPageCount(n int) {
	newCount := int64(n)
	delta := newCount - a.held
	switch {
	case delta > 0:
		sem, capacity := a.throttler.snapshot()
		if delta > capacity {
			delta = capacity
		}
		_ = sem.Acquire(context.Background(), delta)
	case delta < 0:
		sem, _ := a.throttler.snapshot()
		sem.Release(-delta)
	}
	a.held = newCount
}

// MarkDirtyPagesWritten releases every unit this transaction holds, once
// its dirty pages have been flushed to the serializer.
func (a *Acq) MarkDirtyPagesWritten() {
	if a.held == 0 {
		return
	}
	sem, _ := a.throttler.snapshot()
	sem.Release(a.held)
	a.held = 0
}
