// Package cfconfig holds the pipeline's leaf-level concurrency primitives:
// the byte budget, the prefetch slot semaphore, and the injectable clock.
// Nothing in this package depends on any other pipeline package.
package cfconfig

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ByteBudget is a counting semaphore over an integer byte value, spec.md
// §3. acquire(n) blocks until n bytes are available; release(n) returns
// them. Every successful Acquire has exactly one matching Release,
// including on failure paths — callers are responsible for that
// discipline, ByteBudget only enforces the accounting.
type ByteBudget struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewByteBudget creates a ByteBudget with the given capacity in bytes.
func NewByteBudget(capacityBytes int64) *ByteBudget {
	return &ByteBudget{
		sem:      semaphore.NewWeighted(capacityBytes),
		capacity: capacityBytes,
	}
}

// Acquire blocks until n bytes are available or ctx is done.
func (b *ByteBudget) Acquire(ctx context.Context, n int64) error {
	if n > b.capacity {
		// a single chunk larger than the whole budget would otherwise
		// deadlock forever; let it through alone rather than hang.
		n = b.capacity
	}
	return b.sem.Acquire(ctx, n)
}

// Release returns n bytes to the budget.
func (b *ByteBudget) Release(n int64) {
	if n > b.capacity {
		n = b.capacity
	}
	b.sem.Release(n)
}

// Capacity returns the configured byte budget capacity.
func (b *ByteBudget) Capacity() int64 {
	return b.capacity
}

// Available reports whether the full capacity is currently unacquired,
// used by tests to assert spec.md §8's "every acquired byte has been
// released" invariant. It works by attempting a non-blocking acquire of
// the full capacity and releasing immediately if it succeeds.
func (b *ByteBudget) Available() bool {
	if !b.sem.TryAcquire(b.capacity) {
		return false
	}
	b.sem.Release(b.capacity)
	return true
}

// PrefetchSemaphore bounds the number of concurrently running downloads,
// spec.md §3. It is orthogonal to ByteBudget — acquiring a slot says
// nothing about how many bytes that slot's chunk needs.
type PrefetchSemaphore struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewPrefetchSemaphore creates a PrefetchSemaphore with the given
// parallelism capacity.
func NewPrefetchSemaphore(capacity int) *PrefetchSemaphore {
	return &PrefetchSemaphore{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is available or ctx is done.
func (p *PrefetchSemaphore) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns one slot.
func (p *PrefetchSemaphore) Release() {
	p.sem.Release(1)
}

// Capacity returns the configured parallelism.
func (p *PrefetchSemaphore) Capacity() int64 {
	return p.capacity
}

// Available reports whether every permit has been returned, spec.md §8.
func (p *PrefetchSemaphore) Available() bool {
	if !p.sem.TryAcquire(p.capacity) {
		return false
	}
	p.sem.Release(p.capacity)
	return true
}
