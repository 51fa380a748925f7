// Package concurrency provides the bounded-concurrency primitives shared by
// the dispatcher and the engine, plus environment-driven configuration of
// their limits.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter activity counters. All fields are updated
// atomically and safe to read while the limiter is in use.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability.
// The dispatcher uses one limiter per process to bound how many pipeline
// runs execute simultaneously; each run's stage pool bounds its own
// instances separately.
type Limiter struct {
	sem     chan struct{}
	active  int64
	metrics Metrics
}

// NewLimiter creates a limiter allowing at most maxConcurrent concurrent
// holders. Values below one are clamped to one.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is free or the context is cancelled
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without a matching Acquire; nothing to return.
	}
}

// Go runs fn in a goroutine once a slot is acquired, releasing the slot
// when fn returns. It blocks only for slot acquisition.
func (l *Limiter) Go(ctx context.Context, fn func()) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	go func() {
		defer l.Release()
		fn()
	}()
	return nil
}

// CurrentActive returns the number of currently held slots
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// Capacity returns the maximum number of concurrent holders
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Snapshot returns a copy of the limiter's metrics
func (l *Limiter) Snapshot() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
