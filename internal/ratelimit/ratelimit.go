// Package ratelimit guards outbound remote calls.
//
// Limiter is a sliding-window limiter: at most limit acquisitions are
// permitted in any window. Registry keys one Limiter per logical endpoint
// (one shared limiter per remote installation), so every workspace worker
// hitting the same installation shares the same budget.
//
// Gate is a bounded admission gate for concurrent batches, so a worker can
// issue batches for independent entity kinds in parallel without starving
// the remote rate budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter permits at most limit acquisitions per sliding window.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter allowing perSecond acquisitions in any
// one-second sliding window.
func NewLimiter(perSecond int) *Limiter {
	return NewLimiterWindow(perSecond, time.Second)
}

// NewLimiterWindow creates a limiter allowing limit acquisitions per window.
func NewLimiterWindow(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Acquire blocks until a slot is permitted or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops stamps that fell out of the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Registry hands out one shared Limiter per endpoint.
type Registry struct {
	mu        sync.Mutex
	perSecond int
	limiters  map[string]*Limiter
}

// NewRegistry creates a registry whose limiters allow perSecond requests.
func NewRegistry(perSecond int) *Registry {
	return &Registry{
		perSecond: perSecond,
		limiters:  make(map[string]*Limiter),
	}
}

// For returns the limiter for an endpoint, creating it on first use.
func (r *Registry) For(endpoint string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[endpoint]
	if !ok {
		l = NewLimiter(r.perSecond)
		r.limiters[endpoint] = l
	}
	return l
}

// Gate bounds the number of concurrently running operations.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting at most n concurrent operations.
func NewGate(n int64) *Gate {
	return &Gate{sem: semaphore.NewWeighted(n)}
}

// Do runs fn once admitted. It blocks while the gate is full.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn(ctx)
}
