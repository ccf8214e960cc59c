// Package keyseq serializes operations per key.
//
// The worker uses one Serializer per workspace to guarantee that all
// reconciliations for a given remote entity URL run one at a time, in FIFO
// order: a rapid edit+comment webhook sequence for the same issue is applied
// in arrival order, and a "create remote counterpart" operation can never
// run twice concurrently for the same record.
//
// Entries are garbage-collected as soon as the last waiter for a key
// resolves; an idle Serializer holds no per-key state.
package keyseq

import (
	"context"
	"sync"
)

type call struct {
	done chan struct{}
}

// Serializer runs at most one operation per key at a time, FIFO per key.
// The zero value is not usable; use New.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]*call
}

// New creates an empty Serializer.
func New() *Serializer {
	return &Serializer{tails: make(map[string]*call)}
}

// Execute runs fn after every previously submitted operation for the same
// key has completed (success or failure). Operations for different keys are
// independent.
//
// If ctx is cancelled while waiting for a predecessor, Execute returns
// ctx.Err() without running fn; the per-key chain stays intact for
// operations queued behind it.
func (s *Serializer) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	c := &call{done: make(chan struct{})}

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = c
	s.mu.Unlock()

	release := func() {
		close(c.done)
		s.mu.Lock()
		if s.tails[key] == c {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			// Hand the slot off once the predecessor finishes so that
			// later arrivals still run strictly after it.
			go func() {
				<-prev.done
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn(ctx)
}

// PendingKeys returns the number of keys with in-flight or queued
// operations. Used by tests to verify entries are collected.
func (s *Serializer) PendingKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
