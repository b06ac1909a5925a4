package pe

import (
	"context"
	"sync"
)

// Event is a completion queue for one interrupt source. Each Signal releases
// exactly one Wait. The pending count and the notification channel change
// under the same lock, so a waiter can never miss a signal that races with
// its registration.
type Event struct {
	mu      sync.Mutex
	pending uint64
	total   uint64
	notify  chan struct{}
	closed  bool
}

// NewEvent returns an event with no pending completions.
func NewEvent() *Event {
	return &Event{notify: make(chan struct{})}
}

// Signal records one completion and wakes the blocked waiters so one of them
// can consume it.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pending++
	e.total++
	close(e.notify)
	e.notify = make(chan struct{})
}

// Wait consumes one completion, blocking until one is signalled, ctx ends or
// the event is closed.
func (e *Event) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	for e.pending == 0 {
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		ch := e.notify
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
	}
	e.pending--
	e.mu.Unlock()
	return nil
}

// Reset drops completions nobody waited for.
func (e *Event) Reset() {
	e.mu.Lock()
	e.pending = 0
	e.mu.Unlock()
}

// Pending returns the number of unconsumed completions.
func (e *Event) Pending() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Total returns the number of completions signalled since creation.
func (e *Event) Total() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Close wakes all waiters with ErrClosed; later signals are ignored.
func (e *Event) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.notify)
}
