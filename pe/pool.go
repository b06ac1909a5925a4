package pe

import (
	"context"
	"sync"
)

// SlotState is the allocation state of a slot.
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotAcquired
	// SlotFaulted marks a slot whose hardware state became unknown after a
	// register failure. It is never handed out again.
	SlotFaulted
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotAcquired:
		return "acquired"
	case SlotFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Pool hands out slots of a registry. The slot table is a preallocated arena
// indexed like the registry; callers only ever see slot ids.
type Pool struct {
	reg *Registry

	mu       sync.Mutex
	states   []SlotState
	waiters  map[FuncID][]chan struct{}
	acquired int
	closed   bool
	done     chan struct{}
}

// NewPool creates a pool with every registry slot Free.
func NewPool(reg *Registry) (*Pool, error) {
	if reg == nil {
		return nil, ErrInvalidHandle{"registry"}
	}
	return &Pool{
		reg:     reg,
		states:  make([]SlotState, reg.Len()),
		waiters: make(map[FuncID][]chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// TryAcquire takes the lowest-numbered free slot implementing f, or fails
// with ErrNoInstance.
func (p *Pool) TryAcquire(f FuncID) (SlotID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if id, ok := p.take(f); ok {
		return id, nil
	}
	return 0, ErrNoInstance
}

// Acquire behaves like TryAcquire but waits for a slot of f to be released.
// Waiters of f are woken in arrival order, but a woken waiter competes with
// TryAcquire callers, so only weak fairness holds. When f has no usable slot at
// all Acquire fails with ErrNoInstance instead of waiting.
func (p *Pool) Acquire(ctx context.Context, f FuncID) (SlotID, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		if id, ok := p.take(f); ok {
			p.mu.Unlock()
			return id, nil
		}
		if p.usable(f) == 0 {
			p.mu.Unlock()
			return 0, ErrNoInstance
		}
		wake := make(chan struct{}, 1)
		p.waiters[f] = append(p.waiters[f], wake)
		perfInc(CounterAcquireWaits, 1)
		p.mu.Unlock()

		select {
		case <-wake:
		case <-p.done:
			return 0, ErrClosed
		case <-ctx.Done():
			p.mu.Lock()
			if !p.dropWaiter(f, wake) {
				// Woken concurrently with cancellation: hand the wake on.
				p.wakeOne(f)
			}
			p.mu.Unlock()
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}
}

// Release returns an acquired slot and wakes one waiter of its function.
func (p *Pool) Release(id SlotID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.reg.indexOf(id)
	if !ok || p.states[idx] != SlotAcquired {
		return ErrInvalidSlot
	}
	p.states[idx] = SlotFree
	p.acquired--
	p.wakeOne(p.reg.slots[idx].Func)
	return nil
}

// Fault retires an acquired slot permanently. Waiters of the function are
// woken so they can observe whether any usable slot remains.
func (p *Pool) Fault(id SlotID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.reg.indexOf(id)
	if !ok || p.states[idx] != SlotAcquired {
		return ErrInvalidSlot
	}
	p.states[idx] = SlotFaulted
	p.acquired--
	f := p.reg.slots[idx].Func
	for len(p.waiters[f]) > 0 {
		p.wakeOne(f)
	}
	return nil
}

// State reports the state of slot id.
func (p *Pool) State(id SlotID) (SlotState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.reg.indexOf(id)
	if !ok {
		return 0, false
	}
	return p.states[idx], true
}

// Acquired returns the number of slots currently held.
func (p *Pool) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Available returns the number of free slots implementing f.
func (p *Pool) Available(f FuncID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, idx := range p.reg.byFunc[f] {
		if p.states[idx] == SlotFree {
			n++
		}
	}
	return n
}

// Close wakes every blocked Acquire with ErrClosed and rejects further calls.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.waiters = make(map[FuncID][]chan struct{})
	close(p.done)
}

func (p *Pool) take(f FuncID) (SlotID, bool) {
	for _, idx := range p.reg.byFunc[f] {
		if p.states[idx] == SlotFree {
			p.states[idx] = SlotAcquired
			p.acquired++
			return p.reg.slots[idx].ID, true
		}
	}
	return 0, false
}

func (p *Pool) usable(f FuncID) int {
	n := 0
	for _, idx := range p.reg.byFunc[f] {
		if p.states[idx] != SlotFaulted {
			n++
		}
	}
	return n
}

func (p *Pool) wakeOne(f FuncID) {
	q := p.waiters[f]
	if len(q) == 0 {
		return
	}
	wake := q[0]
	q[0] = nil
	p.waiters[f] = q[1:]
	wake <- struct{}{}
}

func (p *Pool) dropWaiter(f FuncID, wake chan struct{}) bool {
	q := p.waiters[f]
	for i, w := range q {
		if w == wake {
			p.waiters[f] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}
