package pe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// jobSeq issues process-unique job ids.
var jobSeq atomic.Uint64

// Hooks observe asynchronous runtime activity. Hooks run on interrupt
// delivery paths and must not block.
type Hooks struct {
	// OnInterrupt runs after an interrupt was acknowledged and its waiters
	// woken. err reports a failed acknowledge write.
	OnInterrupt func(line Line, err error)
	// OnFault runs when a slot is retired after a register failure.
	OnFault func(slot Slot, err error)
}

type options struct {
	hooks    Hooks
	poll     time.Duration
	dmaBases []uint64
}

// Option configures Open.
type Option func(*options)

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithPollInterval sets the status polling period used for sources that cannot interrupt.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithDMAChannels enables the DMA engine with one channel per register base.
func WithDMAChannels(bases ...uint64) Option {
	return func(o *options) { o.dmaBases = append([]uint64(nil), bases...) }
}

// Runtime binds a device and its composition: it owns the slot registry, the
// slot pool, per-slot completion events and the optional DMA engine.
type Runtime struct {
	dev     Device
	reg     *Registry
	pool    *Pool
	events  []*Event
	polled  []bool
	cancels []func()
	dma     *DMAEngine
	hooks   Hooks
	poll    time.Duration

	jobs sync.Map // JobID -> *Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open scans the composition, subscribes to every slot's completion line and
// enables the slot interrupt registers. Slots whose line cannot be subscribed
// are polled instead.
func Open(dev Device, comp *Composition, opts ...Option) (*Runtime, error) {
	if dev == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	o := options{poll: 50 * time.Microsecond}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	reg, err := NewRegistry(comp)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(reg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		dev:    dev,
		reg:    reg,
		pool:   pool,
		events: make([]*Event, reg.Len()),
		polled: make([]bool, reg.Len()),
		hooks:  o.hooks,
		poll:   o.poll,
		ctx:    ctx,
		cancel: cancel,
	}
	for idx := range reg.slots {
		rt.events[idx] = NewEvent()
	}
	for idx, slot := range reg.slots {
		idx, slot := idx, slot
		stop, err := dev.Subscribe(SlotLine(slot.ID), func() { rt.handleSlotInterrupt(idx, slot) })
		switch {
		case errors.Is(err, ErrCapabilityUnsupported):
			rt.polled[idx] = true
		case err != nil:
			_ = rt.Close()
			return nil, fmt.Errorf("subscribe slot %d: %w", slot.ID, err)
		default:
			rt.cancels = append(rt.cancels, stop)
		}
		if err := write32(dev, slot.Base+RegGIER, 1); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("enable interrupts of slot %d: %w", slot.ID, err)
		}
		if err := write32(dev, slot.Base+RegIER, ISRDone); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("enable interrupts of slot %d: %w", slot.ID, err)
		}
	}
	if len(o.dmaBases) > 0 {
		rt.dma, err = newDMAEngine(dev, o.dmaBases, o.hooks, o.poll)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Registry exposes the slot registry.
func (rt *Runtime) Registry() *Registry { return rt.reg }

// Pool exposes the slot pool.
func (rt *Runtime) Pool() *Pool { return rt.pool }

// Device returns the underlying device context.
func (rt *Runtime) Device() Device { return rt.dev }

// DMA returns the DMA engine, or nil when no channels were configured.
func (rt *Runtime) DMA() *DMAEngine { return rt.dma }

// SlotCount returns how many slots implement f.
func (rt *Runtime) SlotCount(f FuncID) int {
	return rt.reg.Count(f)
}

// Acquire binds a new job to a free slot implementing f. With blocking set it
// waits for a slot to be released; otherwise it fails fast with ErrNoInstance.
func (rt *Runtime) Acquire(ctx context.Context, f FuncID, blocking bool) (*Job, error) {
	if rt == nil || rt.closed.Load() {
		return nil, ErrClosed
	}
	var (
		id  SlotID
		err error
	)
	if blocking {
		id, err = rt.pool.Acquire(ctx, f)
	} else {
		id, err = rt.pool.TryAcquire(f)
	}
	if err != nil {
		return nil, err
	}
	idx, _ := rt.reg.indexOf(id)
	job := &Job{
		id:   JobID(jobSeq.Add(1)),
		slot: rt.reg.slots[idx],
		idx:  idx,
		rt:   rt,
	}
	rt.jobs.Store(job.id, job)
	return job, nil
}

// Lookup resolves an outstanding job id.
func (rt *Runtime) Lookup(id JobID) (*Job, bool) {
	v, ok := rt.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}

// Close tears the runtime down. Blocked acquirers and waiters return ErrClosed.
func (rt *Runtime) Close() error {
	if rt == nil || !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.cancel()
	rt.pool.Close()
	for _, stop := range rt.cancels {
		if stop != nil {
			stop()
		}
	}
	for _, ev := range rt.events {
		if ev != nil {
			ev.Close()
		}
	}
	if rt.dma != nil {
		rt.dma.close()
	}
	rt.wg.Wait()
	return nil
}

func (rt *Runtime) handleSlotInterrupt(idx int, slot Slot) {
	perfInc(CounterTotalIRQ, 1)
	perfInc(CounterSlotIRQ, 1)
	err := write32(rt.dev, slot.Base+RegISR, ISRDone)
	rt.events[idx].Signal()
	if rt.hooks.OnInterrupt != nil {
		rt.hooks.OnInterrupt(SlotLine(slot.ID), err)
	}
}

// awaitSlot blocks until the slot's completion is observed.
func (rt *Runtime) awaitSlot(ctx context.Context, idx int, slot Slot) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !rt.polled[idx] {
		return rt.events[idx].Wait(ctx)
	}
	timer := time.NewTimer(rt.poll)
	defer timer.Stop()
	for {
		isr, err := read32(rt.dev, slot.Base+RegISR)
		if err != nil {
			return err
		}
		if isr&ISRDone != 0 {
			return write32(rt.dev, slot.Base+RegISR, ISRDone)
		}
		timer.Reset(rt.poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.ctx.Done():
			return ErrClosed
		case <-timer.C:
		}
	}
}

// drain keeps the slot of an abandoned job acquired until the PE finishes.
func (rt *Runtime) drain(idx int, slot Slot) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		err := rt.awaitSlot(rt.ctx, idx, slot)
		switch {
		case err == nil:
			_ = rt.pool.Release(slot.ID)
		case isRegisterIO(err):
			rt.retire(slot, err)
		}
	}()
}

func (rt *Runtime) fault(j *Job, err error) {
	rt.forget(j.id)
	rt.retire(j.slot, err)
}

func (rt *Runtime) retire(slot Slot, err error) {
	if rt.pool.Fault(slot.ID) != nil {
		return
	}
	perfInc(CounterSlotFaults, 1)
	if rt.hooks.OnFault != nil {
		rt.hooks.OnFault(slot, err)
	}
}

func (rt *Runtime) forget(id JobID) {
	rt.jobs.Delete(id)
}

func isRegisterIO(err error) bool {
	return errors.Is(err, ErrRegisterIO)
}
