package pe

import (
	"context"
	"fmt"
	"sync"
)

// Slot register map, relative to the slot base address.
const (
	RegCtrl = 0x00
	RegGIER = 0x04
	RegIER  = 0x08
	RegISR  = 0x0c
	RegRet0 = 0x10
	RegRet1 = 0x14

	regArgBase   = 0x20
	regArgStride = 0x10

	// MaxArgs is the number of argument registers per slot.
	MaxArgs = 5

	// CtrlStart in RegCtrl launches the PE.
	CtrlStart uint32 = 1
	// ISRDone is the completion bit in RegISR; writing it clears the interrupt.
	ISRDone uint32 = 1
)

// ArgOffset returns the register offset of word (0 or 1) of argument i.
func ArgOffset(i, word int) uint64 {
	return regArgBase + regArgStride*uint64(i) + 4*uint64(word)
}

// JobID identifies an issued job handle. Ids start at 1 and never repeat
// within a process.
type JobID uint64

// JobState tracks a job through Bound → ArgsSet → Launched → Completed → Released.
type JobState int

const (
	JobBound JobState = iota
	JobArgsSet
	JobLaunched
	JobCompleted
	JobReleased
)

func (s JobState) String() string {
	switch s {
	case JobBound:
		return "bound"
	case JobArgsSet:
		return "args_set"
	case JobLaunched:
		return "launched"
	case JobCompleted:
		return "completed"
	case JobReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Job is a lease on one acquired slot for a single execution.
type Job struct {
	id   JobID
	slot Slot
	idx  int
	rt   *Runtime

	mu      sync.Mutex
	state   JobState
	waiting bool
}

// ID returns the job identifier.
func (j *Job) ID() JobID { return j.id }

// Slot returns the slot the job is bound to.
func (j *Job) Slot() Slot { return j.slot }

// Func returns the function the job was acquired for.
func (j *Job) Func() FuncID { return j.slot.Func }

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetArg writes a 32-bit argument into word 0 of argument register i.
func (j *Job) SetArg(i int, v uint32) error {
	return j.setArg(i, func(addr uint64) error {
		return write32(j.rt.dev, addr, v)
	})
}

// SetArg64 writes a 64-bit argument, such as a device address, low word first.
func (j *Job) SetArg64(i int, v uint64) error {
	return j.setArg(i, func(addr uint64) error {
		return write64(j.rt.dev, addr, v)
	})
}

func (j *Job) setArg(i int, write func(addr uint64) error) error {
	if j == nil || j.rt == nil {
		return ErrInvalidHandle{"job"}
	}
	if i < 0 || i >= MaxArgs {
		return fmt.Errorf("%w: argument index %d outside 0..%d", ErrInvalidArgument, i, MaxArgs-1)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobBound && j.state != JobArgsSet {
		return fmt.Errorf("%w: set argument in state %s", ErrInvalidState, j.state)
	}
	if err := write(j.slot.Base + ArgOffset(i, 0)); err != nil {
		return err
	}
	j.state = JobArgsSet
	return nil
}

// Launch starts the PE. Argument writes are fenced ahead of the start command.
// When blocking is set Launch returns after the slot signals completion;
// otherwise call Wait. A job can be launched once.
func (j *Job) Launch(ctx context.Context, blocking bool) error {
	if j == nil || j.rt == nil {
		return ErrInvalidHandle{"job"}
	}
	j.mu.Lock()
	switch j.state {
	case JobLaunched, JobCompleted:
		j.mu.Unlock()
		return ErrAlreadyLaunched
	case JobReleased:
		j.mu.Unlock()
		return fmt.Errorf("%w: launch after release", ErrInvalidState)
	}
	rt := j.rt
	rt.events[j.idx].Reset()
	rt.dev.Barrier()
	if err := write32(rt.dev, j.slot.Base+RegCtrl, CtrlStart); err != nil {
		j.state = JobReleased
		j.mu.Unlock()
		rt.fault(j, err)
		return err
	}
	j.state = JobLaunched
	j.mu.Unlock()
	perfInc(CounterJobsLaunched, 1)

	if !blocking {
		return nil
	}
	return j.Wait(ctx)
}

// Wait blocks until a launched job completes. Only one Wait may be active.
func (j *Job) Wait(ctx context.Context) error {
	if j == nil || j.rt == nil {
		return ErrInvalidHandle{"job"}
	}
	j.mu.Lock()
	switch {
	case j.state == JobCompleted:
		j.mu.Unlock()
		return nil
	case j.state != JobLaunched:
		state := j.state
		j.mu.Unlock()
		return fmt.Errorf("%w: wait in state %s", ErrInvalidState, state)
	case j.waiting:
		j.mu.Unlock()
		return fmt.Errorf("%w: concurrent wait", ErrInvalidState)
	}
	j.waiting = true
	j.mu.Unlock()

	err := j.rt.awaitSlot(ctx, j.idx, j.slot)

	j.mu.Lock()
	j.waiting = false
	if err == nil {
		j.state = JobCompleted
		j.mu.Unlock()
		perfInc(CounterJobsCompleted, 1)
		return nil
	}
	if isRegisterIO(err) {
		j.state = JobReleased
		j.mu.Unlock()
		j.rt.fault(j, err)
		return err
	}
	j.mu.Unlock()
	return err
}

// Return reads the 64-bit return value. The job must have completed.
func (j *Job) Return() (uint64, error) {
	if err := j.requireCompleted(); err != nil {
		return 0, err
	}
	return read64(j.rt.dev, j.slot.Base+RegRet0)
}

// Return32 reads only the low return word.
func (j *Job) Return32() (uint32, error) {
	if err := j.requireCompleted(); err != nil {
		return 0, err
	}
	return read32(j.rt.dev, j.slot.Base+RegRet0)
}

func (j *Job) requireCompleted() error {
	if j == nil || j.rt == nil {
		return ErrInvalidHandle{"job"}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobCompleted {
		return fmt.Errorf("%w: return value in state %s", ErrInvalidState, j.state)
	}
	return nil
}

// Release returns the slot to the pool. A launched job that has not completed
// keeps its slot until the hardware signals completion, so the PE is never
// handed to another caller while still running.
func (j *Job) Release() error {
	if j == nil || j.rt == nil {
		return ErrInvalidHandle{"job"}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.state == JobReleased:
		return fmt.Errorf("%w: double release", ErrInvalidState)
	case j.waiting:
		return fmt.Errorf("%w: release during wait", ErrInvalidState)
	}
	launched := j.state == JobLaunched
	j.state = JobReleased
	j.rt.forget(j.id)
	if launched {
		j.rt.drain(j.idx, j.slot)
		return nil
	}
	return j.rt.pool.Release(j.slot.ID)
}
