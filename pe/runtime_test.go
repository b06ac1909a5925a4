package pe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rocketbitz/tapasco-go/pe"
	"github.com/rocketbitz/tapasco-go/sim"
)

const (
	funcAdd pe.FuncID = 10
	funcNop pe.FuncID = 14
)

func addKernel(args [pe.MaxArgs]uint64, _ []byte) uint64 {
	return args[0] + args[1]
}

func composition(t *testing.T, funcs ...pe.FuncID) *pe.Composition {
	t.Helper()
	comp := pe.NewComposition()
	for i, f := range funcs {
		if err := comp.Set(pe.SlotID(i), f, uint64(i)*0x1000); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	return comp
}

func openRuntime(t *testing.T, comp *pe.Composition, simOpts []sim.Option, opts ...pe.Option) (*pe.Runtime, *sim.Device) {
	t.Helper()
	dev, err := sim.New(comp, simOpts...)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	rt, err := pe.Open(dev, comp, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
		_ = dev.Close()
	})
	return rt, dev
}

func TestRuntimeEnablesSlotInterrupts(t *testing.T) {
	_, dev := openRuntime(t, composition(t, funcAdd, 0, funcNop), nil)
	for _, base := range []uint64{0x0000, 0x2000} {
		if dev.Register(base+pe.RegGIER) != 1 || dev.Register(base+pe.RegIER) != 1 {
			t.Fatalf("slot at 0x%x: interrupts not enabled", base)
		}
	}
	if dev.Register(0x1000+pe.RegGIER) != 0 {
		t.Fatalf("empty slot must not be touched")
	}
}

func TestRuntimeRunJob(t *testing.T) {
	rt, _ := openRuntime(t, composition(t, funcAdd), []sim.Option{sim.WithKernel(funcAdd, addKernel)})
	if rt.SlotCount(funcAdd) != 1 || rt.SlotCount(99) != 0 {
		t.Fatalf("unexpected slot counts")
	}

	ctx := context.Background()
	job, err := rt.Acquire(ctx, funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if job.State() != pe.JobBound {
		t.Fatalf("expected bound job, got %s", job.State())
	}
	if err := job.SetArg(0, 40); err != nil {
		t.Fatalf("SetArg failed: %v", err)
	}
	if err := job.SetArg64(1, 2); err != nil {
		t.Fatalf("SetArg64 failed: %v", err)
	}
	if _, err := job.Return(); !errors.Is(err, pe.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before launch, got %v", err)
	}
	if err := job.Launch(ctx, true); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	ret, err := job.Return()
	if err != nil {
		t.Fatalf("Return failed: %v", err)
	}
	if ret != 42 {
		t.Fatalf("expected 42, got %d", ret)
	}
	if err := job.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := job.SetArg(0, 1); !errors.Is(err, pe.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after release, got %v", err)
	}
	if err := job.Release(); !errors.Is(err, pe.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double release, got %v", err)
	}
	if rt.Pool().Acquired() != 0 {
		t.Fatalf("slot not returned to pool")
	}
}

func TestRuntimeArgumentRegisters(t *testing.T) {
	rt, dev := openRuntime(t, composition(t, funcAdd), nil)
	job, err := rt.Acquire(context.Background(), funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()

	for i := 0; i < pe.MaxArgs; i++ {
		v := uint64(0x1111_0000_0000_0000)*uint64(i+1) | uint64(0xa0+i)
		if err := job.SetArg64(i, v); err != nil {
			t.Fatalf("SetArg64(%d) failed: %v", i, err)
		}
		lo := dev.Register(pe.ArgOffset(i, 0))
		hi := dev.Register(pe.ArgOffset(i, 1))
		if got := uint64(hi)<<32 | uint64(lo); got != v {
			t.Fatalf("arg %d: expected 0x%x, got 0x%x", i, v, got)
		}
	}
	if pe.ArgOffset(4, 1) != 0x64 {
		t.Fatalf("unexpected offset of arg 4 word 1: 0x%x", pe.ArgOffset(4, 1))
	}
	if err := job.SetArg(pe.MaxArgs, 1); !errors.Is(err, pe.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRuntimeLaunchFencesArguments(t *testing.T) {
	rt, dev := openRuntime(t, composition(t, funcAdd), []sim.Option{sim.WithKernel(funcAdd, addKernel)})
	job, err := rt.Acquire(context.Background(), funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()

	dev.Record(true)
	if err := job.SetArg(0, 7); err != nil {
		t.Fatalf("SetArg failed: %v", err)
	}
	if err := job.Launch(context.Background(), true); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	writes := dev.Writes()
	if len(writes) < 3 {
		t.Fatalf("expected argument, barrier and start, got %+v", writes)
	}
	if writes[0].Addr != pe.ArgOffset(0, 0) || writes[0].Value != 7 {
		t.Fatalf("unexpected first write %+v", writes[0])
	}
	if writes[1].Kind != sim.AccessBarrier {
		t.Fatalf("expected barrier before start, got %+v", writes[1])
	}
	if writes[2].Addr != pe.RegCtrl || writes[2].Value != pe.CtrlStart {
		t.Fatalf("expected start command, got %+v", writes[2])
	}
}

func TestRuntimeDoubleLaunch(t *testing.T) {
	rt, dev := openRuntime(t, composition(t, funcAdd), []sim.Option{sim.WithKernel(funcAdd, addKernel)})
	ctx := context.Background()
	job, err := rt.Acquire(ctx, funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()
	if err := job.Launch(ctx, false); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if err := job.Launch(ctx, false); !errors.Is(err, pe.ErrAlreadyLaunched) {
		t.Fatalf("expected ErrAlreadyLaunched, got %v", err)
	}
	if err := job.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := job.Launch(ctx, false); !errors.Is(err, pe.ErrAlreadyLaunched) {
		t.Fatalf("expected ErrAlreadyLaunched after completion, got %v", err)
	}
	if n := dev.Launches(0); n != 1 {
		t.Fatalf("expected a single hardware start, got %d", n)
	}
}

func TestRuntimeNonBlockingAcquire(t *testing.T) {
	rt, _ := openRuntime(t, composition(t, funcAdd), nil)
	ctx := context.Background()
	job, err := rt.Acquire(ctx, funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := rt.Acquire(ctx, funcAdd, false); !errors.Is(err, pe.ErrNoInstance) {
		t.Fatalf("expected ErrNoInstance, got %v", err)
	}
	if _, err := rt.Acquire(ctx, 99, true); !errors.Is(err, pe.ErrNoInstance) {
		t.Fatalf("expected ErrNoInstance for unknown function, got %v", err)
	}
	got, ok := rt.Lookup(job.ID())
	if !ok || got != job {
		t.Fatalf("Lookup did not resolve the job")
	}
	if err := job.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := rt.Lookup(job.ID()); ok {
		t.Fatalf("released job should not resolve")
	}
}

func TestRuntimeConcurrentWorkers(t *testing.T) {
	const (
		workers    = 8
		iterations = 100
	)
	rt, _ := openRuntime(t,
		composition(t, funcAdd, funcAdd, funcAdd, funcAdd),
		[]sim.Option{sim.WithKernel(funcAdd, addKernel)},
	)

	var (
		held, peak atomic.Int64
		completed  atomic.Int64
		wg         sync.WaitGroup
	)
	ctx := context.Background()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				job, err := rt.Acquire(ctx, funcAdd, true)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				n := held.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if err := job.SetArg64(0, uint64(w)); err != nil {
					t.Errorf("SetArg64 failed: %v", err)
				}
				if err := job.SetArg64(1, uint64(i)); err != nil {
					t.Errorf("SetArg64 failed: %v", err)
				}
				if err := job.Launch(ctx, true); err != nil {
					t.Errorf("Launch failed: %v", err)
				}
				ret, err := job.Return()
				if err != nil || ret != uint64(w+i) {
					t.Errorf("worker %d iteration %d: got %d err=%v", w, i, ret, err)
				}
				held.Add(-1)
				if err := job.Release(); err != nil {
					t.Errorf("Release failed: %v", err)
				}
				completed.Add(1)
			}
		}(w)
	}
	wg.Wait()

	if completed.Load() != workers*iterations {
		t.Fatalf("expected %d jobs, got %d", workers*iterations, completed.Load())
	}
	if peak.Load() > 4 {
		t.Fatalf("more than 4 slots held at once: %d", peak.Load())
	}
	if rt.Pool().Acquired() != 0 {
		t.Fatalf("slots leaked: %d", rt.Pool().Acquired())
	}
}

func TestRuntimePollingMode(t *testing.T) {
	rt, dev := openRuntime(t, composition(t, funcAdd),
		[]sim.Option{sim.WithKernel(funcAdd, addKernel), sim.WithoutInterrupts()},
		pe.WithPollInterval(time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := rt.Acquire(ctx, funcAdd, true)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()
	if err := job.SetArg(0, 3); err != nil {
		t.Fatalf("SetArg failed: %v", err)
	}
	if err := job.Launch(ctx, true); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if ret, _ := job.Return32(); ret != 3 {
		t.Fatalf("expected 3, got %d", ret)
	}
	if dev.Register(pe.RegISR) != 0 {
		t.Fatalf("polled completion must be acknowledged")
	}
}

func TestRuntimeLaunchFailureFaultsSlot(t *testing.T) {
	var faulted atomic.Int32
	rt, dev := openRuntime(t, composition(t, funcAdd), nil,
		pe.WithHooks(pe.Hooks{OnFault: func(pe.Slot, error) { faulted.Add(1) }}),
	)
	boom := errors.New("bus error")
	dev.FailWrite(pe.RegCtrl, boom)

	ctx := context.Background()
	job, err := rt.Acquire(ctx, funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	err = job.Launch(ctx, false)
	var ioErr *pe.RegisterIOError
	if !errors.As(err, &ioErr) || !errors.Is(err, pe.ErrRegisterIO) || !errors.Is(err, boom) {
		t.Fatalf("expected RegisterIOError wrapping the bus error, got %v", err)
	}
	if ioErr.Addr != pe.RegCtrl || ioErr.Op != "write" {
		t.Fatalf("unexpected error detail %+v", ioErr)
	}
	if state, _ := rt.Pool().State(0); state != pe.SlotFaulted {
		t.Fatalf("expected faulted slot, got %s", state)
	}
	if faulted.Load() != 1 {
		t.Fatalf("OnFault not called")
	}
	if _, err := rt.Acquire(ctx, funcAdd, true); !errors.Is(err, pe.ErrNoInstance) {
		t.Fatalf("faulted slot must not be handed out, got %v", err)
	}
}

func TestRuntimeReleaseRunningJobDrains(t *testing.T) {
	rt, _ := openRuntime(t, composition(t, funcAdd),
		[]sim.Option{sim.WithKernel(funcAdd, addKernel), sim.WithLatency(30 * time.Millisecond)},
	)
	ctx := context.Background()
	job, err := rt.Acquire(ctx, funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := job.Launch(ctx, false); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if err := job.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := rt.Acquire(ctx, funcAdd, false); !errors.Is(err, pe.ErrNoInstance) {
		t.Fatalf("running PE must stay held, got %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	next, err := rt.Acquire(waitCtx, funcAdd, true)
	if err != nil {
		t.Fatalf("slot not returned after completion: %v", err)
	}
	_ = next.Release()
}

func TestRuntimeWaitTimeoutKeepsJob(t *testing.T) {
	rt, _ := openRuntime(t, composition(t, funcAdd),
		[]sim.Option{sim.WithLatency(50 * time.Millisecond)},
	)
	job, err := rt.Acquire(context.Background(), funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()
	if err := job.Launch(context.Background(), false); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := job.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if job.State() != pe.JobLaunched {
		t.Fatalf("timed out job should stay launched, got %s", job.State())
	}
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
}

func TestRuntimeCloseWakesAcquirers(t *testing.T) {
	rt, _ := openRuntime(t, composition(t, funcAdd), nil)
	if _, err := rt.Acquire(context.Background(), funcAdd, false); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err := rt.Acquire(context.Background(), funcAdd, true)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, pe.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not wake the acquirer")
	}
}

func TestRuntimeSnapshot(t *testing.T) {
	rt, dev := openRuntime(t, composition(t, funcAdd, funcNop), nil)
	job, err := rt.Acquire(context.Background(), funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()
	if err := job.SetArg(2, 0xabc); err != nil {
		t.Fatalf("SetArg failed: %v", err)
	}
	dev.FailRead(0x1000+pe.RegRet0, errors.New("timeout"))

	snaps := rt.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].State != pe.SlotAcquired || snaps[0].Args[2][0] != 0xabc || snaps[0].Err != nil {
		t.Fatalf("unexpected snapshot %+v", snaps[0])
	}
	if snaps[1].Ret[0] != pe.Unreadable || !errors.Is(snaps[1].Err, pe.ErrRegisterIO) {
		t.Fatalf("expected unreadable return word, got %+v", snaps[1])
	}

	if err := rt.Poke(0x1000+pe.RegRet1, 9); err != nil {
		t.Fatalf("Poke failed: %v", err)
	}
	if v, err := rt.Peek(0x1000 + pe.RegRet1); err != nil || v != 9 {
		t.Fatalf("Peek returned %d err=%v", v, err)
	}
}

func TestRuntimeInterruptHook(t *testing.T) {
	lines := make(chan pe.Line, 1)
	rt, _ := openRuntime(t, composition(t, funcAdd), nil,
		pe.WithHooks(pe.Hooks{OnInterrupt: func(l pe.Line, err error) {
			if err == nil {
				lines <- l
			}
		}}),
	)
	pe.EnablePerfCounters()
	t.Cleanup(pe.DisablePerfCounters)

	job, err := rt.Acquire(context.Background(), funcAdd, false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer job.Release()
	if err := job.Launch(context.Background(), true); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	select {
	case l := <-lines:
		if l != pe.SlotLine(0) {
			t.Fatalf("unexpected line %+v", l)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnInterrupt not called")
	}
	if pe.PerfCounter(pe.CounterSlotIRQ) != 1 || pe.PerfCounter(pe.CounterJobsLaunched) != 1 {
		t.Fatalf("unexpected counters %v", pe.PerfSnapshot())
	}
}
