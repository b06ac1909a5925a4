package pe_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rocketbitz/tapasco-go/pe"
	"github.com/rocketbitz/tapasco-go/sim"
)

const (
	dmaBase0 uint64 = 0x10_0000
	dmaBase1 uint64 = 0x10_1000
)

func openDMA(t *testing.T, simOpts []sim.Option, opts ...pe.Option) (*pe.Runtime, *sim.Device) {
	t.Helper()
	simOpts = append([]sim.Option{sim.WithDMAChannels(dmaBase0, dmaBase1)}, simOpts...)
	opts = append([]pe.Option{pe.WithDMAChannels(dmaBase0, dmaBase1)}, opts...)
	return openRuntime(t, composition(t, funcAdd), simOpts, opts...)
}

func TestDMATransferRegisterSequence(t *testing.T) {
	rt, dev := openDMA(t, nil)
	dev.Record(true)

	if err := rt.DMA().Transfer(0, pe.ToDevice, 0x2000, 0x1000, 4096); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	want := []sim.Access{
		{Kind: sim.AccessWrite, Addr: dmaBase0 + pe.DMAHostAddrLow, Value: 0x1000},
		{Kind: sim.AccessWrite, Addr: dmaBase0 + pe.DMAHostAddrHigh, Value: 0},
		{Kind: sim.AccessWrite, Addr: dmaBase0 + pe.DMAFPGAAddrLow, Value: 0x2000},
		{Kind: sim.AccessWrite, Addr: dmaBase0 + pe.DMABTT, Value: 4096},
		{Kind: sim.AccessBarrier},
		{Kind: sim.AccessWrite, Addr: dmaBase0 + pe.DMACmd, Value: 0x10000001},
	}
	got := dev.Writes()
	if len(got) < len(want) {
		t.Fatalf("expected at least %d writes, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestDMAFromDeviceRegisterSequence(t *testing.T) {
	rt, dev := openDMA(t, nil)
	dev.Record(true)

	host := sim.DefaultHostBase + 0x40
	if err := rt.DMA().Transfer(1, pe.FromDevice, 0x80, host, 64); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	want := []sim.Access{
		{Kind: sim.AccessWrite, Addr: dmaBase1 + pe.DMAFPGAAddrLow, Value: 0x80},
		{Kind: sim.AccessWrite, Addr: dmaBase1 + pe.DMAHostAddrLow, Value: 0x40},
		{Kind: sim.AccessWrite, Addr: dmaBase1 + pe.DMAHostAddrHigh, Value: 1},
		{Kind: sim.AccessWrite, Addr: dmaBase1 + pe.DMABTT, Value: 64},
		{Kind: sim.AccessBarrier},
		{Kind: sim.AccessWrite, Addr: dmaBase1 + pe.DMACmd, Value: pe.CmdFromDevice},
	}
	got := dev.Writes()
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("write %d: expected %+v, got %+v", i, want[i], got)
		}
	}
	if err := rt.DMA().Wait(context.Background(), 1); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestDMAChannelBusy(t *testing.T) {
	rt, _ := openDMA(t, []sim.Option{sim.WithLatency(30 * time.Millisecond)})
	dma := rt.DMA()
	host := sim.DefaultHostBase

	if err := dma.Transfer(0, pe.ToDevice, 0, host, 16); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if !dma.Busy(0) {
		t.Fatalf("channel should be busy")
	}
	if err := dma.Transfer(0, pe.ToDevice, 0, host, 16); !errors.Is(err, pe.ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy, got %v", err)
	}
	if err := dma.Transfer(1, pe.ToDevice, 0x100, host, 16); err != nil {
		t.Fatalf("other channel should be free: %v", err)
	}
	for ch := 0; ch < dma.Channels(); ch++ {
		if err := dma.Wait(context.Background(), ch); err != nil {
			t.Fatalf("Wait(%d) failed: %v", ch, err)
		}
	}
	if dma.Busy(0) {
		t.Fatalf("completed channel should be idle")
	}
}

func TestDMAAckClearsStatusAndWakesOnce(t *testing.T) {
	var irqs atomic.Int32
	rt, dev := openDMA(t, []sim.Option{sim.WithLatency(10 * time.Millisecond)},
		pe.WithHooks(pe.Hooks{OnInterrupt: func(l pe.Line, _ error) {
			if l.Kind == pe.LineDMA {
				irqs.Add(1)
			}
		}}),
	)
	dma := rt.DMA()
	if err := dma.Transfer(0, pe.ToDevice, 0, sim.DefaultHostBase, 32); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := dma.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status, _ := dma.Status(0); status&pe.StatusPending != 0 {
		t.Fatalf("ack did not clear the pending bit: 0x%x", status)
	}
	if dev.Register(dmaBase0+pe.DMACmd) != pe.CmdAck {
		t.Fatalf("expected ack in command register")
	}
	if err := dma.Wait(context.Background(), 0); !errors.Is(err, pe.ErrInvalidState) {
		t.Fatalf("second Wait must not observe the same completion, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if irqs.Load() != 1 {
		t.Fatalf("expected exactly one interrupt, got %d", irqs.Load())
	}
}

func TestDMAAckFailureStillReleasesChannel(t *testing.T) {
	rt, dev := openDMA(t, []sim.Option{sim.WithLatency(10 * time.Millisecond)})
	dma := rt.DMA()
	if err := dma.Transfer(0, pe.ToDevice, 0, sim.DefaultHostBase, 32); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	dev.FailWrite(dmaBase0+pe.DMACmd, errors.New("link down"))
	if err := dma.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if dma.Busy(0) {
		t.Fatalf("channel left busy after failed ack")
	}
}

func TestDMATransferErrorClearsBusy(t *testing.T) {
	rt, dev := openDMA(t, nil)
	dev.FailWrite(dmaBase0+pe.DMABTT, errors.New("bus error"))
	err := rt.DMA().Transfer(0, pe.ToDevice, 0, sim.DefaultHostBase, 32)
	if !errors.Is(err, pe.ErrRegisterIO) {
		t.Fatalf("expected register error, got %v", err)
	}
	if rt.DMA().Busy(0) {
		t.Fatalf("failed transfer left channel busy")
	}
}

func TestDMAInvalidRequests(t *testing.T) {
	rt, _ := openDMA(t, nil)
	dma := rt.DMA()
	if err := dma.Transfer(2, pe.ToDevice, 0, 0, 1); !errors.Is(err, pe.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for channel, got %v", err)
	}
	if err := dma.Transfer(0, pe.ToDevice, 0, 0, 0); !errors.Is(err, pe.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for length, got %v", err)
	}
	if err := dma.Transfer(0, pe.ToDevice, 1<<33, 0, 1); !errors.Is(err, pe.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for device address, got %v", err)
	}
	if err := dma.Wait(context.Background(), 0); !errors.Is(err, pe.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without transfer, got %v", err)
	}
	if id, err := dma.ID(1); err != nil || id != 1 {
		t.Fatalf("unexpected engine id %d err=%v", id, err)
	}
}

func TestDMAErrorStatus(t *testing.T) {
	rt, _ := openDMA(t, []sim.Option{sim.WithDeviceMemory(1024)})
	err := rt.DMA().Copy(context.Background(), pe.ToDevice, 4096, sim.DefaultHostBase, 64)
	if !errors.Is(err, pe.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestDMAStatusReadFailureSurfaces(t *testing.T) {
	irqErr := make(chan error, 1)
	rt, dev := openDMA(t, []sim.Option{sim.WithDeviceMemory(1024), sim.WithLatency(20 * time.Millisecond)},
		pe.WithHooks(pe.Hooks{OnInterrupt: func(l pe.Line, err error) {
			if l.Kind == pe.LineDMA {
				select {
				case irqErr <- err:
				default:
				}
			}
		}}),
	)
	dma := rt.DMA()
	if err := dma.Transfer(0, pe.ToDevice, 4096, sim.DefaultHostBase, 64); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	dev.FailRead(dmaBase0+pe.DMAStatus, errors.New("link down"))

	err := dma.Wait(context.Background(), 0)
	var rerr *pe.RegisterIOError
	if !errors.As(err, &rerr) || rerr.Addr != dmaBase0+pe.DMAStatus {
		t.Fatalf("expected status register error, got %v", err)
	}
	if dma.Busy(0) {
		t.Fatalf("channel left busy after unreadable status")
	}
	select {
	case got := <-irqErr:
		if !errors.Is(got, pe.ErrRegisterIO) {
			t.Fatalf("interrupt hook did not see the read error: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("interrupt hook never ran")
	}
	if dev.Register(dmaBase0+pe.DMACmd) != pe.CmdAck {
		t.Fatalf("expected ack despite the failed read")
	}

	dev.FailRead(dmaBase0+pe.DMAStatus, nil)
	if err := dma.Copy(context.Background(), pe.ToDevice, 0, sim.DefaultHostBase, 64); err != nil {
		t.Fatalf("Copy after recovery failed: %v", err)
	}
}

func TestDMAPolledStatusFaultReleasesChannels(t *testing.T) {
	rt, dev := openDMA(t, []sim.Option{sim.WithoutInterrupts(), sim.WithLatency(10 * time.Millisecond)},
		pe.WithPollInterval(time.Millisecond))
	dma := rt.DMA()

	fault := errors.New("link down")
	dev.FailRead(dmaBase0+pe.DMAStatus, fault)
	dev.FailRead(dmaBase1+pe.DMAStatus, fault)
	for i := 0; i < 2; i++ {
		err := dma.Copy(context.Background(), pe.ToDevice, uint64(i)*0x100, sim.DefaultHostBase, 64)
		if !errors.Is(err, pe.ErrRegisterIO) {
			t.Fatalf("copy %d: expected register error, got %v", i, err)
		}
	}
	dev.FailRead(dmaBase0+pe.DMAStatus, nil)
	dev.FailRead(dmaBase1+pe.DMAStatus, nil)

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := dma.Copy(ctx, pe.ToDevice, uint64(i)*0x100, sim.DefaultHostBase, 64)
		cancel()
		if err != nil {
			t.Fatalf("copy %d after fault cleared: %v", i, err)
		}
	}
}

func TestDMACopyReleaseAfterDrain(t *testing.T) {
	rt, _ := openDMA(t, []sim.Option{sim.WithLatency(30 * time.Millisecond)})
	dma := rt.DMA()

	var calls atomic.Int32
	release := func() { calls.Add(1) }
	if err := dma.CopyRelease(context.Background(), pe.ToDevice, 0, sim.DefaultHostBase, 16, release); err != nil {
		t.Fatalf("CopyRelease failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("release ran after a successful copy")
	}

	if err := dma.CopyRelease(context.Background(), pe.ToDevice, 0, sim.DefaultHostBase, 0, release); !errors.Is(err, pe.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("release should run before a copy that issued nothing returns")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	if err := dma.CopyRelease(ctx, pe.ToDevice, 0, sim.DefaultHostBase, 16, release); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("release ran while the transfer was in flight")
	}
	deadline := time.Now().Add(time.Second)
	for calls.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("release never ran after the channel drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDMACopyRoundTrip(t *testing.T) {
	for _, polled := range []bool{false, true} {
		simOpts := []sim.Option{}
		if polled {
			simOpts = append(simOpts, sim.WithoutInterrupts())
		}
		rt, dev := openDMA(t, simOpts, pe.WithPollInterval(time.Millisecond))

		buf, err := dev.AllocHost(256)
		if err != nil {
			t.Fatalf("AllocHost failed: %v", err)
		}
		payload := bytes.Repeat([]byte{0x5a, 0xa5}, 128)
		copy(buf.Bytes(), payload)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.DMA().Copy(ctx, pe.ToDevice, 0x400, buf.Addr, 256); err != nil {
			t.Fatalf("polled=%v: copy to device failed: %v", polled, err)
		}
		mem, err := dev.ReadMemory(0x400, 256)
		if err != nil || !bytes.Equal(mem, payload) {
			t.Fatalf("polled=%v: device memory mismatch err=%v", polled, err)
		}

		clear(buf.Bytes())
		if err := rt.DMA().Copy(ctx, pe.FromDevice, 0x400, buf.Addr, 256); err != nil {
			t.Fatalf("polled=%v: copy from device failed: %v", polled, err)
		}
		if !bytes.Equal(buf.Bytes(), payload) {
			t.Fatalf("polled=%v: host buffer mismatch", polled)
		}
		cancel()
		_ = buf.Close()
	}
}

func TestDMACopyCancelKeepsChannel(t *testing.T) {
	rt, _ := openDMA(t, []sim.Option{sim.WithLatency(40 * time.Millisecond)})
	dma := rt.DMA()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := dma.Copy(ctx, pe.ToDevice, 0, sim.DefaultHostBase, 16); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !dma.Busy(0) {
		t.Fatalf("abandoned transfer should still occupy its channel")
	}
	// The other channel serves the next copy meanwhile.
	if err := dma.Copy(context.Background(), pe.ToDevice, 0x100, sim.DefaultHostBase, 16); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for dma.Busy(0) {
		if time.Now().After(deadline) {
			t.Fatalf("channel 0 never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferPoolReuse(t *testing.T) {
	comp := composition(t, funcAdd)
	dev, err := sim.New(comp, sim.WithHostMemory(4096))
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	defer dev.Close()

	pool, err := pe.NewBufferPool(dev, 1024, 2)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	first, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if first.Size() != 1024 || first.Addr < sim.DefaultHostBase {
		t.Fatalf("unexpected buffer %d@0x%x", first.Size(), first.Addr)
	}
	pool.Release(first)
	again, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if again != first {
		t.Fatalf("released buffer was not reused")
	}
	pool.Release(again)
	pool.Close()
	if _, err := pool.Acquire(); !errors.Is(err, pe.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing the pool returned the buffer to the arena.
	whole, err := dev.AllocHost(4096)
	if err != nil {
		t.Fatalf("host arena not reclaimed: %v", err)
	}
	_ = whole.Close()
}
