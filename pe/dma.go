package pe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DMA channel register map, relative to the channel base address.
const (
	DMAHostAddrLow  = 0x00
	DMAHostAddrHigh = 0x04
	DMAFPGAAddrLow  = 0x08
	DMABTT          = 0x10
	DMAID           = 0x14
	DMACmd          = 0x18
	DMAStatus       = 0x20

	// CmdFromDevice starts a device to host transfer.
	CmdFromDevice uint32 = 0x10001000
	// CmdToDevice starts a host to device transfer.
	CmdToDevice uint32 = 0x10000001
	// CmdAck acknowledges a channel interrupt.
	CmdAck uint32 = 0x10011001

	StatusPending uint32 = 1 << 0
	StatusError   uint32 = 1 << 1
)

// Direction selects the DMA transfer direction.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to_device"
	case FromDevice:
		return "from_device"
	default:
		return "unknown"
	}
}

type dmaChannel struct {
	id     int
	base   uint64
	polled bool

	mu       sync.Mutex
	inflight atomic.Bool
	status   uint32
	err      error
	done     *Event
}

// DMAEngine drives a set of symmetric DMA channels. Each channel carries at
// most one transfer; its interrupt acknowledges the transfer and wakes the
// channel's waiter.
type DMAEngine struct {
	dev      Device
	channels []*dmaChannel
	cancels  []func()
	idle     chan int
	hooks    Hooks
	poll     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newDMAEngine(dev Device, bases []uint64, hooks Hooks, poll time.Duration) (*DMAEngine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &DMAEngine{
		dev:    dev,
		idle:   make(chan int, len(bases)),
		hooks:  hooks,
		poll:   poll,
		ctx:    ctx,
		cancel: cancel,
	}
	for i, base := range bases {
		c := &dmaChannel{id: i, base: base, done: NewEvent()}
		e.channels = append(e.channels, c)
		stop, err := dev.Subscribe(DMALine(i), func() { e.handle(c) })
		switch {
		case errors.Is(err, ErrCapabilityUnsupported):
			c.polled = true
		case err != nil:
			e.close()
			return nil, fmt.Errorf("subscribe dma channel %d: %w", i, err)
		default:
			e.cancels = append(e.cancels, stop)
		}
		e.idle <- i
	}
	return e, nil
}

// Channels returns the number of channels.
func (e *DMAEngine) Channels() int {
	if e == nil {
		return 0
	}
	return len(e.channels)
}

func (e *DMAEngine) channel(ch int) (*dmaChannel, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"dma engine"}
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if ch < 0 || ch >= len(e.channels) {
		return nil, fmt.Errorf("%w: dma channel %d", ErrInvalidArgument, ch)
	}
	return e.channels[ch], nil
}

// Transfer programs channel ch and returns once the command is issued. The
// address and length registers are fenced ahead of the command write.
func (e *DMAEngine) Transfer(ch int, dir Direction, deviceAddr, hostAddr uint64, length uint32) error {
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("%w: zero length transfer", ErrInvalidArgument)
	}
	if deviceAddr > 0xffffffff {
		return fmt.Errorf("%w: device address 0x%x exceeds 32 bits", ErrInvalidArgument, deviceAddr)
	}
	var cmd uint32
	switch dir {
	case ToDevice:
		cmd = CmdToDevice
	case FromDevice:
		cmd = CmdFromDevice
	default:
		return fmt.Errorf("%w: direction %d", ErrInvalidArgument, dir)
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return ErrChannelBusy
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.done.Reset()
	c.status = 0
	c.err = nil
	if err := e.program(c, dir, deviceAddr, hostAddr, length); err != nil {
		c.inflight.Store(false)
		return err
	}
	e.dev.Barrier()
	if err := write32(e.dev, c.base+DMACmd, cmd); err != nil {
		c.inflight.Store(false)
		return err
	}
	perfInc(CounterDMATransfers, 1)
	perfInc(CounterDMABytes, uint64(length))
	return nil
}

func (e *DMAEngine) program(c *dmaChannel, dir Direction, deviceAddr, hostAddr uint64, length uint32) error {
	host := func() error {
		if err := write32(e.dev, c.base+DMAHostAddrLow, uint32(hostAddr)); err != nil {
			return err
		}
		return write32(e.dev, c.base+DMAHostAddrHigh, uint32(hostAddr>>32))
	}
	fpga := func() error {
		return write32(e.dev, c.base+DMAFPGAAddrLow, uint32(deviceAddr))
	}
	steps := []func() error{host, fpga}
	if dir == FromDevice {
		steps = []func() error{fpga, host}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return write32(e.dev, c.base+DMABTT, length)
}

// handle services a channel interrupt. The ack is written and the waiter
// released even when reading the status fails; the read error is kept for
// Wait.
func (e *DMAEngine) handle(c *dmaChannel) {
	perfInc(CounterTotalIRQ, 1)
	perfInc(CounterDMAIRQ, 1)
	c.mu.Lock()
	status, readErr := read32(e.dev, c.base+DMAStatus)
	ackErr := write32(e.dev, c.base+DMACmd, CmdAck)
	c.status = status
	c.err = readErr
	c.done.Signal()
	c.inflight.Store(false)
	c.mu.Unlock()
	if e.hooks.OnInterrupt != nil {
		e.hooks.OnInterrupt(DMALine(c.id), errors.Join(readErr, ackErr))
	}
}

// Wait blocks until the transfer on channel ch completes. It fails with
// ErrInvalidState when nothing was issued on the channel and with a
// *RegisterIOError when the completion status could not be read.
func (e *DMAEngine) Wait(ctx context.Context, ch int) error {
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.inflight.Load() && c.done.Pending() == 0 {
		return fmt.Errorf("%w: no transfer on channel %d", ErrInvalidState, ch)
	}
	if c.polled {
		if err := e.pollChannel(ctx, c); err != nil {
			return err
		}
	} else if err := c.done.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	status, serr := c.status, c.err
	c.mu.Unlock()
	if serr != nil {
		return fmt.Errorf("dma channel %d status: %w", ch, serr)
	}
	if status&StatusError != 0 {
		return fmt.Errorf("%w: channel %d status 0x%x", ErrTransferFailed, ch, status)
	}
	return nil
}

func (e *DMAEngine) pollChannel(ctx context.Context, c *dmaChannel) error {
	timer := time.NewTimer(e.poll)
	defer timer.Stop()
	for {
		if c.done.Pending() > 0 {
			return c.done.Wait(ctx)
		}
		status, err := read32(e.dev, c.base+DMAStatus)
		if err != nil {
			return err
		}
		if status&StatusPending != 0 {
			e.handle(c)
			continue
		}
		timer.Reset(e.poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Copy runs one transfer on the first idle channel and waits for it. A Copy
// abandoned through ctx keeps its channel until the hardware completes.
func (e *DMAEngine) Copy(ctx context.Context, dir Direction, deviceAddr, hostAddr uint64, length uint32) error {
	return e.CopyRelease(ctx, dir, deviceAddr, hostAddr, length, nil)
}

// CopyRelease is Copy for callers that hand hostAddr back when the copy
// fails. On error, release runs once the channel no longer touches hostAddr:
// before CopyRelease returns when no transfer is in flight, otherwise after
// the channel drains. On success the caller keeps the memory and release is
// not called. It is also skipped when the engine closes first.
func (e *DMAEngine) CopyRelease(ctx context.Context, dir Direction, deviceAddr, hostAddr uint64, length uint32, release func()) error {
	if e == nil {
		return ErrInvalidHandle{"dma engine"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if release == nil {
		release = func() {}
	}
	var ch int
	select {
	case ch = <-e.idle:
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-e.ctx.Done():
		release()
		return ErrClosed
	}
	if err := e.Transfer(ch, dir, deviceAddr, hostAddr, length); err != nil {
		e.idle <- ch
		release()
		return err
	}
	err := e.Wait(ctx, ch)
	if err != nil && e.channels[ch].inflight.Load() {
		e.wg.Add(1)
		go e.drain(ch, release)
		return err
	}
	e.idle <- ch
	if err != nil {
		release()
	}
	return err
}

// drain waits out the transfer left on channel ch by an abandoned or failed
// Copy, then returns the channel to the idle set.
func (e *DMAEngine) drain(ch int, release func()) {
	defer e.wg.Done()
	c := e.channels[ch]
	timer := time.NewTimer(e.poll)
	defer timer.Stop()
	for {
		_ = e.Wait(e.ctx, ch)
		if e.ctx.Err() != nil {
			return
		}
		if !c.inflight.Load() {
			e.idle <- ch
			release()
			return
		}
		timer.Reset(e.poll)
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Status reads the raw status register of channel ch.
func (e *DMAEngine) Status(ch int) (uint32, error) {
	c, err := e.channel(ch)
	if err != nil {
		return 0, err
	}
	return read32(e.dev, c.base+DMAStatus)
}

// ID reads the engine id register of channel ch.
func (e *DMAEngine) ID(ch int) (uint32, error) {
	c, err := e.channel(ch)
	if err != nil {
		return 0, err
	}
	return read32(e.dev, c.base+DMAID)
}

// Busy reports whether channel ch has a transfer in flight.
func (e *DMAEngine) Busy(ch int) bool {
	c, err := e.channel(ch)
	if err != nil {
		return false
	}
	return c.inflight.Load()
}

func (e *DMAEngine) close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	for _, stop := range e.cancels {
		if stop != nil {
			stop()
		}
	}
	for _, c := range e.channels {
		c.done.Close()
	}
	e.wg.Wait()
}
