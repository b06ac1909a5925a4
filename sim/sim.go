// Package sim provides an in-memory device that models PE slot and DMA
// registers, device memory and interrupt delivery.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/tapasco-go/pe"
)

// DefaultHostBase is the device-visible address of the simulated host arena.
// It lies above 4 GiB so transfers exercise both host address words.
const DefaultHostBase uint64 = 0x1_0000_0000

// ErrUnmapped is returned by device memory helpers for out-of-range accesses.
var ErrUnmapped = errors.New("sim: address not mapped")

// Kernel computes the return value of a PE from its arguments. mem is the
// device memory; kernels may read and modify it.
type Kernel func(args [pe.MaxArgs]uint64, mem []byte) uint64

// AccessKind classifies entries of the access log.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessBarrier
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessBarrier:
		return "barrier"
	default:
		return "access"
	}
}

// Access is one recorded register access.
type Access struct {
	Kind  AccessKind
	Addr  uint64
	Value uint32
}

type slotModel struct {
	id   pe.SlotID
	fn   pe.FuncID
	base uint64
}

type channelModel struct {
	id   int
	base uint64
}

type config struct {
	kernels    map[pe.FuncID]Kernel
	dmaBases   []uint64
	latency    time.Duration
	noIRQ      bool
	devMemSize int
	hostSize   int
	record     bool
}

// Option configures a Device.
type Option func(*config)

// WithKernel installs the behaviour of every slot implementing f.
func WithKernel(f pe.FuncID, k Kernel) Option {
	return func(c *config) { c.kernels[f] = k }
}

// WithDMAChannels adds DMA channels at the given register bases.
func WithDMAChannels(bases ...uint64) Option {
	return func(c *config) { c.dmaBases = append(c.dmaBases, bases...) }
}

// WithLatency delays every PE completion and DMA transfer by d.
func WithLatency(d time.Duration) Option {
	return func(c *config) { c.latency = d }
}

// WithoutInterrupts makes Subscribe fail with pe.ErrCapabilityUnsupported.
func WithoutInterrupts() Option {
	return func(c *config) { c.noIRQ = true }
}

// WithDeviceMemory sets the device memory size in bytes.
func WithDeviceMemory(size int) Option {
	return func(c *config) { c.devMemSize = size }
}

// WithHostMemory sets the size of the DMA-capable host arena in bytes.
func WithHostMemory(size int) Option {
	return func(c *config) { c.hostSize = size }
}

// WithRecording enables the access log from the start.
func WithRecording() Option {
	return func(c *config) { c.record = true }
}

// Device is a simulated accelerator. It implements pe.Device and
// pe.HostAllocator.
type Device struct {
	cfg      config
	slots    map[uint64]*slotModel
	channels map[uint64]*channelModel

	mu         sync.Mutex
	regs       map[uint64]uint32
	handlers   map[pe.Line]map[int]func()
	handlerSeq int
	log        []Access
	record     bool
	failWrite  map[uint64]error
	failRead   map[uint64]error
	launches   map[pe.SlotID]int
	closed     bool

	memMu     sync.Mutex
	devMem    []byte
	host      []byte
	hostAlloc *pe.Allocator

	wg sync.WaitGroup
}

var (
	_ pe.Device        = (*Device)(nil)
	_ pe.HostAllocator = (*Device)(nil)
)

// New builds a device whose slots follow comp.
func New(comp *pe.Composition, opts ...Option) (*Device, error) {
	if comp == nil {
		return nil, errors.New("sim: nil composition")
	}
	cfg := config{
		kernels:    make(map[pe.FuncID]Kernel),
		devMemSize: 1 << 20,
		hostSize:   1 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	d := &Device{
		cfg:       cfg,
		slots:     make(map[uint64]*slotModel),
		channels:  make(map[uint64]*channelModel),
		regs:      make(map[uint64]uint32),
		handlers:  make(map[pe.Line]map[int]func()),
		record:    cfg.record,
		failWrite: make(map[uint64]error),
		failRead:  make(map[uint64]error),
		launches:  make(map[pe.SlotID]int),
		devMem:    make([]byte, cfg.devMemSize),
		host:      make([]byte, cfg.hostSize),
	}
	for id := 0; id < pe.MaxInstances; id++ {
		e := comp.Entry(pe.SlotID(id))
		if e.Func == 0 {
			continue
		}
		d.slots[e.Base] = &slotModel{id: pe.SlotID(id), fn: e.Func, base: e.Base}
	}
	for i, base := range cfg.dmaBases {
		if _, ok := d.slots[base]; ok {
			return nil, fmt.Errorf("sim: dma channel %d overlaps slot at 0x%x", i, base)
		}
		d.channels[base] = &channelModel{id: i, base: base}
		d.regs[base+pe.DMAID] = uint32(i)
	}
	if cfg.hostSize > 0 {
		alloc, err := pe.NewAllocator(DefaultHostBase, uint64(cfg.hostSize), 64)
		if err != nil {
			return nil, err
		}
		d.hostAlloc = alloc
	}
	return d, nil
}

// Read32 implements pe.Port.
func (d *Device) Read32(addr uint64) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failRead[addr]; err != nil {
		return 0, err
	}
	v := d.regs[addr]
	d.appendLog(Access{Kind: AccessRead, Addr: addr, Value: v})
	return v, nil
}

// Write32 implements pe.Port. Slot control and DMA command writes trigger the
// modelled hardware.
func (d *Device) Write32(addr uint64, v uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failWrite[addr]; err != nil {
		return err
	}
	d.appendLog(Access{Kind: AccessWrite, Addr: addr, Value: v})
	if d.closed {
		return nil
	}
	if s, off, ok := d.slotAt(addr); ok {
		switch off {
		case pe.RegISR:
			d.regs[addr] &^= v
			return nil
		case pe.RegCtrl:
			d.regs[addr] = v
			if v&pe.CtrlStart != 0 {
				d.launch(s)
			}
			return nil
		}
	}
	if c, ok := d.channels[addr-pe.DMACmd]; ok && addr >= pe.DMACmd {
		d.regs[addr] = v
		d.command(c, v)
		return nil
	}
	d.regs[addr] = v
	return nil
}

// Barrier implements pe.Port.
func (d *Device) Barrier() {
	d.mu.Lock()
	d.appendLog(Access{Kind: AccessBarrier})
	d.mu.Unlock()
}

// Subscribe implements pe.InterruptController.
func (d *Device) Subscribe(line pe.Line, handler func()) (func(), error) {
	if d.cfg.noIRQ {
		return nil, pe.ErrCapabilityUnsupported
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", pe.ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlerSeq++
	key := d.handlerSeq
	if d.handlers[line] == nil {
		d.handlers[line] = make(map[int]func())
	}
	d.handlers[line][key] = handler
	return func() {
		d.mu.Lock()
		delete(d.handlers[line], key)
		d.mu.Unlock()
	}, nil
}

// Interrupt delivers line to its subscribers as if the hardware raised it.
func (d *Device) Interrupt(line pe.Line) {
	d.mu.Lock()
	d.fire(line)
	d.mu.Unlock()
}

// AllocHost implements pe.HostAllocator on the simulated host arena.
func (d *Device) AllocHost(size int) (*pe.HostBuffer, error) {
	if d.hostAlloc == nil {
		return nil, pe.ErrCapabilityUnsupported
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: host buffer size %d", pe.ErrInvalidArgument, size)
	}
	addr, err := d.hostAlloc.Alloc(uint64(size))
	if err != nil {
		return nil, err
	}
	off := addr - DefaultHostBase
	data := d.host[off : off+uint64(size) : off+uint64(size)]
	return pe.NewHostBuffer(addr, data, func() { _ = d.hostAlloc.Free(addr) }), nil
}

// FailWrite makes every later write to addr return err. A nil err clears the fault.
func (d *Device) FailWrite(addr uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failWrite, addr)
		return
	}
	d.failWrite[addr] = err
}

// FailRead makes every later read of addr return err. A nil err clears the fault.
func (d *Device) FailRead(addr uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failRead, addr)
		return
	}
	d.failRead[addr] = err
}

// Record switches the access log on or off.
func (d *Device) Record(on bool) {
	d.mu.Lock()
	d.record = on
	d.mu.Unlock()
}

// Log returns a copy of the access log.
func (d *Device) Log() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Access(nil), d.log...)
}

// Writes returns the recorded writes and barriers, in order.
func (d *Device) Writes() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Access
	for _, a := range d.log {
		if a.Kind != AccessRead {
			out = append(out, a)
		}
	}
	return out
}

// ResetLog clears the access log.
func (d *Device) ResetLog() {
	d.mu.Lock()
	d.log = nil
	d.mu.Unlock()
}

// Register returns the current value of addr without logging the access.
func (d *Device) Register(addr uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[addr]
}

// SetRegister stores v at addr without triggering any modelled behaviour.
func (d *Device) SetRegister(addr uint64, v uint32) {
	d.mu.Lock()
	d.regs[addr] = v
	d.mu.Unlock()
}

// Launches returns how often slot id was started.
func (d *Device) Launches(id pe.SlotID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches[id]
}

// ReadMemory copies n bytes of device memory starting at addr.
func (d *Device) ReadMemory(addr uint64, n int) ([]byte, error) {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	if !inRange(addr, uint64(n), len(d.devMem)) {
		return nil, ErrUnmapped
	}
	return append([]byte(nil), d.devMem[addr:addr+uint64(n)]...), nil
}

// WriteMemory copies data into device memory at addr.
func (d *Device) WriteMemory(addr uint64, data []byte) error {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	if !inRange(addr, uint64(len(data)), len(d.devMem)) {
		return ErrUnmapped
	}
	copy(d.devMem[addr:], data)
	return nil
}

// MemorySize returns the device memory size in bytes.
func (d *Device) MemorySize() int {
	return len(d.devMem)
}

// Close stops accepting commands and waits for in-flight work.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *Device) appendLog(a Access) {
	if d.record {
		d.log = append(d.log, a)
	}
}

func (d *Device) slotAt(addr uint64) (*slotModel, uint64, bool) {
	for _, off := range [...]uint64{pe.RegCtrl, pe.RegISR} {
		if addr < off {
			continue
		}
		if s, ok := d.slots[addr-off]; ok {
			return s, off, true
		}
	}
	return nil, 0, false
}

// launch runs the kernel of s asynchronously. Called with d.mu held.
func (d *Device) launch(s *slotModel) {
	d.launches[s.id]++
	var args [pe.MaxArgs]uint64
	for i := range args {
		lo := d.regs[s.base+pe.ArgOffset(i, 0)]
		hi := d.regs[s.base+pe.ArgOffset(i, 1)]
		args[i] = uint64(hi)<<32 | uint64(lo)
	}
	kernel := d.cfg.kernels[s.fn]
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.cfg.latency > 0 {
			time.Sleep(d.cfg.latency)
		}
		var ret uint64
		if kernel != nil {
			d.memMu.Lock()
			ret = kernel(args, d.devMem)
			d.memMu.Unlock()
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.regs[s.base+pe.RegCtrl] &^= pe.CtrlStart
		d.regs[s.base+pe.RegRet0] = uint32(ret)
		d.regs[s.base+pe.RegRet1] = uint32(ret >> 32)
		d.regs[s.base+pe.RegISR] |= pe.ISRDone
		if d.regs[s.base+pe.RegGIER]&1 != 0 && d.regs[s.base+pe.RegIER]&pe.ISRDone != 0 {
			d.fire(pe.SlotLine(s.id))
		}
	}()
}

// command handles a DMA command write. Called with d.mu held.
func (d *Device) command(c *channelModel, cmd uint32) {
	status := c.base + pe.DMAStatus
	switch cmd {
	case pe.CmdAck:
		d.regs[status] &^= pe.StatusPending | pe.StatusError
		return
	case pe.CmdToDevice, pe.CmdFromDevice:
	default:
		return
	}
	host := uint64(d.regs[c.base+pe.DMAHostAddrHigh])<<32 | uint64(d.regs[c.base+pe.DMAHostAddrLow])
	fpga := uint64(d.regs[c.base+pe.DMAFPGAAddrLow])
	n := uint64(d.regs[c.base+pe.DMABTT])
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.cfg.latency > 0 {
			time.Sleep(d.cfg.latency)
		}
		ok := d.copy(cmd, fpga, host, n)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.regs[status] |= pe.StatusPending
		if !ok {
			d.regs[status] |= pe.StatusError
		}
		d.fire(pe.DMALine(c.id))
	}()
}

func (d *Device) copy(cmd uint32, fpga, host, n uint64) bool {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	if host < DefaultHostBase || !inRange(host-DefaultHostBase, n, len(d.host)) || !inRange(fpga, n, len(d.devMem)) {
		return false
	}
	h := d.host[host-DefaultHostBase : host-DefaultHostBase+n]
	m := d.devMem[fpga : fpga+n]
	if cmd == pe.CmdToDevice {
		copy(m, h)
	} else {
		copy(h, m)
	}
	return true
}

// fire runs every handler of line on its own goroutine. Called with d.mu held.
func (d *Device) fire(line pe.Line) {
	if d.cfg.noIRQ {
		return
	}
	for _, h := range d.handlers[line] {
		h := h
		go h()
	}
}

func inRange(off, n uint64, size int) bool {
	return off <= uint64(size) && n <= uint64(size)-off
}
