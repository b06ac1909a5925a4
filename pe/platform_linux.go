//go:build linux

package pe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/tapasco-go/internal/mmio"
)

// PlatformConfig describes a Linux device exposed through userspace I/O.
type PlatformConfig struct {
	// RegisterFile is mapped for register access, e.g. /dev/uio0 or a PCI
	// BAR resource file.
	RegisterFile   string
	RegisterOffset int64
	RegisterSize   int
	// Interrupts maps each line to its UIO device. Lines without an entry
	// are polled.
	Interrupts map[Line]string
	// HostBuffer names the u-dma-buf device backing DMA host memory, e.g.
	// "udmabuf0". Leave empty when the device has no DMA.
	HostBuffer string
	// HostBlock is the host allocation granule. Defaults to 4 KiB.
	HostBlock uint64
}

// Platform is a Device backed by memory-mapped registers, UIO interrupt lines
// and an optional u-dma-buf host region.
type Platform struct {
	cfg   PlatformConfig
	regs  *mmio.Mapping
	host  *mmio.DMABuffer
	alloc *Allocator

	mu     sync.Mutex
	lines  map[Line]*mmio.Line
	wg     sync.WaitGroup
	closed atomic.Bool
}

// OpenPlatform maps the register file and the host buffer described by cfg.
func OpenPlatform(cfg PlatformConfig) (*Platform, error) {
	if cfg.RegisterSize <= 0 {
		return nil, fmt.Errorf("%w: register size %d", ErrInvalidArgument, cfg.RegisterSize)
	}
	if cfg.HostBlock == 0 {
		cfg.HostBlock = 4096
	}
	regs, err := mmio.Map(cfg.RegisterFile, cfg.RegisterOffset, cfg.RegisterSize)
	if err != nil {
		return nil, err
	}
	p := &Platform{cfg: cfg, regs: regs, lines: make(map[Line]*mmio.Line)}
	if cfg.HostBuffer != "" {
		host, err := mmio.OpenDMABuffer(cfg.HostBuffer)
		if err != nil {
			_ = regs.Close()
			return nil, err
		}
		alloc, err := NewAllocator(host.Phys, uint64(len(host.Data)), cfg.HostBlock)
		if err != nil {
			_ = host.Close()
			_ = regs.Close()
			return nil, err
		}
		p.host, p.alloc = host, alloc
	}
	return p, nil
}

var (
	_ Device        = (*Platform)(nil)
	_ HostAllocator = (*Platform)(nil)
)

// Read32 implements Port.
func (p *Platform) Read32(addr uint64) (uint32, error) {
	return p.regs.Load32(addr)
}

// Write32 implements Port.
func (p *Platform) Write32(addr uint64, v uint32) error {
	return p.regs.Store32(addr, v)
}

// Barrier implements Port.
func (p *Platform) Barrier() {
	p.regs.Barrier()
}

// Subscribe opens the UIO device configured for line and runs handler on a
// dedicated goroutine each time it fires.
func (p *Platform) Subscribe(line Line, handler func()) (func(), error) {
	path, ok := p.cfg.Interrupts[line]
	if !ok {
		return nil, ErrCapabilityUnsupported
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	l, err := mmio.OpenLine(path)
	if err != nil {
		return nil, err
	}
	if err := l.Enable(); err != nil {
		_ = l.Close()
		return nil, err
	}
	p.mu.Lock()
	if old := p.lines[line]; old != nil {
		_ = old.Close()
	}
	p.lines[line] = l
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if _, err := l.Wait(); err != nil {
				return
			}
			handler()
			if err := l.Enable(); err != nil {
				return
			}
		}
	}()
	return func() {
		p.mu.Lock()
		if p.lines[line] == l {
			delete(p.lines, line)
		}
		p.mu.Unlock()
		_ = l.Close()
	}, nil
}

// AllocHost carves a DMA-capable buffer out of the u-dma-buf region.
func (p *Platform) AllocHost(size int) (*HostBuffer, error) {
	if p.alloc == nil {
		return nil, ErrCapabilityUnsupported
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: host buffer size %d", ErrInvalidArgument, size)
	}
	addr, err := p.alloc.Alloc(uint64(size))
	if err != nil {
		return nil, err
	}
	off := addr - p.host.Phys
	data := p.host.Data[off : off+uint64(size) : off+uint64(size)]
	return NewHostBuffer(addr, data, func() { _ = p.alloc.Free(addr) }), nil
}

// Close stops every interrupt goroutine and unmaps all regions.
func (p *Platform) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	for line, l := range p.lines {
		_ = l.Close()
		delete(p.lines, line)
	}
	p.mu.Unlock()
	p.wg.Wait()
	var first error
	if p.host != nil {
		first = p.host.Close()
	}
	if err := p.regs.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
