package pe

import (
	"errors"
	"sync/atomic"
)

// BufferPool recycles fixed-size DMA host buffers.
type BufferPool struct {
	alloc  HostAllocator
	size   int
	pool   chan *HostBuffer
	closed atomic.Bool
}

// NewBufferPool dispenses buffers of size bytes from alloc, keeping up to
// capacity released buffers for reuse. Buffers are allocated lazily.
func NewBufferPool(alloc HostAllocator, size, capacity int) (*BufferPool, error) {
	if alloc == nil {
		return nil, ErrInvalidHandle{"host allocator"}
	}
	if size <= 0 {
		return nil, errors.New("pe: buffer pool requires positive buffer size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &BufferPool{
		alloc: alloc,
		size:  size,
		pool:  make(chan *HostBuffer, capacity),
	}, nil
}

// Size returns the byte size of every pooled buffer.
func (p *BufferPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Acquire returns a pooled buffer, allocating a new one when the pool is
// empty. Callers must Release it when finished.
func (p *BufferPool) Acquire() (*HostBuffer, error) {
	if p == nil {
		return nil, ErrInvalidHandle{"buffer pool"}
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case b := <-p.pool:
		return b, nil
	default:
		return p.alloc.AllocHost(p.size)
	}
}

// Release returns b for reuse. Buffers of the wrong size, or released after
// Close or into a full pool, are freed immediately.
func (p *BufferPool) Release(b *HostBuffer) {
	if p == nil || b == nil {
		return
	}
	if p.closed.Load() || b.Size() != p.size {
		_ = b.Close()
		return
	}
	select {
	case p.pool <- b:
	default:
		_ = b.Close()
	}
}

// Close frees all pooled buffers and rejects further acquisitions.
func (p *BufferPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case b := <-p.pool:
			_ = b.Close()
		default:
			return
		}
	}
}
