package pe

import (
	"fmt"
	"math/bits"
	"sync"
)

type block struct {
	off   uint64
	order int
}

// Allocator is a buddy allocator over a device address range. Blocks are
// powers of two multiples of the minimum block size; Alloc always returns the
// lowest free address that fits.
type Allocator struct {
	mu       sync.Mutex
	base     uint64
	size     uint64
	minShift uint
	tops     []block
	free     []map[uint64]struct{}
	used     map[uint64]int
	inUse    uint64
}

// NewAllocator manages size bytes starting at base. minBlock must be a power
// of two; size is rounded down to a multiple of it.
func NewAllocator(base, size, minBlock uint64) (*Allocator, error) {
	if minBlock == 0 || minBlock&(minBlock-1) != 0 {
		return nil, fmt.Errorf("%w: minimum block %d is not a power of two", ErrInvalidArgument, minBlock)
	}
	size &^= minBlock - 1
	if size == 0 {
		return nil, fmt.Errorf("%w: region smaller than one block", ErrInvalidArgument)
	}
	a := &Allocator{
		base:     base,
		size:     size,
		minShift: uint(bits.TrailingZeros64(minBlock)),
		used:     make(map[uint64]int),
	}
	maxOrder := bits.Len64(size>>a.minShift) - 1
	a.free = make([]map[uint64]struct{}, maxOrder+1)
	for i := range a.free {
		a.free[i] = make(map[uint64]struct{})
	}
	// Descending powers of two keep every top block aligned to its own size.
	var off uint64
	for order := maxOrder; order >= 0; order-- {
		if rem := size - off; rem >= a.blockSize(order) {
			a.tops = append(a.tops, block{off: off, order: order})
			a.free[order][off] = struct{}{}
			off += a.blockSize(order)
		}
	}
	return a, nil
}

func (a *Allocator) blockSize(order int) uint64 {
	return uint64(1) << (a.minShift + uint(order))
}

// Alloc reserves at least size bytes and returns the device address.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	if a == nil {
		return 0, ErrInvalidHandle{"allocator"}
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size allocation", ErrInvalidArgument)
	}
	order := 0
	for order < len(a.free) && a.blockSize(order) < size {
		order++
	}
	if order >= len(a.free) {
		return 0, fmt.Errorf("%w: %d bytes exceed the largest block", ErrOutOfMemory, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	j := order
	for j < len(a.free) && len(a.free[j]) == 0 {
		j++
	}
	if j == len(a.free) {
		return 0, ErrOutOfMemory
	}
	off := lowest(a.free[j])
	delete(a.free[j], off)
	for j > order {
		j--
		a.free[j][off+a.blockSize(j)] = struct{}{}
	}
	a.used[off] = order
	a.inUse += a.blockSize(order)
	return a.base + off, nil
}

// Free returns a block obtained from Alloc and merges it with its buddies.
func (a *Allocator) Free(addr uint64) error {
	if a == nil {
		return ErrInvalidHandle{"allocator"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < a.base {
		return fmt.Errorf("%w: 0x%x not allocated", ErrInvalidArgument, addr)
	}
	off := addr - a.base
	order, ok := a.used[off]
	if !ok {
		return fmt.Errorf("%w: 0x%x not allocated", ErrInvalidArgument, addr)
	}
	delete(a.used, off)
	a.inUse -= a.blockSize(order)

	top := a.topOf(off)
	for order < top.order {
		buddy := top.off + ((off - top.off) ^ a.blockSize(order))
		if _, ok := a.free[order][buddy]; !ok {
			break
		}
		delete(a.free[order], buddy)
		off = min(off, buddy)
		order++
	}
	a.free[order][off] = struct{}{}
	return nil
}

func (a *Allocator) topOf(off uint64) block {
	for _, t := range a.tops {
		if off >= t.off && off < t.off+a.blockSize(t.order) {
			return t
		}
	}
	return block{off: off}
}

// Base returns the first managed address.
func (a *Allocator) Base() uint64 { return a.base }

// Size returns the managed byte count.
func (a *Allocator) Size() uint64 { return a.size }

// InUse returns the bytes currently allocated, including rounding.
func (a *Allocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func lowest(set map[uint64]struct{}) uint64 {
	first := true
	var low uint64
	for off := range set {
		if first || off < low {
			low, first = off, false
		}
	}
	return low
}
