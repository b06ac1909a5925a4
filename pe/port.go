package pe

// Port is raw 32-bit access to device registers. Addresses are device relative.
type Port interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, v uint32) error
	// Barrier orders every preceding write before any following write.
	Barrier()
}

// LineKind distinguishes the interrupt sources known to the runtime.
type LineKind int

const (
	LineSlot LineKind = iota
	LineDMA
)

func (k LineKind) String() string {
	switch k {
	case LineSlot:
		return "slot"
	case LineDMA:
		return "dma"
	default:
		return "line"
	}
}

// Line identifies one interrupt source: a PE slot or a DMA channel.
type Line struct {
	Kind  LineKind
	Index int
}

// SlotLine returns the completion line of a slot.
func SlotLine(id SlotID) Line {
	return Line{Kind: LineSlot, Index: int(id)}
}

// DMALine returns the completion line of a DMA channel.
func DMALine(channel int) Line {
	return Line{Kind: LineDMA, Index: channel}
}

// InterruptController delivers device interrupts to registered handlers.
// Subscribe returns ErrCapabilityUnsupported when the line cannot interrupt;
// the runtime then falls back to polling status registers.
type InterruptController interface {
	Subscribe(line Line, handler func()) (cancel func(), err error)
}

// Device is the platform context consumed by the runtime.
type Device interface {
	Port
	InterruptController
}

// HostAllocator is implemented by devices that can hand out DMA-capable host memory.
type HostAllocator interface {
	AllocHost(size int) (*HostBuffer, error)
}

// HostBuffer is host memory visible to the DMA engine at Addr.
type HostBuffer struct {
	Addr uint64
	data []byte
	free func()
}

// NewHostBuffer wraps a device-visible host region. free runs once on Close.
func NewHostBuffer(addr uint64, data []byte, free func()) *HostBuffer {
	return &HostBuffer{Addr: addr, data: data, free: free}
}

// Bytes returns the CPU view of the buffer.
func (b *HostBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the buffer length in bytes.
func (b *HostBuffer) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Close returns the buffer to its allocator.
func (b *HostBuffer) Close() error {
	if b == nil || b.free == nil {
		return nil
	}
	free := b.free
	b.free = nil
	b.data = nil
	free()
	return nil
}

func read32(p Port, addr uint64) (uint32, error) {
	v, err := p.Read32(addr)
	if err != nil {
		return 0, ioError("read", addr, err)
	}
	return v, nil
}

func write32(p Port, addr uint64, v uint32) error {
	return ioError("write", addr, p.Write32(addr, v))
}

// write64 stores v as two words, low word first.
func write64(p Port, addr uint64, v uint64) error {
	if err := write32(p, addr, uint32(v)); err != nil {
		return err
	}
	return write32(p, addr+4, uint32(v>>32))
}

func read64(p Port, addr uint64) (uint64, error) {
	lo, err := read32(p, addr)
	if err != nil {
		return 0, err
	}
	hi, err := read32(p, addr+4)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}
