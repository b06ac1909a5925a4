//go:build linux

package mmio

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a shared memory mapping of a device register window, typically a
// PCI BAR exposed as /sys/bus/pci/devices/<bdf>/resource0 or a UIO map.
type Mapping struct {
	path string
	fd   int
	data []byte

	mu     sync.RWMutex
	closed bool
}

// fence is the target of Barrier's atomic read-modify-write.
var fence atomic.Uint32

// Map opens path and maps size bytes starting at offset for read/write access.
func Map(path string, offset int64, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, wrap("map", path, unix.EINVAL)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrap("open", path, err)
	}
	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, wrap("mmap", path, err)
	}
	return &Mapping{path: path, fd: fd, data: data}, nil
}

// Path reports the file backing the mapping.
func (m *Mapping) Path() string {
	return m.path
}

// Size returns the mapped length in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Load32 reads the 32-bit register at off with a single aligned load.
func (m *Mapping) Load32(off uint64) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.word(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Store32 writes v to the 32-bit register at off with a single aligned store.
func (m *Mapping) Store32(off uint64, v uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// Barrier orders all preceding stores before any following store. Go atomics
// are sequentially consistent, so a locked read-modify-write acts as a full fence.
func (m *Mapping) Barrier() {
	fence.Add(1)
}

func (m *Mapping) word(off uint64) (*uint32, error) {
	if m.closed {
		return nil, wrap("access", m.path, ErrClosed)
	}
	if off%4 != 0 {
		return nil, wrap("access", m.path, ErrUnaligned)
	}
	if off+4 > uint64(len(m.data)) {
		return nil, wrap("access", m.path, ErrOutOfRange)
	}
	return (*uint32)(unsafe.Pointer(&m.data[off])), nil
}

// Close unmaps the window and closes the file descriptor.
func (m *Mapping) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := unix.Close(m.fd); err == nil {
		err = cerr
	}
	return wrap("close", m.path, err)
}
