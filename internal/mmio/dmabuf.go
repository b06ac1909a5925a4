//go:build linux

package mmio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DMABuffer is a physically contiguous, device-visible host buffer exported by
// the u-dma-buf driver (/dev/udmabufN plus /sys/class/u-dma-buf/udmabufN).
type DMABuffer struct {
	name string
	Phys uint64
	Data []byte
	fd   int
}

// OpenDMABuffer maps the u-dma-buf device with the given name, e.g. "udmabuf0".
func OpenDMABuffer(name string) (*DMABuffer, error) {
	return openDMABuffer(name, "/sys/class/u-dma-buf", "/dev")
}

func openDMABuffer(name, sysRoot, devRoot string) (*DMABuffer, error) {
	sysDir := filepath.Join(sysRoot, name)
	phys, err := readSysfsUint(filepath.Join(sysDir, "phys_addr"))
	if err != nil {
		return nil, err
	}
	size, err := readSysfsUint(filepath.Join(sysDir, "size"))
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, wrap("open", name, fmt.Errorf("empty buffer"))
	}
	devPath := filepath.Join(devRoot, name)
	fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrap("open", devPath, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, wrap("mmap", devPath, err)
	}
	return &DMABuffer{name: name, Phys: phys, Data: data, fd: fd}, nil
}

// Close unmaps the buffer.
func (b *DMABuffer) Close() error {
	if b == nil || b.Data == nil {
		return nil
	}
	err := unix.Munmap(b.Data)
	b.Data = nil
	if cerr := unix.Close(b.fd); err == nil {
		err = cerr
	}
	return wrap("close", b.name, err)
}

func readSysfsUint(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, wrap("read", path, err)
	}
	v, err := parseSysfsUint(string(raw))
	if err != nil {
		return 0, wrap("parse", path, err)
	}
	return v, nil
}

// parseSysfsUint accepts decimal or 0x-prefixed hexadecimal attribute values.
func parseSysfsUint(raw string) (uint64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(s, 0, 64)
}
