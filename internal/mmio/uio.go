//go:build linux

package mmio

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Line is a userspace I/O interrupt line (/dev/uioN). Each read returns the
// total interrupt count; writing 1 re-enables the line after it fired.
type Line struct {
	path string
	fd   int
	// wake is a pipe polled next to fd; Close writes to it to end a pending Wait.
	wake [2]int

	mu     sync.Mutex
	users  sync.WaitGroup
	closed atomic.Bool
}

// OpenLine opens the UIO device at path.
func OpenLine(path string) (*Line, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrap("open", path, err)
	}
	l, err := newLine(path, fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func newLine(path string, fd int) (*Line, error) {
	l := &Line{path: path, fd: fd}
	if err := unix.Pipe2(l.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, wrap("pipe", path, err)
	}
	return l, nil
}

// enter registers a user of the descriptors. Close waits for every user to
// leave before the descriptors are released.
func (l *Line) enter(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return wrap(op, l.path, ErrClosed)
	}
	l.users.Add(1)
	return nil
}

// Enable unmasks the interrupt line.
func (l *Line) Enable() error {
	if err := l.enter("enable"); err != nil {
		return err
	}
	defer l.users.Done()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(l.fd, buf[:]); err != nil {
		return wrap("enable", l.path, err)
	}
	return nil
}

// Wait blocks until the line fires and returns the cumulative interrupt count.
// It returns ErrClosed once Close has been called.
func (l *Line) Wait() (uint32, error) {
	if err := l.enter("wait"); err != nil {
		return 0, err
	}
	defer l.users.Done()
	fds := []unix.PollFd{
		{Fd: int32(l.fd), Events: unix.POLLIN},
		{Fd: int32(l.wake[0]), Events: unix.POLLIN},
	}
	for {
		if l.closed.Load() {
			return 0, wrap("wait", l.path, ErrClosed)
		}
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, l.failure("poll", err)
		}
		if n == 0 || fds[1].Revents != 0 {
			continue
		}
		var buf [4]byte
		if _, err := unix.Read(l.fd, buf[:]); err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, l.failure("read", err)
		}
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
}

func (l *Line) failure(op string, err error) error {
	if l.closed.Load() {
		return wrap("wait", l.path, ErrClosed)
	}
	return wrap(op, l.path, err)
}

// Close wakes a pending Wait and releases the descriptors once no call is
// using them.
func (l *Line) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed.CompareAndSwap(false, true) {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	_, _ = unix.Write(l.wake[1], []byte{1})
	l.users.Wait()
	err := unix.Close(l.fd)
	_ = unix.Close(l.wake[0])
	_ = unix.Close(l.wake[1])
	return wrap("close", l.path, err)
}
