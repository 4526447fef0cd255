//go:build linux

package ioctl

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the Sys implementation backed by real syscalls.
type Kernel struct{}

var _ Sys = Kernel{}

func (Kernel) Open(path string, flags int) (int, error) {
	return unix.Open(path, flags|unix.O_CLOEXEC, 0)
}

func (Kernel) Close(fd int) error {
	return unix.Close(fd)
}

// maxAgain bounds the retries of an ioctl that keeps failing with EAGAIN.
const maxAgain = 8

// Ioctl retries on EINTR like libdrm's drmIoctl, and on EAGAIN at most
// maxAgain times.
func (Kernel) Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	return retry(func() unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		return errno
	})
}

func retry(call func() unix.Errno) error {
	again := 0
	for {
		errno := call()
		switch {
		case errno == unix.EINTR:
			continue
		case errno == unix.EAGAIN && again < maxAgain:
			again++
			continue
		case errno != 0:
			return errno
		}
		return nil
	}
}

func (Kernel) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (Kernel) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (Kernel) Poll(fd int, timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}
