// Package ioctl builds Linux ioctl request codes and provides the syscall
// seam used by the capture and display packages.
//
// Device code never calls golang.org/x/sys/unix directly; it goes through a
// Sys value so that the same code paths can run against the kernel or an
// in-process fake.
package ioctl

import "unsafe"

// Direction bits of an ioctl request code.
const (
	None  = 0
	Write = 1
	Read  = 2
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits
)

// NewCode returns the request code for _IOC(dir, typ, nr, size).
func NewCode(dir uintptr, size uintptr, typ, nr uint8) uintptr {
	return dir<<dirShift | size<<sizeShift | uintptr(typ)<<typeShift | uintptr(nr)<<nrShift
}

// IOWR is _IOWR(typ, nr, T) where size is unsafe.Sizeof(T).
func IOWR(typ, nr uint8, size uintptr) uintptr { return NewCode(Read|Write, size, typ, nr) }

// IOW is _IOW(typ, nr, T).
func IOW(typ, nr uint8, size uintptr) uintptr { return NewCode(Write, size, typ, nr) }

// IOR is _IOR(typ, nr, T).
func IOR(typ, nr uint8, size uintptr) uintptr { return NewCode(Read, size, typ, nr) }

// Nr extracts the command number from a request code.
func Nr(code uintptr) uint8 { return uint8(code >> nrShift) }

// Type extracts the ioctl type (magic) from a request code.
func Type(code uintptr) uint8 { return uint8(code >> typeShift) }

// Size extracts the argument size from a request code.
func Size(code uintptr) uintptr { return (code >> sizeShift) & (1<<sizeBits - 1) }

// Sys is the set of syscalls device code needs.
type Sys interface {
	Open(path string, flags int) (int, error)
	Close(fd int) error
	Ioctl(fd int, req uintptr, arg unsafe.Pointer) error
	Mmap(fd int, offset int64, length int) ([]byte, error)
	Munmap(b []byte) error
	// Poll waits up to timeoutMs for fd to become readable. It reports
	// whether the fd is ready.
	Poll(fd int, timeoutMs int) (bool, error)
}
