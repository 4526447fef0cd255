package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"hdmimix/internal/ioctl"
	"hdmimix/internal/types"
)

// Device is a V4L2 multi-planar capture device streaming into MMAP buffers.
// It negotiates nothing: width, height and pixel format are whatever the
// driver is currently configured for.
type Device struct {
	sys         ioctl.Sys
	path        string
	fd          int
	pollTimeout time.Duration

	width     int
	height    int
	pixfmt    uint32
	numPlanes int
	buffers   []Buffer

	streaming     atomic.Bool
	frames        atomic.Uint64
	dequeueErrors atomic.Uint64
	lastDequeue   atomic.Pointer[error]
}

type Option func(*Device)

// WithSys replaces the syscall layer.
func WithSys(sys ioctl.Sys) Option {
	return func(d *Device) { d.sys = sys }
}

// WithPollTimeout bounds how long the capture loop waits for a frame before
// re-checking for cancellation.
func WithPollTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.pollTimeout = timeout }
}

// Open opens path, requests bufferCount MMAP buffers, maps every plane and
// exports it as a DMA-buf. The driver may grant fewer buffers; the granted
// count is used. On any failure everything acquired so far is released.
func Open(path string, bufferCount int, opts ...Option) (*Device, error) {
	d := &Device{
		sys:         ioctl.Kernel{},
		path:        path,
		fd:          -1,
		pollTimeout: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.open(bufferCount); err != nil {
		d.Close()
		return nil, err
	}
	log.Printf("capture: %s %dx%d %s, %d buffers x %d planes",
		path, d.width, d.height, types.FourCCString(d.pixfmt), len(d.buffers), d.numPlanes)
	return d, nil
}

func (d *Device) open(bufferCount int) error {
	fd, err := d.sys.Open(d.path, unix.O_RDWR)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrDeviceOpen, d.path, err)
	}
	d.fd = fd

	var vcap v4l2Capability
	if err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&vcap)); err != nil {
		return fmt.Errorf("%w %s: VIDIOC_QUERYCAP: %v", ErrDeviceOpen, d.path, err)
	}
	caps := vcap.capabilities
	if caps&capDeviceCaps != 0 {
		caps = vcap.deviceCaps
	}
	if caps&capVideoCaptureMplane == 0 {
		return fmt.Errorf("%w: %s (caps %#x)", ErrUnsupportedDevice, d.path, caps)
	}

	var vfmt v4l2Format
	vfmt.typ = bufTypeVideoCaptureMplane
	if err := d.ioctl(vidiocGFmt, unsafe.Pointer(&vfmt)); err != nil {
		return fmt.Errorf("capture: VIDIOC_G_FMT: %w", err)
	}
	pix := vfmt.pixMP()
	d.width = int(pix.width)
	d.height = int(pix.height)
	d.pixfmt = pix.pixelformat
	d.numPlanes = int(pix.numPlanes)
	if d.numPlanes < 1 || d.numPlanes > maxPlanes {
		return fmt.Errorf("capture: driver reports %d planes", d.numPlanes)
	}

	req := v4l2RequestBuffers{
		count:  uint32(bufferCount),
		typ:    bufTypeVideoCaptureMplane,
		memory: memoryMMAP,
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("capture: VIDIOC_REQBUFS: %w", err)
	}
	if req.count < 1 {
		return ErrNoBuffers
	}
	if int(req.count) != bufferCount {
		log.Printf("capture: requested %d buffers, driver granted %d", bufferCount, req.count)
	}

	for i := 0; i < int(req.count); i++ {
		if err := d.setupBuffer(i); err != nil {
			return err
		}
	}
	return nil
}

// setupBuffer maps and exports every plane of buffer i and queues it.
func (d *Device) setupBuffer(i int) error {
	planes := make([]v4l2Plane, d.numPlanes)
	vb := v4l2Buffer{
		index:  uint32(i),
		typ:    bufTypeVideoCaptureMplane,
		memory: memoryMMAP,
		m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		length: uint32(d.numPlanes),
	}
	err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&vb))
	runtime.KeepAlive(planes)
	if err != nil {
		return fmt.Errorf("capture: VIDIOC_QUERYBUF %d: %w", i, err)
	}

	// Appended before mapping so Close releases whatever this buffer got.
	d.buffers = append(d.buffers, Buffer{Index: i, Planes: make([]Plane, d.numPlanes)})
	buf := &d.buffers[len(d.buffers)-1]
	for j := range buf.Planes {
		buf.Planes[j].DMAFD = -1
	}

	for j := 0; j < d.numPlanes; j++ {
		p := &buf.Planes[j]
		length := int(planes[j].length)
		data, err := d.sys.Mmap(d.fd, int64(planes[j].memOffset()), length)
		if err != nil {
			return fmt.Errorf("capture: mmap buffer %d plane %d (offset %#x): %w", i, j, planes[j].memOffset(), err)
		}
		p.Data = data
		p.Length = length

		exp := v4l2ExportBuffer{
			typ:   bufTypeVideoCaptureMplane,
			index: uint32(i),
			plane: uint32(j),
			flags: unix.O_RDWR | unix.O_CLOEXEC,
		}
		if err := d.ioctl(vidiocExpbuf, unsafe.Pointer(&exp)); err != nil {
			return fmt.Errorf("capture: VIDIOC_EXPBUF buffer %d plane %d: %w", i, j, err)
		}
		p.DMAFD = int(exp.fd)
	}

	err = d.ioctl(vidiocQbuf, unsafe.Pointer(&vb))
	runtime.KeepAlive(planes)
	if err != nil {
		return fmt.Errorf("capture: VIDIOC_QBUF %d: %w", i, err)
	}
	return nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	return d.sys.Ioctl(d.fd, req, arg)
}

func (d *Device) FD() int { return d.fd }
func (d *Device) Path() string { return d.path }
func (d *Device) Width() int { return d.width }
func (d *Device) Height() int { return d.height }
func (d *Device) PixelFormat() uint32 { return d.pixfmt }
func (d *Device) BufferCount() int { return len(d.buffers) }
func (d *Device) Buffers() []Buffer { return d.buffers }
func (d *Device) IsOpen() bool { return d.fd >= 0 }
func (d *Device) IsStreaming() bool { return d.streaming.Load() }
func (d *Device) Frames() uint64 { return d.frames.Load() }
func (d *Device) DequeueErrors() uint64 { return d.dequeueErrors.Load() }

// LastDequeueError returns the most recent failed dequeue, wrapping
// ErrDequeue, or nil.
func (d *Device) LastDequeueError() error {
	if err := d.lastDequeue.Load(); err != nil {
		return *err
	}
	return nil
}

// Frame describes buffer b as a shareable frame.
func (d *Device) Frame(b *Buffer, meta Metadata) types.Frame {
	return types.Frame{
		Index:     b.Index,
		FD:        b.Planes[0].DMAFD,
		Width:     d.width,
		Height:    d.height,
		PixFmt:    d.pixfmt,
		Sequence:  meta.Sequence,
		Timestamp: meta.Timestamp,
	}
}

// StreamOn starts streaming and runs the capture loop until ctx is done or
// streaming is turned off. onFrame runs synchronously on the calling
// goroutine; the buffer is handed back to the driver only after it returns.
func (d *Device) StreamOn(ctx context.Context, onFrame func(buf *Buffer, meta Metadata)) error {
	if !d.IsOpen() {
		return fmt.Errorf("capture: %s is not open", d.path)
	}
	if d.streaming.Load() {
		return nil
	}
	typ := int32(bufTypeVideoCaptureMplane)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("capture: VIDIOC_STREAMON: %w", err)
	}
	d.streaming.Store(true)

	planes := make([]v4l2Plane, d.numPlanes)
	timeoutMs := int(d.pollTimeout / time.Millisecond)
	for ctx.Err() == nil {
		ready, err := d.sys.Poll(d.fd, timeoutMs)
		if err != nil {
			if !d.streaming.Load() {
				break
			}
			log.Printf("capture: poll: %v", err)
			continue
		}
		if !ready {
			if !d.streaming.Load() {
				break
			}
			continue
		}

		vb := v4l2Buffer{
			typ:    bufTypeVideoCaptureMplane,
			memory: memoryMMAP,
			m:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
			length: uint32(d.numPlanes),
		}
		if err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&vb)); err != nil {
			if !d.streaming.Load() {
				break
			}
			derr := fmt.Errorf("%w: %v", ErrDequeue, err)
			d.lastDequeue.Store(&derr)
			if n := d.dequeueErrors.Add(1); n <= 5 || n%100 == 0 {
				log.Printf("%v (%d total)", derr, n)
			}
			continue
		}
		if int(vb.index) >= len(d.buffers) {
			log.Printf("capture: driver returned unknown buffer index %d", vb.index)
			continue
		}
		d.frames.Add(1)

		if onFrame != nil {
			meta := Metadata{
				Sequence:  vb.sequence,
				Timestamp: time.Duration(vb.timestamp.sec)*time.Second + time.Duration(vb.timestamp.usec)*time.Microsecond,
				BytesUsed: make([]uint32, d.numPlanes),
			}
			for j := range meta.BytesUsed {
				meta.BytesUsed[j] = planes[j].bytesused
			}
			onFrame(&d.buffers[vb.index], meta)
		}

		if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&vb)); err != nil {
			log.Printf("capture: VIDIOC_QBUF %d: %v", vb.index, err)
		}
	}
	runtime.KeepAlive(planes)
	return nil
}

// StreamOff stops streaming. It is safe to call when not streaming.
func (d *Device) StreamOff() error {
	if !d.streaming.CompareAndSwap(true, false) {
		return nil
	}
	typ := int32(bufTypeVideoCaptureMplane)
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("capture: VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

// Close releases every DMA-buf fd and mapping and closes the device.
// It is idempotent.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	var errs []error
	for i := range d.buffers {
		for j := range d.buffers[i].Planes {
			p := &d.buffers[i].Planes[j]
			if p.DMAFD >= 0 {
				if err := d.sys.Close(p.DMAFD); err != nil {
					errs = append(errs, fmt.Errorf("close dmabuf %d/%d: %w", i, j, err))
				}
				p.DMAFD = -1
			}
			if p.Data != nil {
				if err := d.sys.Munmap(p.Data); err != nil {
					errs = append(errs, fmt.Errorf("munmap %d/%d: %w", i, j, err))
				}
				p.Data = nil
			}
		}
	}
	d.buffers = nil
	if err := d.sys.Close(d.fd); err != nil {
		errs = append(errs, err)
	}
	d.fd = -1
	return errors.Join(errs...)
}
