package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDeviceOpen        = errors.New("capture: cannot open device")
	ErrUnsupportedDevice = errors.New("capture: device does not support multi-planar capture")
	ErrNoBuffers         = errors.New("capture: driver granted no buffers")
	ErrDequeue           = errors.New("capture: dequeue failed")
)

// Plane is one memory plane of a capture buffer, mapped into the process
// and exported as a DMA-buf.
type Plane struct {
	Data   []byte
	Length int
	DMAFD  int
}

// Buffer is a kernel capture buffer. Index is the driver's slot id.
type Buffer struct {
	Index  int
	Planes []Plane
}

func (b *Buffer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "buffer %d:", b.Index)
	for i, p := range b.Planes {
		head := p.Data
		if len(head) > 16 {
			head = head[:16]
		}
		fmt.Fprintf(&sb, "\n  plane %d: size=%d dmabuf=%d data=[% x]", i, p.Length, p.DMAFD, head)
	}
	return sb.String()
}

// Metadata is what the driver reported for one dequeued buffer.
type Metadata struct {
	Sequence  uint32
	Timestamp time.Duration
	BytesUsed []uint32
}
