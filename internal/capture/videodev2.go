package capture

import (
	"unsafe"

	"hdmimix/internal/ioctl"
)

// Subset of linux/videodev2.h needed for multi-planar MMAP streaming with
// DMA-buf export.
const (
	capVideoCaptureMplane = 0x00001000
	capStreaming          = 0x04000000
	capDeviceCaps         = 0x80000000

	bufTypeVideoCaptureMplane = 9
	memoryMMAP                = 1

	maxPlanes = 8
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2Format keeps the fmt union as raw bytes. The union is 8-byte aligned
// in the kernel, hence the explicit pad after typ.
type v4l2Format struct {
	typ uint32
	_   uint32
	raw [200]byte
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

// v4l2PixFormatMplane is packed in the kernel; every field here is already
// naturally aligned so Go adds no padding.
type v4l2PixFormatMplane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [maxPlanes]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

func (f *v4l2Format) pixMP() *v4l2PixFormatMplane {
	return (*v4l2PixFormatMplane)(unsafe.Pointer(&f.raw[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timeval struct {
	sec  int64
	usec int64
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp v4l2Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uint64 // union: offset, userptr, planes pointer, fd
	length    uint32
	reserved2 uint32
	requestFD int32
	_         uint32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint64 // union: mem_offset, userptr, fd
	dataOffset uint32
	reserved   [11]uint32
}

func (p *v4l2Plane) memOffset() uint32 { return uint32(p.m) }

type v4l2ExportBuffer struct {
	typ      uint32
	index    uint32
	plane    uint32
	flags    uint32
	fd       int32
	reserved [11]uint32
}

var (
	vidiocQuerycap  = ioctl.IOR('V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGFmt      = ioctl.IOWR('V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = ioctl.IOWR('V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = ioctl.IOWR('V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = ioctl.IOWR('V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocExpbuf    = ioctl.IOWR('V', 16, unsafe.Sizeof(v4l2ExportBuffer{}))
	vidiocDqbuf     = ioctl.IOWR('V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = ioctl.IOW('V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = ioctl.IOW('V', 19, unsafe.Sizeof(int32(0)))
)
