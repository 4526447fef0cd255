package types

import (
	"fmt"
	"time"
)

// Frame describes a captured video frame that can be shared with other
// devices by its DMA-buf fd. No pixel data is copied.
type Frame struct {
	Index     int    // capture buffer slot
	FD        int    // DMA-buf fd of plane 0
	Width     int
	Height    int
	PixFmt    uint32 // fourcc
	Sequence  uint32
	Timestamp time.Duration
}

// BoundingBox is one detector result in frame pixel coordinates.
type BoundingBox struct {
	Left, Top, Right, Bottom int
	ClassID                  int
	Confidence               float32
}

func (b BoundingBox) Width() int  { return b.Right - b.Left }
func (b BoundingBox) Height() int { return b.Bottom - b.Top }

// Detector finds objects in a frame referenced by its DMA-buf fd.
type Detector interface {
	Detect(frame Frame) ([]BoundingBox, error)
	Close() error
}

// OverlayBuffer is a GPU buffer object that can be imported as a
// framebuffer. ID is a stable identity token for the underlying object; it
// is used as a cache key and never dereferenced.
type OverlayBuffer interface {
	ID() uintptr
	Handle() uint32
	Stride() uint32
}

// Blitter uploads a top-down RGBA image into the current render target.
type Blitter interface {
	Blit(rgba []byte, width, height int) error
}

// FourCC packs four characters into a pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats shared by the capture and display sides. V4L2 and DRM use
// the same fourcc for these.
var (
	PixFmtNV12     = FourCC('N', 'V', '1', '2')
	PixFmtNV24     = FourCC('N', 'V', '2', '4')
	PixFmtARGB8888 = FourCC('A', 'R', '2', '4')
)

// FourCCString renders a fourcc code such as "NV12".
func FourCCString(f uint32) string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// PixelView addresses a packed 4-byte-per-pixel buffer in 2-D. Out of range
// coordinates yield nil.
type PixelView struct {
	Data   []byte
	Width  int
	Height int
	Stride int
}

func NewPixelView(data []byte, width, height, stride int) (*PixelView, error) {
	if stride < width*4 {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, width)
	}
	if len(data) < stride*height {
		return nil, fmt.Errorf("buffer of %d bytes too small for %dx%d stride %d", len(data), width, height, stride)
	}
	return &PixelView{Data: data, Width: width, Height: height, Stride: stride}, nil
}

// At returns the 4 bytes of pixel (x, y).
func (v *PixelView) At(x, y int) []byte {
	if x < 0 || x >= v.Width || y < 0 || y >= v.Height {
		return nil
	}
	off := y*v.Stride + x*4
	return v.Data[off : off+4 : off+4]
}

// Row returns the pixel bytes of row y, without stride padding.
func (v *PixelView) Row(y int) []byte {
	if y < 0 || y >= v.Height {
		return nil
	}
	off := y * v.Stride
	return v.Data[off : off+v.Width*4]
}

// CopyFromRGBA writes a tightly packed top-down RGBA image into the view as
// ARGB8888 (little-endian B, G, R, A byte order).
func (v *PixelView) CopyFromRGBA(rgba []byte, width, height int) {
	w := min(width, v.Width)
	h := min(height, v.Height)
	for y := 0; y < h; y++ {
		src := rgba[y*width*4:]
		dst := v.Row(y)
		for x := 0; x < w; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*4 : x*4+4]
			d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
		}
	}
}
