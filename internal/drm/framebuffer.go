package drm

import "hdmimix/internal/types"

// Stats counts atomic commits issued by Display.
type Stats struct {
	Commits  uint64 `json:"commits"`
	Busy     uint64 `json:"busy"`
	Failures uint64 `json:"failures"`
}

// DumbBuffer is a CPU-mapped ARGB8888 framebuffer.
type DumbBuffer struct {
	FB     uint32
	Handle uint32
	Pitch  uint32
	Width  int
	Height int
	Data   []byte
}

// Pixels views the mapped memory as 2-D pixels.
func (b *DumbBuffer) Pixels() (*types.PixelView, error) {
	return types.NewPixelView(b.Data, b.Width, b.Height, int(b.Pitch))
}
