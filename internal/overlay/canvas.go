// Package overlay is the immediate-mode drawing layer for detection results.
// A frame is drawn into an RGBA pixmap with gg and handed to a Blitter at
// EndFrame, which uploads it into whatever render target is current.
package overlay

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/goregular"

	"hdmimix/internal/types"
)

// Options configures a Canvas. Zero fields take the defaults below.
type Options struct {
	FontSize  float64
	LineWidth float64
	BoxColor  gg.RGBA
	TextColor gg.RGBA
	// Labels maps class ids to names. Ids outside the table render as
	// "class N".
	Labels []string
	// SnapshotInterval throttles how often EndFrame copies the canvas for
	// Snapshot. Zero disables snapshots.
	SnapshotInterval time.Duration
}

const (
	DefaultFontSize  = 32
	DefaultLineWidth = 3
)

var (
	DefaultBoxColor  = gg.RGBA{R: 0, G: 1, B: 0, A: 1}
	DefaultTextColor = gg.RGBA{R: 1, G: 0, B: 0, A: 1}
)

// Canvas draws one overlay frame at a time. It is used from the render
// goroutine only, except for Snapshot.
type Canvas struct {
	width  int
	height int
	opts   Options

	pm     *gg.Pixmap
	dc     *gg.Context
	source *text.FontSource

	inFrame bool
	frames  uint64

	snapMu   sync.Mutex
	snap     *image.RGBA
	lastSnap time.Time
}

func New(width, height int, opts Options) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("overlay: invalid canvas size %dx%d", width, height)
	}
	if opts.FontSize <= 0 {
		opts.FontSize = DefaultFontSize
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = DefaultLineWidth
	}
	if opts.BoxColor == (gg.RGBA{}) {
		opts.BoxColor = DefaultBoxColor
	}
	if opts.TextColor == (gg.RGBA{}) {
		opts.TextColor = DefaultTextColor
	}

	source, err := text.NewFontSource(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("overlay: load font: %w", err)
	}
	pm := gg.NewPixmap(width, height)
	dc := gg.NewContext(width, height, gg.WithPixmap(pm))
	dc.SetFont(source.Face(opts.FontSize))

	return &Canvas{
		width:  width,
		height: height,
		opts:   opts,
		pm:     pm,
		dc:     dc,
		source: source,
	}, nil
}

func (c *Canvas) Width() int     { return c.width }
func (c *Canvas) Height() int    { return c.height }
func (c *Canvas) Frames() uint64 { return c.frames }

// BeginFrame starts a new frame on a fully transparent canvas.
func (c *Canvas) BeginFrame() {
	c.pm.Clear(gg.Transparent)
	c.inFrame = true
}

// Label returns the display name of a class id.
func (c *Canvas) Label(classID int) string {
	if classID >= 0 && classID < len(c.opts.Labels) {
		return c.opts.Labels[classID]
	}
	return fmt.Sprintf("class %d", classID)
}

// DrawBox outlines b and writes its label and confidence above it. Labels
// that would leave the top of the canvas are drawn inside the box.
func (c *Canvas) DrawBox(b types.BoundingBox) error {
	if b.Right <= b.Left || b.Bottom <= b.Top {
		return nil
	}
	c.dc.SetRGBA(c.opts.BoxColor.R, c.opts.BoxColor.G, c.opts.BoxColor.B, c.opts.BoxColor.A)
	c.dc.SetLineWidth(c.opts.LineWidth)
	c.dc.DrawRectangle(float64(b.Left), float64(b.Top), float64(b.Width()), float64(b.Height()))
	if err := c.dc.Stroke(); err != nil {
		return fmt.Errorf("overlay: stroke box: %w", err)
	}

	label := fmt.Sprintf("%s %.1f%%", c.Label(b.ClassID), b.Confidence*100)
	baseline := float64(b.Top) - c.opts.LineWidth
	if baseline < c.opts.FontSize {
		baseline = float64(b.Top) + c.opts.FontSize
	}
	c.DrawText(label, float64(b.Left), baseline)
	return nil
}

// DrawDetections draws every box and returns the first drawing error.
func (c *Canvas) DrawDetections(boxes []types.BoundingBox) error {
	for _, b := range boxes {
		if err := c.DrawBox(b); err != nil {
			return err
		}
	}
	return nil
}

// DrawText writes s in the text color with its baseline at y.
func (c *Canvas) DrawText(s string, x, y float64) {
	c.dc.SetRGBA(c.opts.TextColor.R, c.opts.TextColor.G, c.opts.TextColor.B, c.opts.TextColor.A)
	c.dc.DrawString(s, x, y)
}

// EndFrame uploads the finished frame through dst.
func (c *Canvas) EndFrame(dst types.Blitter) error {
	if !c.inFrame {
		return fmt.Errorf("overlay: EndFrame without BeginFrame")
	}
	c.inFrame = false
	c.frames++
	c.maybeSnapshot()
	if dst == nil {
		return nil
	}
	if err := dst.Blit(c.pm.Data(), c.width, c.height); err != nil {
		return fmt.Errorf("overlay: blit: %w", err)
	}
	return nil
}

func (c *Canvas) maybeSnapshot() {
	if c.opts.SnapshotInterval <= 0 {
		return
	}
	now := time.Now()
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.snap != nil && now.Sub(c.lastSnap) < c.opts.SnapshotInterval {
		return
	}
	if c.snap == nil {
		c.snap = c.pm.ToImage()
	} else {
		copy(c.snap.Pix, c.pm.Data())
	}
	c.lastSnap = now
}

// Snapshot returns a copy of the most recently captured frame, or nil when
// snapshots are disabled or no frame has finished yet. Safe for concurrent
// use.
func (c *Canvas) Snapshot() image.Image {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.snap == nil {
		return nil
	}
	img := image.NewRGBA(c.snap.Rect)
	copy(img.Pix, c.snap.Pix)
	return img
}

func (c *Canvas) Close() error {
	err := c.dc.Close()
	if cerr := c.source.Close(); err == nil {
		err = cerr
	}
	return err
}

// ViewBlitter writes frames into a mapped ARGB8888 buffer, such as a dumb
// buffer on the display device.
type ViewBlitter struct {
	View *types.PixelView
}

func (v ViewBlitter) Blit(rgba []byte, width, height int) error {
	if len(rgba) < width*height*4 {
		return fmt.Errorf("overlay: %dx%d frame needs %d bytes, have %d", width, height, width*height*4, len(rgba))
	}
	v.View.CopyFromRGBA(rgba, width, height)
	return nil
}
