// Package pipeline runs the capture-driven display loop and the overlay
// render loop, and passes finished overlay buffers between them with one
// buffer in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hdmimix/internal/capture"
	"hdmimix/internal/detect"
	"hdmimix/internal/telemetry"
	"hdmimix/internal/types"
)

// Source is a streaming capture device.
type Source interface {
	Width() int
	Height() int
	PixelFormat() uint32
	Buffers() []capture.Buffer
	Frame(b *capture.Buffer, meta capture.Metadata) types.Frame
	StreamOn(ctx context.Context, onFrame func(buf *capture.Buffer, meta capture.Metadata)) error
	StreamOff() error
	Close() error
}

// Display is the plane compositor.
type Display interface {
	ImportCaptureBuffer(index, dmabufFD int) (int, error)
	ImportOverlayBuffer(bo types.OverlayBuffer) (uint32, error)
	Display(videoIndex int, overlayFB uint32) error
	// CommittedOverlay is the overlay framebuffer currently on the plane.
	CommittedOverlay() uint32
	WaitVBlank() error
	Close() error
}

// Surface is the GPU render target of the overlay. Its methods other than
// Close are called from the render goroutine only.
type Surface interface {
	types.Blitter
	BindToCallingThread() error
	Release()
	Clear()
	PresentAndLock() (types.OverlayBuffer, error)
	Unlock(bo types.OverlayBuffer)
	Close()
}

// Canvas is the immediate-mode drawing layer.
type Canvas interface {
	BeginFrame()
	DrawDetections(boxes []types.BoundingBox) error
	EndFrame(dst types.Blitter) error
}

// DumbTarget is a CPU-mapped overlay framebuffer that replaces the GPU
// surface.
type DumbTarget struct {
	FB      uint32
	Blitter types.Blitter
}

// Config wires the pipeline. The pipeline owns Source, Display, Surface and
// Detector from New on and closes them when Run returns.
type Config struct {
	Source   Source
	Display  Display
	Surface  Surface     // nil when Dumb is set
	Dumb     *DumbTarget // dumb-buffer overlay instead of Surface
	Canvas   Canvas
	Detector types.Detector
	Filter   *detect.Filter

	SettleDelay   time.Duration
	StatsInterval time.Duration
	DebugFrames   bool
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	RunID         string                `json:"run_id"`
	Uptime        time.Duration         `json:"uptime_ns"`
	Displayed     uint64                `json:"displayed"`
	Rendered      uint64                `json:"rendered"`
	Detections    uint64                `json:"detections"`
	DisplayErrors uint64                `json:"display_errors"`
	VBlankErrors  uint64                `json:"vblank_errors"`
	RenderErrors  uint64                `json:"render_errors"`
	DetectErrors  uint64                `json:"detect_errors"`
	OverlayFB     uint32                `json:"overlay_fb"`
	LastIndex     int                   `json:"last_index"`
	RenderHz      float64               `json:"render_hz"`
	DisplayHz     float64               `json:"display_hz"`
	Pacing        telemetry.JitterStats `json:"pacing"`
}

type Pipeline struct {
	cfg     Config
	runID   string
	started time.Time
	handoff *Handoff

	overlayFB atomic.Uint32
	last      atomic.Pointer[types.Frame]

	displayed     atomic.Uint64
	rendered      atomic.Uint64
	detections    atomic.Uint64
	displayErrors atomic.Uint64
	vblankErrors  atomic.Uint64
	renderErrors  atomic.Uint64
	detectErrors  atomic.Uint64

	renderFreq  *telemetry.FreqMonitor
	displayFreq *telemetry.FreqMonitor
	jitter      *telemetry.JitterMeter

	warnedFormat bool
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Display == nil || cfg.Canvas == nil {
		return nil, errors.New("pipeline: source, display and canvas are required")
	}
	if (cfg.Surface == nil) == (cfg.Dumb == nil) {
		return nil, errors.New("pipeline: exactly one of surface and dumb target is required")
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.Nop{}
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Pipeline{
		cfg:         cfg,
		runID:       uuid.New().String(),
		started:     time.Now(),
		handoff:     NewHandoff(),
		renderFreq:  telemetry.NewFreqMonitor("render", interval),
		displayFreq: telemetry.NewFreqMonitor("display", interval),
		jitter:      telemetry.NewJitterMeter(60, 60),
	}, nil
}

func (p *Pipeline) RunID() string { return p.runID }

// Run imports the capture buffers, starts the render goroutine, waits for
// it to be ready, then streams until ctx is done or either loop fails.
// Everything the pipeline owns is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Printf("pipeline: run %s", p.runID)

	if err := p.importBuffers(); err != nil {
		p.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan error, 1)
	g.Go(func() error {
		if p.cfg.Dumb != nil {
			return p.renderDumb(gctx, ready)
		}
		return p.render(gctx, ready)
	})

	select {
	case err := <-ready:
		if err != nil {
			p.handoff.Close()
			g.Wait()
			p.shutdown()
			return err
		}
	case <-ctx.Done():
		p.handoff.Close()
		g.Wait()
		p.shutdown()
		return nil
	}

	g.Go(func() error {
		defer p.handoff.Close()
		return p.cfg.Source.StreamOn(gctx, p.onFrame)
	})

	err := g.Wait()
	p.shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (p *Pipeline) importBuffers() error {
	for i, b := range p.cfg.Source.Buffers() {
		if len(b.Planes) == 0 {
			return fmt.Errorf("pipeline: capture buffer %d has no planes", i)
		}
		if _, err := p.cfg.Display.ImportCaptureBuffer(i, b.Planes[0].DMAFD); err != nil {
			return fmt.Errorf("pipeline: import capture buffer %d: %w", i, err)
		}
	}
	return nil
}

// onFrame is the display loop body. It runs on the capture goroutine once
// per dequeued buffer.
func (p *Pipeline) onFrame(buf *capture.Buffer, meta capture.Metadata) {
	p.jitter.Mark()
	if p.cfg.DebugFrames {
		log.Printf("pipeline: %s", buf)
	}

	frame := p.cfg.Source.Frame(buf, meta)
	p.last.Store(&frame)

	if err := p.cfg.Display.Display(buf.Index, p.overlayFB.Load()); err != nil {
		p.displayErrors.Add(1)
	}
	if err := p.cfg.Display.WaitVBlank(); err != nil {
		if n := p.vblankErrors.Add(1); n <= 5 || n%100 == 0 {
			log.Printf("pipeline: wait for vblank (%d): %v", n, err)
		}
	}
	p.displayed.Add(1)
	p.handoff.Signal(p.cfg.Display.CommittedOverlay())

	if _, ok := p.displayFreq.Tick(); ok {
		p.logStats()
	}
}

// render is the GPU render loop. The surface context is bound to this
// goroutine's OS thread for the life of the loop.
func (p *Pipeline) render(ctx context.Context, ready chan<- error) error {
	surf := p.cfg.Surface
	if err := surf.BindToCallingThread(); err != nil {
		ready <- err
		return err
	}
	defer surf.Release()
	ready <- nil

	for ctx.Err() == nil && !p.handoff.Closed() {
		surf.Clear()
		p.drawFrame(surf)

		bo, err := surf.PresentAndLock()
		if err != nil {
			p.renderError("present", err)
			if !p.handoff.Wait() {
				break
			}
			continue
		}
		fb, err := p.cfg.Display.ImportOverlayBuffer(bo)
		if err != nil {
			p.renderError("import overlay", err)
			surf.Unlock(bo)
			if !p.handoff.Wait() {
				break
			}
			continue
		}
		p.overlayFB.Store(fb)
		p.rendered.Add(1)
		p.renderFreq.Tick()

		// bo stays locked until a display iteration has put fb on the plane.
		ok := p.handoff.WaitCommitted(fb)
		surf.Unlock(bo)
		if !ok {
			break
		}
	}
	return nil
}

// renderDumb draws straight into the mapped dumb buffer, which stays on the
// overlay plane for the whole run.
func (p *Pipeline) renderDumb(ctx context.Context, ready chan<- error) error {
	p.overlayFB.Store(p.cfg.Dumb.FB)
	ready <- nil

	for ctx.Err() == nil && !p.handoff.Closed() {
		p.drawFrame(p.cfg.Dumb.Blitter)
		p.rendered.Add(1)
		p.renderFreq.Tick()
		if !p.handoff.Wait() {
			break
		}
	}
	return nil
}

func (p *Pipeline) drawFrame(dst types.Blitter) {
	p.cfg.Canvas.BeginFrame()
	if boxes := p.detect(); len(boxes) > 0 {
		if err := p.cfg.Canvas.DrawDetections(boxes); err != nil {
			p.renderError("draw", err)
		}
	}
	if err := p.cfg.Canvas.EndFrame(dst); err != nil {
		p.renderError("end frame", err)
	}
}

// detect runs the detector on the frame most recently sent to the display.
func (p *Pipeline) detect() []types.BoundingBox {
	frame := p.last.Load()
	if frame == nil {
		return nil
	}
	if frame.PixFmt != types.PixFmtNV12 {
		if !p.warnedFormat {
			p.warnedFormat = true
			log.Printf("pipeline: detector needs NV12, skipping %s frames; transcode the source to NV12 to enable detection",
				types.FourCCString(frame.PixFmt))
		}
		return nil
	}
	boxes, err := p.cfg.Detector.Detect(*frame)
	if err != nil {
		if n := p.detectErrors.Add(1); n <= 5 || n%100 == 0 {
			log.Printf("pipeline: detect (%d): %v", n, err)
		}
		return nil
	}
	if p.cfg.Filter != nil {
		boxes = p.cfg.Filter.Apply(boxes)
	}
	p.detections.Add(uint64(len(boxes)))
	return boxes
}

func (p *Pipeline) renderError(op string, err error) {
	if n := p.renderErrors.Add(1); n <= 5 || n%100 == 0 {
		log.Printf("pipeline: %s (%d): %v", op, n, err)
	}
}

func (p *Pipeline) logStats() {
	s := p.Stats()
	log.Printf("pipeline: displayed=%d rendered=%d detections=%d displayErr=%d vblankErr=%d renderErr=%d | display=%.1fHz render=%.1fHz",
		s.Displayed, s.Rendered, s.Detections, s.DisplayErrors, s.VBlankErrors, s.RenderErrors, s.DisplayHz, s.RenderHz)
	if s.Pacing.Frames > 0 {
		p.jitter.Print(s.Pacing)
	}
}

// Stats is safe for concurrent use.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		RunID:         p.runID,
		Displayed:     p.displayed.Load(),
		Rendered:      p.rendered.Load(),
		Detections:    p.detections.Load(),
		DisplayErrors: p.displayErrors.Load(),
		VBlankErrors:  p.vblankErrors.Load(),
		RenderErrors:  p.renderErrors.Load(),
		DetectErrors:  p.detectErrors.Load(),
		OverlayFB:     p.overlayFB.Load(),
		LastIndex:     -1,
		RenderHz:      p.renderFreq.Rate(),
		DisplayHz:     p.displayFreq.Rate(),
		Pacing:        p.jitter.Last(),
	}
	s.Uptime = time.Since(p.started)
	if f := p.last.Load(); f != nil {
		s.LastIndex = f.Index
	}
	return s
}

// shutdown stops streaming and closes the devices in reverse dependency
// order with a settle delay after each step.
func (p *Pipeline) shutdown() {
	settle := func() {
		if p.cfg.SettleDelay > 0 {
			time.Sleep(p.cfg.SettleDelay)
		}
	}
	if err := p.cfg.Source.StreamOff(); err != nil {
		log.Printf("pipeline: stream off: %v", err)
	}
	settle()
	if p.cfg.Surface != nil {
		p.cfg.Surface.Close()
		settle()
	}
	if err := p.cfg.Display.Close(); err != nil {
		log.Printf("pipeline: close display: %v", err)
	}
	settle()
	if err := p.cfg.Source.Close(); err != nil {
		log.Printf("pipeline: close capture: %v", err)
	}
	settle()
	if err := p.cfg.Detector.Close(); err != nil {
		log.Printf("pipeline: close detector: %v", err)
	}
	log.Printf("pipeline: run %s stopped after %d frames", p.runID, p.displayed.Load())
}
