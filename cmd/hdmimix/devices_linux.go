//go:build linux

package main

import (
	"errors"
	"fmt"
	"log"

	"hdmimix/internal/capture"
	"hdmimix/internal/config"
	"hdmimix/internal/drm"
	"hdmimix/internal/gpu"
	"hdmimix/internal/overlay"
	"hdmimix/internal/pipeline"
	"hdmimix/internal/types"
)

// devices is everything opened before the pipeline starts. The pipeline
// takes over source, display and surface; canvas stays with main.
type devices struct {
	source  *capture.Device
	display *drm.Device
	surface pipeline.Surface
	dumb    *pipeline.DumbTarget
	canvas  *overlay.Canvas
}

// glSurface adapts the GBM surface to the pipeline's buffer object type.
type glSurface struct {
	*gpu.Surface
}

func (s glSurface) PresentAndLock() (types.OverlayBuffer, error) {
	bo, err := s.Surface.PresentAndLock()
	if err != nil {
		return nil, err
	}
	return bo, nil
}

func (s glSurface) Unlock(bo types.OverlayBuffer) {
	if b, ok := bo.(*gpu.BufferObject); ok {
		s.Surface.Unlock(b)
	}
}

// openDevices opens capture, then display sized to the capture format, then
// the overlay target. Anything opened is closed again on failure.
func openDevices(cfg config.Config, canvasOpts overlay.Options) (*devices, error) {
	d := &devices{}
	var err error
	if d.source, err = capture.Open(cfg.CaptureDevice, cfg.BufferCount); err != nil {
		return nil, err
	}
	w, h, pixfmt := d.source.Width(), d.source.Height(), d.source.PixelFormat()
	if pixfmt == types.PixFmtNV24 {
		log.Printf("warning: NV24 is displayed but not analysed by the detector, transcode the source to NV12 to enable detection")
	}

	kind, err := drm.ParsePlaneKind(cfg.OverlayPlane)
	if err != nil {
		d.close()
		return nil, err
	}
	if d.display, err = drm.Open(cfg.DisplayDevice, w, h, pixfmt, drm.WithOverlayKind(kind)); err != nil {
		d.close()
		return nil, err
	}

	if d.canvas, err = overlay.New(w, h, canvasOpts); err != nil {
		d.close()
		return nil, err
	}

	switch cfg.OverlayMode {
	case config.ModeDumb:
		db, err := d.display.CreateDumbOverlay()
		if err != nil {
			d.close()
			return nil, err
		}
		view, err := db.Pixels()
		if err != nil {
			d.close()
			return nil, fmt.Errorf("dumb overlay: %w", err)
		}
		d.dumb = &pipeline.DumbTarget{FB: db.FB, Blitter: overlay.ViewBlitter{View: view}}
	default:
		surf := gpu.NewSurface(d.display.FD(), w, h)
		if err := surf.Initialize(); err != nil {
			d.close()
			return nil, err
		}
		d.surface = glSurface{surf}
	}
	return d, nil
}

// close releases whatever openDevices acquired, in reverse order.
func (d *devices) close() {
	var errs []error
	if d.surface != nil {
		d.surface.Close()
	}
	if d.canvas != nil {
		errs = append(errs, d.canvas.Close())
	}
	if d.display != nil {
		errs = append(errs, d.display.Close())
	}
	if d.source != nil {
		errs = append(errs, d.source.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("close devices: %v", err)
	}
}

type status struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Display  drm.Stats      `json:"display"`
	Capture  captureStatus  `json:"capture"`
}

type captureStatus struct {
	Device        string `json:"device"`
	Format        string `json:"format"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Buffers       int    `json:"buffers"`
	Frames        uint64 `json:"frames"`
	DequeueErrors uint64 `json:"dequeue_errors"`
}

func (d *devices) status(p *pipeline.Pipeline) status {
	return status{
		Pipeline: p.Stats(),
		Display:  d.display.Stats(),
		Capture: captureStatus{
			Device:        d.source.Path(),
			Format:        types.FourCCString(d.source.PixelFormat()),
			Width:         d.source.Width(),
			Height:        d.source.Height(),
			Buffers:       d.source.BufferCount(),
			Frames:        d.source.Frames(),
			DequeueErrors: d.source.DequeueErrors(),
		},
	}
}
