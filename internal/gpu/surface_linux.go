//go:build linux

// Package gpu renders the overlay into an off-screen GBM surface that shares
// the display device, so every finished frame is a scanout-capable buffer
// object.
package gpu

/*
#cgo pkg-config: gbm egl gl
#include <gbm.h>
#include <EGL/egl.h>
#include <GL/gl.h>
#include <stdlib.h>

// ---------------------------------------------------------------------------
// GBM surface + EGL desktop GL context
// ---------------------------------------------------------------------------

typedef struct {
	struct gbm_device *gbm;
	struct gbm_surface *surface;
	EGLDisplay display;
	EGLConfig config;
	EGLSurface egl_surface;
	EGLContext context;
	int width;
	int height;
} GBMOverlay;

static void gbm_overlay_destroy(GBMOverlay *o) {
	if (!o) return;
	if (o->display != EGL_NO_DISPLAY) {
		eglMakeCurrent(o->display, EGL_NO_SURFACE, EGL_NO_SURFACE, EGL_NO_CONTEXT);
		if (o->context != EGL_NO_CONTEXT) eglDestroyContext(o->display, o->context);
		if (o->egl_surface != EGL_NO_SURFACE) eglDestroySurface(o->display, o->egl_surface);
		eglTerminate(o->display);
	}
	if (o->surface) gbm_surface_destroy(o->surface);
	if (o->gbm) gbm_device_destroy(o->gbm);
	free(o);
}

// Returns NULL on success, otherwise the step that failed. Partial state is
// left for gbm_overlay_destroy.
static const char* gbm_overlay_init(GBMOverlay *o, int drm_fd) {
	o->display = EGL_NO_DISPLAY;
	o->egl_surface = EGL_NO_SURFACE;
	o->context = EGL_NO_CONTEXT;

	o->gbm = gbm_create_device(drm_fd);
	if (!o->gbm) return "gbm_create_device";

	o->surface = gbm_surface_create(o->gbm, o->width, o->height,
		GBM_FORMAT_ARGB8888, GBM_BO_USE_SCANOUT | GBM_BO_USE_RENDERING);
	if (!o->surface) return "gbm_surface_create";

	o->display = eglGetDisplay((EGLNativeDisplayType)o->gbm);
	if (o->display == EGL_NO_DISPLAY) return "eglGetDisplay";

	EGLint major, minor;
	if (!eglInitialize(o->display, &major, &minor)) return "eglInitialize";
	if (!eglBindAPI(EGL_OPENGL_API)) return "eglBindAPI";

	EGLint attribs[] = {
		EGL_SURFACE_TYPE, EGL_WINDOW_BIT,
		EGL_RENDERABLE_TYPE, EGL_OPENGL_BIT,
		EGL_RED_SIZE, 8,
		EGL_GREEN_SIZE, 8,
		EGL_BLUE_SIZE, 8,
		EGL_ALPHA_SIZE, 8,
		EGL_BUFFER_SIZE, 32,
		EGL_NATIVE_RENDERABLE, EGL_TRUE,
		EGL_NATIVE_VISUAL_ID, GBM_FORMAT_ARGB8888,
		EGL_NONE
	};
	EGLint num_configs = 0;
	if (!eglChooseConfig(o->display, attribs, &o->config, 1, &num_configs) || num_configs < 1)
		return "eglChooseConfig";

	o->egl_surface = eglCreateWindowSurface(o->display, o->config,
		(EGLNativeWindowType)o->surface, NULL);
	if (o->egl_surface == EGL_NO_SURFACE) return "eglCreateWindowSurface";

	o->context = eglCreateContext(o->display, o->config, EGL_NO_CONTEXT, NULL);
	if (o->context == EGL_NO_CONTEXT) return "eglCreateContext";

	return NULL;
}

static int gbm_overlay_make_current(GBMOverlay *o) {
	return eglMakeCurrent(o->display, o->egl_surface, o->egl_surface, o->context) ? 0 : -1;
}

static void gbm_overlay_release_current(GBMOverlay *o) {
	eglMakeCurrent(o->display, EGL_NO_SURFACE, EGL_NO_SURFACE, EGL_NO_CONTEXT);
}

static struct gbm_bo* gbm_overlay_present_and_lock(GBMOverlay *o) {
	if (!eglSwapBuffers(o->display, o->egl_surface)) return NULL;
	return gbm_surface_lock_front_buffer(o->surface);
}

static void gbm_overlay_unlock(GBMOverlay *o, struct gbm_bo *bo) {
	gbm_surface_release_buffer(o->surface, bo);
}

static unsigned int gbm_overlay_bo_handle(struct gbm_bo *bo) {
	return gbm_bo_get_handle(bo).u32;
}

static void gbm_overlay_clear(GBMOverlay *o) {
	glViewport(0, 0, o->width, o->height);
	glClearColor(0.0f, 0.0f, 0.0f, 0.0f);
	glClear(GL_COLOR_BUFFER_BIT);
}

// Draws a top-down RGBA image at the top-left corner of the frame.
static void gbm_overlay_blit(GBMOverlay *o, const void *rgba, int w, int h) {
	glViewport(0, 0, o->width, o->height);
	glMatrixMode(GL_PROJECTION);
	glLoadIdentity();
	glMatrixMode(GL_MODELVIEW);
	glLoadIdentity();
	glDisable(GL_BLEND);
	glPixelStorei(GL_UNPACK_ALIGNMENT, 4);
	glRasterPos2f(-1.0f, 1.0f);
	glPixelZoom(1.0f, -1.0f);
	glDrawPixels(w, h, GL_RGBA, GL_UNSIGNED_BYTE, rgba);
	glPixelZoom(1.0f, 1.0f);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"unsafe"
)

var ErrInit = errors.New("gpu: overlay surface initialization failed")

// BufferObject is a locked front buffer of the surface.
type BufferObject struct {
	bo *C.struct_gbm_bo
}

// ID identifies the underlying buffer object. GBM recycles a small set of
// objects, so the same ID comes back every few frames.
func (b *BufferObject) ID() uintptr { return uintptr(unsafe.Pointer(b.bo)) }
func (b *BufferObject) Handle() uint32 { return uint32(C.gbm_overlay_bo_handle(b.bo)) }
func (b *BufferObject) Stride() uint32 { return uint32(C.gbm_bo_get_stride(b.bo)) }
func (b *BufferObject) Width() int { return int(C.gbm_bo_get_width(b.bo)) }
func (b *BufferObject) Height() int { return int(C.gbm_bo_get_height(b.bo)) }

// Surface is an ARGB8888 GBM surface with a desktop GL context.
type Surface struct {
	drmFD  int
	width  int
	height int

	mu sync.Mutex
	o  *C.GBMOverlay
}

// NewSurface describes a surface on the DRM device drmFD. Nothing is
// allocated until Initialize.
func NewSurface(drmFD, width, height int) *Surface {
	return &Surface{drmFD: drmFD, width: width, height: height}
}

func (s *Surface) Width() int  { return s.width }
func (s *Surface) Height() int { return s.height }

func (s *Surface) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.o != nil {
		return nil
	}
	o := (*C.GBMOverlay)(C.calloc(1, C.size_t(unsafe.Sizeof(C.GBMOverlay{}))))
	if o == nil {
		return fmt.Errorf("%w: out of memory", ErrInit)
	}
	o.width = C.int(s.width)
	o.height = C.int(s.height)
	if step := C.gbm_overlay_init(o, C.int(s.drmFD)); step != nil {
		code := C.eglGetError()
		C.gbm_overlay_destroy(o)
		return fmt.Errorf("%w: %s (egl error %#x)", ErrInit, C.GoString(step), uint32(code))
	}
	s.o = o
	log.Printf("gpu: GBM overlay surface (%dx%d) on fd %d", s.width, s.height, s.drmFD)
	return nil
}

// BindToCallingThread makes the GL context current on the calling
// goroutine's OS thread and locks the goroutine to that thread. Call
// Release from the same goroutine when done.
func (s *Surface) BindToCallingThread() error {
	runtime.LockOSThread()
	if s.o == nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("%w: surface not initialized", ErrInit)
	}
	if C.gbm_overlay_make_current(s.o) != 0 {
		runtime.UnlockOSThread()
		return fmt.Errorf("gpu: eglMakeCurrent failed (egl error %#x)", uint32(C.eglGetError()))
	}
	return nil
}

// Release detaches the context from the calling thread.
func (s *Surface) Release() {
	if s.o != nil {
		C.gbm_overlay_release_current(s.o)
	}
	runtime.UnlockOSThread()
}

// PresentAndLock finishes the current frame and locks it for scanout. The
// returned object must be given back with Unlock.
func (s *Surface) PresentAndLock() (*BufferObject, error) {
	bo := C.gbm_overlay_present_and_lock(s.o)
	if bo == nil {
		return nil, fmt.Errorf("gpu: present failed (egl error %#x)", uint32(C.eglGetError()))
	}
	return &BufferObject{bo: bo}, nil
}

func (s *Surface) Unlock(bo *BufferObject) {
	if bo == nil || bo.bo == nil {
		return
	}
	C.gbm_overlay_unlock(s.o, bo.bo)
}

// Clear fills the current frame with transparent black.
func (s *Surface) Clear() {
	C.gbm_overlay_clear(s.o)
}

// Blit uploads a tightly packed top-down RGBA image into the current frame.
func (s *Surface) Blit(rgba []byte, width, height int) error {
	if len(rgba) < width*height*4 {
		return fmt.Errorf("gpu: blit of %dx%d needs %d bytes, have %d", width, height, width*height*4, len(rgba))
	}
	if width == 0 || height == 0 {
		return nil
	}
	C.gbm_overlay_blit(s.o, unsafe.Pointer(&rgba[0]), C.int(width), C.int(height))
	return nil
}

// Close tears down the context, surface and GBM device. It is idempotent.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.o == nil {
		return
	}
	C.gbm_overlay_destroy(s.o)
	s.o = nil
}
