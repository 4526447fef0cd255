package drm

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"hdmimix/internal/ioctl"
	"hdmimix/internal/types"
)

// Z order of the two planes when the driver exposes zpos.
const (
	videoZpos   = 10
	overlayZpos = 11
)

// Device is a DRM/KMS card driven through the atomic API with a fixed pair
// of planes: one for video passthrough and one for the ARGB overlay.
type Device struct {
	sys         ioctl.Sys
	path        string
	fd          int
	width       int
	height      int
	pixfmt      uint32
	overlayKind PlaneKind

	hasDumb   bool
	connector uint32
	crtc      uint32
	crtcIndex int
	modes     []sysModeInfo
	planes    []Plane
	video     *Plane
	overlay   *Plane

	mu          sync.Mutex
	passthrough []uint32
	gemHandles  map[uint32]struct{}
	overlayFBs  map[uintptr]uint32
	dumb        *DumbBuffer

	// Touched only by the goroutine calling Display.
	curVideo   int
	curOverlay uint32

	commits  atomic.Uint64
	busy     atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Device)

// WithSys replaces the syscall layer.
func WithSys(sys ioctl.Sys) Option {
	return func(d *Device) { d.sys = sys }
}

// WithOverlayKind selects which kind of plane carries the overlay.
// The default is KindPrimary.
func WithOverlayKind(k PlaneKind) Option {
	return func(d *Device) { d.overlayKind = k }
}

// Open opens the card at path and selects planes for width x height video
// in pixfmt. On failure everything acquired is released.
func Open(path string, width, height int, pixfmt uint32, opts ...Option) (*Device, error) {
	d := &Device{
		sys:         ioctl.Kernel{},
		path:        path,
		fd:          -1,
		width:       width,
		height:      height,
		pixfmt:      pixfmt,
		overlayKind: KindPrimary,
		crtcIndex:   -1,
		curVideo:    -1,
		gemHandles:  make(map[uint32]struct{}),
		overlayFBs:  make(map[uintptr]uint32),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.open(); err != nil {
		d.Close()
		return nil, err
	}
	log.Printf("drm: %s connector %d crtc %d, video plane %d (%s), overlay plane %d (%s), dumb=%v",
		path, d.connector, d.crtc, d.video.ID, d.video.Kind, d.overlay.ID, d.overlay.Kind, d.hasDumb)
	return d, nil
}

func (d *Device) open() error {
	fd, err := d.sys.Open(d.path, unix.O_RDWR)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrDeviceOpen, d.path, err)
	}
	d.fd = fd

	// Atomic implies universal planes.
	clientCap := sysSetClientCap{capability: clientCapAtomic, value: 1}
	if err := d.ioctl(ioctlSetClientCap, unsafe.Pointer(&clientCap)); err != nil {
		return fmt.Errorf("drm: enable atomic: %w", err)
	}
	getCap := sysGetCap{capability: capDumbBuffer}
	if err := d.ioctl(ioctlGetCap, unsafe.Pointer(&getCap)); err == nil {
		d.hasDumb = getCap.value != 0
	}

	if err := d.findOutput(); err != nil {
		return err
	}
	if err := d.discoverPlanes(); err != nil {
		return err
	}
	d.video, d.overlay, err = selectPlanes(d.planes, d.pixfmt, d.overlayKind, d.crtcIndex)
	return err
}

// findOutput picks the first connected connector and resolves its CRTC.
func (d *Device) findOutput() error {
	var res sysCardRes
	if err := d.ioctl(ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return fmt.Errorf("drm: get resources: %w", err)
	}
	crtcs := make([]uint32, res.countCrtcs)
	connectors := make([]uint32, res.countConnectors)
	res = sysCardRes{
		crtcIDPtr:       ptr(crtcs),
		connectorIDPtr:  ptr(connectors),
		countCrtcs:      uint32(len(crtcs)),
		countConnectors: uint32(len(connectors)),
	}
	err := d.ioctl(ioctlModeGetResources, unsafe.Pointer(&res))
	runtime.KeepAlive(crtcs)
	runtime.KeepAlive(connectors)
	if err != nil {
		return fmt.Errorf("drm: get resources: %w", err)
	}
	// Counts may have changed between the two calls.
	crtcs = crtcs[:min(len(crtcs), int(res.countCrtcs))]
	connectors = connectors[:min(len(connectors), int(res.countConnectors))]

	for _, id := range connectors {
		conn, encoders, modes, err := d.getConnector(id)
		if err != nil {
			return err
		}
		if conn.connection != modeConnected {
			continue
		}
		d.connector = id
		d.modes = modes

		if conn.encoderID != 0 {
			enc := sysGetEncoder{encoderID: conn.encoderID}
			if err := d.ioctl(ioctlModeGetEncoder, unsafe.Pointer(&enc)); err == nil {
				d.crtc = enc.crtcID
			}
		}
		// No active encoder: take the first CRTC any of its encoders can drive.
		for _, encID := range encoders {
			if d.crtc != 0 {
				break
			}
			enc := sysGetEncoder{encoderID: encID}
			if err := d.ioctl(ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
				continue
			}
			for i, c := range crtcs {
				if enc.possibleCrtcs&(1<<i) != 0 {
					d.crtc = c
					break
				}
			}
		}
		if d.crtc == 0 {
			return fmt.Errorf("%w: connector %d has no CRTC", ErrNoConnector, id)
		}
		for i, c := range crtcs {
			if c == d.crtc {
				d.crtcIndex = i
			}
		}
		return nil
	}
	return ErrNoConnector
}

func (d *Device) getConnector(id uint32) (*sysGetConnector, []uint32, []sysModeInfo, error) {
	conn := &sysGetConnector{connectorID: id}
	if err := d.ioctl(ioctlModeGetConnector, unsafe.Pointer(conn)); err != nil {
		return nil, nil, nil, fmt.Errorf("drm: get connector %d: %w", id, err)
	}
	encoders := make([]uint32, conn.countEncoders)
	modes := make([]sysModeInfo, conn.countModes)
	*conn = sysGetConnector{
		connectorID:   id,
		encodersPtr:   ptr(encoders),
		modesPtr:      ptr(modes),
		countEncoders: uint32(len(encoders)),
		countModes:    uint32(len(modes)),
	}
	err := d.ioctl(ioctlModeGetConnector, unsafe.Pointer(conn))
	runtime.KeepAlive(encoders)
	runtime.KeepAlive(modes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("drm: get connector %d: %w", id, err)
	}
	encoders = encoders[:min(len(encoders), int(conn.countEncoders))]
	modes = modes[:min(len(modes), int(conn.countModes))]
	return conn, encoders, modes, nil
}

// discoverPlanes enumerates all planes with their formats, property ids and
// kind.
func (d *Device) discoverPlanes() error {
	var res sysGetPlaneRes
	if err := d.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return fmt.Errorf("drm: get plane resources: %w", err)
	}
	ids := make([]uint32, res.countPlanes)
	res.planeIDPtr = ptr(ids)
	err := d.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&res))
	runtime.KeepAlive(ids)
	if err != nil {
		return fmt.Errorf("drm: get plane resources: %w", err)
	}
	ids = ids[:min(len(ids), int(res.countPlanes))]

	for _, id := range ids {
		p, err := d.getPlane(id)
		if err != nil {
			return err
		}
		d.planes = append(d.planes, *p)
	}
	return nil
}

func (d *Device) getPlane(id uint32) (*Plane, error) {
	gp := sysGetPlane{planeID: id}
	if err := d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&gp)); err != nil {
		return nil, fmt.Errorf("drm: get plane %d: %w", id, err)
	}
	formats := make([]uint32, gp.countFormatTypes)
	gp.formatTypePtr = ptr(formats)
	err := d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&gp))
	runtime.KeepAlive(formats)
	if err != nil {
		return nil, fmt.Errorf("drm: get plane %d: %w", id, err)
	}

	p := &Plane{
		ID:            id,
		Kind:          KindPrimary,
		Formats:       formats[:min(len(formats), int(gp.countFormatTypes))],
		PossibleCRTCs: gp.possibleCrtcs,
	}

	propIDs, values, err := d.objectProperties(id, objectPlane)
	if err != nil {
		return nil, err
	}
	for i, propID := range propIDs {
		name, flags, enums, err := d.property(propID)
		if err != nil {
			continue
		}
		p.Props.set(name, propID)
		if name == "type" && flags&propEnum != 0 {
			switch enums[values[i]] {
			case "Overlay":
				p.Kind = KindOverlay
			case "Cursor":
				p.Kind = KindCursor
			case "Primary":
				p.Kind = KindPrimary
			}
		}
	}
	return p, nil
}

func (d *Device) objectProperties(obj, objType uint32) ([]uint32, []uint64, error) {
	op := sysObjGetProperties{objID: obj, objType: objType}
	if err := d.ioctl(ioctlModeObjGetProps, unsafe.Pointer(&op)); err != nil {
		return nil, nil, fmt.Errorf("drm: properties of %d: %w", obj, err)
	}
	props := make([]uint32, op.countProps)
	values := make([]uint64, op.countProps)
	op.propsPtr = ptr(props)
	op.propValuesPtr = ptr(values)
	err := d.ioctl(ioctlModeObjGetProps, unsafe.Pointer(&op))
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return nil, nil, fmt.Errorf("drm: properties of %d: %w", obj, err)
	}
	n := min(len(props), int(op.countProps))
	return props[:n], values[:n], nil
}

// property returns a property's name and flags, and for enum properties
// the value to name table.
func (d *Device) property(id uint32) (string, uint32, map[uint64]string, error) {
	gp := sysGetProperty{propID: id}
	if err := d.ioctl(ioctlModeGetProperty, unsafe.Pointer(&gp)); err != nil {
		return "", 0, nil, err
	}
	values := make([]uint64, gp.countValues)
	blobs := make([]sysPropertyEnum, gp.countEnumBlobs)
	gp.valuesPtr = ptr(values)
	gp.enumBlobPtr = ptr(blobs)
	err := d.ioctl(ioctlModeGetProperty, unsafe.Pointer(&gp))
	runtime.KeepAlive(values)
	runtime.KeepAlive(blobs)
	if err != nil {
		return "", 0, nil, err
	}
	var enums map[uint64]string
	if gp.flags&propEnum != 0 {
		enums = make(map[uint64]string, len(blobs))
		for _, b := range blobs[:min(len(blobs), int(gp.countEnumBlobs))] {
			enums[b.value] = cstring(b.name[:])
		}
	}
	return cstring(gp.name[:]), gp.flags, enums, nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	return d.sys.Ioctl(d.fd, req, arg)
}

// addFB2 wraps DRM_IOCTL_MODE_ADDFB2 with linear modifiers on every used
// plane.
func (d *Device) addFB2(format uint32, handles, pitches, offsets []uint32) (uint32, error) {
	cmd := sysFBCmd2{
		width:       uint32(d.width),
		height:      uint32(d.height),
		pixelFormat: format,
		flags:       fbModifiers,
	}
	copy(cmd.handles[:], handles)
	copy(cmd.pitches[:], pitches)
	copy(cmd.offsets[:], offsets)
	for i := range handles {
		cmd.modifier[i] = modLinear
	}
	if err := d.ioctl(ioctlModeAddFB2, unsafe.Pointer(&cmd)); err != nil {
		return 0, err
	}
	return cmd.fbID, nil
}

// ImportCaptureBuffer wraps a capture DMA-buf as a passthrough framebuffer.
// Buffers must be imported in index order starting at zero.
func (d *Device) ImportCaptureBuffer(index, dmabufFD int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index != len(d.passthrough) {
		return -1, fmt.Errorf("%w: got %d, expected %d", ErrImportOrder, index, len(d.passthrough))
	}
	chromaOffset, chromaPitch, err := ChromaLayout(d.pixfmt, d.width, d.height)
	if err != nil {
		return -1, err
	}

	prime := sysPrimeHandle{fd: int32(dmabufFD)}
	if err := d.ioctl(ioctlPrimeFDToHandle, unsafe.Pointer(&prime)); err != nil {
		return -1, fmt.Errorf("drm: import dmabuf %d: %w", dmabufFD, err)
	}
	d.gemHandles[prime.handle] = struct{}{}

	fb, err := d.addFB2(d.pixfmt,
		[]uint32{prime.handle, prime.handle},
		[]uint32{uint32(d.width), chromaPitch},
		[]uint32{0, chromaOffset})
	if err != nil {
		return -1, fmt.Errorf("drm: add framebuffer for buffer %d: %w", index, err)
	}
	d.passthrough = append(d.passthrough, fb)
	log.Printf("drm: buffer %d -> fb %d", index, fb)
	return len(d.passthrough) - 1, nil
}

// ImportOverlayBuffer returns the framebuffer for a GPU buffer object,
// creating it on first sight of the object.
func (d *Device) ImportOverlayBuffer(bo types.OverlayBuffer) (uint32, error) {
	if bo == nil {
		return 0, errors.New("drm: nil overlay buffer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if fb, ok := d.overlayFBs[bo.ID()]; ok {
		return fb, nil
	}
	fb, err := d.addFB2(types.PixFmtARGB8888, []uint32{bo.Handle()}, []uint32{bo.Stride()}, []uint32{0})
	if err != nil {
		return 0, fmt.Errorf("drm: add overlay framebuffer: %w", err)
	}
	d.overlayFBs[bo.ID()] = fb
	log.Printf("drm: overlay buffer %#x -> fb %d", bo.ID(), fb)
	d.setCRTC(fb)
	return fb, nil
}

// CreateDumbOverlay allocates a transparent CPU-mapped overlay framebuffer.
// Only one is created per device; later calls return the same buffer.
func (d *Device) CreateDumbOverlay() (*DumbBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dumb != nil {
		return d.dumb, nil
	}
	if !d.hasDumb {
		return nil, ErrNoDumbBuffer
	}

	create := sysCreateDumb{width: uint32(d.width), height: uint32(d.height), bpp: 32}
	if err := d.ioctl(ioctlModeCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("drm: create dumb buffer: %w", err)
	}
	buf := &DumbBuffer{Handle: create.handle, Pitch: create.pitch, Width: d.width, Height: d.height}

	mreq := sysMapDumb{handle: create.handle}
	if err := d.ioctl(ioctlModeMapDumb, unsafe.Pointer(&mreq)); err != nil {
		d.destroyDumb(buf)
		return nil, fmt.Errorf("drm: map dumb buffer: %w", err)
	}
	data, err := d.sys.Mmap(d.fd, int64(mreq.offset), int(create.size))
	if err != nil {
		d.destroyDumb(buf)
		return nil, fmt.Errorf("drm: mmap dumb buffer: %w", err)
	}
	clear(data)
	buf.Data = data

	fb, err := d.addFB2(types.PixFmtARGB8888, []uint32{create.handle}, []uint32{create.pitch}, []uint32{0})
	if err != nil {
		d.destroyDumb(buf)
		return nil, fmt.Errorf("drm: add dumb framebuffer: %w", err)
	}
	buf.FB = fb
	d.dumb = buf
	d.overlayFBs[0] = fb
	d.setCRTC(fb)
	return buf, nil
}

// destroyDumb unmaps buf and frees its handle. It does not touch buf.FB.
func (d *Device) destroyDumb(buf *DumbBuffer) error {
	var errs []error
	if buf.Data != nil {
		if err := d.sys.Munmap(buf.Data); err != nil {
			errs = append(errs, err)
		}
		buf.Data = nil
	}
	destroy := sysDestroyDumb{handle: buf.Handle}
	if err := d.ioctl(ioctlModeDestroyDumb, unsafe.Pointer(&destroy)); err != nil {
		errs = append(errs, fmt.Errorf("destroy dumb: %w", err))
	}
	return errors.Join(errs...)
}

// setCRTC programs the mode matching the video size with fb on the CRTC.
// Failure is logged only; atomic commits with ALLOW_MODESET still follow.
func (d *Device) setCRTC(fb uint32) {
	if len(d.modes) == 0 {
		return
	}
	mode := d.modes[len(d.modes)-1]
	for _, m := range d.modes {
		if int(m.hdisplay) == d.width && int(m.vdisplay) == d.height {
			mode = m
			break
		}
	}
	conn := []uint32{d.connector}
	req := sysCrtc{
		setConnectorsPtr: ptr(conn),
		countConnectors:  1,
		crtcID:           d.crtc,
		fbID:             fb,
		modeValid:        1,
		mode:             mode,
	}
	err := d.ioctl(ioctlModeSetCrtc, unsafe.Pointer(&req))
	runtime.KeepAlive(conn)
	if err != nil {
		log.Printf("drm: set crtc %d mode %s: %v", d.crtc, cstring(mode.name[:]), err)
	}
}

func (d *Device) planeRequest(p *Plane, fb uint32, zpos uint64) *AtomicRequest {
	w, h := uint64(d.width), uint64(d.height)
	req := &AtomicRequest{}
	req.Add(p.ID, p.Props.CRTCID, uint64(d.crtc))
	req.Add(p.ID, p.Props.FBID, uint64(fb))
	req.Add(p.ID, p.Props.CRTCX, 0)
	req.Add(p.ID, p.Props.CRTCY, 0)
	req.Add(p.ID, p.Props.CRTCW, w)
	req.Add(p.ID, p.Props.CRTCH, h)
	req.Add(p.ID, p.Props.SRCX, 0)
	req.Add(p.ID, p.Props.SRCY, 0)
	req.Add(p.ID, p.Props.SRCW, w<<16)
	req.Add(p.ID, p.Props.SRCH, h<<16)
	req.Add(p.ID, p.Props.CRTCVisible, 1)
	req.Add(p.ID, p.Props.Alpha, 0xFFFF)
	req.Add(p.ID, p.Props.Zpos, zpos)
	return req
}

// commit submits req. EBUSY means the previous nonblocking commit has not
// completed yet and is reported as a nil error with busy set.
func (d *Device) commit(req *AtomicRequest) (busy bool, err error) {
	objs, counts, props, values := req.arrays()
	a := sysAtomic{
		flags:         atomicNonBlock | atomicAllowModeset,
		countObjs:     uint32(len(objs)),
		objsPtr:       ptr(objs),
		countPropsPtr: ptr(counts),
		propsPtr:      ptr(props),
		propValuesPtr: ptr(values),
	}
	err = d.ioctl(ioctlModeAtomic, unsafe.Pointer(&a))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	d.commits.Add(1)
	if errors.Is(err, unix.EBUSY) {
		d.busy.Add(1)
		return true, nil
	}
	if err != nil {
		d.failures.Add(1)
		return false, fmt.Errorf("%w: %v", ErrCommit, err)
	}
	return false, nil
}

// Display shows passthrough buffer videoIndex on the video plane and
// overlayFB on the overlay plane, committing only planes whose content
// changes. An overlayFB of zero leaves the overlay plane alone.
func (d *Device) Display(videoIndex int, overlayFB uint32) error {
	d.mu.Lock()
	if len(d.passthrough) == 0 {
		d.mu.Unlock()
		return ErrNoFramebuffer
	}
	if videoIndex < 0 || videoIndex >= len(d.passthrough) {
		d.mu.Unlock()
		return fmt.Errorf("drm: no framebuffer for buffer %d", videoIndex)
	}
	videoFB := d.passthrough[videoIndex]
	d.mu.Unlock()

	var errs []error
	if videoIndex != d.curVideo {
		busy, err := d.commit(d.planeRequest(d.video, videoFB, videoZpos))
		if err != nil {
			log.Printf("drm: video plane %d: %v", d.video.ID, err)
			errs = append(errs, err)
		} else if !busy {
			d.curVideo = videoIndex
		}
	}
	if overlayFB != 0 && overlayFB != d.curOverlay {
		busy, err := d.commit(d.planeRequest(d.overlay, overlayFB, overlayZpos))
		if err != nil {
			log.Printf("drm: overlay plane %d: %v", d.overlay.ID, err)
			errs = append(errs, err)
		} else if !busy {
			d.curOverlay = overlayFB
		}
	}
	return errors.Join(errs...)
}

// CommittedOverlay returns the framebuffer the last successful commit put on
// the overlay plane, or zero. It must be called from the goroutine calling
// Display.
func (d *Device) CommittedOverlay() uint32 { return d.curOverlay }

func vblankPipe(crtcIndex int) uint32 {
	switch {
	case crtcIndex <= 0:
		return 0
	case crtcIndex == 1:
		return vblankSecondary
	}
	return uint32(crtcIndex) << vblankHighCRTCShift & vblankHighCRTCMask
}

// WaitVBlank blocks until the next vertical blank of the selected CRTC.
func (d *Device) WaitVBlank() error {
	vbl := sysWaitVBlank{typ: vblankRelative | vblankPipe(d.crtcIndex), sequence: 1}
	if err := d.ioctl(ioctlWaitVBlank, unsafe.Pointer(&vbl)); err != nil {
		return fmt.Errorf("drm: wait vblank: %w", err)
	}
	return nil
}

func (d *Device) FD() int { return d.fd }
func (d *Device) Width() int { return d.width }
func (d *Device) Height() int { return d.height }
func (d *Device) PixelFormat() uint32 { return d.pixfmt }
func (d *Device) Planes() []Plane { return d.planes }
func (d *Device) VideoPlane() *Plane { return d.video }
func (d *Device) OverlayPlane() *Plane { return d.overlay }
func (d *Device) CRTC() uint32 { return d.crtc }
func (d *Device) Connector() uint32 { return d.connector }
func (d *Device) SupportsDumbBuffer() bool { return d.hasDumb }

func (d *Device) Stats() Stats {
	return Stats{Commits: d.commits.Load(), Busy: d.busy.Load(), Failures: d.failures.Load()}
}

// Close removes every framebuffer, releases imported handles and the dumb
// buffer, and closes the card. It is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	var errs []error
	rmfb := func(fb uint32) {
		if err := d.ioctl(ioctlModeRmFB, unsafe.Pointer(&fb)); err != nil {
			errs = append(errs, fmt.Errorf("rmfb %d: %w", fb, err))
		}
	}
	for i := len(d.passthrough) - 1; i >= 0; i-- {
		rmfb(d.passthrough[i])
	}
	d.passthrough = nil
	for id, fb := range d.overlayFBs {
		rmfb(fb)
		delete(d.overlayFBs, id)
	}
	for h := range d.gemHandles {
		gc := sysGemClose{handle: h}
		if err := d.ioctl(ioctlGemClose, unsafe.Pointer(&gc)); err != nil {
			errs = append(errs, fmt.Errorf("gem close %d: %w", h, err))
		}
		delete(d.gemHandles, h)
	}
	if d.dumb != nil {
		if err := d.destroyDumb(d.dumb); err != nil {
			errs = append(errs, err)
		}
		d.dumb = nil
	}
	if err := d.sys.Close(d.fd); err != nil {
		errs = append(errs, err)
	}
	d.fd = -1
	return errors.Join(errs...)
}
