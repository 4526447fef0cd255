package drm

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"hdmimix/internal/types"
)

type fakePlane struct {
	id      uint32
	kind    string
	formats []uint32
	skip    map[string]bool // properties the plane does not expose
}

type fakeProp struct {
	name  string
	flags uint32
	enums []sysPropertyEnum
}

// kernel values of the plane "type" enum
var planeTypeValues = map[string]uint64{"Overlay": 0, "Primary": 1, "Cursor": 2}

// fakeDRM emulates a KMS card with one connected output.
type fakeDRM struct {
	mu sync.Mutex

	planes  []fakePlane
	dumb    bool
	busy    int   // number of upcoming commits that fail with EBUSY
	failErr error // error for every commit when set
	failFB  int   // number of upcoming ADDFB2 calls that fail

	open      map[int]bool
	props     map[uint32]fakeProp
	planeProp map[uint32][]uint32
	nextFB    uint32
	fbs       map[uint32]sysFBCmd2
	removed   []uint32
	gemClosed []uint32
	commits   []map[uint32]uint64 // prop id -> value, per successful commit
	vblanks   []uint32
	setCrtcs  int
	dumbAlive bool
	mapped    int
	unmapped  int
}

func newFakeDRM(planes ...fakePlane) *fakeDRM {
	f := &fakeDRM{
		planes:    planes,
		dumb:      true,
		open:      make(map[int]bool),
		props:     make(map[uint32]fakeProp),
		planeProp: make(map[uint32][]uint32),
		nextFB:    100,
		fbs:       make(map[uint32]sysFBCmd2),
	}
	for _, p := range planes {
		for i, e := range planePropTable {
			if p.skip[e.name] {
				continue
			}
			id := p.id*100 + uint32(i) + 1
			fp := fakeProp{name: e.name}
			if e.name == "type" {
				fp.flags = propEnum
				for name, v := range planeTypeValues {
					var pe sysPropertyEnum
					pe.value = v
					copy(pe.name[:], name)
					fp.enums = append(fp.enums, pe)
				}
			}
			f.props[id] = fp
			f.planeProp[p.id] = append(f.planeProp[p.id], id)
		}
	}
	return f
}

func defaultPlanes() []fakePlane {
	return []fakePlane{
		{id: 31, kind: "Primary", formats: []uint32{types.PixFmtARGB8888}},
		{id: 32, kind: "Overlay", formats: []uint32{types.PixFmtNV12, types.PixFmtNV24, types.PixFmtARGB8888}},
		{id: 33, kind: "Cursor", formats: []uint32{types.PixFmtNV12, types.PixFmtARGB8888}},
	}
}

func (f *fakeDRM) Open(path string, flags int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path != "/dev/dri/card0" {
		return -1, unix.ENOENT
	}
	f.open[3] = true
	return 3, nil
}

func (f *fakeDRM) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[fd] {
		return unix.EBADF
	}
	delete(f.open, fd)
	return nil
}

func (f *fakeDRM) Mmap(fd int, offset int64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapped++
	b := make([]byte, length)
	for i := range b {
		b[i] = 0xff
	}
	return b, nil
}

func (f *fakeDRM) Munmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapped++
	return nil
}

func (f *fakeDRM) Poll(fd int, timeoutMs int) (bool, error) { return true, nil }

func out[T any](p uint64, n int) []T {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(uintptr(p))), n)
}

func (f *fakeDRM) Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[fd] {
		return unix.EBADF
	}
	switch req {
	case ioctlSetClientCap:
	case ioctlGetCap:
		c := (*sysGetCap)(arg)
		if c.capability == capDumbBuffer && f.dumb {
			c.value = 1
		}
	case ioctlModeGetResources:
		r := (*sysCardRes)(arg)
		copy(out[uint32](r.crtcIDPtr, int(r.countCrtcs)), []uint32{60, 61})
		copy(out[uint32](r.connectorIDPtr, int(r.countConnectors)), []uint32{39, 40})
		r.countCrtcs, r.countConnectors = 2, 2
	case ioctlModeGetConnector:
		c := (*sysGetConnector)(arg)
		var mode sysModeInfo
		mode.hdisplay, mode.vdisplay = 1920, 1080
		copy(mode.name[:], "1920x1080")
		copy(out[sysModeInfo](c.modesPtr, int(c.countModes)), []sysModeInfo{mode})
		copy(out[uint32](c.encodersPtr, int(c.countEncoders)), []uint32{50})
		c.countModes, c.countEncoders = 1, 1
		switch c.connectorID {
		case 39:
			c.connection = 2
		case 40:
			c.connection = modeConnected
			c.encoderID = 50
		default:
			return unix.ENOENT
		}
	case ioctlModeGetEncoder:
		e := (*sysGetEncoder)(arg)
		e.crtcID = 60
		e.possibleCrtcs = 0b11
	case ioctlModeGetPlaneRes:
		r := (*sysGetPlaneRes)(arg)
		ids := make([]uint32, len(f.planes))
		for i, p := range f.planes {
			ids[i] = p.id
		}
		copy(out[uint32](r.planeIDPtr, int(r.countPlanes)), ids)
		r.countPlanes = uint32(len(ids))
	case ioctlModeGetPlane:
		gp := (*sysGetPlane)(arg)
		for _, p := range f.planes {
			if p.id == gp.planeID {
				copy(out[uint32](gp.formatTypePtr, int(gp.countFormatTypes)), p.formats)
				gp.countFormatTypes = uint32(len(p.formats))
				gp.possibleCrtcs = 0b01
				return nil
			}
		}
		return unix.ENOENT
	case ioctlModeObjGetProps:
		op := (*sysObjGetProperties)(arg)
		ids := f.planeProp[op.objID]
		values := make([]uint64, len(ids))
		for i, id := range ids {
			if f.props[id].name == "type" {
				for _, p := range f.planes {
					if p.id == op.objID {
						values[i] = planeTypeValues[p.kind]
					}
				}
			}
		}
		copy(out[uint32](op.propsPtr, int(op.countProps)), ids)
		copy(out[uint64](op.propValuesPtr, int(op.countProps)), values)
		op.countProps = uint32(len(ids))
	case ioctlModeGetProperty:
		gp := (*sysGetProperty)(arg)
		p, ok := f.props[gp.propID]
		if !ok {
			return unix.ENOENT
		}
		copy(gp.name[:], p.name)
		gp.flags = p.flags
		copy(out[sysPropertyEnum](gp.enumBlobPtr, int(gp.countEnumBlobs)), p.enums)
		gp.countEnumBlobs = uint32(len(p.enums))
	case ioctlPrimeFDToHandle:
		ph := (*sysPrimeHandle)(arg)
		ph.handle = 1000 + uint32(ph.fd)
	case ioctlModeAddFB2:
		if f.failFB > 0 {
			f.failFB--
			return unix.ENOSPC
		}
		cmd := (*sysFBCmd2)(arg)
		cmd.fbID = f.nextFB
		f.nextFB++
		f.fbs[cmd.fbID] = *cmd
	case ioctlModeRmFB:
		fb := *(*uint32)(arg)
		if _, ok := f.fbs[fb]; !ok {
			return unix.ENOENT
		}
		delete(f.fbs, fb)
		f.removed = append(f.removed, fb)
	case ioctlGemClose:
		f.gemClosed = append(f.gemClosed, (*sysGemClose)(arg).handle)
	case ioctlModeSetCrtc:
		f.setCrtcs++
	case ioctlModeAtomic:
		if f.failErr != nil {
			return f.failErr
		}
		if f.busy > 0 {
			f.busy--
			return unix.EBUSY
		}
		a := (*sysAtomic)(arg)
		if a.flags != atomicNonBlock|atomicAllowModeset {
			return unix.EINVAL
		}
		counts := out[uint32](a.countPropsPtr, int(a.countObjs))
		n := 0
		for _, c := range counts {
			n += int(c)
		}
		props := out[uint32](a.propsPtr, n)
		values := out[uint64](a.propValuesPtr, n)
		commit := make(map[uint32]uint64, n)
		for i := range props {
			commit[props[i]] = values[i]
		}
		f.commits = append(f.commits, commit)
	case ioctlWaitVBlank:
		v := (*sysWaitVBlank)(arg)
		f.vblanks = append(f.vblanks, v.typ)
	case ioctlModeCreateDumb:
		c := (*sysCreateDumb)(arg)
		c.handle = 7
		c.pitch = c.width * 4
		c.size = uint64(c.pitch) * uint64(c.height)
		f.dumbAlive = true
	case ioctlModeMapDumb:
		(*sysMapDumb)(arg).offset = 0x10000
	case ioctlModeDestroyDumb:
		f.dumbAlive = false
	default:
		return unix.ENOTTY
	}
	return nil
}

// propID returns the fake's id for property name on plane.
func propID(plane uint32, name string) uint32 {
	for i, e := range planePropTable {
		if e.name == name {
			return plane*100 + uint32(i) + 1
		}
	}
	return 0
}

type fakeBO struct {
	id     uintptr
	handle uint32
}

func (b fakeBO) ID() uintptr     { return b.id }
func (b fakeBO) Handle() uint32  { return b.handle }
func (b fakeBO) Stride() uint32  { return 1920 * 4 }

func openFake(t *testing.T, f *fakeDRM, pixfmt uint32, opts ...Option) *Device {
	t.Helper()
	d, err := Open("/dev/dri/card0", 1920, 1080, pixfmt, append([]Option{WithSys(f)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenDiscoversOutputAndPlanes(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	if d.Connector() != 40 || d.CRTC() != 60 {
		t.Errorf("connector %d crtc %d, want 40 and 60", d.Connector(), d.CRTC())
	}
	if len(d.Planes()) != 3 {
		t.Fatalf("%d planes", len(d.Planes()))
	}
	if d.VideoPlane().ID != 32 || d.VideoPlane().Kind != KindOverlay {
		t.Errorf("video plane %d (%s)", d.VideoPlane().ID, d.VideoPlane().Kind)
	}
	if d.OverlayPlane().ID != 31 || d.OverlayPlane().Kind != KindPrimary {
		t.Errorf("overlay plane %d (%s)", d.OverlayPlane().ID, d.OverlayPlane().Kind)
	}
	if d.Planes()[2].Kind != KindCursor {
		t.Errorf("plane 33 kind %s", d.Planes()[2].Kind)
	}
	if !d.SupportsDumbBuffer() {
		t.Error("dumb buffer capability not detected")
	}
}

func TestOpenCursorOverlay(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12, WithOverlayKind(KindCursor))
	if d.OverlayPlane().ID != 33 {
		t.Errorf("overlay plane %d, want cursor 33", d.OverlayPlane().ID)
	}
}

func TestOpenFailuresReleaseDevice(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		planes []fakePlane
		want   error
	}{
		{"missing card", "/dev/dri/card9", defaultPlanes(), ErrDeviceOpen},
		{"only cursor scans NV12", "/dev/dri/card0", []fakePlane{
			{id: 31, kind: "Primary", formats: []uint32{types.PixFmtARGB8888}},
			{id: 33, kind: "Cursor", formats: []uint32{types.PixFmtNV12}},
		}, ErrNoSuitablePlane},
		{"missing property", "/dev/dri/card0", []fakePlane{
			{id: 31, kind: "Primary", formats: []uint32{types.PixFmtARGB8888}},
			{id: 32, kind: "Overlay", formats: []uint32{types.PixFmtNV12}, skip: map[string]bool{"FB_ID": true}},
		}, ErrMissingProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeDRM(tt.planes...)
			_, err := Open(tt.path, 1920, 1080, types.PixFmtNV12, WithSys(f))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.open) != 0 {
				t.Error("card left open")
			}
		})
	}
}

func TestImportCaptureBufferOrder(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	for i := 0; i < 3; i++ {
		idx, err := d.ImportCaptureBuffer(i, 20+i)
		if err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
		if idx != i {
			t.Errorf("import %d returned slot %d", i, idx)
		}
	}
	if _, err := d.ImportCaptureBuffer(1, 30); !errors.Is(err, ErrImportOrder) {
		t.Fatalf("re-import 1: err = %v, want ErrImportOrder", err)
	}
	if _, err := d.ImportCaptureBuffer(5, 30); !errors.Is(err, ErrImportOrder) {
		t.Fatalf("import 5: err = %v, want ErrImportOrder", err)
	}
	if len(f.fbs) != 3 {
		t.Errorf("%d framebuffers, want 3", len(f.fbs))
	}
}

func TestImportCaptureBufferLayout(t *testing.T) {
	for _, pixfmt := range []uint32{types.PixFmtNV12, types.PixFmtNV24} {
		t.Run(types.FourCCString(pixfmt), func(t *testing.T) {
			f := newFakeDRM(defaultPlanes()...)
			d := openFake(t, f, pixfmt)
			if _, err := d.ImportCaptureBuffer(0, 20); err != nil {
				t.Fatal(err)
			}
			cmd := f.fbs[100]
			chromaPitch := uint32(1920)
			if pixfmt == types.PixFmtNV24 {
				chromaPitch = 3840
			}
			if cmd.pixelFormat != pixfmt || cmd.width != 1920 || cmd.height != 1080 {
				t.Errorf("fb %s %dx%d", types.FourCCString(cmd.pixelFormat), cmd.width, cmd.height)
			}
			if cmd.handles != [4]uint32{1020, 1020} {
				t.Errorf("handles = %v", cmd.handles)
			}
			if cmd.pitches != [4]uint32{1920, chromaPitch} {
				t.Errorf("pitches = %v", cmd.pitches)
			}
			if cmd.offsets != [4]uint32{0, 1920 * 1080} {
				t.Errorf("offsets = %v", cmd.offsets)
			}
			if cmd.flags != fbModifiers || cmd.modifier != [4]uint64{modLinear, modLinear} {
				t.Errorf("flags %#x modifiers %v", cmd.flags, cmd.modifier)
			}
		})
	}
}

func TestImportCaptureBufferUnsupportedFormat(t *testing.T) {
	yuyv := types.FourCC('Y', 'U', 'Y', 'V')
	f := newFakeDRM(
		fakePlane{id: 31, kind: "Primary", formats: []uint32{types.PixFmtARGB8888}},
		fakePlane{id: 32, kind: "Overlay", formats: []uint32{yuyv}},
	)
	d := openFake(t, f, yuyv)
	if _, err := d.ImportCaptureBuffer(0, 20); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestImportOverlayBufferCachesByIdentity(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	a := fakeBO{id: 0xa000, handle: 5}
	b := fakeBO{id: 0xb000, handle: 6}

	fa, err := d.ImportOverlayBuffer(a)
	if err != nil {
		t.Fatal(err)
	}
	again, err := d.ImportOverlayBuffer(a)
	if err != nil {
		t.Fatal(err)
	}
	if again != fa {
		t.Errorf("second import returned fb %d, want %d", again, fa)
	}
	if len(f.fbs) != 1 {
		t.Fatalf("%d ADDFB2 calls for one buffer object", len(f.fbs))
	}
	fb, err := d.ImportOverlayBuffer(b)
	if err != nil {
		t.Fatal(err)
	}
	if fb == fa {
		t.Error("distinct buffer objects share a framebuffer")
	}
	cmd := f.fbs[fa]
	if cmd.pixelFormat != types.PixFmtARGB8888 || cmd.handles[0] != 5 || cmd.pitches[0] != 1920*4 {
		t.Errorf("overlay fb %s handle %d pitch %d", types.FourCCString(cmd.pixelFormat), cmd.handles[0], cmd.pitches[0])
	}
	if f.setCrtcs != 2 {
		t.Errorf("setCrtcs = %d, want one per new framebuffer", f.setCrtcs)
	}
	if _, err := d.ImportOverlayBuffer(nil); err == nil {
		t.Error("nil buffer accepted")
	}
}

func TestDisplayCommitsChangedPlanesOnly(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	if err := d.Display(0, 0); !errors.Is(err, ErrNoFramebuffer) {
		t.Fatalf("Display before import: err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.ImportCaptureBuffer(i, 20+i); err != nil {
			t.Fatal(err)
		}
	}
	overlay, _ := d.ImportOverlayBuffer(fakeBO{id: 1, handle: 5})

	if err := d.Display(0, overlay); err != nil {
		t.Fatal(err)
	}
	if len(f.commits) != 2 {
		t.Fatalf("%d commits, want 2", len(f.commits))
	}
	video, ov := f.commits[0], f.commits[1]
	if video[propID(32, "FB_ID")] != 100 || video[propID(32, "CRTC_ID")] != 60 || video[propID(32, "zpos")] != videoZpos {
		t.Errorf("video commit %v", video)
	}
	if video[propID(32, "SRC_W")] != 1920<<16 || video[propID(32, "CRTC_H")] != 1080 || video[propID(32, "alpha")] != 0xFFFF {
		t.Errorf("video geometry %v", video)
	}
	if ov[propID(31, "FB_ID")] != uint64(overlay) || ov[propID(31, "zpos")] != overlayZpos || ov[propID(31, "CRTC_VISIBLE")] != 1 {
		t.Errorf("overlay commit %v", ov)
	}

	if err := d.Display(0, overlay); err != nil {
		t.Fatal(err)
	}
	if len(f.commits) != 2 {
		t.Errorf("unchanged frame committed again")
	}
	if err := d.Display(1, 0); err != nil {
		t.Fatal(err)
	}
	if len(f.commits) != 3 {
		t.Errorf("%d commits after new video frame, want 3", len(f.commits))
	}
	if err := d.Display(7, 0); err == nil {
		t.Error("out of range index accepted")
	}
}

func TestDisplayToleratesBusy(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	for i := 0; i < 4; i++ {
		if _, err := d.ImportCaptureBuffer(i, 20+i); err != nil {
			t.Fatal(err)
		}
	}
	f.busy = 3
	for i := 0; i < 3; i++ {
		if err := d.Display(i, 0); err != nil {
			t.Fatalf("busy commit %d surfaced: %v", i, err)
		}
	}
	if err := d.Display(3, 0); err != nil {
		t.Fatal(err)
	}
	st := d.Stats()
	if st.Busy != 3 || st.Commits != 4 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
	if len(f.commits) != 1 {
		t.Errorf("%d commits reached the display", len(f.commits))
	}
}

func TestCommittedOverlaySkipsBusy(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	if _, err := d.ImportCaptureBuffer(0, 20); err != nil {
		t.Fatal(err)
	}
	first, _ := d.ImportOverlayBuffer(fakeBO{id: 1, handle: 5})
	second, _ := d.ImportOverlayBuffer(fakeBO{id: 2, handle: 6})
	if d.CommittedOverlay() != 0 {
		t.Fatalf("CommittedOverlay = %d before any commit", d.CommittedOverlay())
	}
	if err := d.Display(0, first); err != nil {
		t.Fatal(err)
	}
	if d.CommittedOverlay() != first {
		t.Fatalf("CommittedOverlay = %d, want %d", d.CommittedOverlay(), first)
	}

	f.busy = 1
	if err := d.Display(0, second); err != nil {
		t.Fatal(err)
	}
	if d.CommittedOverlay() != first {
		t.Errorf("busy commit moved the overlay to %d", d.CommittedOverlay())
	}
	if err := d.Display(0, second); err != nil {
		t.Fatal(err)
	}
	if d.CommittedOverlay() != second {
		t.Errorf("CommittedOverlay = %d after retry, want %d", d.CommittedOverlay(), second)
	}
}

func TestDisplayReportsCommitFailure(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	if _, err := d.ImportCaptureBuffer(0, 20); err != nil {
		t.Fatal(err)
	}
	f.failErr = unix.EINVAL
	if err := d.Display(0, 0); !errors.Is(err, ErrCommit) {
		t.Fatalf("err = %v, want ErrCommit", err)
	}
	f.failErr = nil
	if err := d.Display(0, 0); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if d.Stats().Failures != 1 {
		t.Errorf("Failures = %d", d.Stats().Failures)
	}
}

func TestWaitVBlank(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	if err := d.WaitVBlank(); err != nil {
		t.Fatal(err)
	}
	if len(f.vblanks) != 1 || f.vblanks[0] != vblankRelative {
		t.Errorf("vblank requests %v", f.vblanks)
	}
}

func TestDumbOverlay(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d, err := Open("/dev/dri/card0", 1920, 1080, types.PixFmtNV12, WithSys(f))
	if err != nil {
		t.Fatal(err)
	}
	buf, err := d.CreateDumbOverlay()
	if err != nil {
		t.Fatal(err)
	}
	if buf.FB == 0 || buf.Pitch != 1920*4 || len(buf.Data) != 1920*4*1080 {
		t.Fatalf("dumb buffer fb %d pitch %d len %d", buf.FB, buf.Pitch, len(buf.Data))
	}
	for i, b := range buf.Data {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want transparent", i, b)
		}
	}
	px, err := buf.Pixels()
	if err != nil {
		t.Fatal(err)
	}
	px.At(10, 10)[3] = 0xff
	if again, _ := d.CreateDumbOverlay(); again != buf {
		t.Error("second CreateDumbOverlay allocated a new buffer")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if f.dumbAlive || f.mapped != f.unmapped {
		t.Errorf("dumb buffer leaked: alive=%v mapped=%d unmapped=%d", f.dumbAlive, f.mapped, f.unmapped)
	}
}

func TestDumbOverlayFailureRollsBack(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d := openFake(t, f, types.PixFmtNV12)
	f.failFB = 1
	if _, err := d.CreateDumbOverlay(); err == nil {
		t.Fatal("CreateDumbOverlay succeeded with a failing ADDFB2")
	}
	if f.dumbAlive || f.mapped != f.unmapped {
		t.Fatalf("failed dumb buffer not released: alive=%v mapped=%d unmapped=%d", f.dumbAlive, f.mapped, f.unmapped)
	}

	buf, err := d.CreateDumbOverlay()
	if err != nil {
		t.Fatal(err)
	}
	if buf.FB == 0 || buf.Data == nil {
		t.Errorf("retry returned a partial buffer: fb %d, %d bytes", buf.FB, len(buf.Data))
	}
}

func TestDumbOverlayUnsupported(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	f.dumb = false
	d := openFake(t, f, types.PixFmtNV12)
	if _, err := d.CreateDumbOverlay(); !errors.Is(err, ErrNoDumbBuffer) {
		t.Fatalf("err = %v, want ErrNoDumbBuffer", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFakeDRM(defaultPlanes()...)
	d, err := Open("/dev/dri/card0", 1920, 1080, types.PixFmtNV12, WithSys(f))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := d.ImportCaptureBuffer(i, 20+i); err != nil {
			t.Fatal(err)
		}
	}
	d.ImportOverlayBuffer(fakeBO{id: 1, handle: 5})
	d.ImportOverlayBuffer(fakeBO{id: 2, handle: 6})

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(f.fbs) != 0 || len(f.removed) != 6 {
		t.Errorf("%d framebuffers left, %d removed", len(f.fbs), len(f.removed))
	}
	if len(f.gemClosed) != 4 {
		t.Errorf("%d GEM handles closed, want 4", len(f.gemClosed))
	}
	if len(f.open) != 0 {
		t.Error("card left open")
	}
}
