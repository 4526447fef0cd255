package drm

import (
	"unsafe"

	"hdmimix/internal/ioctl"
)

// Subset of drm.h / drm_mode.h used for atomic plane updates, PRIME import
// and dumb buffers.
const (
	ioctlBase = 'd'

	clientCapAtomic = 3
	capDumbBuffer   = 1

	modeConnected = 1

	objectPlane = 0xeeeeeeee

	propEnum = 1 << 3

	fbModifiers = 1 << 1
	modLinear   = 0

	atomicNonBlock     = 0x0200
	atomicAllowModeset = 0x0400

	vblankRelative      = 0x00000001
	vblankSecondary     = 0x20000000
	vblankHighCRTCShift = 1
	vblankHighCRTCMask  = 0x0000003e

	propNameLen    = 32
	displayNameLen = 32
)

type sysCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFbs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type sysModeInfo struct {
	clock                                         uint32
	hdisplay, hsyncStart, hsyncEnd, htotal, hskew uint16
	vdisplay, vsyncStart, vsyncEnd, vtotal, vscan uint16
	vrefresh                                      uint32
	flags                                         uint32
	typ                                           uint32
	name                                          [displayNameLen]byte
}

type sysGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	_               uint32
}

type sysGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type sysCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x, y             uint32
	gammaSize        uint32
	modeValid        uint32
	mode             sysModeInfo
}

type sysGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
}

type sysGetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	possibleCrtcs    uint32
	gammaSize        uint32
	countFormatTypes uint32
	formatTypePtr    uint64
}

type sysGetProperty struct {
	valuesPtr      uint64
	enumBlobPtr    uint64
	propID         uint32
	flags          uint32
	name           [propNameLen]byte
	countValues    uint32
	countEnumBlobs uint32
}

type sysPropertyEnum struct {
	value uint64
	name  [propNameLen]byte
}

type sysObjGetProperties struct {
	propsPtr      uint64
	propValuesPtr uint64
	countProps    uint32
	objID         uint32
	objType       uint32
}

type sysAtomic struct {
	flags         uint32
	countObjs     uint32
	objsPtr       uint64
	countPropsPtr uint64
	propsPtr      uint64
	propValuesPtr uint64
	reserved      uint64
	userData      uint64
}

type sysFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	modifier    [4]uint64
}

type sysPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

type sysGemClose struct {
	handle uint32
	_      uint32
}

type sysCreateDumb struct {
	height uint32
	width  uint32
	bpp    uint32
	flags  uint32
	handle uint32
	pitch  uint32
	size   uint64
}

type sysMapDumb struct {
	handle uint32
	_      uint32
	offset uint64
}

type sysDestroyDumb struct {
	handle uint32
}

// sysWaitVBlank is the request half of union drm_wait_vblank; the reply
// half has the same size.
type sysWaitVBlank struct {
	typ      uint32
	sequence uint32
	signal   uint64
	_        uint64
}

type sysSetClientCap struct {
	capability uint64
	value      uint64
}

type sysGetCap struct {
	capability uint64
	value      uint64
}

var (
	ioctlGemClose         = ioctl.IOW(ioctlBase, 0x09, unsafe.Sizeof(sysGemClose{}))
	ioctlGetCap           = ioctl.IOWR(ioctlBase, 0x0C, unsafe.Sizeof(sysGetCap{}))
	ioctlSetClientCap     = ioctl.IOW(ioctlBase, 0x0D, unsafe.Sizeof(sysSetClientCap{}))
	ioctlPrimeFDToHandle  = ioctl.IOWR(ioctlBase, 0x2E, unsafe.Sizeof(sysPrimeHandle{}))
	ioctlWaitVBlank       = ioctl.IOWR(ioctlBase, 0x3A, unsafe.Sizeof(sysWaitVBlank{}))
	ioctlModeGetResources = ioctl.IOWR(ioctlBase, 0xA0, unsafe.Sizeof(sysCardRes{}))
	ioctlModeSetCrtc      = ioctl.IOWR(ioctlBase, 0xA2, unsafe.Sizeof(sysCrtc{}))
	ioctlModeGetEncoder   = ioctl.IOWR(ioctlBase, 0xA6, unsafe.Sizeof(sysGetEncoder{}))
	ioctlModeGetConnector = ioctl.IOWR(ioctlBase, 0xA7, unsafe.Sizeof(sysGetConnector{}))
	ioctlModeGetProperty  = ioctl.IOWR(ioctlBase, 0xAA, unsafe.Sizeof(sysGetProperty{}))
	ioctlModeRmFB         = ioctl.IOWR(ioctlBase, 0xAF, unsafe.Sizeof(uint32(0)))
	ioctlModeCreateDumb   = ioctl.IOWR(ioctlBase, 0xB2, unsafe.Sizeof(sysCreateDumb{}))
	ioctlModeMapDumb      = ioctl.IOWR(ioctlBase, 0xB3, unsafe.Sizeof(sysMapDumb{}))
	ioctlModeDestroyDumb  = ioctl.IOWR(ioctlBase, 0xB4, unsafe.Sizeof(sysDestroyDumb{}))
	ioctlModeGetPlaneRes  = ioctl.IOWR(ioctlBase, 0xB5, unsafe.Sizeof(sysGetPlaneRes{}))
	ioctlModeGetPlane     = ioctl.IOWR(ioctlBase, 0xB6, unsafe.Sizeof(sysGetPlane{}))
	ioctlModeAddFB2       = ioctl.IOWR(ioctlBase, 0xB8, unsafe.Sizeof(sysFBCmd2{}))
	ioctlModeObjGetProps  = ioctl.IOWR(ioctlBase, 0xB9, unsafe.Sizeof(sysObjGetProperties{}))
	ioctlModeAtomic       = ioctl.IOWR(ioctlBase, 0xBC, unsafe.Sizeof(sysAtomic{}))
)

// ptr returns the address of the first element of s as a kernel pointer
// field, or 0 for an empty slice.
func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

// cstring trims a NUL-padded kernel name.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
