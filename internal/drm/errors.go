package drm

import "errors"

var (
	ErrDeviceOpen        = errors.New("drm: cannot open device")
	ErrNoConnector       = errors.New("drm: no connected connector")
	ErrNoSuitablePlane   = errors.New("drm: no suitable plane")
	ErrMissingProperty   = errors.New("drm: plane is missing a required property")
	ErrUnsupportedFormat = errors.New("drm: unsupported pixel format")
	ErrImportOrder       = errors.New("drm: capture buffers must be imported in index order")
	ErrCommit            = errors.New("drm: atomic commit failed")
	ErrNoFramebuffer     = errors.New("drm: no framebuffer imported")
	ErrNoDumbBuffer      = errors.New("drm: dumb buffers not supported")
)
