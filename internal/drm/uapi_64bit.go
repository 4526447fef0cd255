//go:build linux && (amd64 || arm64)

package drm

import "unsafe"

// Compile-time layout checks against the 64-bit kernel ABI.
var (
	_ [0]struct{} = [unsafe.Sizeof(sysCardRes{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysModeInfo{}) - 68]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGetConnector{}) - 80]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGetEncoder{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysCrtc{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGetPlaneRes{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGetPlane{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGetProperty{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysPropertyEnum{}) - 40]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysObjGetProperties{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysAtomic{}) - 56]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysFBCmd2{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysPrimeHandle{}) - 12]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysGemClose{}) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysCreateDumb{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysMapDumb{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysWaitVBlank{}) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(sysSetClientCap{}) - 16]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(sysFBCmd2{}.modifier) - 72]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(sysCrtc{}.mode) - 36]struct{}{}
)
