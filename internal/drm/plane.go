package drm

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"hdmimix/internal/types"
)

// PlaneKind is the value of a plane's "type" enum property.
type PlaneKind int

const (
	KindPrimary PlaneKind = iota
	KindOverlay
	KindCursor
)

func (k PlaneKind) String() string {
	switch k {
	case KindPrimary:
		return "Primary"
	case KindOverlay:
		return "Overlay"
	case KindCursor:
		return "Cursor"
	}
	return fmt.Sprintf("PlaneKind(%d)", int(k))
}

// ParsePlaneKind accepts the kernel enum names case-insensitively.
func ParsePlaneKind(s string) (PlaneKind, error) {
	switch strings.ToLower(s) {
	case "primary":
		return KindPrimary, nil
	case "overlay":
		return KindOverlay, nil
	case "cursor":
		return KindCursor, nil
	}
	return 0, fmt.Errorf("drm: unknown plane kind %q", s)
}

// PlaneProps holds the property ids of one plane. A zero id means the plane
// does not expose that property.
type PlaneProps struct {
	CRTCID uint32
	FBID   uint32
	CRTCX  uint32
	CRTCY  uint32
	CRTCW  uint32
	CRTCH  uint32
	SRCX   uint32
	SRCY   uint32
	SRCW   uint32
	SRCH   uint32

	CRTCVisible uint32
	Alpha       uint32
	Zpos        uint32
	Type        uint32
}

var planePropTable = []struct {
	name     string
	required bool
	field    func(*PlaneProps) *uint32
}{
	{"CRTC_ID", true, func(p *PlaneProps) *uint32 { return &p.CRTCID }},
	{"FB_ID", true, func(p *PlaneProps) *uint32 { return &p.FBID }},
	{"CRTC_X", true, func(p *PlaneProps) *uint32 { return &p.CRTCX }},
	{"CRTC_Y", true, func(p *PlaneProps) *uint32 { return &p.CRTCY }},
	{"CRTC_W", true, func(p *PlaneProps) *uint32 { return &p.CRTCW }},
	{"CRTC_H", true, func(p *PlaneProps) *uint32 { return &p.CRTCH }},
	{"SRC_X", true, func(p *PlaneProps) *uint32 { return &p.SRCX }},
	{"SRC_Y", true, func(p *PlaneProps) *uint32 { return &p.SRCY }},
	{"SRC_W", true, func(p *PlaneProps) *uint32 { return &p.SRCW }},
	{"SRC_H", true, func(p *PlaneProps) *uint32 { return &p.SRCH }},
	{"CRTC_VISIBLE", false, func(p *PlaneProps) *uint32 { return &p.CRTCVisible }},
	{"alpha", false, func(p *PlaneProps) *uint32 { return &p.Alpha }},
	{"zpos", false, func(p *PlaneProps) *uint32 { return &p.Zpos }},
	{"type", false, func(p *PlaneProps) *uint32 { return &p.Type }},
}

// set records id for a property name. Unknown names are ignored.
func (p *PlaneProps) set(name string, id uint32) {
	for _, e := range planePropTable {
		if e.name == name {
			*e.field(p) = id
			return
		}
	}
}

// Missing lists the required properties the plane does not expose.
func (p *PlaneProps) Missing() []string {
	var missing []string
	for _, e := range planePropTable {
		if e.required && *e.field(p) == 0 {
			missing = append(missing, e.name)
		}
	}
	return missing
}

// Plane is a hardware plane as discovered at open time.
type Plane struct {
	ID            uint32
	Kind          PlaneKind
	Formats       []uint32
	PossibleCRTCs uint32
	Props         PlaneProps
}

func (p *Plane) Supports(format uint32) bool {
	return slices.Contains(p.Formats, format)
}

func (p *Plane) usableOn(crtcIndex int) bool {
	return crtcIndex < 0 || p.PossibleCRTCs == 0 || p.PossibleCRTCs&(1<<crtcIndex) != 0
}

// selectPlanes picks the plane that scans out video in pixfmt and the plane
// that carries the ARGB overlay. Video candidates are non-cursor planes
// supporting pixfmt, tried in order; the first one that leaves a plane of
// overlayKind supporting ARGB8888 for the overlay wins.
func selectPlanes(planes []Plane, pixfmt uint32, overlayKind PlaneKind, crtcIndex int) (video, overlay *Plane, err error) {
	for i := range planes {
		v := &planes[i]
		if v.Kind == KindCursor || !v.Supports(pixfmt) || !v.usableOn(crtcIndex) {
			continue
		}
		if video == nil {
			video = v
		}
		for j := range planes {
			o := &planes[j]
			if o.ID != v.ID && o.Kind == overlayKind && o.Supports(types.PixFmtARGB8888) && o.usableOn(crtcIndex) {
				video, overlay = v, o
				break
			}
		}
		if overlay != nil {
			break
		}
	}
	if video == nil {
		return nil, nil, fmt.Errorf("%w for format %s", ErrNoSuitablePlane, types.FourCCString(pixfmt))
	}
	if overlay == nil {
		return nil, nil, fmt.Errorf("%w for ARGB8888 overlay (%s)", ErrNoSuitablePlane, overlayKind)
	}
	for _, p := range []*Plane{video, overlay} {
		if missing := p.Props.Missing(); len(missing) > 0 {
			return nil, nil, fmt.Errorf("%w: plane %d lacks %s", ErrMissingProperty, p.ID, strings.Join(missing, ", "))
		}
	}
	return video, overlay, nil
}

// ChromaLayout returns the byte offset and pitch of the interleaved chroma
// plane of a linear semi-planar frame whose luma pitch equals width.
func ChromaLayout(pixfmt uint32, width, height int) (offset, pitch uint32, err error) {
	switch pixfmt {
	case types.PixFmtNV12:
		return uint32(width * height), uint32(width), nil
	case types.PixFmtNV24:
		return uint32(width * height), uint32(width * 2), nil
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, types.FourCCString(pixfmt))
}

type atomicProp struct {
	object   uint32
	property uint32
	value    uint64
}

// AtomicRequest collects (object, property, value) triples for one commit.
type AtomicRequest struct {
	props []atomicProp
}

// Add appends a property update. A zero property id is skipped so optional
// properties can be added unconditionally.
func (r *AtomicRequest) Add(object, property uint32, value uint64) {
	if property == 0 {
		return
	}
	r.props = append(r.props, atomicProp{object, property, value})
}

func (r *AtomicRequest) Len() int { return len(r.props) }

// arrays lays the request out the way DRM_IOCTL_MODE_ATOMIC expects it:
// properties grouped by object, with a per-object count.
func (r *AtomicRequest) arrays() (objs, counts, props []uint32, values []uint64) {
	sorted := slices.Clone(r.props)
	slices.SortStableFunc(sorted, func(a, b atomicProp) int { return cmp.Compare(a.object, b.object) })

	props = make([]uint32, len(sorted))
	values = make([]uint64, len(sorted))
	for i, p := range sorted {
		if i == 0 || p.object != sorted[i-1].object {
			objs = append(objs, p.object)
			counts = append(counts, 0)
		}
		counts[len(counts)-1]++
		props[i] = p.property
		values[i] = p.value
	}
	return objs, counts, props, values
}
