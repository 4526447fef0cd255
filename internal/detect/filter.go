package detect

import (
	"hdmimix/internal/types"
)

// Filter keeps detections of allowed classes at or above a confidence
// threshold. An empty allow list keeps every class.
type Filter struct {
	allowed       map[int]bool
	minConfidence float32
}

// NewFilter resolves class names against labels. Names that are not in the
// table are returned as unknown and ignored.
func NewFilter(labels, classes []string, minConfidence float32) (*Filter, []string) {
	f := &Filter{minConfidence: minConfidence}
	var unknown []string
	if len(classes) > 0 {
		f.allowed = make(map[int]bool, len(classes))
		index := make(map[string]int, len(labels))
		for i, name := range labels {
			index[name] = i
		}
		for _, name := range classes {
			id, ok := index[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			f.allowed[id] = true
		}
	}
	return f, unknown
}

func (f *Filter) Keep(b types.BoundingBox) bool {
	if b.Confidence < f.minConfidence {
		return false
	}
	return f.allowed == nil || f.allowed[b.ClassID]
}

// Apply filters boxes in place and returns the kept prefix.
func (f *Filter) Apply(boxes []types.BoundingBox) []types.BoundingBox {
	kept := boxes[:0]
	for _, b := range boxes {
		if f.Keep(b) {
			kept = append(kept, b)
		}
	}
	return kept
}
