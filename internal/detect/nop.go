package detect

import "hdmimix/internal/types"

// Nop is the detector used when no model is configured. It never reports
// anything, so the overlay stays empty while the pipeline runs at full rate.
type Nop struct{}

func (Nop) Detect(types.Frame) ([]types.BoundingBox, error) { return nil, nil }
func (Nop) Close() error { return nil }
