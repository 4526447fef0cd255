package telemetry

import (
	"log"
	"math"
	"sync"
	"time"
)

// JitterStats summarizes the frame intervals of one window.
type JitterStats struct {
	Frames    int
	FPS       float64
	Mean      time.Duration
	StdDev    time.Duration
	MaxOffset time.Duration // largest deviation from the target period
}

// JitterMeter tracks how evenly frames arrive compared to a target rate. It
// collects a fixed window of intervals and summarizes them when the window
// is full.
type JitterMeter struct {
	target time.Duration
	window int
	now    func() time.Time

	last      time.Time
	intervals []time.Duration

	mu   sync.Mutex
	stat JitterStats
}

func NewJitterMeter(targetHz float64, window int) *JitterMeter {
	if window < 2 {
		window = 2
	}
	return &JitterMeter{
		target:    time.Duration(float64(time.Second) / targetHz),
		window:    window,
		now:       time.Now,
		intervals: make([]time.Duration, 0, window),
	}
}

// Mark records a frame arrival. It returns the window summary with ok set
// each time a window completes.
func (j *JitterMeter) Mark() (s JitterStats, ok bool) {
	now := j.now()
	if j.last.IsZero() {
		j.last = now
		return s, false
	}
	j.intervals = append(j.intervals, now.Sub(j.last))
	j.last = now
	if len(j.intervals) < j.window {
		return s, false
	}
	s = summarize(j.intervals, j.target)
	j.intervals = j.intervals[:0]
	j.mu.Lock()
	j.stat = s
	j.mu.Unlock()
	return s, true
}

// Print logs the summary of a completed window.
func (j *JitterMeter) Print(s JitterStats) {
	log.Printf("telemetry: frame pacing %.2ffps mean=%v stddev=%v max offset=%v (target %v)",
		s.FPS, s.Mean, s.StdDev, s.MaxOffset, j.target)
}

// Last returns the most recent window summary. Safe for concurrent use.
func (j *JitterMeter) Last() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stat
}

func summarize(intervals []time.Duration, target time.Duration) JitterStats {
	var sum time.Duration
	var maxOff time.Duration
	for _, d := range intervals {
		sum += d
		off := d - target
		if off < 0 {
			off = -off
		}
		maxOff = max(maxOff, off)
	}
	mean := sum / time.Duration(len(intervals))
	var variance float64
	for _, d := range intervals {
		diff := float64(d - mean)
		variance += diff * diff
	}
	variance /= float64(len(intervals))
	s := JitterStats{
		Frames:    len(intervals),
		Mean:      mean,
		StdDev:    time.Duration(math.Sqrt(variance)),
		MaxOffset: maxOff,
	}
	if mean > 0 {
		s.FPS = float64(time.Second) / float64(mean)
	}
	return s
}
