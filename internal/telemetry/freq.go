// Package telemetry measures loop rates and frame pacing.
package telemetry

import (
	"log"
	"math"
	"sync/atomic"
	"time"
)

// FreqMonitor counts events and logs their rate once per interval.
type FreqMonitor struct {
	name     string
	interval time.Duration
	now      func() time.Time

	count uint64
	start time.Time
	rate  atomic.Uint64 // math.Float64bits of the last rate
}

func NewFreqMonitor(name string, interval time.Duration) *FreqMonitor {
	m := &FreqMonitor{name: name, interval: interval, now: time.Now}
	m.start = m.now()
	return m
}

// Tick records one event. When the interval has elapsed it logs and returns
// the rate in Hz with ok set.
func (m *FreqMonitor) Tick() (hz float64, ok bool) {
	m.count++
	now := m.now()
	elapsed := now.Sub(m.start)
	if elapsed < m.interval {
		return 0, false
	}
	hz = float64(m.count) / elapsed.Seconds()
	m.rate.Store(math.Float64bits(hz))
	log.Printf("telemetry: %s %.2fHz", m.name, hz)
	m.count = 0
	m.start = now
	return hz, true
}

// Rate returns the last reported rate. Safe for concurrent use.
func (m *FreqMonitor) Rate() float64 { return math.Float64frombits(m.rate.Load()) }

func (m *FreqMonitor) Name() string { return m.name }
