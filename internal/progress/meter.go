package progress

import (
	"sync"
	"time"
)

// DefaultSampleInterval is how often progress is recomputed.
const DefaultSampleInterval = 500 * time.Millisecond

// incompleteCap keeps the reported percentage below 100 until completion.
const incompleteCap = 99.9

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	// RateBps is the throughput over the last sample window.
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
	Complete  bool
}

// Meter tracks byte progress. Rates are computed per sample window rather
// than per Add so callers can add on every chunk cheaply.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	complete  bool
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	now       func() time.Time
}

// NewMeter returns a meter using the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.complete = false
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add increments the completed byte count.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.done += int64(n)
	m.mu.Unlock()
}

// SetTotal updates the total bytes.
func (m *Meter) SetTotal(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
}

// MarkComplete records true completion. Only a completed meter reports 100%.
func (m *Meter) MarkComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete = true
}

// Sample closes the current window, updating the throughput to the bytes
// added since the previous Sample divided by the elapsed time.
func (m *Meter) Sample() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 {
		m.rateBps = float64(m.done-m.lastDone) / elapsed
		m.lastAt = now
		m.lastDone = m.done
	}
	return m.snapshotLocked()
}

// Snapshot returns the current stats without closing the sample window.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Meter) snapshotLocked() Stats {
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
		Complete:  m.complete,
	}
	switch {
	case m.complete:
		stats.Percent = 100
	case m.total > 0:
		stats.Percent = float64(m.done) / float64(m.total) * 100
		if stats.Percent > incompleteCap {
			stats.Percent = incompleteCap
		}
	}
	if !m.complete && m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
