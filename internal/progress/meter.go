package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a batch of transfers.
type Stats struct {
	BytesDone     int64
	Total         int64
	StreamsDone   int
	StreamsFailed int
	Elapsed       time.Duration
	AvgBps        float64
	Percent       float64
	StartedAt     time.Time
}

// Meter tracks completed bytes and streams for a batch of concurrent sends.
// Bytes only count once their stream has been acknowledged.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	completed int
	failed    int
	startedAt time.Time
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

// Start resets the meter for a batch of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.completed = 0
	m.failed = 0
	m.startedAt = m.now()
}

// Complete records one acknowledged stream of n bytes.
func (m *Meter) Complete(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.done += n
	}
	m.completed++
}

// Fail records one stream that did not complete.
func (m *Meter) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:     m.done,
		Total:         m.total,
		StreamsDone:   m.completed,
		StreamsFailed: m.failed,
		StartedAt:     m.startedAt,
	}
	if !m.startedAt.IsZero() {
		stats.Elapsed = m.now().Sub(m.startedAt)
	}
	if stats.Elapsed > 0 {
		stats.AvgBps = float64(m.done) / stats.Elapsed.Seconds()
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	return stats
}
