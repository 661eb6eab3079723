package fcache

import (
	"sync"
	"time"

	"github.com/gofserve/gofserve/internal/timeutil"
)

// windowSize is the number of samples the sliding window retains. Adapted
// from the teacher's stream.RateCalculator, reduced to the single
// bytes-per-tick sample shape the sender actually needs (no separate
// latency histogram).
const windowSize = 60

// BitrateMeter is a sliding-window byte counter producing an averaged
// outgoing bitrate, shared per spec.md §3 ("outgoing-bitrate meter") by
// every listener of an FH, and independently as the process-wide meter that
// feeds throttle_sends admission decisions (spec.md §5, §9).
type BitrateMeter struct {
	mu       sync.Mutex
	samples  []sample
	pos      int
	total    int64
}

type sample struct {
	bytes int64
	at    time.Time
}

// NewBitrateMeter creates an empty meter.
func NewBitrateMeter() *BitrateMeter {
	return &BitrateMeter{samples: make([]sample, windowSize)}
}

// Add records n bytes sent at the current time. A zero n is a legitimate
// sample: spec.md §4.6 step 3 requires recording zero-byte samples while a
// throttled sender is being held back, so the window doesn't look idle.
func (m *BitrateMeter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.pos] = sample{bytes: n, at: timeutil.Now()}
	m.pos = (m.pos + 1) % windowSize
	m.total += n
}

// Rate returns the current average rate in bytes/sec over the window.
func (m *BitrateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest, newest time.Time
	var sum int64
	var n int
	for _, s := range m.samples {
		if s.at.IsZero() {
			continue
		}
		n++
		sum += s.bytes
		if oldest.IsZero() || s.at.Before(oldest) {
			oldest = s.at
		}
		if newest.IsZero() || s.at.After(newest) {
			newest = s.at
		}
	}
	if n < 2 {
		return 0
	}
	dur := newest.Sub(oldest).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(sum) / dur
}

// Total returns the cumulative byte count ever recorded.
func (m *BitrateMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// ShrinkWindow discards all but the most recent sample, so a newly started
// session (or one that just lost a listener) does not distort the average
// with stale history — spec.md §9's "global bitrate sampling reduction",
// called on client departure and on throttled-sender initialisation.
func (m *BitrateMeter) ShrinkWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last sample
	for _, s := range m.samples {
		if !s.at.IsZero() && s.at.After(last.at) {
			last = s
		}
	}
	for i := range m.samples {
		m.samples[i] = sample{}
	}
	if !last.at.IsZero() {
		m.samples[0] = last
		m.pos = 1
	} else {
		m.pos = 0
	}
}
