// Package statspub implements the Stats collaborator contract (spec.md
// §6): the core publishes per-handle listener count, peak, and averaged
// outgoing kbitrate for fallback/file handles with a non-zero bitrate
// limit. It combines the teacher's circular activity-buffer-with-
// subscribers idiom (internal/server/logbuffer.go) with Prometheus
// gauges, so the same event feeds both in-process subscribers (Subscribe)
// and scraped metrics.
package statspub

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gofserve/gofserve/internal/listenersvc"
)

var _ listenersvc.Stats = (*Buffer)(nil)

// Event is one stats update for a single mount: Set emits it from the
// scanner's publish callback, and Disable emits it when listenersvc.Release
// sees a fallback handle's last listener leave.
type Event struct {
	Timestamp time.Time
	Mount     string
	Listeners int
	Peak      int
	KBitrate  float64
	Disabled  bool
}

const defaultBufferSize = 500

// Buffer is a circular buffer of recent stats Events with broadcast
// subscribers, adapted from the teacher's LogBuffer (internal/server
// package): same fixed-capacity slice plus a subscriber-channel set, with
// log levels and message-repeat collapsing replaced by per-mount Events.
type Buffer struct {
	mu          sync.RWMutex
	entries     []Event
	maxSize     int
	subscribers map[chan Event]struct{}
}

// NewBuffer creates a stats buffer of the given capacity (0 uses a
// reasonable default).
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = defaultBufferSize
	}
	return &Buffer{
		entries:     make([]Event, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Publish records ev and fans it out to subscribers without blocking on a
// slow reader (matching the teacher's LogBuffer.broadcast non-blocking
// send), and pushes the same numbers into the Prometheus gauges.
func (b *Buffer) Publish(ev Event) {
	b.mu.Lock()
	if len(b.entries) >= b.maxSize {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, ev)
	b.mu.Unlock()

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if ev.Disabled {
		fhListeners.DeleteLabelValues(ev.Mount)
		fhPeakListeners.DeleteLabelValues(ev.Mount)
		fhKbitrate.DeleteLabelValues(ev.Mount)
		return
	}
	fhListeners.WithLabelValues(ev.Mount).Set(float64(ev.Listeners))
	fhPeakListeners.WithLabelValues(ev.Mount).Set(float64(ev.Peak))
	fhKbitrate.WithLabelValues(ev.Mount).Set(ev.KBitrate)
}

// Subscribe returns a channel receiving every future Publish call; Close
// the returned func when done to avoid leaking the subscription.
func (b *Buffer) Subscribe() (ch <-chan Event, unsubscribe func()) {
	c := make(chan Event, 32)
	b.mu.Lock()
	b.subscribers[c] = struct{}{}
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		delete(b.subscribers, c)
		b.mu.Unlock()
		close(c)
	}
}

// Recent returns the last n published events (fewer if the buffer holds
// less).
func (b *Buffer) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	start := len(b.entries) - n
	out := make([]Event, n)
	copy(out, b.entries[start:])
	return out
}

var (
	fhListeners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gofserve_fh_listeners",
		Help: "Current listener count for a fallback or file handle.",
	}, []string{"mount"})

	fhPeakListeners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gofserve_fh_peak_listeners",
		Help: "Peak listener count observed for a fallback or file handle.",
	}, []string{"mount"})

	fhKbitrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gofserve_fh_kbitrate",
		Help: "Averaged outgoing kbit/s for a throttled fallback or file handle.",
	}, []string{"mount"})
)

// MustRegister registers the package's collectors with reg, typically
// prometheus.DefaultRegisterer once at process startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(fhListeners, fhPeakListeners, fhKbitrate)
}

// Set implements listenersvc.Stats by publishing an Event for mount.
func (b *Buffer) Set(mount string, listeners, peak int, kbitrate float64) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Mount:     mount,
		Listeners: listeners,
		Peak:      peak,
		KBitrate:  kbitrate,
	})
}

// Disable implements listenersvc.Stats by removing mount's gauges,
// called when a fallback handle's last listener departs (spec.md §4.5).
func (b *Buffer) Disable(mount string) {
	b.Publish(Event{Timestamp: time.Now(), Mount: mount, Disabled: true})
}
