package fcache

import (
	"os"
	"sync"
	"time"
)

// ListenerID identifies a connected client within a Handle's listener set.
type ListenerID string

// Handle (FH) aggregates everything a group of listeners attached to the
// same (mount, flags) share (spec.md §3). The fields above mu are set once
// at construction and never mutated again, except Key.Flags, which
// SetOverride rewrites under mu when it tombstones the handle; everything reachable only
// through mu is the per-FH-lock-protected state the cache, scanner, and
// sender machinery touch on every tick.
type Handle struct {
	Key           Key
	File          *os.File
	Format        Format
	FrameStartPos int64

	mu sync.Mutex

	info      FInfo // owned copy; Override and Size may change under mu
	refcount  int
	peak      int
	listeners map[ListenerID]string // listener -> principal, for duplicate-login checks

	meter *BitrateMeter

	expire    time.Time
	prevCount int
}

// newHandle constructs a Handle with no listeners and a refcount of zero,
// ready for the cache to either discard (on open failure) or insert.
func newHandle(key Key, info FInfo, f *os.File, probe probeResult) *Handle {
	return &Handle{
		Key:           key,
		File:          f,
		Format:        probe.format,
		FrameStartPos: probe.frameStartPos,
		info:          info,
		listeners:     make(map[ListenerID]string),
		meter:         NewBitrateMeter(),
	}
}

// NoFileHandle is the sentinel empty handle returned for a lookup whose
// FInfo carries no mount (spec.md §3): refcount is held artificially above
// zero so Scan never reaps it, and it owns no open file.
var NoFileHandle = &Handle{
	Key:       Key{Mount: ""},
	listeners: make(map[ListenerID]string),
	meter:     NewBitrateMeter(),
	refcount:  1,
}

// Lock/Unlock expose the per-FH lock directly to collaborators (sender,
// listenersvc) that must hold it across more than one Handle method call,
// matching the lock-handoff idiom used throughout spec.md §5.
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// Info returns a copy of the FInfo this handle was opened with. Callers
// wanting to observe Override consistently with other locked fields should
// hold the handle locked across Info() and whatever they do with it.
func (h *Handle) Info() FInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// InfoLocked is Info's already-locked counterpart, for callers that are
// already holding mu (e.g. across an admission decision).
func (h *Handle) InfoLocked() FInfo { return h.info }

// Refcount, ListenerCount, Peak report the handle's accounting state.
// Callers that need a consistent read of more than one should lock the
// handle themselves rather than composing these.
func (h *Handle) Refcount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refcount
}

// RefcountLocked is Refcount's already-locked counterpart.
func (h *Handle) RefcountLocked() int { return h.refcount }

func (h *Handle) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// ListenerCountLocked is ListenerCount's already-locked counterpart.
func (h *Handle) ListenerCountLocked() int { return len(h.listeners) }

func (h *Handle) Peak() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

// Meter returns the handle's shared outgoing-bitrate meter.
func (h *Handle) Meter() *BitrateMeter { return h.meter }

// addListenerLocked inserts id into the listener set and bumps refcount,
// maintaining spec.md §3's refcount == |listeners| invariant. Caller must
// hold mu.
func (h *Handle) addListenerLocked(id ListenerID, principal string) {
	if _, ok := h.listeners[id]; ok {
		h.listeners[id] = principal
		return
	}
	h.listeners[id] = principal
	h.refcount++
	if len(h.listeners) > h.peak {
		h.peak = len(h.listeners)
	}
}

// AddListenerLocked is the exported entry point listenersvc uses while
// already holding the handle's lock during admission (spec.md §4.4 step 7).
func (h *Handle) AddListenerLocked(id ListenerID, principal string) {
	h.addListenerLocked(id, principal)
}

// removeListenerLocked removes id from the listener set and drops
// refcount. Caller must hold mu. Returns the refcount after removal.
func (h *Handle) removeListenerLocked(id ListenerID) int {
	if _, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		h.refcount--
	}
	return h.refcount
}

// RemoveListenerLocked is removeListenerLocked's exported counterpart, used
// by listenersvc.Release (spec.md §4.5).
func (h *Handle) RemoveListenerLocked(id ListenerID) int {
	return h.removeListenerLocked(id)
}

// HasPrincipalLocked reports whether any current listener is the given
// principal, the duplicate-login check of spec.md §4.4 step 3. Caller must
// hold mu.
func (h *Handle) HasPrincipalLocked(principal string) bool {
	if principal == "" {
		return false
	}
	for _, p := range h.listeners {
		if p == principal {
			return true
		}
	}
	return false
}

// SetExpireLocked sets the handle's expiry deadline. Caller must hold mu.
func (h *Handle) SetExpireLocked(t time.Time) { h.expire = t }

// ExpireLocked returns the handle's current expiry deadline. The zero value
// lies in the past, so Scan treats it as already expired; there is no
// "never expire" value. Caller must hold mu.
func (h *Handle) ExpireLocked() time.Time { return h.expire }

// isDeleted reports whether the handle is tombstoned (spec.md §4.2): a
// DELETE-flagged handle at refcount 0 is unreachable from the cache and
// only waiting for its last listener to let go of their own reference.
// The DELETE flag is set exactly once, under mu, by SetOverride, and never
// cleared; reading it without the lock elsewhere in this package is safe
// only after that happens-before edge is established via the cache lock.
func (h *Handle) isDeleted() bool {
	return h.Key.Flags.Has(FlagDelete)
}

// IsDeletedLocked is isDeleted's exported, locked-caller-facing name, used
// by collaborators outside this package that already hold mu.
func (h *Handle) IsDeletedLocked() bool { return h.isDeleted() }

// Destroy closes the backing file. It must only be called once a handle is
// unreachable from the cache and at refcount 0 (spec.md §4.5's synchronous
// DELETE-at-refcount-0 destruction path); callers must not hold mu.
func (h *Handle) Destroy() {
	if h.File != nil {
		h.File.Close()
	}
}
