package fcache

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofserve/gofserve/internal/fserrors"
	"github.com/gofserve/gofserve/internal/mimereg"
	"github.com/gofserve/gofserve/internal/timeutil"
)

// defaultExpireAfter is how long an unreferenced handle survives before Scan
// reaps it when Open is given a zero expireAfter.
const defaultExpireAfter = 60 * time.Second

// Cache is the deduplicated, reference-counted FH cache keyed by
// (mount, flags): spec.md §3 and §4.2. At most one reachable entry exists
// per key; a DELETE-flagged handle at refcount 0 is removed from the index
// immediately (it is never "reachable" again) but the *Handle value itself
// lives on until its last holder drops it.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Handle
	mime    *mimereg.Registry
}

// New creates an empty cache backed by the given MIME registry, used to
// resolve a handle's content type when its FInfo's type is undefined.
func New(mime *mimereg.Registry) *Cache {
	return &Cache{
		entries: make(map[Key]*Handle),
		mime:    mime,
	}
}

// Find looks up an existing handle for finfo's (mount, flags) without
// opening anything. Returns NoFileHandle if finfo carries no mount, nil if
// no entry exists. Matches spec.md §4.2's read path.
func (c *Cache) Find(finfo FInfo) *Handle {
	if finfo.Mount == "" {
		return NoFileHandle
	}
	key := Key{Mount: finfo.Mount, Flags: finfo.Flags}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// Contains reports cache membership without blocking indefinitely: 1 if
// present, 0 if absent, -1 if the cache lock could not be acquired
// immediately (spec.md §9's fserve_contains try-lock semantics, resolved
// in Go via sync.RWMutex.TryRLock).
func (c *Cache) Contains(mount string, flags Flags) int {
	if !c.mu.TryRLock() {
		return -1
	}
	defer c.mu.RUnlock()
	if _, ok := c.entries[Key{Mount: mount, Flags: flags}]; ok {
		return 1
	}
	return 0
}

// Open finds-or-inserts a handle for finfo, opening the backing file and
// running the format probe on a miss. Implements the lock-handoff idiom of
// spec.md §5: the cache's write lock is held only long enough to either
// find an existing entry or reserve the key for a new one; file I/O and
// probing happen with the cache lock dropped, and a losing racer's freshly
// opened file is closed and its handle discarded in favour of the winner.
func (c *Cache) Open(finfo FInfo, root string, expireAfter time.Duration) (*Handle, error) {
	if finfo.Mount == "" {
		return NoFileHandle, nil
	}
	key := Key{Mount: finfo.Mount, Flags: finfo.Flags}

	c.mu.RLock()
	if h, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	// Miss: do the expensive work (open, probe) unlocked, then take the
	// write lock only to insert — re-checking for a racing insert first.
	path := root + finfo.Mount
	f, err := os.Open(path)
	if err != nil {
		return nil, fserrors.Wrap(err, fserrors.KindNotFound, finfo.Mount, "open fallback file")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fserrors.Wrap(err, fserrors.KindTransientIO, finfo.Mount, "stat fallback file")
	}
	finfo.Size = fi.Size()

	probe := probeFormat(f, finfo.Type)
	if probe.bitrate > 0 {
		checkBitrateDeviation(finfo.Mount, probe.bitrate, finfo.Limit)
	}
	if finfo.typeIsUndefined() {
		if ct := c.mime.Lookup(extOf(finfo.Mount)); ct != "" {
			finfo.Type = ct
		}
	}

	c.mu.Lock()
	if h, ok := c.entries[key]; ok {
		c.mu.Unlock()
		f.Close()
		return h, nil
	}
	h := newHandle(key, finfo, f, probe)
	h.expire = timeutil.Now().Add(orDefault(expireAfter))
	c.entries[key] = h
	c.mu.Unlock()

	return h, nil
}

func orDefault(d time.Duration) time.Duration {
	if d == 0 {
		return defaultExpireAfter
	}
	return d
}

func extOf(mount string) string {
	for i := len(mount) - 1; i >= 0; i-- {
		if mount[i] == '.' {
			return mount[i+1:]
		}
		if mount[i] == '/' {
			break
		}
	}
	return ""
}

// SetOverride implements the atomic override/migration mechanism of
// spec.md §4.2: the existing handle at key is tombstoned (FlagDelete set)
// and detached from the index, while a fresh empty-listener-set handle is
// inserted under the same key so new lookups see the override destination
// immediately. Existing listeners on the tombstoned handle keep sending
// from it until their next sender tick observes the override and migrates.
// Returns false if no handle was present to override.
func (c *Cache) SetOverride(mount string, flags Flags, dest string, contentType string) bool {
	key := Key{Mount: mount, Flags: flags}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)

	old.mu.Lock()
	old.Key.Flags = (old.Key.Flags &^ FlagFallback) | FlagDelete
	old.info.Override = dest
	old.mu.Unlock()

	fresh := &Handle{
		Key:       key,
		info:      FInfo{Mount: mount, Flags: flags, Type: contentType},
		listeners: make(map[ListenerID]string),
		meter:     NewBitrateMeter(),
		expire:    timeutil.Now().Add(defaultExpireAfter),
	}
	c.entries[key] = fresh
	return true
}

// Scan implements spec.md §4.7: refresh per-handle listener-count stats,
// reap expired unreferenced handles, and (when now is the zero time) force
// every non-sentinel handle to expire immediately as part of an orderly
// shutdown. Returns the number of handles reaped.
func (c *Cache) Scan(now time.Time, publish func(h *Handle)) int {
	shuttingDown := now.IsZero()

	c.mu.Lock()
	defer c.mu.Unlock()

	reaped := 0
	for key, h := range c.entries {
		if h == NoFileHandle {
			continue
		}

		h.mu.Lock()
		if shuttingDown {
			h.expire = time.Time{}
		}
		refcount := h.refcount
		prevCount := h.prevCount
		h.prevCount = len(h.listeners)
		expired := shuttingDown || (refcount == 0 && !h.expire.After(now))
		h.mu.Unlock()

		if publish != nil && prevCount != h.prevCount {
			publish(h)
		}

		if expired && refcount == 0 {
			delete(c.entries, key)
			if h.File != nil {
				h.File.Close()
			}
			reaped++
		}
	}
	return reaped
}

// Keys returns a sorted snapshot of the cache's current keys, used by the
// scanner's shutdown drain to see whether any handles are left.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
