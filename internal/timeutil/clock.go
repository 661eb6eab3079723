// Package timeutil supplies cheap, cached clock reads for the bitrate
// meter's samples and the FH cache's and listener service's expiry
// deadlines; the sender and scanner read time.Now directly. A real time.Now() is a vDSO call
// per invocation; with thousands of throttled listeners ticking every
// 50-300ms that adds up the same way stream.Mount.IsActive's atomic load
// avoids a mutex on gofserve's hot listener path.
package timeutil

import (
	"time"

	"github.com/agilira/go-timecache"
)

// Now returns a cached, periodically refreshed wall-clock time. Accurate to
// the cache's refresh interval (sub-millisecond drift in practice), which is
// well inside the tolerances the sender's reschedule math already works
// with (50ms floors, 300ms slowdowns).
func Now() time.Time {
	return timecache.CachedTime()
}

// NowNano returns the cached time as Unix nanoseconds, for code that wants
// to avoid a time.Time allocation on the hottest paths (bitrate meter
// sampling).
func NowNano() int64 {
	return timecache.CachedTimeNano()
}
