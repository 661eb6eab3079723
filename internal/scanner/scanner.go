// Package scanner drives the FH cache's periodic stats-refresh-and-reap
// pass from a single goroutine (spec.md §4.7), and serves as the shutdown
// drain loop: forcing every handle's expiry, then polling until only the
// sentinel remains.
package scanner

import (
	"context"
	"time"

	"github.com/gofserve/gofserve/internal/fcache"
)

// Publisher receives a handle whose listener count changed since the last
// scan, the stats hook the cache's Scan loop drives per tick.
type Publisher func(h *fcache.Handle)

// Scanner owns the ticker that drives Cache.Scan.
type Scanner struct {
	cache    *fcache.Cache
	interval time.Duration
	publish  Publisher
}

// New builds a Scanner over cache, ticking at interval (order of seconds,
// per spec.md §4.7).
func New(cache *fcache.Cache, interval time.Duration, publish Publisher) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scanner{cache: cache, interval: interval, publish: publish}
}

// Run ticks Cache.Scan until ctx is cancelled, then drains the cache down
// to just the sentinel before returning (spec.md §4.7's shutdown
// behaviour: "passing a zero now forces every FH's expire to 0 ...
// shutdown waits for the cache to drain to just the sentinel").
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.cache.Scan(time.Now(), s.publish)
		}
	}
}

// drainPollInterval bounds how often the shutdown drain loop re-checks the
// cache, independent of the steady-state scan interval.
const drainPollInterval = 50 * time.Millisecond

// drainTimeout is the maximum time the drain loop waits for listeners to
// finish migrating or terminating before giving up; any handles left at
// that point stay in the cache and are not reported.
const drainTimeout = 10 * time.Second

func (s *Scanner) drain() {
	// The sentinel is never inserted into the cache's own index (it is a
	// synthetic value returned only for empty-mount lookups), so a fully
	// drained cache reports zero keys here, not one.
	deadline := time.Now().Add(drainTimeout)
	s.cache.Scan(time.Time{}, s.publish)
	for {
		if len(s.cache.Keys()) == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(drainPollInterval)
		s.cache.Scan(time.Now(), s.publish)
	}
}
