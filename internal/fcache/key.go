// Package fcache implements the deduplicated, reference-counted file-handle
// cache keyed by (mount, flags): spec.md §3 (Data Model) and §4.2 (FH cache).
package fcache

import "strings"

// Flags is the bitset distinguishing cache entries that share a mount
// string but serve different purposes (spec.md §3).
type Flags uint8

const (
	// FlagFallback marks a handle serving fallback content for a live mount.
	FlagFallback Flags = 1 << iota
	// FlagUseAdmin resolves the mount path under the admin root.
	FlagUseAdmin
	// FlagDelete marks the handle tombstoned: destroy on refcount 0.
	FlagDelete
	// FlagMissing marks a prior lookup miss so retries short-circuit.
	FlagMissing
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Key is the FH cache key: (mount, flags), ordered first by mount (with ""
// sorting before any non-empty mount, per spec.md §3), then by flags.
type Key struct {
	Mount string
	Flags Flags
}

// Less implements the cache's ordering: null mount first, then flags.
func (k Key) Less(other Key) bool {
	if k.Mount != other.Mount {
		if k.Mount == "" {
			return true
		}
		if other.Mount == "" {
			return false
		}
		return k.Mount < other.Mount
	}
	return k.Flags < other.Flags
}

// synthetic mount prefixes (spec.md §6): query keys may arrive wrapped so
// the correct flags can be derived without a separate parameter.
const (
	prefixFallback = "fallback-"
	prefixFile     = "file-"
)

// StripSyntheticPrefix recognizes the fallback-/file- synthetic prefixes on
// a raw mount string, returning the bare mount and the flags implied by the
// prefix (FlagFallback for "fallback-", nothing extra for "file-", which
// exists only to disambiguate the request class upstream of the cache).
func StripSyntheticPrefix(raw string) (mount string, flags Flags) {
	if rest, ok := strings.CutPrefix(raw, prefixFallback); ok {
		return rest, FlagFallback
	}
	if rest, ok := strings.CutPrefix(raw, prefixFile); ok {
		return rest, 0
	}
	return raw, 0
}
