package fcache

// FInfo is the caller-supplied descriptor for a lookup or open (spec.md
// §3): a mount, the probe flags, a target bitrate, a content-type tag, the
// on-disk file size once known, and an optional override destination mount
// used by the migration path.
type FInfo struct {
	Mount string
	Flags Flags

	// Limit is the target bitrate in bytes/sec; 0 means untimed
	// (file-stream, not throttled-file-stream).
	Limit int64

	// Type is the declared content type; "" or "undefined" means the
	// handle should inherit the MIME registry's mapping at open time.
	Type string

	// Size is the on-disk file size in bytes, set once the file is opened.
	Size int64

	// Override, when non-empty, names the mount a listener attached to
	// this FInfo should migrate to (spec.md §4.6 migrate state).
	Override string
}

// IsMissing reports whether a previous lookup already marked this FInfo as
// a miss, so a retry can short-circuit without touching the filesystem
// again (spec.md §4.4 step 1).
func (fi *FInfo) IsMissing() bool { return fi.Flags.Has(FlagMissing) }

// IsFallback reports whether this FInfo targets fallback content.
func (fi *FInfo) IsFallback() bool { return fi.Flags.Has(FlagFallback) }

// undefinedType is the sentinel string meaning "let the MIME registry
// decide", matching spec.md §4.3's "If the FInfo's declared format is
// 'undefined' it inherits the content-type's mapping."
const undefinedType = "undefined"

func (fi *FInfo) typeIsUndefined() bool {
	return fi.Type == "" || fi.Type == undefinedType
}
