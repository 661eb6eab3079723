// Package fserrors defines the error-kind taxonomy the file-serving core
// uses to classify admission and steady-state failures. Every kind maps to
// exactly one HTTP status at the httpglue boundary; nothing downstream of
// that boundary should need another switch on error strings.
package fserrors

import (
	"github.com/agilira/go-errors"
)

// Kind classifies a core error for the purposes of HTTP status mapping and
// whether it terminates a listener or just fails an admission attempt.
type Kind string

const (
	KindNotFound       Kind = "NOT_FOUND"
	KindForbidden      Kind = "FORBIDDEN"
	KindRange          Kind = "RANGE"
	KindBadRequest     Kind = "BAD_REQUEST"
	KindFormatMismatch Kind = "FORMAT_MISMATCH"
	KindWouldBlock     Kind = "WOULD_BLOCK"
	KindTransientIO    Kind = "TRANSIENT_IO"
	KindFatalIO        Kind = "FATAL_IO"
)

// New builds a core error of the given kind wrapping message, carrying mount
// as context when non-empty so logs can correlate the failure to a cache key
// without string-formatting it into the message itself.
func New(kind Kind, mount, message string) *errors.Error {
	e := errors.New(string(kind), message)
	if mount != "" {
		e = e.WithContext("mount", mount)
	}
	return e
}

// Wrap attaches a kind to an underlying error (e.g. a failed os.Open),
// preserving it for inspection while giving httpglue a stable code to switch
// on.
func Wrap(err error, kind Kind, mount, message string) *errors.Error {
	e := errors.Wrap(err, string(kind), message)
	if mount != "" {
		e = e.WithContext("mount", mount)
	}
	return e
}

// KindOf extracts the Kind from an error built by New/Wrap, returning
// (kind, true) on match. Errors from elsewhere (os, io) are not classified;
// callers should default to KindFatalIO for those when no better kind is
// known at the call site.
func KindOf(err error) (Kind, bool) {
	coder, ok := err.(errors.ErrorCoder)
	if !ok {
		return "", false
	}
	return Kind(coder.ErrorCode()), true
}
