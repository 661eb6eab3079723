// Package mimereg implements the extension-to-content-type registry: a
// thread-safe, hot-reloadable mapping with the built-in defaults overridden
// by an optional on-disk file in the canonical `type ext1 ext2 …` format.
package mimereg

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

// DefaultType is returned when no extension matches.
const DefaultType = "application/octet-stream"

// maxLineBytes caps a single line of a MIME file per the file-format
// contract (4096 bytes); longer lines are truncated rather than rejected.
const maxLineBytes = 4096

var builtin = map[string][]string{
	"audio/mpeg":       {"mp3"},
	"audio/ogg":        {"ogg", "oga"},
	"audio/flac":       {"flac"},
	"audio/aac":        {"aac"},
	"audio/x-aac":      {"aac"},
	"video/ogg":        {"ogv"},
	"video/webm":       {"webm"},
	"application/ogg":  {"ogx"},
	"text/html":        {"html", "htm"},
	"text/css":         {"css"},
	"text/plain":       {"txt", "log"},
	"application/json": {"json"},
	"image/png":        {"png"},
	"image/jpeg":       {"jpg", "jpeg"},
	"image/gif":        {"gif"},
	"image/svg+xml":    {"svg"},
	"application/xml":  {"xml", "xsl"},
	"application/xspf+xml": {"xspf"},
	"audio/x-mpegurl":      {"m3u"},
}

// Registry is the extension→content-type mapping. The zero value is not
// ready for use; call New.
type Registry struct {
	m atomic.Pointer[snapshot]
}

type snapshot struct {
	extToType map[string]string // lowercased ext, no dot -> content type
	typeToExt map[string]string // content type -> first-registered ext
}

// New builds a Registry seeded with built-in defaults.
func New() *Registry {
	r := &Registry{}
	r.m.Store(buildSnapshot(builtin))
	return r
}

func buildSnapshot(byType map[string][]string) *snapshot {
	s := &snapshot{
		extToType: make(map[string]string, len(byType)*2),
		typeToExt: make(map[string]string, len(byType)),
	}
	for typ, exts := range byType {
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			s.extToType[ext] = typ
			if _, ok := s.typeToExt[typ]; !ok {
				s.typeToExt[typ] = ext
			}
		}
	}
	return s
}

// Lookup returns the content type for a filename's extension (with or
// without a leading dot), defaulting to DefaultType.
func (r *Registry) Lookup(ext string) string {
	ext = normalizeExt(ext)
	snap := r.m.Load()
	if typ, ok := snap.extToType[ext]; ok {
		return typ
	}
	return DefaultType
}

// ReverseLookup returns the first extension registered for a content type,
// used when synthesizing playlist filenames. Returns "" if unknown.
func (r *Registry) ReverseLookup(contentType string) string {
	snap := r.m.Load()
	return snap.typeToExt[strings.ToLower(contentType)]
}

func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return strings.ToLower(ext)
}

// ReloadFile atomically replaces the registry contents with the built-in
// defaults merged with a MIME file. A missing file falls back cleanly to
// the defaults alone; any other open or read error is returned and the
// current snapshot stays in place. The old
// snapshot is left for the garbage collector once the last reader using it
// finishes; there is no explicit free, since Go has no manual memory
// ownership to hand back here.
func (r *Registry) ReloadFile(path string) error {
	byType := cloneDefaults()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.m.Store(buildSnapshot(byType))
			return nil
		}
		return err
	}
	defer f.Close()

	if err := parseInto(f, byType); err != nil {
		return err
	}

	r.m.Store(buildSnapshot(byType))
	return nil
}

func cloneDefaults() map[string][]string {
	out := make(map[string][]string, len(builtin))
	for k, v := range builtin {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// parseInto reads the `type ext1 ext2 …` format: whitespace-separated
// fields, '#' starts a line comment, blank lines are skipped, and any line
// longer than maxLineBytes is truncated before parsing (matching the
// original file format's line cap rather than erroring on long lines).
func parseInto(r io.Reader, byType map[string][]string) error {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line := string(chunk)
		for isPrefix && err == nil {
			_, isPrefix, err = br.ReadLine()
		}
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		typ := fields[0]
		for _, ext := range fields[1:] {
			ext = strings.ToLower(ext)
			byType[typ] = append(byType[typ], ext)
		}
	}
}
