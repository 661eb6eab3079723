package mimereg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupDefaults(t *testing.T) {
	r := New()

	if got := r.Lookup("mp3"); got != "audio/mpeg" {
		t.Fatalf("Lookup(mp3) = %q, want audio/mpeg", got)
	}
	if got := r.Lookup(".MP3"); got != "audio/mpeg" {
		t.Fatalf("Lookup(.MP3) = %q, want audio/mpeg (case/dot insensitive)", got)
	}
	if got := r.Lookup("unknownext"); got != DefaultType {
		t.Fatalf("Lookup(unknownext) = %q, want %q", got, DefaultType)
	}
}

func TestReverseLookup(t *testing.T) {
	r := New()
	if got := r.ReverseLookup("audio/mpeg"); got != "mp3" {
		t.Fatalf("ReverseLookup(audio/mpeg) = %q, want mp3", got)
	}
	if got := r.ReverseLookup("nonexistent/type"); got != "" {
		t.Fatalf("ReverseLookup(nonexistent/type) = %q, want empty", got)
	}
}

func TestReloadFileMergesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mime.types")
	content := "# comment\naudio/mpeg mp3 mp2\n\napplication/x-custom cst\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := r.ReloadFile(path); err != nil {
		t.Fatalf("ReloadFile: %v", err)
	}

	if got := r.Lookup("mp2"); got != "audio/mpeg" {
		t.Fatalf("Lookup(mp2) = %q, want audio/mpeg", got)
	}
	if got := r.Lookup("cst"); got != "application/x-custom" {
		t.Fatalf("Lookup(cst) = %q, want application/x-custom", got)
	}
	// Built-in defaults not mentioned in the file must survive the merge.
	if got := r.Lookup("png"); got != "image/png" {
		t.Fatalf("Lookup(png) = %q, want image/png", got)
	}
}

func TestReloadFileMissingFallsBackToDefaults(t *testing.T) {
	r := New()
	if err := r.ReloadFile("/no/such/file/exists.types"); err != nil {
		t.Fatalf("ReloadFile of missing file should not error, got %v", err)
	}
	if got := r.Lookup("mp3"); got != "audio/mpeg" {
		t.Fatalf("Lookup(mp3) after missing-file reload = %q, want audio/mpeg", got)
	}
}
