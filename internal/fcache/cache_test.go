package fcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofserve/gofserve/internal/mimereg"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
}

func TestOpenDeduplicatesByKey(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "silence.mp3", []byte("not really mp3 but fine"))

	c := New(mimereg.New())
	finfo := FInfo{Mount: "/silence.mp3"}

	h1, err := c.Open(finfo, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := c.Open(finfo, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deduplicated handle, got distinct pointers")
	}
}

func TestOpenMissingFileReturnsNotFound(t *testing.T) {
	c := New(mimereg.New())
	_, err := c.Open(FInfo{Mount: "/nope.mp3"}, t.TempDir(), time.Minute)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFindReturnsSentinelForEmptyMount(t *testing.T) {
	c := New(mimereg.New())
	h := c.Find(FInfo{})
	if h != NoFileHandle {
		t.Fatalf("expected sentinel handle for empty mount")
	}
}

func TestRefcountMatchesListenerCount(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.mp3", []byte("data"))
	c := New(mimereg.New())

	h, err := c.Open(FInfo{Mount: "/a.mp3"}, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h.Lock()
	h.addListenerLocked("l1", "")
	h.addListenerLocked("l2", "")
	h.Unlock()

	if got := h.Refcount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if got := h.ListenerCount(); got != 2 {
		t.Fatalf("listener count = %d, want 2", got)
	}

	h.Lock()
	h.removeListenerLocked("l1")
	h.Unlock()

	if got := h.Refcount(); got != 1 {
		t.Fatalf("refcount after remove = %d, want 1", got)
	}
}

func TestScanReapsOnlyUnreferencedExpiredHandles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.mp3", []byte("data"))
	writeTempFile(t, dir, "b.mp3", []byte("data"))
	c := New(mimereg.New())

	busy, err := c.Open(FInfo{Mount: "/a.mp3"}, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	busy.Lock()
	busy.addListenerLocked("listener", "")
	busy.Unlock()

	idle, err := c.Open(FInfo{Mount: "/b.mp3"}, dir, -time.Second) // already expired
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = idle

	reaped := c.Scan(time.Now(), nil)
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	if c.Find(FInfo{Mount: "/a.mp3"}) == nil {
		t.Fatal("referenced handle should survive Scan")
	}
	if c.Find(FInfo{Mount: "/b.mp3"}) != nil {
		t.Fatal("expired unreferenced handle should have been reaped")
	}
}

func TestScanShutdownReapsEverythingButSentinel(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.mp3", []byte("data"))
	c := New(mimereg.New())

	h, err := c.Open(FInfo{Mount: "/a.mp3"}, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = h

	reaped := c.Scan(time.Time{}, nil)
	if reaped != 1 {
		t.Fatalf("shutdown reaped = %d, want 1", reaped)
	}
	if c.Find(FInfo{Mount: "/a.mp3"}) != nil {
		t.Fatal("handle should be gone after shutdown scan")
	}
}

func TestSetOverrideTombstonesOldAndInsertsFresh(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "live-fallback.mp3", []byte("data"))
	c := New(mimereg.New())

	old, err := c.Open(FInfo{Mount: "/live-fallback.mp3"}, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	old.Lock()
	old.addListenerLocked("listener", "")
	oldKeyFlags := old.Key.Flags
	old.Unlock()

	if oldKeyFlags.Has(FlagDelete) {
		t.Fatal("handle should not start tombstoned")
	}

	ok := c.SetOverride("/live-fallback.mp3", 0, "/other.mp3", "audio/mpeg")
	if !ok {
		t.Fatal("SetOverride on existing key should succeed")
	}

	if !old.isDeleted() {
		t.Fatal("old handle should be tombstoned after override")
	}
	if got := old.Info().Override; got != "/other.mp3" {
		t.Fatalf("old handle Override = %q, want /other.mp3", got)
	}

	fresh := c.Find(FInfo{Mount: "/live-fallback.mp3"})
	if fresh == nil || fresh == old {
		t.Fatal("expected a fresh, distinct handle reachable from the cache")
	}
	if fresh.ListenerCount() != 0 {
		t.Fatal("fresh handle should start with no listeners")
	}

	// Old handle remains reachable to whoever already held it, and its
	// listener is unaffected until their next sender tick.
	if old.ListenerCount() != 1 {
		t.Fatal("old handle's existing listener should be undisturbed by override")
	}
}

func TestSetOverrideClearsFallbackFlagOnTombstone(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "live-fallback.mp3", []byte("data"))
	c := New(mimereg.New())

	old, err := c.Open(FInfo{Mount: "/live-fallback.mp3", Flags: FlagFallback, Limit: 128}, dir, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !c.SetOverride("/live-fallback.mp3", FlagFallback, "/other.mp3", "") {
		t.Fatal("SetOverride on existing fallback key should succeed")
	}

	if old.Key.Flags.Has(FlagFallback) {
		t.Fatal("tombstoned handle should have FlagFallback cleared")
	}
	if !old.Key.Flags.Has(FlagDelete) {
		t.Fatal("tombstoned handle should have FlagDelete set")
	}
}

func TestSetOverrideOnAbsentKeyFails(t *testing.T) {
	c := New(mimereg.New())
	if c.SetOverride("/nope.mp3", 0, "/x.mp3", "") {
		t.Fatal("SetOverride on absent key should return false")
	}
}

func TestContainsTriState(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.mp3", []byte("data"))
	c := New(mimereg.New())

	if got := c.Contains("/a.mp3", 0); got != 0 {
		t.Fatalf("Contains before open = %d, want 0", got)
	}

	if _, err := c.Open(FInfo{Mount: "/a.mp3"}, dir, time.Minute); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := c.Contains("/a.mp3", 0); got != 1 {
		t.Fatalf("Contains after open = %d, want 1", got)
	}
}
