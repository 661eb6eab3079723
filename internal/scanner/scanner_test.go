package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/mimereg"
)

func TestRunReapsExpiredHandlesOnTick(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cache := fcache.New(mimereg.New())
	if _, err := cache.Open(fcache.FInfo{Mount: "/a.mp3"}, dir, -time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}

	s := New(cache, 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if len(cache.Keys()) != 0 {
		t.Fatalf("expected cache drained after shutdown, got %d keys", len(cache.Keys()))
	}
}

func TestRunDrainsOnShutdownEvenWithoutExpiry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cache := fcache.New(mimereg.New())
	if _, err := cache.Open(fcache.FInfo{Mount: "/a.mp3"}, dir, time.Hour); err != nil {
		t.Fatalf("open: %v", err)
	}

	s := New(cache, time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if len(cache.Keys()) != 0 {
		t.Fatalf("expected shutdown to force-drain the cache, got %d keys", len(cache.Keys()))
	}
}
