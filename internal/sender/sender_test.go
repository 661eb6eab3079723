package sender

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/mimereg"
)

type stubMover struct {
	err error
}

func (m *stubMover) MoveListener(fcache.ListenerID, fcache.FInfo) error { return m.err }

func openHandle(t *testing.T, content []byte, limit int64) *fcache.Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cache := fcache.New(mimereg.New())
	h, err := cache.Open(fcache.FInfo{Mount: "/a.mp3", Limit: limit}, dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return h
}

func TestBufferContentDrainsThenFallsThroughToFileStream(t *testing.T) {
	h := openHandle(t, []byte("filebody"), 0)
	var out bytes.Buffer
	c := NewClient("l1", h, &out, []Refbuf{{Data: []byte("header")}}, fcache.NewBitrateMeter())

	for i := 0; i < 4 && c.State == StateBufferContent; i++ {
		Tick(c, nil, func(*Client) {})
	}
	if c.State != StateFileStream {
		t.Fatalf("state = %v, want StateFileStream", c.State)
	}
	if out.String() != "header" {
		t.Fatalf("intro written = %q, want %q", out.String(), "header")
	}
}

func TestFileStreamReadsToEOF(t *testing.T) {
	h := openHandle(t, []byte("hello world"), 0)
	var out bytes.Buffer
	c := NewClient("l1", h, &out, nil, fcache.NewBitrateMeter())
	c.State = StateFileStream

	res := Tick(c, nil, func(*Client) {})
	if c.Error == nil {
		t.Fatal("expected EOF error to be recorded after draining a small file")
	}
	if out.String() != "hello world" {
		t.Fatalf("body written = %q, want %q", out.String(), "hello world")
	}
	_ = res
}

func TestThrottledFileStreamPacesWithinAllowance(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 5000)
	h := openHandle(t, content, 16000)
	var out bytes.Buffer
	c := NewClient("l1", h, &out, nil, fcache.NewBitrateMeter())
	c.State = StateThrottledFileStream

	res := Tick(c, nil, func(*Client) {})
	if out.Len() == 0 {
		t.Fatal("expected throttled sender to write within the initial allowance")
	}
	if res.RescheduleAfter < minReschedule {
		t.Fatalf("reschedule = %v, want >= %v floor", res.RescheduleAfter, minReschedule)
	}
}

func TestMigrateCallsMoverAndDetaches(t *testing.T) {
	h := openHandle(t, []byte("x"), 0)

	var out bytes.Buffer
	c := NewClient("l1", h, &out, nil, fcache.NewBitrateMeter())
	c.State = StateMigrate

	released := false
	mover := &stubMover{}
	res := Tick(c, mover, func(*Client) { released = true })
	if !res.Done {
		t.Fatal("migrate should report Done")
	}
	if !released {
		t.Fatal("migrate should call release on success")
	}
}

func TestMigrateTerminatesOnMoverFailure(t *testing.T) {
	h := openHandle(t, []byte("x"), 0)
	var out bytes.Buffer
	c := NewClient("l1", h, &out, nil, fcache.NewBitrateMeter())
	c.State = StateMigrate

	released := false
	mover := &stubMover{err: errors.New("no such mount")}
	res := Tick(c, mover, func(*Client) { released = true })
	if !res.Done || !released {
		t.Fatal("migrate should terminate (release + Done) on mover failure")
	}
	if c.Error == nil {
		t.Fatal("expected Error to be set on mover failure")
	}
}
