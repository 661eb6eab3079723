package listenersvc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofserve/gofserve/internal/config"
	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/fserrors"
	"github.com/gofserve/gofserve/internal/mimereg"
)

func newService(t *testing.T, mc *config.MountConfig) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("filebody12345"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cfg := config.DefaultConfig()
	if mc != nil {
		cfg.Mounts[mc.Name] = mc
	}
	return &Service{
		Cache:  fcache.New(mimereg.New()),
		Config: config.NewManager(cfg),
		Root:   dir,
	}, dir
}

func TestAdmitStaticFileHit(t *testing.T) {
	svc, _ := newService(t, nil)
	finfo := &fcache.FInfo{Mount: "/a.mp3"}

	var out bytes.Buffer
	res, err := svc.Admit(finfo, AdmitRequest{ListenerID: "c1", GlobalMeter: fcache.NewBitrateMeter()}, &out)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.ContentLength != int64(len("filebody12345")) {
		t.Fatalf("content length = %d, want %d", res.ContentLength, len("filebody12345"))
	}

	h := svc.Cache.Find(*finfo)
	if h.Refcount() != 1 {
		t.Fatalf("refcount after admit = %d, want 1", h.Refcount())
	}

	svc.Release(h, "c1", finfo.Mount, true, false)
	if h.Refcount() != 0 {
		t.Fatalf("refcount after release = %d, want 0", h.Refcount())
	}

	h.Lock()
	exp := h.ExpireLocked()
	h.Unlock()
	if !exp.After(time.Now()) {
		t.Fatal("expire should be set in the future after release")
	}
}

func TestAdmitMissingFileReturnsNotFoundAndSticks(t *testing.T) {
	svc, _ := newService(t, nil)
	finfo := &fcache.FInfo{Mount: "/nope.mp3"}

	_, err := svc.Admit(finfo, AdmitRequest{ListenerID: "c1"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	kind, ok := fserrors.KindOf(err)
	if !ok || kind != fserrors.KindNotFound {
		t.Fatalf("kind = %v, ok=%v, want KindNotFound", kind, ok)
	}
	if !finfo.IsMissing() {
		t.Fatal("finfo should be marked MISSING after a failed open")
	}

	_, err = svc.Admit(finfo, AdmitRequest{ListenerID: "c2"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected short-circuited error on retry")
	}
}

func TestAdmitMaxListenersRejectsThird(t *testing.T) {
	mc := &config.MountConfig{Name: "/a.mp3", MaxListeners: 2}
	svc, _ := newService(t, mc)
	finfo := &fcache.FInfo{Mount: "/a.mp3"}

	for i, id := range []fcache.ListenerID{"c1", "c2"} {
		_, err := svc.Admit(finfo, AdmitRequest{ListenerID: id}, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	_, err := svc.Admit(finfo, AdmitRequest{ListenerID: "c3"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected third admission to be rejected")
	}
	kind, _ := fserrors.KindOf(err)
	if kind != fserrors.KindForbidden {
		t.Fatalf("kind = %v, want KindForbidden", kind)
	}

	h := svc.Cache.Find(*finfo)
	if h.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2 (rejected admission must not bump it)", h.Refcount())
	}
}

func TestAdmitForbidsDuplicateLogin(t *testing.T) {
	mc := &config.MountConfig{Name: "/a.mp3", MaxListeners: -1, ForbidDuplicateLogin: true}
	svc, _ := newService(t, mc)
	finfo := &fcache.FInfo{Mount: "/a.mp3"}

	_, err := svc.Admit(finfo, AdmitRequest{ListenerID: "c1", Principal: "alice"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	_, err = svc.Admit(finfo, AdmitRequest{ListenerID: "c2", Principal: "alice"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected duplicate login to be rejected")
	}
	kind, _ := fserrors.KindOf(err)
	if kind != fserrors.KindForbidden {
		t.Fatalf("kind = %v, want KindForbidden", kind)
	}

	h := svc.Cache.Find(*finfo)
	if h.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", h.Refcount())
	}
}

func TestAdmitIdempotentRefcountIncrement(t *testing.T) {
	svc, _ := newService(t, nil)
	finfo := &fcache.FInfo{Mount: "/a.mp3"}

	_, err := svc.Admit(finfo, AdmitRequest{ListenerID: "c1"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	h := svc.Cache.Find(*finfo)
	if h.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", h.Refcount())
	}
}
