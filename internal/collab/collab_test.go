package collab

import (
	"testing"

	"github.com/gofserve/gofserve/internal/fcache"
)

func TestAuthAdapterBindAndRelease(t *testing.T) {
	a := NewAuthAdapter()
	a.Bind("c1", "/live")

	took := a.ReleaseListener("c1", "/live", nil)
	if took {
		t.Fatal("ReleaseListener should report it did not take ownership")
	}

	a.mu.RLock()
	_, stillBound := a.boundMounts["c1"]
	a.mu.RUnlock()
	if stillBound {
		t.Fatal("ReleaseListener should forget the binding")
	}
}

func TestMoveAdapterRejectsEmptyMount(t *testing.T) {
	m := &MoveAdapter{}
	if err := m.MoveListener("c1", fcache.FInfo{}); err == nil {
		t.Fatal("expected error for empty override mount")
	}
}

func TestMoveAdapterAcceptsMount(t *testing.T) {
	m := &MoveAdapter{}
	if err := m.MoveListener("c1", fcache.FInfo{Mount: "/live"}); err != nil {
		t.Fatalf("MoveListener: %v", err)
	}
}
