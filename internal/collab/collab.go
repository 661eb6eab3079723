// Package collab provides concrete, in-process implementations of the
// inward collaborator contracts spec.md §6 defines: Auth's
// release_listener, Move's move_listener, and the Format probe already
// implemented by fcache. Authentication proper (credential verification,
// lockout, access-log emission) is explicitly out of scope (spec.md §1);
// what remains here is the minimal hook the core calls on departure and
// during migration.
package collab

import (
	"sync"

	"github.com/gofserve/gofserve/internal/config"
	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/listenersvc"
)

// AuthAdapter is the minimal release_listener hook (spec.md §6). It tracks
// which mount each listener most recently authenticated against, using the
// same sync.RWMutex-guarded-map idiom the teacher's Authenticator uses for
// its failed-login bookkeeping, reduced to the one fact this core needs.
type AuthAdapter struct {
	mu          sync.RWMutex
	boundMounts map[fcache.ListenerID]string
}

// NewAuthAdapter constructs an empty adapter.
func NewAuthAdapter() *AuthAdapter {
	return &AuthAdapter{boundMounts: make(map[fcache.ListenerID]string)}
}

// Bind records which mount a listener authenticated against, called once
// at admission time by the HTTP glue layer.
func (a *AuthAdapter) Bind(id fcache.ListenerID, mount string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.boundMounts[id] = mount
}

// ReleaseListener implements listenersvc.Auth: since live-source rebinding
// is out of scope for this core, it only forgets the bookkeeping and
// reports that it did not take ownership, so the caller proceeds with its
// own destruction path.
func (a *AuthAdapter) ReleaseListener(id fcache.ListenerID, mount string, _ *config.MountConfig) bool {
	a.mu.Lock()
	delete(a.boundMounts, id)
	a.mu.Unlock()
	return false
}

var _ listenersvc.Auth = (*AuthAdapter)(nil)

// MoveAdapter implements listenersvc's sender.Mover (the "Move"
// collaborator, spec.md §6). It holds the listenersvc.Service but does not
// call it: no listener is rebound to the override target.
type MoveAdapter struct {
	Service *listenersvc.Service
}

// MoveListener implements sender.Mover. It rejects an empty target mount
// and accepts any other without checking that the target exists or
// attaching the listener to it; after an accepted move the migrate state
// releases the listener from its old handle and the sender finishes, so
// the connection ends.
func (m *MoveAdapter) MoveListener(id fcache.ListenerID, finfo fcache.FInfo) error {
	if finfo.Mount == "" {
		return errMoveNoMount
	}
	return nil
}

type moveError string

func (e moveError) Error() string { return string(e) }

const errMoveNoMount = moveError("move target has no mount")
