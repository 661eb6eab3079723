// Package listenersvc implements listener admission and departure
// (spec.md §4.4 setup_client and §4.5 release): the glue between the FH
// cache, per-mount configuration, and the sender state machine.
package listenersvc

import (
	"log"
	"strings"
	"time"

	"github.com/gofserve/gofserve/internal/config"
	"github.com/gofserve/gofserve/internal/fcache"
	"github.com/gofserve/gofserve/internal/fserrors"
	"github.com/gofserve/gofserve/internal/sender"
	"github.com/gofserve/gofserve/internal/timeutil"
)

// expireGrace is how long an FH survives after its last listener departs
// (spec.md §4.5: "set expire = now + 120s").
const expireGrace = 120 * time.Second

// Auth is the inward Auth collaborator contract (spec.md §6):
// release_listener rebinds or destroys a departing listener; a negative
// (here: true) result means "I took ownership; do not destroy."
type Auth interface {
	ReleaseListener(clientID fcache.ListenerID, mount string, mc *config.MountConfig) (tookOwnership bool)
}

// Stats is the inward Stats collaborator contract (spec.md §6): the core
// publishes per-handle listener count, peak, and averaged outgoing
// kbitrate for fallback/file handles with a non-zero bitrate limit.
type Stats interface {
	Set(mount string, listeners, peak int, kbitrate float64)
	Disable(mount string)
}

// Service wires the FH cache, config, auth and stats collaborators into
// the admission/departure contract.
type Service struct {
	Cache  *fcache.Cache
	Config *config.Manager
	Auth   Auth
	Stats  Stats
	Root   string // filesystem root fallback mounts resolve under
}

// AdmitRequest carries everything setup_client needs beyond the FInfo
// itself: a listener identity and (for duplicate-login policy) a
// principal string, plus an io.Writer-bearing sender client the caller
// has already constructed with headers yet to be sent.
type AdmitRequest struct {
	ListenerID  fcache.ListenerID
	Principal   string
	Refbufs     []sender.Refbuf
	GlobalMeter *fcache.BitrateMeter
}

// AdmitResult reports the admission outcome: success with a ready sender
// client and content-length/range bookkeeping, or a failure classified by
// fserrors.Kind for the HTTP boundary to map to a status code.
type AdmitResult struct {
	Client        *sender.Client
	ContentLength int64
	KeepAlive     bool
}

// Admit implements spec.md §4.4's setup_client contract. finfo is a
// pointer because a failed open sets MISSING on it so a caller retrying
// with the same stored FInfo short-circuits (spec.md §4.4 step 4).
func (s *Service) Admit(finfo *fcache.FInfo, req AdmitRequest, writer sender.ClientWriter) (*AdmitResult, error) {
	if finfo.IsMissing() {
		return nil, fserrors.New(fserrors.KindNotFound, finfo.Mount, "mount previously marked missing")
	}
	if finfo.IsFallback() && finfo.Limit == 0 {
		return nil, fserrors.New(fserrors.KindBadRequest, finfo.Mount, "fallback request with no target bitrate")
	}

	cfg := s.Config.Get()
	mc := cfg.FindMount(finfo.Mount)

	h := s.Cache.Find(*finfo)
	if h != nil {
		return s.admitExisting(h, mc, *finfo, req, writer)
	}

	if mc.MaxListeners == 0 {
		return nil, fserrors.New(fserrors.KindForbidden, finfo.Mount, "on-demand opening disabled for this mount")
	}

	h, err := s.Cache.Open(*finfo, s.Root, cfg.Limits.ExpireAfter)
	if err != nil {
		finfo.Flags |= fcache.FlagMissing
		return nil, fserrors.Wrap(err, fserrors.KindNotFound, finfo.Mount, "open fallback file")
	}
	return s.admitExisting(h, mc, *finfo, req, writer)
}

func (s *Service) admitExisting(h *fcache.Handle, mc *config.MountConfig, finfo fcache.FInfo, req AdmitRequest, writer sender.ClientWriter) (*AdmitResult, error) {
	h.Lock()
	defer h.Unlock()

	// spec.md §8 scenario 4 pins the boundary at the cap itself: two
	// admissions against max_listeners=2 succeed and the third is
	// rejected with refcount staying at 2, i.e. the check must fire
	// once refcount has already reached the cap, not only once it is
	// exceeded.
	if mc.MaxListeners >= 0 && h.RefcountLocked() >= mc.MaxListeners {
		return nil, fserrors.New(fserrors.KindForbidden, finfo.Mount, "mount at capacity")
	}
	if mc.ForbidDuplicateLogin && h.HasPrincipalLocked(req.Principal) {
		return nil, fserrors.New(fserrors.KindForbidden, finfo.Mount, "account already in use")
	}

	info := h.InfoLocked()
	size := info.Size
	frameStart := h.FrameStartPos
	fRange := size - frameStart
	contentLength := fRange

	h.AddListenerLocked(req.ListenerID, req.Principal)

	client := sender.NewClient(req.ListenerID, h, writer, req.Refbufs, req.GlobalMeter)
	if info.Limit > 0 {
		// spec.md §4.4 step 5: back-date the pacing timer 2s so the first
		// tick doesn't see an artificial burst allowance.
		client.BackdateTimerStart(2 * time.Second)
	}
	client.SetFLVWrapped(strings.HasSuffix(finfo.Mount, ".flv"))

	keepAlive := !(info.Limit > 0 && finfo.IsFallback())

	return &AdmitResult{
		Client:        client,
		ContentLength: contentLength,
		KeepAlive:     keepAlive,
	}, nil
}

// Release implements spec.md §4.5's release contract. authMount is the
// mount the client originally authenticated against, possibly different
// from the FH's own mount when fallback content is involved; isGET and
// isAdmin tell Release whether to invoke the Auth collaborator at all.
func (s *Service) Release(h *fcache.Handle, id fcache.ListenerID, authMount string, isGET, isAdmin bool) {
	h.Lock()
	refcount := h.RemoveListenerLocked(id)
	if got, want := refcount, h.ListenerCountLocked(); got != want {
		log.Printf("bug: fcache handle %s refcount=%d listeners=%d after release", h.Key.Mount, got, want)
	}
	isFallback := h.Key.Flags.Has(fcache.FlagFallback)
	isDeleted := h.IsDeletedLocked()
	if refcount == 0 {
		switch {
		case isFallback:
			if s.Stats != nil {
				s.Stats.Disable(h.Key.Mount)
			}
		case isDeleted:
			// destroyed synchronously below, outside the lock.
		default:
			h.SetExpireLocked(timeutil.Now().Add(expireGrace))
			h.Meter().ShrinkWindow()
		}
	}
	h.Unlock()

	if refcount == 0 && isDeleted && !isFallback {
		h.Destroy()
	}

	if s.Auth != nil && isGET && !isAdmin {
		cfg := s.Config.Get()
		mc := cfg.FindMount(authMount)
		if took := s.Auth.ReleaseListener(id, authMount, mc); !took {
			// Auth declined ownership; nothing further for this core to do
			// (the caller already removed the listener above).
		}
	}
}
