// Package sender implements the listener-side sender state machine of
// spec.md §4.6: buffer-content, file-stream, throttled-file-stream, and
// migrate, modelled as a tagged variant rather than virtual dispatch
// (spec.md §9 "Sender polymorphism"), since the set of states is small,
// known, and closed.
package sender

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/gofserve/gofserve/internal/bufpool"
	"github.com/gofserve/gofserve/internal/fcache"
)

// State names the sender's current tagged variant.
type State int

const (
	StateBufferContent State = iota
	StateFileStream
	StateThrottledFileStream
	StateMigrate
	StateDone
)

// ClientWriter is the outbound socket a sender writes to. Named for
// readability at call sites outside this package (e.g. listenersvc).
type ClientWriter = io.Writer

// Mover is the outward "Move" collaborator contract (spec.md §6):
// move_listener, an atomic rebind of a client to a different mount.
type Mover interface {
	MoveListener(clientID fcache.ListenerID, finfo fcache.FInfo) error
}

// throttleSends is the process-wide count of currently-throttled senders,
// consulted by file-stream's global-slowdown rule (spec.md §4.6
// file-stream: "+300ms ... when throttle_sends > 1").
var throttleSends int64

func incThrottle() { atomic.AddInt64(&throttleSends, 1) }
func decThrottle() { atomic.AddInt64(&throttleSends, -1) }
func throttled() int64 { return atomic.LoadInt64(&throttleSends) }

// Refbuf is one chunk of the in-memory intro/header content a client drains
// before falling through to the file body (spec.md §3 "Refbuf").
type Refbuf struct {
	Data []byte
	pos  int
}

func (r *Refbuf) remaining() []byte { return r.Data[r.pos:] }
func (r *Refbuf) exhausted() bool   { return r.pos >= len(r.Data) }

// Client is one listener's sender-visible state: its position in the FH's
// file, pacing counters for throttled-file-stream, and the intro refbuf
// queue for buffer-content. It is mutated only from the worker tick that
// owns it (spec.md §5's "a client may not span workers within a single
// tick"), except for fields documented otherwise.
type Client struct {
	ID fcache.ListenerID
	FH *fcache.Handle
	W  io.Writer

	State State

	Refbufs []Refbuf

	pos int64 // current read offset into the file

	connectedAt      time.Time
	throttling       bool
	timerStart       time.Time
	counter          int64
	initialBackdate  time.Duration

	flvWrapped bool

	GlobalMeter *fcache.BitrateMeter // process-wide outgoing-bitrate meter

	Error error
}

// NewClient constructs a client ready to start in buffer-content with the
// given intro refbufs (nil/empty is fine: it falls straight through to the
// file body on the first tick).
func NewClient(id fcache.ListenerID, fh *fcache.Handle, w io.Writer, refbufs []Refbuf, globalMeter *fcache.BitrateMeter) *Client {
	return &Client{
		ID:          id,
		FH:          fh,
		W:           w,
		Refbufs:     refbufs,
		connectedAt: time.Now(),
		GlobalMeter: globalMeter,
	}
}

// BackdateTimerStart arranges for the throttle pacing timer, once the
// client actually enters throttled-file-stream, to start as if it had
// begun d earlier — spec.md §4.4 step 5's "2-second backdate if the
// connection has not yet sent anything," avoiding a first-second burst.
func (c *Client) BackdateTimerStart(d time.Duration) {
	c.initialBackdate = d
}

// SetFLVWrapped marks the client as receiving an FLV-muxed stream, which
// earns the `limit * 1.01` pacing fudge in throttled-file-stream (spec.md
// §4.6 step 2) to cover the container's own framing overhead.
func (c *Client) SetFLVWrapped(v bool) {
	c.flvWrapped = v
}

// Result is what one Tick call reports back to the worker loop: how long
// to wait before the next tick, and whether the client is finished
// (migrated or terminated) and should be dropped from the worker's set.
type Result struct {
	RescheduleAfter time.Duration
	Done            bool
}

const (
	bufferContentMaxIterations = 8
	bufferContentMaxBytes      = 30 * 1024

	fileStreamMaxIterations = 6
	fileStreamMaxBytes      = 48 * 1024
	fileStreamShortWriteMin = 80 * time.Millisecond
	fileStreamShortWriteMax = 150 * time.Millisecond
	globalSlowdown          = 300 * time.Millisecond

	throttleInitialAllowance = 8192
	throttlePaceFrame        = 1400
	flvBitrateFudge          = 1.01
	minReschedule            = 50 * time.Millisecond
)

// Tick advances the client's sender by one step, dispatching on its
// current state. Transitions happen only between ticks, never mid-write
// (spec.md §4.6).
func Tick(c *Client, mover Mover, release func(*Client)) Result {
	if c.Error != nil {
		release(c)
		if c.throttling {
			decThrottle()
		}
		return Result{Done: true}
	}

	switch c.State {
	case StateBufferContent:
		return tickBufferContent(c)
	case StateFileStream:
		return tickFileStream(c)
	case StateThrottledFileStream:
		return tickThrottledFileStream(c, mover, release)
	case StateMigrate:
		return tickMigrate(c, mover, release)
	default:
		release(c)
		return Result{Done: true}
	}
}

// tickBufferContent drains queued refbufs, up to 8 iterations or ~30KB,
// falling through to file-stream/throttled-file-stream once exhausted, or
// to migrate if an override is already pending (spec.md §4.6).
func tickBufferContent(c *Client) Result {
	written := 0
	for i := 0; i < bufferContentMaxIterations && written < bufferContentMaxBytes; i++ {
		if len(c.Refbufs) == 0 {
			return transitionFromBuffer(c)
		}
		head := &c.Refbufs[0]
		if head.exhausted() {
			c.Refbufs = c.Refbufs[1:]
			continue
		}
		n, err := c.W.Write(head.remaining())
		if n > 0 {
			head.pos += n
			written += n
		}
		if err != nil {
			c.Error = err
			return Result{Done: false, RescheduleAfter: 0}
		}
	}
	if len(c.Refbufs) == 0 {
		return transitionFromBuffer(c)
	}
	return Result{RescheduleAfter: 0}
}

func transitionFromBuffer(c *Client) Result {
	info := c.FH.Info()
	if info.Override != "" {
		c.State = StateMigrate
		return Result{RescheduleAfter: 0}
	}
	if c.FH.File == nil {
		c.Error = io.EOF
		return Result{RescheduleAfter: 0}
	}
	c.pos = c.FH.FrameStartPos
	if info.Limit > 0 {
		c.State = StateThrottledFileStream
		c.throttling = false
	} else {
		c.State = StateFileStream
	}
	return Result{RescheduleAfter: 0}
}

// tickFileStream is a pure pread-and-write loop, up to 6 iterations or
// 48KB. Short writes reschedule 80-150ms later; a global slowdown of
// +300ms (single iteration) applies once more than one throttled sender is
// active and the connection has been up over a second (spec.md §4.6).
func tickFileStream(c *Client) Result {
	bufp := bufpool.GetLarge()
	defer bufpool.PutLarge(bufp)
	buf := *bufp
	written := 0
	slowdown := throttled() > 1 && time.Since(c.connectedAt) > time.Second
	maxIterations := fileStreamMaxIterations
	if slowdown {
		maxIterations = 1
	}
	for i := 0; i < maxIterations && written < fileStreamMaxBytes; i++ {
		n, err := c.FH.File.ReadAt(buf, c.pos)
		if n > 0 {
			wn, werr := c.W.Write(buf[:n])
			c.pos += int64(wn)
			written += wn
			if werr != nil {
				c.Error = werr
				return Result{}
			}
			if wn < n {
				return Result{RescheduleAfter: shortWriteDelay()}
			}
		}
		if err == io.EOF {
			c.Error = io.EOF
			return Result{}
		}
		if err != nil {
			c.Error = err
			return Result{}
		}
	}
	if slowdown {
		return Result{RescheduleAfter: globalSlowdown}
	}
	return Result{RescheduleAfter: 0}
}

func shortWriteDelay() time.Duration {
	return (fileStreamShortWriteMin + fileStreamShortWriteMax) / 2
}

// tickThrottledFileStream paces reads to the handle's target bitrate,
// implementing spec.md §4.6's throttled-file-stream steps verbatim.
func tickThrottledFileStream(c *Client, mover Mover, release func(*Client)) Result {
	info := c.FH.Info()
	if info.Override != "" {
		c.State = StateMigrate
		return Result{RescheduleAfter: 0}
	}

	if !c.throttling {
		c.timerStart = time.Now().Add(-c.initialBackdate)
		c.counter = 0
		c.throttling = true
		incThrottle()
		c.FH.Meter().ShrinkWindow()
	}

	limit := float64(info.Limit)
	if c.flvWrapped {
		limit *= flvBitrateFudge
	}

	secsElapsed := time.Since(c.timerStart).Seconds()
	if secsElapsed <= 0 {
		secsElapsed = 0.001
	}
	rate := float64(c.counter+throttlePaceFrame) / secsElapsed

	if rate > limit && c.counter > throttleInitialAllowance {
		c.FH.Meter().Add(0)
		c.GlobalMeter.Add(0)
		delayMs := 1000.0 / (limit / throttlePaceFrame)
		delay := time.Duration(delayMs) * time.Millisecond
		if delay < minReschedule {
			delay = minReschedule
		}
		return Result{RescheduleAfter: delay}
	}

	bufp := bufpool.GetSmall()
	defer bufpool.PutSmall(bufp)
	buf := *bufp
	n, err := c.FH.File.ReadAt(buf, c.pos)
	if err == io.EOF && n == 0 {
		c.pos = c.FH.FrameStartPos
		delay := 150 * time.Millisecond
		return Result{RescheduleAfter: delay}
	}
	if err != nil && err != io.EOF {
		c.Error = err
		release(c)
		decThrottle()
		return Result{Done: true}
	}

	wn, werr := c.W.Write(buf[:n])
	c.pos += int64(wn)
	c.counter += int64(wn)
	c.FH.Meter().Add(int64(wn))
	c.GlobalMeter.Add(int64(wn))
	if werr != nil {
		c.Error = werr
		release(c)
		decThrottle()
		return Result{Done: true}
	}

	delayMs := 1000.0 / (limit / throttlePaceFrame * 2)
	delay := time.Duration(delayMs) * time.Millisecond
	if delay < minReschedule {
		delay = minReschedule
	}
	if throttled() > 1 {
		delay += globalSlowdown
	}
	return Result{RescheduleAfter: delay}
}

// tickMigrate builds a fresh FInfo from the override target and asks the
// Move collaborator to rebind the client; on success the client detaches
// from its current FH (which may self-destruct if tombstoned at refcount
// 0); on failure the listener terminates (spec.md §4.6 migrate).
func tickMigrate(c *Client, mover Mover, release func(*Client)) Result {
	info := c.FH.Info()
	next := fcache.FInfo{
		Mount: info.Override,
		Limit: info.Limit,
		Type:  info.Type,
	}
	if err := mover.MoveListener(c.ID, next); err != nil {
		c.Error = err
		release(c)
		if c.throttling {
			decThrottle()
		}
		return Result{Done: true}
	}
	release(c)
	if c.throttling {
		decThrottle()
	}
	c.State = StateDone
	return Result{Done: true}
}
