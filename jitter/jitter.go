// Package jitter provides an adaptive jitter buffer for realtime audio
// frames. Frames arrive over the network with variable delay and
// possibly out of order; the buffer reorders them and schedules their
// delivery so playout stays smooth, interpolating across gaps and
// dropping frames that arrive too late to be useful.
package jitter

import (
	"time"
)

// Outcome reports the result of a buffer operation.
type Outcome int

const (
	// OutcomeOK means a frame was accepted or delivered.
	OutcomeOK Outcome = iota

	// OutcomeScheduled means a Put changed which frame is due next;
	// the caller should recompute its playout timer.
	OutcomeScheduled

	// OutcomeDrop means a frame was discarded: on Put because the
	// buffer was full, on Get because the frame arrived too late.
	// After a Get drop the caller should call Get again.
	OutcomeDrop

	// OutcomeEmpty means the buffer holds no frames at all.
	OutcomeEmpty

	// OutcomeNoFrame means frames are buffered but none is due yet.
	OutcomeNoFrame

	// OutcomeInterp means a frame slot was due but its frame is
	// missing; the caller should play an interpolated frame.
	OutcomeInterp
)

// String returns a short name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeScheduled:
		return "scheduled"
	case OutcomeDrop:
		return "drop"
	case OutcomeEmpty:
		return "empty"
	case OutcomeNoFrame:
		return "noframe"
	case OutcomeInterp:
		return "interp"
	default:
		return "unknown"
	}
}

// Clock supplies the current time. It exists so tests can drive the
// buffer deterministically.
type Clock interface {
	Now() time.Time
}

// realClock implements Clock using the system time.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config tunes buffer behavior. Zero values are replaced by the
// defaults documented on each field.
type Config struct {
	// MaxFrames caps the number of buffered frames. Putting beyond
	// the cap evicts the oldest frame. Default 100.
	MaxFrames int

	// ResyncThreshold is the timestamp jump beyond which the buffer
	// assumes the source restarted and realigns instead of dropping
	// everything as late. Default 1s.
	ResyncThreshold time.Duration

	// MaxContigInterp caps consecutive interpolated slots; 0 means no
	// cap.
	MaxContigInterp int

	// TargetExtra is the extra playout delay held beyond the first
	// frame's network delay, trading latency for resilience to jitter
	// spikes. Zero means no headroom.
	TargetExtra time.Duration

	// Clock overrides the time source. Nil means system time.
	Clock Clock
}

// DefaultConfig returns the tuning used for live voice: up to two
// seconds of buffered audio, 40ms of headroom and unlimited
// interpolation.
func DefaultConfig() Config {
	return Config{
		MaxFrames:       defaultMaxFrames,
		ResyncThreshold: defaultResyncThreshold,
		TargetExtra:     defaultTargetExtra,
	}
}

const (
	defaultMaxFrames       = 100
	defaultResyncThreshold = time.Second
	defaultTargetExtra     = 40 * time.Millisecond
)

type frame[T any] struct {
	ts   int64 // milliseconds, source clock after resync adjustment
	len  int64 // milliseconds
	data T
}

// Buffer is an adaptive jitter buffer over frames of type T. It is not
// goroutine safe; callers serialize access.
type Buffer[T any] struct {
	conf  Config
	clock Clock

	frames []frame[T]

	started bool
	refTime time.Time

	resyncOffset int64
	lastDelay    int64
	haveDelay    bool

	// current is the playout delay applied on top of frame
	// timestamps: the first frame's observed delay plus TargetExtra.
	// Resync rewrites timestamps rather than this offset, so playout
	// pacing stays stable for the life of the buffer.
	current     int64
	haveCurrent bool

	delivered     bool
	lastDelivered int64
	lastLen       int64
	contigInterp  int
}

// New creates a buffer with the given configuration.
func New[T any](conf Config) *Buffer[T] {
	if conf.MaxFrames <= 0 {
		conf.MaxFrames = defaultMaxFrames
	}
	if conf.ResyncThreshold <= 0 {
		conf.ResyncThreshold = defaultResyncThreshold
	}
	if conf.TargetExtra < 0 {
		conf.TargetExtra = 0
	}

	clock := conf.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Buffer[T]{conf: conf, clock: clock}
}

// elapsed returns milliseconds since the buffer's reference time.
func (b *Buffer[T]) elapsed() int64 {
	return b.clock.Now().Sub(b.refTime).Milliseconds()
}

// Put inserts a frame with the given timestamp and length, both in
// milliseconds of the source clock. OutcomeScheduled means the next
// due frame changed; OutcomeDrop means the oldest frame was evicted to
// make room.
func (b *Buffer[T]) Put(ts int64, length int64, data T) Outcome {
	if !b.started {
		b.started = true
		b.refTime = b.clock.Now()
	}
	now := b.elapsed()

	ts -= b.resyncOffset
	delay := now - ts

	// A timestamp jump past the threshold means the source restarted
	// its clock. Shift the offset so the stream continues where it
	// left off rather than flushing everything as late.
	if b.haveDelay && abs64(delay-b.lastDelay) > b.conf.ResyncThreshold.Milliseconds() {
		shift := delay - b.lastDelay
		b.resyncOffset -= shift
		ts += shift
		delay = b.lastDelay
	}
	b.lastDelay = delay
	b.haveDelay = true

	if !b.haveCurrent {
		b.current = delay + b.conf.TargetExtra.Milliseconds()
		b.haveCurrent = true
	}

	// Insert sorted by timestamp. Frames mostly arrive in order, so
	// scan from the back.
	idx := len(b.frames)
	for idx > 0 && b.frames[idx-1].ts > ts {
		idx--
	}
	b.frames = append(b.frames, frame[T]{})
	copy(b.frames[idx+1:], b.frames[idx:])
	b.frames[idx] = frame[T]{ts: ts, len: length, data: data}

	if len(b.frames) > b.conf.MaxFrames {
		b.frames = b.frames[1:]
		return OutcomeDrop
	}
	if idx == 0 {
		return OutcomeScheduled
	}
	return OutcomeOK
}

// Get retrieves the next frame if its playout time has arrived.
// interpLen is the frame length, in source milliseconds, to assume for
// an interpolated slot. On OutcomeDrop the late frame is discarded and
// the caller should call Get again immediately.
func (b *Buffer[T]) Get(interpLen int64) (T, Outcome) {
	var zero T

	if len(b.frames) == 0 {
		return zero, OutcomeEmpty
	}
	now := b.elapsed()
	head := b.frames[0]

	if b.delivered {
		next := b.lastDelivered + b.lastLen

		// Frame for a slot that already played.
		if head.ts < next {
			b.popHead()
			return head.data, OutcomeDrop
		}

		// The slot before head is due but its frame never arrived.
		if head.ts > next && next+b.current <= now {
			if b.conf.MaxContigInterp > 0 && b.contigInterp >= b.conf.MaxContigInterp {
				b.popHead()
				b.deliver(head)
				return head.data, OutcomeOK
			}
			b.lastDelivered = next
			b.lastLen = interpLen
			b.contigInterp++
			return zero, OutcomeInterp
		}
	}

	if head.ts+b.current > now {
		return zero, OutcomeNoFrame
	}

	b.popHead()
	b.deliver(head)
	return head.data, OutcomeOK
}

func (b *Buffer[T]) popHead() {
	copy(b.frames, b.frames[1:])
	b.frames[len(b.frames)-1] = frame[T]{}
	b.frames = b.frames[:len(b.frames)-1]
}

func (b *Buffer[T]) deliver(f frame[T]) {
	b.delivered = true
	b.lastDelivered = f.ts
	b.lastLen = f.len
	b.contigInterp = 0
}

// Len returns the number of buffered frames.
func (b *Buffer[T]) Len() int {
	return len(b.frames)
}

// Next returns the absolute time the next frame (or missing slot)
// becomes due. The second return value is false when the buffer is
// empty.
func (b *Buffer[T]) Next() (time.Time, bool) {
	if len(b.frames) == 0 {
		return time.Time{}, false
	}
	due := b.frames[0].ts
	if b.delivered {
		if next := b.lastDelivered + b.lastLen; next < due {
			due = next
		}
	}
	return b.refTime.Add(time.Duration(due+b.current) * time.Millisecond), true
}

// GetAll drains every buffered frame in timestamp order, ignoring
// playout timing.
func (b *Buffer[T]) GetAll() []T {
	out := make([]T, 0, len(b.frames))
	for _, f := range b.frames {
		out = append(out, f.data)
	}
	b.frames = nil
	return out
}

// Close drains the buffer, passing every remaining frame to release.
// release may be nil.
func (b *Buffer[T]) Close(release func(T)) {
	if release != nil {
		for _, f := range b.frames {
			release(f.data)
		}
	}
	b.frames = nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
