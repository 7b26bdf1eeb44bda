// Package telephony models the PBX side of the bridge: channels,
// media frames and the channel technology interface a driver
// implements. The locking and reference-counting discipline mirrors a
// PBX core: a channel is locked around queue operations and lives
// until its last reference is released.
package telephony

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Errors reported by channel operations.
var (
	// ErrChannelGone indicates an operation on a hung-up channel.
	ErrChannelGone = errors.New("channel has been hung up")

	// ErrTechExists indicates a duplicate technology registration.
	ErrTechExists = errors.New("channel technology already registered")

	// ErrTechUnknown indicates a lookup of an unregistered technology.
	ErrTechUnknown = errors.New("unknown channel technology")
)

// FrameType classifies a media frame.
type FrameType int

const (
	// FrameNull carries no media; returned where the core expects a
	// frame but the driver has none.
	FrameNull FrameType = iota

	// FrameVoice carries PCM audio.
	FrameVoice

	// FrameControl carries a call-control signal.
	FrameControl
)

// ControlKind names a call-control signal carried by a control frame.
type ControlKind int

const (
	// ControlNone is the zero value; present only on non-control
	// frames.
	ControlNone ControlKind = iota

	// ControlRinging signals the far end is being alerted.
	ControlRinging

	// ControlAnswer signals the far end accepted the call and media
	// can flow.
	ControlAnswer
)

// Format names an audio format.
type Format string

// FormatSlin48 is signed linear 16-bit mono PCM at 48kHz, the native
// format of the bridge.
const FormatSlin48 Format = "slin48"

// Frame is one unit of channel media or signalling.
type Frame struct {
	Type    FrameType
	Format  Format
	Samples []int16
	Control ControlKind
}

// NullFrame returns an empty frame.
func NullFrame() *Frame {
	return &Frame{Type: FrameNull}
}

// VoiceFrame wraps PCM samples in a voice frame.
func VoiceFrame(samples []int16) *Frame {
	return &Frame{Type: FrameVoice, Format: FormatSlin48, Samples: samples}
}

// ControlFrame wraps a control signal in a frame.
func ControlFrame(kind ControlKind) *Frame {
	return &Frame{Type: FrameControl, Control: kind}
}

// Channel is one leg of a call. Frames queued by the driver are read
// by the core with ReadFrame.
//
// Locking: QueueFrame must be called with the channel lock held, the
// way a PBX core requires. Other methods lock internally.
type Channel struct {
	name string
	refs int32

	mu     sync.Mutex
	queue  []*Frame
	hungUp bool

	// Destroyed is closed when the last reference is released.
	destroyed chan struct{}
}

// NewChannel creates a channel holding one reference for the caller.
func NewChannel(name string) *Channel {
	return &Channel{
		name:      name,
		refs:      1,
		destroyed: make(chan struct{}),
	}
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Lock takes the channel lock.
func (c *Channel) Lock() { c.mu.Lock() }

// Unlock releases the channel lock.
func (c *Channel) Unlock() { c.mu.Unlock() }

// Ref takes an additional reference.
func (c *Channel) Ref() *Channel {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Unref releases one reference. The channel is destroyed when the
// count reaches zero.
func (c *Channel) Unref() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		close(c.destroyed)
		logrus.WithFields(logrus.Fields{
			"function": "Channel.Unref",
			"channel":  c.name,
		}).Debug("channel destroyed")
	}
}

// Destroyed is closed once the last reference is gone. Useful in
// tests and teardown paths.
func (c *Channel) Destroyed() <-chan struct{} { return c.destroyed }

// QueueFrame appends a frame to the channel's read queue. The caller
// must hold the channel lock.
func (c *Channel) QueueFrame(f *Frame) error {
	if c.hungUp {
		return ErrChannelGone
	}
	c.queue = append(c.queue, f)
	return nil
}

// QueueControl appends a control frame to the channel's read queue.
// The caller must hold the channel lock.
func (c *Channel) QueueControl(kind ControlKind) error {
	return c.QueueFrame(ControlFrame(kind))
}

// ReadFrame pops the oldest queued frame, or nil when the queue is
// empty.
func (c *Channel) ReadFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	f := c.queue[0]
	c.queue = c.queue[1:]
	return f
}

// QueueLen returns the current read queue depth.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Hangup marks the channel as gone. Further QueueFrame calls fail and
// queued media is discarded.
func (c *Channel) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp = true
	c.queue = nil
}

// HungUp reports whether the channel was hung up.
func (c *Channel) HungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

// Technology is a channel driver. The core calls these entry points to
// place, service and tear down calls on the driver's transport.
type Technology interface {
	// Name returns the technology name used in dial strings.
	Name() string

	// Call starts the outbound connection for a channel toward dest.
	Call(ch *Channel, dest string) error

	// Hangup tears the connection down on behalf of the PBX side.
	Hangup(ch *Channel) error

	// Write delivers one frame of PBX audio to the far side.
	Write(ch *Channel, f *Frame) error

	// Read supplies a frame when the core polls the driver directly.
	// Drivers that deliver media by queueing return a null frame.
	Read(ch *Channel) (*Frame, error)

	// Fixup moves driver state from oldCh to newCh after the core
	// masquerades a channel.
	Fixup(oldCh, newCh *Channel) error
}

// registry holds the technologies known to the core.
var registry = struct {
	sync.RWMutex
	techs map[string]Technology
}{techs: make(map[string]Technology)}

// RegisterTech makes a technology available for lookup by name.
func RegisterTech(tech Technology) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.techs[tech.Name()]; ok {
		return ErrTechExists
	}
	registry.techs[tech.Name()] = tech
	logrus.WithFields(logrus.Fields{
		"function": "telephony.RegisterTech",
		"tech":     tech.Name(),
	}).Info("channel technology registered")
	return nil
}

// LookupTech finds a registered technology.
func LookupTech(name string) (Technology, error) {
	registry.RLock()
	defer registry.RUnlock()
	tech, ok := registry.techs[name]
	if !ok {
		return nil, ErrTechUnknown
	}
	return tech, nil
}

// UnregisterTech removes a technology, for driver unload.
func UnregisterTech(name string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.techs, name)
}
