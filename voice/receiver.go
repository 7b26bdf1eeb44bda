package voice

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/jitter"
	"github.com/opd-ai/astercord/transport"
)

const (
	// SampleRate is the media clock rate of the voice protocol.
	SampleRate = 48000

	// FrameSamples is one 20ms frame of mono audio at SampleRate.
	FrameSamples = 960

	// frameMillis is the wall-clock length of one frame.
	frameMillis = 20
)

// ErrDecode indicates an opus payload that could not be decoded.
var ErrDecode = errors.New("opus decode failed")

// Decoder turns one opus payload into mono PCM at SampleRate. A
// decoder carries predictive state and belongs to a single stream.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}

// DecoderFactory creates a fresh Decoder per speaker.
type DecoderFactory func() Decoder

// opusDecoder adapts the pion decoder to the Decoder interface,
// downmixing stereo to mono.
type opusDecoder struct {
	dec opus.Decoder
	out []byte
}

func newOpusDecoder() Decoder {
	return &opusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, FrameSamples*2*2),
	}
}

func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	_, isStereo, err := d.dec.Decode(payload, d.out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	pcm := make([]int16, FrameSamples)
	if isStereo {
		for i := range pcm {
			l := int32(int16(uint16(d.out[i*4]) | uint16(d.out[i*4+1])<<8))
			r := int32(int16(uint16(d.out[i*4+2]) | uint16(d.out[i*4+3])<<8))
			pcm[i] = int16((l + r + 1) >> 1)
		}
	} else {
		for i := range pcm {
			pcm[i] = int16(uint16(d.out[i*2]) | uint16(d.out[i*2+1])<<8)
		}
	}
	return pcm, nil
}

// stream is the receive state for one ssrc: its decoder, its jitter
// buffer and the timestamp base that anchors the stream's media clock.
type stream struct {
	dec Decoder
	jb  *jitter.Buffer[[]int16]

	baseTimestamp uint32
	haveBase      bool
}

// FetchKind classifies a FetchAudio result.
type FetchKind int

const (
	// FetchAvailable means Frame holds mixed audio ready to play.
	FetchAvailable FetchKind = iota

	// FetchCheckBackLater means audio is queued but not yet due; Due
	// says when to try again.
	FetchCheckBackLater

	// FetchNone means nothing is queued at all.
	FetchNone
)

// Fetch is the result of one FetchAudio call.
type Fetch struct {
	Kind  FetchKind
	Frame []int16
	Due   time.Time
}

// Receiver reorders, decodes and mixes the audio of every speaker in
// the channel. It is not goroutine safe; the call worker owns it.
type Receiver struct {
	newDecoder DecoderFactory
	clock      jitter.Clock

	users   map[UserID]uint32
	streams map[uint32]*stream

	// knownNext caches the earliest due time across all streams so
	// idle polls stay cheap. Cleared whenever scheduling can change:
	// a put that reordered a buffer head, a speaker leaving, or a
	// fetch that consumed frames.
	knownNext *time.Time
}

// ReceiverOption customizes a Receiver.
type ReceiverOption func(*Receiver)

// WithDecoderFactory substitutes the decoder constructor. Used by
// tests to avoid real opus payloads.
func WithDecoderFactory(f DecoderFactory) ReceiverOption {
	return func(r *Receiver) { r.newDecoder = f }
}

// WithClock substitutes the time source for the jitter buffers.
func WithClock(c jitter.Clock) ReceiverOption {
	return func(r *Receiver) { r.clock = c }
}

// NewReceiver creates an empty receiver.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		newDecoder: newOpusDecoder,
		users:      make(map[UserID]uint32),
		streams:    make(map[uint32]*stream),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MapUser associates a user with the ssrc their packets carry,
// creating the decode pipeline for that ssrc. Remapping an already
// known ssrc keeps its existing stream state.
func (r *Receiver) MapUser(user UserID, ssrc uint32) {
	r.users[user] = ssrc
	if _, ok := r.streams[ssrc]; ok {
		return
	}

	conf := jitter.DefaultConfig()
	conf.Clock = r.clock
	r.streams[ssrc] = &stream{
		dec: r.newDecoder(),
		jb:  jitter.New[[]int16](conf),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.MapUser",
		"user_id":  user,
		"ssrc":     ssrc,
	}).Debug("speaker mapped to ssrc")
}

// RemoveUser tears down the pipeline of a user who left. Unknown users
// are a no-op.
func (r *Receiver) RemoveUser(user UserID) {
	ssrc, ok := r.users[user]
	if !ok {
		return
	}
	delete(r.users, user)

	if st, ok := r.streams[ssrc]; ok {
		st.jb.Close(nil)
		delete(r.streams, ssrc)
	}
	r.knownNext = nil
}

// HandlePacket decodes one media packet and queues it on its stream's
// jitter buffer. Packets from unmapped ssrcs are dropped; the speaking
// announcement that maps them has not arrived yet.
func (r *Receiver) HandlePacket(pkt *transport.RTPPacket) {
	st, ok := r.streams[pkt.SSRC]
	if !ok {
		return
	}

	start, ok := transport.SkipOverExtensions(pkt.Buffer, pkt.PayloadStart, pkt.PayloadEnd)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.HandlePacket",
			"ssrc":     pkt.SSRC,
		}).Warn("dropping packet with malformed header extensions")
		return
	}

	pcm, err := st.dec.Decode(pkt.Buffer[start:pkt.PayloadEnd])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.HandlePacket",
			"ssrc":     pkt.SSRC,
			"error":    err.Error(),
		}).Warn("dropping undecodable packet")
		return
	}

	if !st.haveBase {
		st.baseTimestamp = pkt.Timestamp
		st.haveBase = true
	}
	// Media clock to milliseconds, relative to the stream's first
	// packet. Unsigned subtraction handles timestamp wraparound.
	ms := int64(pkt.Timestamp-st.baseTimestamp) * 1000 / SampleRate

	if st.jb.Put(ms, frameMillis, pcm) == jitter.OutcomeScheduled {
		r.knownNext = nil
	}
}

// FetchAudio mixes one frame from every stream with audio due now.
func (r *Receiver) FetchAudio() Fetch {
	if r.knownNext != nil && r.now().Before(*r.knownNext) {
		return Fetch{Kind: FetchCheckBackLater, Due: *r.knownNext}
	}
	r.knownNext = nil

	var mixed []int16
	delivered := false

	for _, st := range r.streams {
		frame, ok := fetchFrame(st.jb)
		if !ok {
			continue
		}
		delivered = true
		mixed = mixInto(mixed, frame)
	}

	if delivered {
		return Fetch{Kind: FetchAvailable, Frame: mixed}
	}

	if due, ok := r.nextDue(); ok {
		r.knownNext = &due
		return Fetch{Kind: FetchCheckBackLater, Due: due}
	}
	return Fetch{Kind: FetchNone}
}

// fetchFrame pulls the next due frame from one buffer, discarding any
// late frames in front of it. Interpolated slots contribute silence by
// omission rather than a frame.
func fetchFrame(jb *jitter.Buffer[[]int16]) ([]int16, bool) {
	for {
		frame, outcome := jb.Get(frameMillis)
		switch outcome {
		case jitter.OutcomeOK:
			return frame, true
		case jitter.OutcomeDrop:
			continue
		default:
			return nil, false
		}
	}
}

// mixInto adds frame into acc with saturation, truncating to the
// shorter of the two.
func mixInto(acc, frame []int16) []int16 {
	if acc == nil {
		out := make([]int16, len(frame))
		copy(out, frame)
		return out
	}
	if len(frame) < len(acc) {
		acc = acc[:len(frame)]
	}
	for i := range acc {
		acc[i] = saturateAdd(acc[i], frame[i])
	}
	return acc
}

func saturateAdd(a, b int16) int16 {
	sum := int32(a) + int32(b)
	switch {
	case sum > 32767:
		return 32767
	case sum < -32768:
		return -32768
	default:
		return int16(sum)
	}
}

// nextDue finds the earliest playout time across all streams.
func (r *Receiver) nextDue() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, st := range r.streams {
		due, ok := st.jb.Next()
		if !ok {
			continue
		}
		if !found || due.Before(earliest) {
			earliest = due
			found = true
		}
	}
	return earliest, found
}

func (r *Receiver) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}

// Close drains every stream.
func (r *Receiver) Close() {
	for ssrc, st := range r.streams {
		st.jb.Close(nil)
		delete(r.streams, ssrc)
	}
	r.users = make(map[UserID]uint32)
}
