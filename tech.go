package astercord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/telephony"
	"github.com/opd-ai/astercord/voice"
)

// TechName is the channel technology prefix in dial strings, as in
// "Discord/81384788765712384/118456055842734083".
const TechName = "Discord"

// Destination is a parsed dial string: which guild and which voice
// channel to join.
type Destination struct {
	Guild   voice.GuildID
	Channel voice.ChannelID
}

// ParseDestination parses "guild/channel" with both ids in decimal.
// Exactly one slash is allowed.
func ParseDestination(dest string) (Destination, error) {
	parts := strings.Split(dest, "/")
	if len(parts) != 2 {
		return Destination{}, fmt.Errorf("%w: %q", ErrBadDestination, dest)
	}

	guild, err := voice.ParseSnowflake(parts[0])
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %q: bad guild id", ErrBadDestination, dest)
	}
	channel, err := voice.ParseSnowflake(parts[1])
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %q: bad channel id", ErrBadDestination, dest)
	}

	return Destination{
		Guild:   voice.GuildID(guild),
		Channel: voice.ChannelID(channel),
	}, nil
}

// Tech is the channel driver. It turns PBX call control into calls on
// a Session and shuttles media between channel frames and voice
// frames.
type Tech struct {
	sess *Session

	mu    sync.Mutex
	calls map[*telephony.Channel]*Call
}

// NewTech creates the driver for a session.
func NewTech(sess *Session) *Tech {
	return &Tech{
		sess:  sess,
		calls: make(map[*telephony.Channel]*Call),
	}
}

// Name implements telephony.Technology.
func (t *Tech) Name() string { return TechName }

// Call implements telephony.Technology: it joins the destination's
// voice channel and blocks until media can flow.
func (t *Tech) Call(ch *telephony.Channel, dest string) error {
	d, err := ParseDestination(dest)
	if err != nil {
		return err
	}

	call, err := PlaceCall(t.sess, d.Guild, d.Channel, ch)
	if err != nil {
		return err
	}

	if err := call.Prepare(context.Background()); err != nil {
		call.Hangup()
		return err
	}

	t.mu.Lock()
	t.calls[ch] = call
	t.mu.Unlock()

	// The call can end remotely; reap the mapping when it does so a
	// hung-up channel doesn't pin the call forever.
	go func() {
		<-call.Done()
		t.mu.Lock()
		if t.calls[ch] == call {
			delete(t.calls, ch)
		}
		t.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"function":   "Tech.Call",
		"channel":    ch.Name(),
		"guild_id":   d.Guild,
		"channel_id": d.Channel,
	}).Info("call connected")
	return nil
}

// Hangup implements telephony.Technology.
func (t *Tech) Hangup(ch *telephony.Channel) error {
	t.mu.Lock()
	call, ok := t.calls[ch]
	delete(t.calls, ch)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return call.Hangup()
}

// Write implements telephony.Technology: PBX audio toward the far
// side. Non-voice frames are ignored.
func (t *Tech) Write(ch *telephony.Channel, f *telephony.Frame) error {
	if f.Type != telephony.FrameVoice {
		return nil
	}

	t.mu.Lock()
	call, ok := t.calls[ch]
	t.mu.Unlock()
	if !ok {
		return ErrCallGone
	}

	err := call.WriteAudio(f.Samples)
	if errors.Is(err, ErrCallGone) {
		// Remote teardown raced the write; the channel will be hung
		// up by the worker.
		return nil
	}
	return err
}

// Read implements telephony.Technology. Media reaches the PBX through
// the channel's frame queue, so polling reads get a null frame.
func (t *Tech) Read(ch *telephony.Channel) (*telephony.Frame, error) {
	return telephony.NullFrame(), nil
}

// Fixup implements telephony.Technology: after a masquerade the call
// follows the surviving channel. The worker swaps its writer to the
// new channel before the map entry moves.
func (t *Tech) Fixup(oldCh, newCh *telephony.Channel) error {
	t.mu.Lock()
	call, ok := t.calls[oldCh]
	t.mu.Unlock()
	if !ok {
		return ErrCallGone
	}

	if err := call.Fixup(newCh); err != nil {
		return err
	}

	t.mu.Lock()
	if t.calls[oldCh] == call {
		delete(t.calls, oldCh)
		t.calls[newCh] = call
	}
	t.mu.Unlock()
	return nil
}
