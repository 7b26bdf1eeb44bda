package astercord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/astercord/telephony"
	"github.com/opd-ai/astercord/transport"
	"github.com/opd-ai/astercord/voice"
)

// sentAudio records one SendAudio call on the fake task.
type sentAudio struct {
	timestamp uint32
	payload   []byte
}

// fakeTask scripts the voice side of a call.
type fakeTask struct {
	control chan voice.ControlEvent
	events  chan voice.Event

	mu        sync.Mutex
	sent      []sentAudio
	closeOnce sync.Once
}

func newFakeTask() *fakeTask {
	return &fakeTask{
		control: make(chan voice.ControlEvent, 16),
		events:  make(chan voice.Event, 16),
	}
}

func (f *fakeTask) Control() chan<- voice.ControlEvent { return f.control }
func (f *fakeTask) Events() <-chan voice.Event         { return f.events }

func (f *fakeTask) SendAudio(timestamp uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAudio{timestamp: timestamp, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTask) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeTask) sentFrames() []sentAudio {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAudio(nil), f.sent...)
}

// byteEncoder encodes PCM by narrowing each sample to a byte.
type byteEncoder struct{}

func (byteEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = byte(s)
	}
	return out, nil
}

func (byteEncoder) Close() error { return nil }

// sampleDecoder widens payload bytes back to samples.
type sampleDecoder struct{}

func (sampleDecoder) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, len(payload))
	for i, b := range payload {
		pcm[i] = int16(b)
	}
	return pcm, nil
}

type callFixture struct {
	control *fakeControl
	sess    *Session
	task    *fakeTask
	ch      *telephony.Channel
	call    *Call
}

func startCall(t *testing.T) *callFixture {
	t.Helper()

	f := &callFixture{
		control: newFakeControl(1000),
		task:    newFakeTask(),
		ch:      telephony.NewChannel("Discord/5/99-0001"),
	}
	f.sess = NewSession(f.control)
	t.Cleanup(f.sess.Close)
	t.Cleanup(f.ch.Unref)

	recv := voice.NewReceiver(
		voice.WithDecoderFactory(func() voice.Decoder { return sampleDecoder{} }),
	)

	call, err := placeCall(f.sess, 5, 99, f.ch, callConfig{
		newTask:    func(voice.TaskConfig) voiceTask { return f.task },
		newEncoder: func() (AudioEncoder, error) { return byteEncoder{}, nil },
		receiver:   recv,
	})
	require.NoError(t, err)
	f.call = call
	return f
}

func (f *callFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}
}

func TestCallSendsJoinIntent(t *testing.T) {
	f := startCall(t)
	defer func() {
		f.task.events <- voice.ClosedEvent{}
		f.waitDone(t)
	}()

	require.Eventually(t, func() bool { return len(f.control.stateCalls()) == 1 },
		time.Second, 5*time.Millisecond)

	calls := f.control.stateCalls()
	assert.Equal(t, voice.GuildID(5), calls[0].guild)
	require.NotNil(t, calls[0].channel)
	assert.Equal(t, voice.ChannelID(99), *calls[0].channel)
}

func TestCallGuildIsExclusive(t *testing.T) {
	f := startCall(t)

	_, err := placeCall(f.sess, 5, 98, f.ch, callConfig{
		newTask:    func(voice.TaskConfig) voiceTask { return newFakeTask() },
		newEncoder: func() (AudioEncoder, error) { return byteEncoder{}, nil },
	})
	assert.ErrorIs(t, err, ErrAlreadyInChannel)

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
}

func TestCallPrepareCompletesOnReady(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
}

func TestCallPrepareFailsWhenTaskDies(t *testing.T) {
	f := startCall(t)

	errc := make(chan error, 1)
	go func() { errc <- f.call.Prepare(context.Background()) }()

	// Let the prepare request reach the worker before the voice side
	// falls over.
	time.Sleep(50 * time.Millisecond)
	f.task.events <- voice.ClosedEvent{}

	assert.ErrorIs(t, <-errc, ErrInvalidCredentials)
	f.waitDone(t)
}

func TestCallOutboundAudioTimestamps(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	require.NoError(t, f.call.WriteAudio([]int16{1, 2}))
	require.NoError(t, f.call.WriteAudio([]int16{3, 4}))

	require.Eventually(t, func() bool { return len(f.task.sentFrames()) == 2 },
		time.Second, 5*time.Millisecond)

	sent := f.task.sentFrames()
	assert.Equal(t, []byte{1, 2}, sent[0].payload)
	assert.Equal(t, []byte{3, 4}, sent[1].payload)
	// The media clock advances one frame per packet, wrapping at 2^32.
	assert.Equal(t, sent[0].timestamp+voice.FrameSamples, sent[1].timestamp)

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
}

func TestCallAnswersChannelOnReady(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	// The PBX side observes the call being answered through a control
	// frame on the channel.
	require.Eventually(t, func() bool { return f.ch.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)

	frame := f.ch.ReadFrame()
	require.NotNil(t, frame)
	assert.Equal(t, telephony.FrameControl, frame.Type)
	assert.Equal(t, telephony.ControlAnswer, frame.Control)

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
}

func drainAnswerFrame(t *testing.T, ch *telephony.Channel) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)
	frame := ch.ReadFrame()
	require.Equal(t, telephony.FrameControl, frame.Type)
}

func TestCallMixesInboundAudioOntoChannel(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))
	drainAnswerFrame(t, f.ch)

	f.task.events <- voice.UserSpeakingEvent{User: 7, SSRC: 42}

	payload := []byte{10, 20, 30}
	buf := make([]byte, 12+len(payload))
	copy(buf[12:], payload)
	f.task.events <- voice.PacketEvent{Packet: &transport.RTPPacket{
		SSRC:         42,
		Timestamp:    0,
		Buffer:       buf,
		PayloadStart: 12,
		PayloadEnd:   12 + len(payload),
	}}

	// The frame plays out after the jitter buffer's headroom.
	require.Eventually(t, func() bool { return f.ch.QueueLen() == 1 },
		2*time.Second, 5*time.Millisecond)

	frame := f.ch.ReadFrame()
	require.NotNil(t, frame)
	assert.Equal(t, telephony.FrameVoice, frame.Type)
	assert.Equal(t, []int16{10, 20, 30}, frame.Samples)

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
}

func TestCallRemoteCloseHangsUpChannel(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)

	assert.True(t, f.ch.HungUp())
	assert.ErrorIs(t, f.call.Prepare(context.Background()), ErrCallGone)

	// The guild is free for the next call.
	route := make(chan voice.ControlEvent, 1)
	assert.NoError(t, f.sess.ClaimGuild(5, route))

	// Leave intent was announced.
	calls := f.control.stateCalls()
	require.NotEmpty(t, calls)
	assert.Nil(t, calls[len(calls)-1].channel)
}

func TestCallLocalHangupLeavesChannelAlive(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	require.NoError(t, f.call.Hangup())
	f.waitDone(t)

	// The PBX side asked for the teardown; its channel is not hung up
	// behind its back.
	assert.False(t, f.ch.HungUp())

	route := make(chan voice.ControlEvent, 1)
	assert.NoError(t, f.sess.ClaimGuild(5, route))
}

func TestCallFixupMovesMediaToNewChannel(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))
	drainAnswerFrame(t, f.ch)

	newCh := telephony.NewChannel("Discord/5/99-0002")
	defer newCh.Unref()
	require.NoError(t, f.call.Fixup(newCh))

	f.task.events <- voice.UserSpeakingEvent{User: 7, SSRC: 42}

	payload := []byte{10, 20, 30}
	buf := make([]byte, 12+len(payload))
	copy(buf[12:], payload)
	f.task.events <- voice.PacketEvent{Packet: &transport.RTPPacket{
		SSRC:         42,
		Buffer:       buf,
		PayloadStart: 12,
		PayloadEnd:   12 + len(payload),
	}}

	// Mixed audio lands on the surviving channel, not the old one.
	require.Eventually(t, func() bool { return newCh.QueueLen() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.ch.QueueLen())
	assert.Equal(t, []int16{10, 20, 30}, newCh.ReadFrame().Samples)

	// A remote teardown hangs up the surviving channel.
	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)
	assert.True(t, newCh.HungUp())
	assert.False(t, f.ch.HungUp())
}

func TestCallTearsDownWhenEventsChannelCloses(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ReadyEvent{}
	require.NoError(t, f.call.Prepare(context.Background()))

	// The voice side vanishes without a close event.
	f.task.Close()
	f.waitDone(t)

	assert.True(t, f.ch.HungUp())

	route := make(chan voice.ControlEvent, 1)
	assert.NoError(t, f.sess.ClaimGuild(5, route))
}

func TestCallHangupIdempotentAfterRemoteClose(t *testing.T) {
	f := startCall(t)

	f.task.events <- voice.ClosedEvent{}
	f.waitDone(t)

	assert.NoError(t, f.call.Hangup())
}
