package telephony

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstructors(t *testing.T) {
	null := NullFrame()
	assert.Equal(t, FrameNull, null.Type)
	assert.Empty(t, null.Samples)

	voice := VoiceFrame([]int16{1, 2, 3})
	assert.Equal(t, FrameVoice, voice.Type)
	assert.Equal(t, FormatSlin48, voice.Format)
	assert.Equal(t, []int16{1, 2, 3}, voice.Samples)

	ctrl := ControlFrame(ControlAnswer)
	assert.Equal(t, FrameControl, ctrl.Type)
	assert.Equal(t, ControlAnswer, ctrl.Control)
	assert.Empty(t, ctrl.Samples)
}

func TestChannelQueueControl(t *testing.T) {
	ch := NewChannel("Discord/1/2-0009")
	defer ch.Unref()

	ch.Lock()
	require.NoError(t, ch.QueueControl(ControlRinging))
	ch.Unlock()

	frame := ch.ReadFrame()
	require.NotNil(t, frame)
	assert.Equal(t, FrameControl, frame.Type)
	assert.Equal(t, ControlRinging, frame.Control)

	ch.Hangup()
	ch.Lock()
	assert.ErrorIs(t, ch.QueueControl(ControlAnswer), ErrChannelGone)
	ch.Unlock()
}

func TestChannelQueueOrder(t *testing.T) {
	ch := NewChannel("Discord/1/2-0001")
	defer ch.Unref()

	assert.Equal(t, "Discord/1/2-0001", ch.Name())

	ch.Lock()
	require.NoError(t, ch.QueueFrame(VoiceFrame([]int16{1})))
	require.NoError(t, ch.QueueFrame(VoiceFrame([]int16{2})))
	ch.Unlock()

	assert.Equal(t, 2, ch.QueueLen())
	assert.Equal(t, []int16{1}, ch.ReadFrame().Samples)
	assert.Equal(t, []int16{2}, ch.ReadFrame().Samples)
	assert.Nil(t, ch.ReadFrame())
}

func TestChannelHangupStopsQueueing(t *testing.T) {
	ch := NewChannel("Discord/1/2-0002")
	defer ch.Unref()

	ch.Lock()
	require.NoError(t, ch.QueueFrame(VoiceFrame([]int16{1})))
	ch.Unlock()

	ch.Hangup()
	assert.True(t, ch.HungUp())
	assert.Zero(t, ch.QueueLen())

	ch.Lock()
	err := ch.QueueFrame(VoiceFrame([]int16{2}))
	ch.Unlock()
	assert.ErrorIs(t, err, ErrChannelGone)
}

func TestChannelRefCounting(t *testing.T) {
	ch := NewChannel("Discord/1/2-0003")
	ch.Ref()

	select {
	case <-ch.Destroyed():
		t.Fatal("channel destroyed with live references")
	default:
	}

	ch.Unref()
	ch.Unref()

	select {
	case <-ch.Destroyed():
	default:
		t.Fatal("channel not destroyed after last unref")
	}
}

func TestConcurrentQueueing(t *testing.T) {
	ch := NewChannel("Discord/1/2-0004")
	defer ch.Unref()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch.Lock()
				_ = ch.QueueFrame(VoiceFrame([]int16{0}))
				ch.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, ch.QueueLen())
}

type fakeTech struct{ name string }

func (f *fakeTech) Name() string                   { return f.name }
func (f *fakeTech) Call(*Channel, string) error    { return nil }
func (f *fakeTech) Hangup(*Channel) error          { return nil }
func (f *fakeTech) Write(*Channel, *Frame) error   { return nil }
func (f *fakeTech) Read(*Channel) (*Frame, error)  { return NullFrame(), nil }
func (f *fakeTech) Fixup(*Channel, *Channel) error { return nil }

func TestTechRegistry(t *testing.T) {
	tech := &fakeTech{name: "FakeTech"}
	require.NoError(t, RegisterTech(tech))
	defer UnregisterTech("FakeTech")

	assert.ErrorIs(t, RegisterTech(tech), ErrTechExists)

	got, err := LookupTech("FakeTech")
	require.NoError(t, err)
	assert.Same(t, Technology(tech), got)

	_, err = LookupTech("Missing")
	assert.ErrorIs(t, err, ErrTechUnknown)
}
