package astercord

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	opusenc "gopkg.in/hraban/opus.v2"

	"github.com/opd-ai/astercord/request"
	"github.com/opd-ai/astercord/telephony"
	"github.com/opd-ai/astercord/transport"
	"github.com/opd-ai/astercord/voice"
)

// AudioEncoder turns one frame of mono 48kHz PCM into an opus payload.
type AudioEncoder interface {
	Encode(pcm []int16) ([]byte, error)
	Close() error
}

// opusEncoder is the production encoder.
type opusEncoder struct {
	enc *opusenc.Encoder
	buf []byte
}

func newOpusEncoder() (AudioEncoder, error) {
	enc, err := opusenc.NewEncoder(voice.SampleRate, 1, opusenc.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, buf: make([]byte, 1400)}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

func (e *opusEncoder) Close() error { return nil }

// voiceTask is the slice of *voice.Task the worker uses, split out so
// tests can script the voice side.
type voiceTask interface {
	Control() chan<- voice.ControlEvent
	Events() <-chan voice.Event
	SendAudio(timestamp uint32, payload []byte) error
	Close()
}

// callRequestKind enumerates the synchronous operations a call
// accepts.
type callRequestKind int

const (
	// reqPrepare asks to be answered once the voice path is up.
	reqPrepare callRequestKind = iota

	// reqHangup asks for an orderly local teardown.
	reqHangup

	// reqFixup asks the worker to swap its channel handle after a
	// masquerade.
	reqFixup
)

type callRequest struct {
	kind callRequestKind

	// newCh is the surviving channel of a reqFixup.
	newCh *telephony.Channel
}

// workerState tracks the call's lifecycle phase.
type workerState int

const (
	// statePreparing: join intent sent, voice path not yet up.
	statePreparing workerState = iota

	// stateVoiceStarted: media flows both ways.
	stateVoiceStarted
)

// callWorker runs one call: it owns the voice task, the receive mixer
// and the channel writer, and serializes every interaction with them
// on its own goroutine.
type callWorker struct {
	sess    *Session
	guild   voice.GuildID
	channel voice.ChannelID

	task   voiceTask
	recv   *voice.Receiver
	writer *ChannelWriter
	enc    AudioEncoder

	reqs  *request.Receiver[callRequest, error]
	audio <-chan []int16
	done  chan struct{}

	// timestamp is the outbound media clock in samples. Starts random
	// and wraps.
	timestamp uint32
}

func (w *callWorker) run() {
	defer close(w.done)

	log := logrus.WithFields(logrus.Fields{
		"function":   "callWorker.run",
		"guild_id":   w.guild,
		"channel_id": w.channel,
	})

	state := statePreparing
	var pendingPrepare *request.Request[callRequest, error]

	mixTimer := time.NewTimer(time.Hour)
	stopTimer(mixTimer)
	defer mixTimer.Stop()

	if err := w.sess.JoinChannel(w.guild, w.channel); err != nil {
		log.WithField("error", err.Error()).Error("join intent failed")
		w.teardown(true, pendingPrepare, err)
		return
	}
	log.Info("call started, waiting for voice credentials")

	for {
		select {
		case req := <-w.reqs.Requests():
			switch req.Value.kind {
			case reqPrepare:
				if state == stateVoiceStarted {
					req.Respond(nil)
				} else {
					pendingPrepare = req
				}
			case reqHangup:
				w.teardown(true, pendingPrepare, ErrCallGone)
				req.Respond(nil)
				return
			case reqFixup:
				// The masqueraded channel survives; every enqueue
				// from here on must land on it.
				w.writer.Retarget(req.Value.newCh)
				req.Respond(nil)
			}

		case pcm := <-w.audio:
			w.sendAudio(log, pcm)

		case <-mixTimer.C:
			w.pumpMixer(mixTimer)

		case ev, ok := <-w.task.Events():
			if !ok {
				// The task died without a close event; treat it as
				// a remote teardown so the call never leaks.
				log.Warn("voice task events ended unexpectedly")
				w.teardown(false, pendingPrepare, ErrInvalidCredentials)
				return
			}
			switch ev := ev.(type) {
			case voice.ReadyEvent:
				state = stateVoiceStarted
				if pendingPrepare != nil {
					pendingPrepare.Respond(nil)
					pendingPrepare = nil
				}
				w.writer.WriteControl(telephony.ControlAnswer)
				log.Info("voice path established")

			case voice.PacketEvent:
				if rtp, ok := ev.Packet.(*transport.RTPPacket); ok {
					w.recv.HandlePacket(rtp)
					w.pumpMixer(mixTimer)
				}

			case voice.UserSpeakingEvent:
				w.recv.MapUser(ev.User, ev.SSRC)

			case voice.UserLeftEvent:
				w.recv.RemoveUser(ev.User)
				w.pumpMixer(mixTimer)

			case voice.ClosedEvent:
				if ev.Err != nil {
					log.WithField("error", ev.Err.Error()).Warn("voice task failed")
				} else {
					log.Info("voice task closed by remote")
				}
				prepErr := ev.Err
				if prepErr == nil {
					prepErr = ErrInvalidCredentials
				}
				w.teardown(false, pendingPrepare, prepErr)
				return
			}
		}
	}
}

// teardown shuts every call component down. hungUpLocally is true when
// the PBX side initiated the hangup; otherwise the channel itself is
// hung up here so the PBX notices the far end is gone.
func (w *callWorker) teardown(hungUpLocally bool, pendingPrepare *request.Request[callRequest, error], prepErr error) {
	if pendingPrepare != nil {
		pendingPrepare.Respond(prepErr)
	}

	w.task.Close()
	for range w.task.Events() {
		// Drain so the task's pump can finish.
	}

	if err := w.sess.LeaveChannel(w.guild); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "callWorker.teardown",
			"guild_id": w.guild,
			"error":    err.Error(),
		}).Warn("leave intent failed")
	}
	w.sess.ReleaseGuild(w.guild)

	w.recv.Close()
	if !hungUpLocally {
		w.writer.Hangup()
	}
	w.writer.Stop()
	w.enc.Close()
	w.reqs.Close()
}

// sendAudio encodes and transmits one frame of PBX audio.
func (w *callWorker) sendAudio(log *logrus.Entry, pcm []int16) {
	payload, err := w.enc.Encode(pcm)
	if err != nil {
		log.WithField("error", err.Error()).Warn("dropping unencodable frame")
		return
	}

	if err := w.task.SendAudio(w.timestamp, payload); err != nil {
		log.WithField("error", err.Error()).Debug("dropping outbound frame")
		return
	}
	w.timestamp += voice.FrameSamples
}

// pumpMixer drains every mixed frame that is due and arms the timer
// for the next one.
func (w *callWorker) pumpMixer(timer *time.Timer) {
	for {
		fetch := w.recv.FetchAudio()
		switch fetch.Kind {
		case voice.FetchAvailable:
			if !w.writer.Write(fetch.Frame) {
				return
			}

		case voice.FetchCheckBackLater:
			stopTimer(timer)
			timer.Reset(time.Until(fetch.Due))
			return

		case voice.FetchNone:
			stopTimer(timer)
			return
		}
	}
}

// stopTimer stops a timer and drains a pending fire.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// newCallTimestamp picks the random initial media clock value.
func newCallTimestamp() uint32 {
	return rand.Uint32()
}
