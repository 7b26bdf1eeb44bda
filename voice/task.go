package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/crypto"
	"github.com/opd-ai/astercord/transport"
)

// Errors reported by a voice task.
var (
	// ErrNotReady indicates audio was sent before the media path was
	// established.
	ErrNotReady = errors.New("voice connection not ready")

	// ErrTaskClosed indicates an operation on a closed task.
	ErrTaskClosed = errors.New("voice task closed")
)

// MediaConn is the encrypted UDP media path. *transport.VoiceSocket
// satisfies it; tests substitute an in-memory fake.
type MediaConn interface {
	PublicAddr() net.IP
	PublicPort() uint16
	SetKey(mode crypto.Mode, key []byte) error
	SendVoice(timestamp uint32, payload []byte) (int, error)
	ReceivePacket() (transport.VoicePacket, error)
	Close() error
}

// MediaDialer opens the media path to a voice server.
type MediaDialer func(ctx context.Context, addr string, ssrc uint32) (MediaConn, error)

func defaultMediaDialer(ctx context.Context, addr string, ssrc uint32) (MediaConn, error) {
	return transport.Connect(ctx, addr, ssrc)
}

// TaskConfig identifies the call a task serves and lets tests inject
// transports.
type TaskConfig struct {
	UserID  UserID
	GuildID GuildID

	// GatewayDialer overrides the websocket dialer. Nil means the
	// production dialer.
	GatewayDialer GatewayDialer

	// MediaDialer overrides the UDP connector. Nil means the
	// production connector.
	MediaDialer MediaDialer
}

// taskState tracks which phase of connection setup the task is in.
type taskState int

const (
	// stateWaitingForEvents: collecting the control events that carry
	// the voice credentials.
	stateWaitingForEvents taskState = iota

	// stateWaitingForReady: voice gateway open, identify sent, ready
	// payload pending.
	stateWaitingForReady

	// stateConnected: media socket open. Audio flows once the first
	// session description delivers the key.
	stateConnected
)

// Task drives one voice connection through its lifecycle: collect
// credentials, open the voice gateway, negotiate the media path, then
// pump media packets to the owner until closed.
//
// The owner feeds control events in via Control and drains Events. The
// final event is always ClosedEvent, after which Events is closed.
type Task struct {
	cfg TaskConfig

	control chan ControlEvent
	events  chan Event

	quit     chan struct{}
	quitOnce sync.Once

	// media is published once the socket exists so SendAudio can run
	// on the owner's goroutine concurrently with the pump.
	mediaMu sync.RWMutex
	media   MediaConn
	ready   bool
}

// NewTask creates a task and starts its connection lifecycle.
func NewTask(cfg TaskConfig) *Task {
	t := &Task{
		cfg:     cfg,
		control: make(chan ControlEvent, 16),
		events:  make(chan Event, 64),
		quit:    make(chan struct{}),
	}
	go t.run()
	return t
}

// Control returns the channel the owner feeds gateway control events
// into.
func (t *Task) Control() chan<- ControlEvent {
	return t.control
}

// Events returns the channel the task delivers events on. The channel
// applies backpressure: a slow owner stalls the media pump rather than
// losing packets.
func (t *Task) Events() <-chan Event {
	return t.events
}

// SendAudio transmits one opus frame. timestamp is in samples and
// advances FrameSamples per frame.
func (t *Task) SendAudio(timestamp uint32, payload []byte) error {
	t.mediaMu.RLock()
	media, ready := t.media, t.ready
	t.mediaMu.RUnlock()

	if !ready {
		return ErrNotReady
	}
	_, err := media.SendVoice(timestamp, payload)
	return err
}

// Close shuts the task down. Idempotent. The owner should keep
// draining Events until it closes.
func (t *Task) Close() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// emit delivers an event unless the task is shutting down.
func (t *Task) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.quit:
		return false
	}
}

func (t *Task) run() {
	err := t.connectAndServe()
	if errors.Is(err, ErrTaskClosed) {
		err = nil
	}

	// The owner drains Events until it closes, so the final event is
	// delivered unconditionally; dropping it would leave the owner
	// unable to tell a shutdown from a stall.
	t.events <- ClosedEvent{Err: err}
	close(t.events)
}

func (t *Task) connectAndServe() error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Task.run",
		"guild_id": t.cfg.GuildID,
	})

	info, err := t.collectConnectInfo()
	if err != nil {
		return err
	}
	log.Debug("voice credentials collected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.quit
		cancel()
	}()

	gw, err := ConnectGateway(ctx, t.cfg.GatewayDialer, info)
	if err != nil {
		return err
	}
	defer gw.Close()

	gwEvents := make(chan GatewayEvent)
	gwErrs := make(chan error, 1)
	go func() {
		defer close(gwEvents)
		for {
			ev, err := gw.ReadEvent()
			if err != nil {
				gwErrs <- err
				return
			}
			select {
			case gwEvents <- ev:
			case <-t.quit:
				return
			}
		}
	}()

	return t.serve(ctx, gw, gwEvents, gwErrs)
}

// collectConnectInfo waits in stateWaitingForEvents until both control
// events have arrived.
func (t *Task) collectConnectInfo() (connectInfo, error) {
	info := connectInfo{guildID: t.cfg.GuildID, userID: t.cfg.UserID}
	haveState, haveServer := false, false

	for !haveState || !haveServer {
		select {
		case <-t.quit:
			return info, ErrTaskClosed
		case ev := <-t.control:
			switch ev := ev.(type) {
			case VoiceStateUpdate:
				info.sessionID = ev.SessionID
				haveState = true
			case VoiceServerUpdate:
				info.token = ev.Token
				info.endpoint = ev.Endpoint
				haveServer = true
			}
		}
	}
	return info, nil
}

// serve runs the gateway event loop from identify to shutdown.
func (t *Task) serve(ctx context.Context, gw *Gateway, gwEvents <-chan GatewayEvent, gwErrs <-chan error) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Task.serve",
		"guild_id": t.cfg.GuildID,
	})

	state := stateWaitingForReady
	var (
		media      MediaConn
		ssrc       uint32
		hasSession bool
	)
	defer func() {
		if media != nil {
			media.Close()
		}
	}()

	mediaEvents := make(chan transport.VoicePacket)
	mediaErrs := make(chan error, 1)

	for {
		select {
		case <-t.quit:
			return ErrTaskClosed

		case err := <-gwErrs:
			return err

		case err := <-mediaErrs:
			if state == stateConnected {
				return fmt.Errorf("media socket failed: %w", err)
			}

		case pkt := <-mediaEvents:
			if !t.emit(PacketEvent{Packet: pkt}) {
				return ErrTaskClosed
			}

		case ev, ok := <-gwEvents:
			if !ok {
				return ErrGatewayClosed
			}
			switch ev := ev.(type) {
			case *HelloData:
				interval := time.Duration(ev.HeartbeatInterval * float64(time.Millisecond))
				gw.StartHeartbeat(interval, func(err error) {
					log.WithField("error", err.Error()).Warn("voice heartbeat failed")
				})

			case *ReadyData:
				if state != stateWaitingForReady {
					log.Warn("ignoring duplicate ready payload")
					continue
				}
				conn, err := t.openMedia(ctx, gw, ev)
				if err != nil {
					return err
				}
				media = conn
				ssrc = ev.SSRC
				state = stateConnected

			case *SessionDescriptionData:
				if state != stateConnected {
					return fmt.Errorf("%w: session description before ready", ErrUnexpectedPayload)
				}
				mode, err := crypto.ParseMode(ev.Mode)
				if err != nil {
					return err
				}
				if err := media.SetKey(mode, ev.Key()); err != nil {
					return err
				}
				if !hasSession {
					hasSession = true
					if err := gw.Speaking(ssrc, true); err != nil {
						return err
					}
					t.publishMedia(media)
					go pumpMedia(media, mediaEvents, mediaErrs, t.quit)
					if !t.emit(ReadyEvent{}) {
						return ErrTaskClosed
					}
					log.Info("voice connection established")
				}

			case *SpeakingData:
				user, err := ParseSnowflake(ev.UserID)
				if err != nil {
					log.WithField("error", err.Error()).Warn("ignoring malformed speaking payload")
					continue
				}
				if !t.emit(UserSpeakingEvent{User: UserID(user), SSRC: ev.SSRC}) {
					return ErrTaskClosed
				}

			case *ClientConnectData:
				user, err := ParseSnowflake(ev.UserID)
				if err != nil {
					log.WithField("error", err.Error()).Warn("ignoring malformed connect payload")
					continue
				}
				if !t.emit(UserSpeakingEvent{User: UserID(user), SSRC: ev.AudioSSRC}) {
					return ErrTaskClosed
				}

			case *ClientDisconnectData:
				user, err := ParseSnowflake(ev.UserID)
				if err != nil {
					log.WithField("error", err.Error()).Warn("ignoring malformed disconnect payload")
					continue
				}
				if UserID(user) == t.cfg.UserID {
					log.Info("own user disconnected, shutting down voice task")
					return nil
				}
				if !t.emit(UserLeftEvent{User: UserID(user)}) {
					return ErrTaskClosed
				}

			case HeartbeatAck:
				// Nothing to do; liveness is implied by the read.
			}
		}
	}
}

// openMedia connects the UDP socket and answers the ready payload with
// our public coordinates and chosen encryption mode.
func (t *Task) openMedia(ctx context.Context, gw *Gateway, ready *ReadyData) (MediaConn, error) {
	mode, err := crypto.SelectMode(ready.Modes)
	if err != nil {
		return nil, err
	}

	dial := t.cfg.MediaDialer
	if dial == nil {
		dial = defaultMediaDialer
	}

	addr := net.JoinHostPort(ready.IP, fmt.Sprint(ready.Port))
	conn, err := dial(ctx, addr, ready.SSRC)
	if err != nil {
		return nil, err
	}

	if err := gw.SelectProtocol(conn.PublicAddr().String(), conn.PublicPort(), mode.String()); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Task) publishMedia(media MediaConn) {
	t.mediaMu.Lock()
	t.media = media
	t.ready = true
	t.mediaMu.Unlock()
}

// badPacket reports whether a receive error is a malformed or
// unauthenticated datagram rather than a socket failure.
func badPacket(err error) bool {
	return errors.Is(err, transport.ErrPacketTooSmall) ||
		errors.Is(err, transport.ErrDemuxFailed) ||
		errors.Is(err, crypto.ErrAuthFailed) ||
		errors.Is(err, crypto.ErrShortBuffer)
}

// pumpMedia forwards received packets until the socket or task closes.
// The blocking send keeps packets ordered and applies backpressure to
// the network instead of dropping silently.
func pumpMedia(media MediaConn, packets chan<- transport.VoicePacket, errs chan<- error, quit <-chan struct{}) {
	for {
		pkt, err := media.ReceivePacket()
		if err != nil {
			if badPacket(err) {
				logrus.WithFields(logrus.Fields{
					"function": "voice.pumpMedia",
					"error":    err.Error(),
				}).Debug("discarding invalid media packet")
				continue
			}
			select {
			case errs <- err:
			case <-quit:
			}
			return
		}
		select {
		case packets <- pkt:
		case <-quit:
			return
		}
	}
}
