package astercord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/voice"
)

// Main gateway opcodes.
const (
	controlOpDispatch         = 0
	controlOpHeartbeat        = 1
	controlOpIdentify         = 2
	controlOpVoiceStateUpdate = 4
	controlOpHello            = 10
	controlOpHeartbeatAck     = 11
)

// controlIntents subscribes to guild and voice state events, the only
// dispatches the bridge consumes.
const controlIntents = 1<<0 | 1<<7

// DefaultGatewayURL is the production main gateway.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=6&encoding=json"

// ErrGatewayProtocol indicates the main gateway deviated from the
// expected handshake.
var ErrGatewayProtocol = errors.New("unexpected main gateway handshake")

type controlMessage struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type controlIdentify struct {
	Token      string            `json:"token"`
	Properties map[string]string `json:"properties"`
	Intents    int               `json:"intents"`
}

type controlVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type readyDispatch struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
}

type voiceStateDispatch struct {
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type voiceServerDispatch struct {
	GuildID  string `json:"guild_id"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// ControlGateway is the bridge's main gateway connection. It
// implements ControlClient.
type ControlGateway struct {
	conn   voice.GatewayConn
	userID voice.UserID

	writeMu sync.Mutex
	seq     int64
	seqMu   sync.Mutex

	events chan voice.ControlEvent

	stop     chan struct{}
	stopOnce sync.Once
}

// ControlOptions tunes the control connection. The zero value uses
// production settings.
type ControlOptions struct {
	// URL overrides the gateway URL.
	URL string

	// Dialer overrides the websocket dialer, for tests.
	Dialer voice.GatewayDialer
}

// ConnectControl opens the main gateway, identifies with the token and
// waits for the ready dispatch. Authentication failures surface as
// ErrInvalidCredentials.
func ConnectControl(ctx context.Context, token string, opts ControlOptions) (*ControlGateway, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	url := opts.URL
	if url == "" {
		url = DefaultGatewayURL
	}
	dial := opts.Dialer
	if dial == nil {
		dial = func(ctx context.Context, url string) (voice.GatewayConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, fmt.Errorf("dialing main gateway: %w", err)
			}
			return conn, nil
		}
	}

	conn, err := dial(ctx, url)
	if err != nil {
		return nil, err
	}

	g := &ControlGateway{
		conn:   conn,
		events: make(chan voice.ControlEvent, 16),
		stop:   make(chan struct{}),
	}

	// The handshake runs on its own goroutine so ctx bounds the whole
	// exchange, not just the dial. Closing the socket unblocks a
	// pending read.
	handshakeErr := make(chan error, 1)
	go func() { handshakeErr <- g.handshake(token) }()

	select {
	case err := <-handshakeErr:
		if err != nil {
			conn.Close()
			return nil, err
		}
	case <-ctx.Done():
		conn.Close()
		<-handshakeErr
		return nil, ctx.Err()
	}

	go g.readLoop()
	return g, nil
}

// handshake runs hello, identify, heartbeat setup and the ready wait.
func (g *ControlGateway) handshake(token string) error {
	msg, err := g.read()
	if err != nil {
		return err
	}
	if msg.Op != controlOpHello {
		return fmt.Errorf("%w: expected hello, got op %d", ErrGatewayProtocol, msg.Op)
	}
	var hello struct {
		HeartbeatInterval float64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(msg.D, &hello); err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayProtocol, err)
	}

	identify := controlIdentify{
		Token: token,
		Properties: map[string]string{
			"$os":      "linux",
			"$browser": "astercord",
			"$device":  "astercord",
		},
		Intents: controlIntents,
	}
	if err := g.write(controlOpIdentify, identify); err != nil {
		return err
	}

	// The gateway closes the socket on a bad token instead of
	// answering the identify.
	msg, err = g.read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	for msg.T != "READY" {
		msg, err = g.read()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
	}

	var ready readyDispatch
	if err := json.Unmarshal(msg.D, &ready); err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayProtocol, err)
	}
	user, err := voice.ParseSnowflake(ready.User.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayProtocol, err)
	}
	g.userID = voice.UserID(user)

	g.startHeartbeat(time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)))

	logrus.WithFields(logrus.Fields{
		"function": "ControlGateway.handshake",
		"user_id":  g.userID,
	}).Info("main gateway ready")
	return nil
}

func (g *ControlGateway) startHeartbeat(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.seqMu.Lock()
				seq := g.seq
				g.seqMu.Unlock()
				if err := g.write(controlOpHeartbeat, seq); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "ControlGateway.startHeartbeat",
						"error":    err.Error(),
					}).Warn("main gateway heartbeat failed")
					return
				}
			}
		}
	}()
}

func (g *ControlGateway) read() (controlMessage, error) {
	var msg controlMessage
	_, raw, err := g.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrGatewayProtocol, err)
	}
	if msg.S != nil {
		g.seqMu.Lock()
		g.seq = *msg.S
		g.seqMu.Unlock()
	}
	return msg, nil
}

func (g *ControlGateway) write(op int, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling main gateway payload: %w", err)
	}
	data, err := json.Marshal(controlMessage{Op: op, D: raw})
	if err != nil {
		return fmt.Errorf("marshaling main gateway message: %w", err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop turns voice dispatches into control events until the
// connection dies.
func (g *ControlGateway) readLoop() {
	defer close(g.events)

	for {
		msg, err := g.read()
		if err != nil {
			select {
			case <-g.stop:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "ControlGateway.readLoop",
					"error":    err.Error(),
				}).Warn("main gateway read failed")
			}
			return
		}
		if msg.Op != controlOpDispatch {
			continue
		}

		ev, err := g.parseDispatch(msg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ControlGateway.readLoop",
				"type":     msg.T,
				"error":    err.Error(),
			}).Warn("ignoring malformed dispatch")
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case g.events <- ev:
		case <-g.stop:
			return
		}
	}
}

func (g *ControlGateway) parseDispatch(msg controlMessage) (voice.ControlEvent, error) {
	switch msg.T {
	case "VOICE_STATE_UPDATE":
		var d voiceStateDispatch
		if err := json.Unmarshal(msg.D, &d); err != nil {
			return nil, err
		}
		user, err := voice.ParseSnowflake(d.UserID)
		if err != nil {
			return nil, err
		}
		// Only our own session id matters for call setup.
		if voice.UserID(user) != g.userID {
			return nil, nil
		}
		guild, err := voice.ParseSnowflake(d.GuildID)
		if err != nil {
			return nil, err
		}
		return voice.VoiceStateUpdate{
			GuildID:   voice.GuildID(guild),
			UserID:    voice.UserID(user),
			SessionID: d.SessionID,
		}, nil

	case "VOICE_SERVER_UPDATE":
		var d voiceServerDispatch
		if err := json.Unmarshal(msg.D, &d); err != nil {
			return nil, err
		}
		guild, err := voice.ParseSnowflake(d.GuildID)
		if err != nil {
			return nil, err
		}
		return voice.VoiceServerUpdate{
			GuildID:  voice.GuildID(guild),
			Token:    d.Token,
			Endpoint: d.Endpoint,
		}, nil

	default:
		return nil, nil
	}
}

// UserID implements ControlClient.
func (g *ControlGateway) UserID() voice.UserID {
	return g.userID
}

// UpdateVoiceState implements ControlClient.
func (g *ControlGateway) UpdateVoiceState(guild voice.GuildID, channel *voice.ChannelID) error {
	state := controlVoiceState{GuildID: guild.String()}
	if channel != nil {
		id := channel.String()
		state.ChannelID = &id
	}
	return g.write(controlOpVoiceStateUpdate, state)
}

// Events implements ControlClient.
func (g *ControlGateway) Events() <-chan voice.ControlEvent {
	return g.events
}

// Close tears the connection down. The events channel closes once the
// read loop exits.
func (g *ControlGateway) Close() error {
	g.stopOnce.Do(func() { close(g.stop) })
	return g.conn.Close()
}
