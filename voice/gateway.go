package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Voice gateway opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opHello              = 8
	opClientConnect      = 12
	opClientDisconnect   = 13
)

// gatewayVersion selects the voice gateway protocol revision.
const gatewayVersion = "4"

// Errors reported by the gateway connection.
var (
	// ErrGatewayClosed indicates the websocket closed underneath us.
	ErrGatewayClosed = errors.New("voice gateway connection closed")

	// ErrUnexpectedPayload indicates a payload that does not fit its
	// opcode.
	ErrUnexpectedPayload = errors.New("unexpected voice gateway payload")
)

// GatewayConn is the subset of a websocket connection the gateway
// uses. It exists so tests can substitute an in-memory pipe.
type GatewayConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// GatewayDialer opens a GatewayConn to a voice gateway URL.
type GatewayDialer func(ctx context.Context, url string) (GatewayConn, error)

// defaultDialer connects with gorilla's production dialer.
func defaultDialer(ctx context.Context, url string) (GatewayConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing voice gateway: %w", err)
	}
	return conn, nil
}

// gatewayMessage is the envelope every payload travels in.
type gatewayMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type identifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// HelloData announces the heartbeat cadence.
type HelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// ReadyData carries the media socket coordinates and the encryption
// modes the server offers.
type ReadyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

// SessionDescriptionData carries the negotiated mode and session key.
// The key arrives as a JSON array of numbers.
type SessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

// Key converts the wire form of the secret key to bytes.
func (d *SessionDescriptionData) Key() []byte {
	key := make([]byte, len(d.SecretKey))
	for i, v := range d.SecretKey {
		key[i] = byte(v)
	}
	return key
}

// SpeakingData maps a user to their media ssrc.
type SpeakingData struct {
	UserID   string `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking int    `json:"speaking"`
}

// ClientConnectData announces a user joining the channel with their
// media ssrc.
type ClientConnectData struct {
	UserID    string `json:"user_id"`
	AudioSSRC uint32 `json:"audio_ssrc"`
}

// ClientDisconnectData announces a user leaving the channel.
type ClientDisconnectData struct {
	UserID string `json:"user_id"`
}

// GatewayEvent is a parsed inbound gateway payload: one of *HelloData,
// *ReadyData, *SessionDescriptionData, *SpeakingData,
// *ClientConnectData, *ClientDisconnectData or HeartbeatAck.
type GatewayEvent interface {
	isGatewayEvent()
}

func (*HelloData) isGatewayEvent()              {}
func (*ReadyData) isGatewayEvent()              {}
func (*SessionDescriptionData) isGatewayEvent() {}
func (*SpeakingData) isGatewayEvent()           {}
func (*ClientConnectData) isGatewayEvent()      {}
func (*ClientDisconnectData) isGatewayEvent()   {}

// HeartbeatAck confirms a heartbeat round trip.
type HeartbeatAck struct{}

func (HeartbeatAck) isGatewayEvent() {}

// Gateway is a connected voice gateway websocket. Reads happen on one
// goroutine via ReadEvent; writes are serialized internally so the
// heartbeat loop and the state machine can both send.
type Gateway struct {
	conn GatewayConn

	writeMu sync.Mutex

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
}

// GatewayURL builds the websocket URL for a voice endpoint.
func GatewayURL(endpoint string) string {
	u := url.URL{Scheme: "wss", Host: endpoint, Path: "/", RawQuery: "v=" + gatewayVersion}
	return u.String()
}

// ConnectGateway dials the voice gateway for an endpoint and sends the
// identify payload. dial may be nil to use the production dialer.
func ConnectGateway(ctx context.Context, dial GatewayDialer, info connectInfo) (*Gateway, error) {
	if dial == nil {
		dial = defaultDialer
	}

	conn, err := dial(ctx, GatewayURL(info.endpoint))
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		conn:          conn,
		heartbeatStop: make(chan struct{}),
	}

	identify := identifyPayload{
		ServerID:  info.guildID.String(),
		UserID:    info.userID.String(),
		SessionID: info.sessionID,
		Token:     info.token,
	}
	if err := g.write(opIdentify, identify); err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "voice.ConnectGateway",
		"endpoint": info.endpoint,
		"guild_id": info.guildID,
	}).Debug("voice gateway identified")

	return g, nil
}

// write marshals a payload into the envelope and sends it.
func (g *Gateway) write(op int, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling voice gateway payload: %w", err)
	}
	msg, err := json.Marshal(gatewayMessage{Op: op, D: raw})
	if err != nil {
		return fmt.Errorf("marshaling voice gateway message: %w", err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("writing to voice gateway: %w", err)
	}
	return nil
}

// SelectProtocol announces our public UDP coordinates and the chosen
// encryption mode.
func (g *Gateway) SelectProtocol(address string, port uint16, mode string) error {
	return g.write(opSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data: selectProtocolData{
			Address: address,
			Port:    port,
			Mode:    mode,
		},
	})
}

// Speaking announces whether we are about to transmit audio on the
// given ssrc. The server drops media from ssrcs that never announced.
func (g *Gateway) Speaking(ssrc uint32, speaking bool) error {
	state := 0
	if speaking {
		state = 1
	}
	return g.write(opSpeaking, speakingPayload{Speaking: state, SSRC: ssrc})
}

// StartHeartbeat launches the heartbeat loop at the cadence from the
// hello payload. onError is called once if a heartbeat write fails.
func (g *Gateway) StartHeartbeat(interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-g.heartbeatStop:
				return
			case <-ticker.C:
				if err := g.write(opHeartbeat, rand.Int63()); err != nil {
					if onError != nil {
						onError(err)
					}
					return
				}
			}
		}
	}()
}

// ReadEvent blocks for the next gateway payload. Payloads with unknown
// opcodes are skipped.
func (g *Gateway) ReadEvent() (GatewayEvent, error) {
	for {
		_, raw, err := g.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayClosed, err)
		}

		var msg gatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedPayload, err)
		}

		event, err := parseGatewayPayload(msg)
		if err != nil {
			return nil, err
		}
		if event == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Gateway.ReadEvent",
				"op":       msg.Op,
			}).Debug("ignoring voice gateway opcode")
			continue
		}
		return event, nil
	}
}

func parseGatewayPayload(msg gatewayMessage) (GatewayEvent, error) {
	unmarshal := func(v interface{}) error {
		if err := json.Unmarshal(msg.D, v); err != nil {
			return fmt.Errorf("%w: op %d: %v", ErrUnexpectedPayload, msg.Op, err)
		}
		return nil
	}

	switch msg.Op {
	case opHello:
		var d HelloData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opReady:
		var d ReadyData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opSessionDescription:
		var d SessionDescriptionData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opSpeaking:
		var d SpeakingData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opClientConnect:
		var d ClientConnectData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opClientDisconnect:
		var d ClientDisconnectData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return &d, nil
	case opHeartbeatAck:
		return HeartbeatAck{}, nil
	default:
		return nil, nil
	}
}

// Close stops the heartbeat loop and closes the websocket. Safe to
// call more than once.
func (g *Gateway) Close() error {
	g.heartbeatOnce.Do(func() { close(g.heartbeatStop) })
	return g.conn.Close()
}
