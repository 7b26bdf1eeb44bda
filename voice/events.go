// Package voice maintains the realtime voice connection for one call:
// the voice gateway websocket, the encrypted UDP media path and the
// per-speaker receive pipeline that reorders, decodes and mixes
// incoming audio.
package voice

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/astercord/transport"
)

// UserID identifies a user account.
type UserID uint64

// GuildID identifies a guild (server).
type GuildID uint64

// ChannelID identifies a voice channel within a guild.
type ChannelID uint64

// ParseSnowflake parses the decimal string form ids appear as on the
// wire.
func ParseSnowflake(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snowflake %q: %w", s, err)
	}
	return v, nil
}

// String formats the id in its wire form.
func (u UserID) String() string    { return strconv.FormatUint(uint64(u), 10) }
func (g GuildID) String() string   { return strconv.FormatUint(uint64(g), 10) }
func (c ChannelID) String() string { return strconv.FormatUint(uint64(c), 10) }

// ControlEvent is a voice-related event relayed from the main gateway
// connection. A task needs one of each kind before it can open the
// voice gateway.
type ControlEvent interface {
	isControlEvent()
}

// VoiceStateUpdate carries our own session id for a guild.
type VoiceStateUpdate struct {
	GuildID   GuildID
	UserID    UserID
	SessionID string
}

func (VoiceStateUpdate) isControlEvent() {}

// VoiceServerUpdate carries the voice gateway endpoint and token for a
// guild.
type VoiceServerUpdate struct {
	GuildID  GuildID
	Token    string
	Endpoint string
}

func (VoiceServerUpdate) isControlEvent() {}

// connectInfo is the complete set of credentials needed to open the
// voice gateway, assembled from both control events.
type connectInfo struct {
	guildID   GuildID
	userID    UserID
	sessionID string
	token     string
	endpoint  string
}

// Event is delivered by a Task to its owner. The owner must drain the
// event channel promptly: media events are produced at frame rate and
// the channel applies backpressure rather than dropping.
type Event interface {
	isEvent()
}

// ReadyEvent signals that the media path is fully established and
// audio may flow in both directions.
type ReadyEvent struct{}

func (ReadyEvent) isEvent() {}

// PacketEvent carries one decrypted inbound packet from the media
// socket.
type PacketEvent struct {
	Packet transport.VoicePacket
}

func (PacketEvent) isEvent() {}

// UserSpeakingEvent maps a user to the ssrc their media packets carry.
type UserSpeakingEvent struct {
	User UserID
	SSRC uint32
}

func (UserSpeakingEvent) isEvent() {}

// UserLeftEvent signals that a user disconnected from the channel.
type UserLeftEvent struct {
	User UserID
}

func (UserLeftEvent) isEvent() {}

// ClosedEvent is the final event on a task's channel. Err is nil on an
// orderly shutdown.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) isEvent() {}
