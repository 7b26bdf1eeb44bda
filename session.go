package astercord

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/voice"
)

// ControlClient is the main gateway connection the bridge shares
// across calls. It carries join/leave intents out and voice control
// events back in.
type ControlClient interface {
	// UserID returns the bot account's id.
	UserID() voice.UserID

	// UpdateVoiceState announces the bot joining channel (or leaving,
	// when channel is nil) in a guild.
	UpdateVoiceState(guild voice.GuildID, channel *voice.ChannelID) error

	// Events delivers voice control events for all guilds. Closed
	// when the client disconnects.
	Events() <-chan voice.ControlEvent
}

// Session owns the guild-to-call routing. At most one call may hold a
// guild at a time; the voice protocol allows a single voice connection
// per guild.
type Session struct {
	client ControlClient

	mu     sync.Mutex
	routes map[voice.GuildID]chan<- voice.ControlEvent

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSession starts routing control events from the client.
func NewSession(client ControlClient) *Session {
	s := &Session{
		client: client,
		routes: make(map[voice.GuildID]chan<- voice.ControlEvent),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.route()
	return s
}

// UserID returns the bot account's id.
func (s *Session) UserID() voice.UserID {
	return s.client.UserID()
}

// ClaimGuild reserves a guild for one call and registers the channel
// its control events are routed to. Returns ErrAlreadyInChannel when
// the guild is taken.
func (s *Session) ClaimGuild(guild voice.GuildID, events chan<- voice.ControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[guild]; ok {
		return ErrAlreadyInChannel
	}
	s.routes[guild] = events
	return nil
}

// ReleaseGuild frees a guild claim. Events for the guild are discarded
// afterward.
func (s *Session) ReleaseGuild(guild voice.GuildID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, guild)
}

// JoinChannel announces the bot joining a voice channel. The voice
// server replies with control events on the claimed route.
func (s *Session) JoinChannel(guild voice.GuildID, channel voice.ChannelID) error {
	return s.client.UpdateVoiceState(guild, &channel)
}

// LeaveChannel announces the bot leaving a guild's voice channel.
func (s *Session) LeaveChannel(guild voice.GuildID) error {
	return s.client.UpdateVoiceState(guild, nil)
}

// Close stops event routing. Claimed guilds stay claimed; their
// workers shut down through their own lifecycles.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// route dispatches control events to the call that claimed their
// guild. Events for unclaimed guilds are dropped: they belong to calls
// that already ended.
func (s *Session) route() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.client.Events():
			if !ok {
				return
			}

			guild := eventGuild(ev)
			s.mu.Lock()
			target, claimed := s.routes[guild]
			s.mu.Unlock()

			if !claimed {
				logrus.WithFields(logrus.Fields{
					"function": "Session.route",
					"guild_id": guild,
				}).Debug("dropping control event for unclaimed guild")
				continue
			}

			select {
			case target <- ev:
			case <-s.stop:
				return
			}
		}
	}
}

func eventGuild(ev voice.ControlEvent) voice.GuildID {
	switch ev := ev.(type) {
	case voice.VoiceStateUpdate:
		return ev.GuildID
	case voice.VoiceServerUpdate:
		return ev.GuildID
	default:
		return 0
	}
}
