// Package astercord bridges PBX calls into realtime voice channels. A
// Bridge holds one bot session; each call placed through the Discord
// channel technology joins a guild voice channel, mixes the audio of
// everyone speaking there into the PBX leg and carries PBX audio back.
package astercord

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/telephony"
)

// Bridge is the top-level object: one gateway session, one channel
// technology registration.
type Bridge struct {
	cfg    *Config
	client ControlClient
	sess   *Session
	tech   *Tech

	// ownsClient is set when the bridge connected the gateway itself
	// and must close it on Kill.
	ownsClient *ControlGateway
}

// New connects the main gateway with the configured token and
// registers the Discord channel technology.
func New(ctx context.Context, cfg *Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyLogging()

	client, err := ConnectControl(ctx, cfg.General.Token, ControlOptions{})
	if err != nil {
		return nil, err
	}

	b, err := NewWithClient(cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.ownsClient = client
	return b, nil
}

// NewWithClient builds a bridge over an existing control connection.
// The caller keeps ownership of the client.
func NewWithClient(cfg *Config, client ControlClient) (*Bridge, error) {
	b := &Bridge{
		cfg:    cfg,
		client: client,
		sess:   NewSession(client),
	}
	b.tech = NewTech(b.sess)

	if err := telephony.RegisterTech(b.tech); err != nil {
		b.sess.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "astercord.NewWithClient",
		"user_id":  client.UserID(),
	}).Info("bridge ready")
	return b, nil
}

// Tech returns the registered channel technology.
func (b *Bridge) Tech() *Tech {
	return b.tech
}

// Session returns the bridge's call routing session.
func (b *Bridge) Session() *Session {
	return b.sess
}

// Kill unregisters the technology and tears the session down. Active
// calls observe their voice tasks closing and hang up their channels.
func (b *Bridge) Kill() {
	telephony.UnregisterTech(TechName)
	b.sess.Close()
	if b.ownsClient != nil {
		b.ownsClient.Close()
	}
}
