package astercord

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/astercord/request"
	"github.com/opd-ai/astercord/telephony"
	"github.com/opd-ai/astercord/voice"
)

// prepareTimeout bounds how long a caller waits for the voice path.
// Credentials that never arrive usually mean a bad token or a channel
// the bot cannot join.
const prepareTimeout = 10 * time.Second

// Call is the synchronous face of one active call, used from the
// telephony side. All methods are safe from any goroutine; the worker
// goroutine behind them owns every moving part.
type Call struct {
	guild   voice.GuildID
	channel voice.ChannelID

	reqs  *request.Sender[callRequest, error]
	audio chan<- []int16
	done  <-chan struct{}
}

// callConfig collects the worker's injectable pieces. Zero values mean
// production implementations.
type callConfig struct {
	newTask    func(voice.TaskConfig) voiceTask
	newEncoder func() (AudioEncoder, error)
	receiver   *voice.Receiver
}

// PlaceCall claims the guild, spawns the call worker and sends the
// join intent. The returned call is not ready to carry audio until
// Prepare succeeds.
func PlaceCall(sess *Session, guild voice.GuildID, channel voice.ChannelID, ch *telephony.Channel) (*Call, error) {
	return placeCall(sess, guild, channel, ch, callConfig{})
}

func placeCall(sess *Session, guild voice.GuildID, channel voice.ChannelID, ch *telephony.Channel, cfg callConfig) (*Call, error) {
	if cfg.newTask == nil {
		cfg.newTask = func(tc voice.TaskConfig) voiceTask { return voice.NewTask(tc) }
	}
	if cfg.newEncoder == nil {
		cfg.newEncoder = newOpusEncoder
	}
	if cfg.receiver == nil {
		cfg.receiver = voice.NewReceiver()
	}

	enc, err := cfg.newEncoder()
	if err != nil {
		return nil, err
	}

	task := cfg.newTask(voice.TaskConfig{
		UserID:  sess.UserID(),
		GuildID: guild,
	})

	if err := sess.ClaimGuild(guild, task.Control()); err != nil {
		task.Close()
		enc.Close()
		return nil, err
	}

	sender, receiver := request.New[callRequest, error]()
	audio := make(chan []int16, 8)

	w := &callWorker{
		sess:      sess,
		guild:     guild,
		channel:   channel,
		task:      task,
		recv:      cfg.receiver,
		writer:    NewChannelWriter(ch),
		enc:       enc,
		reqs:      receiver,
		audio:     audio,
		done:      make(chan struct{}),
		timestamp: newCallTimestamp(),
	}
	go w.run()

	return &Call{
		guild:   guild,
		channel: channel,
		reqs:    sender,
		audio:   audio,
		done:    w.done,
	}, nil
}

// Prepare blocks until the voice path is established and audio can
// flow. Returns ErrInvalidCredentials when the voice server never
// answers within the preparation window.
func (c *Call) Prepare(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	err, askErr := c.reqs.AskContext(ctx, callRequest{kind: reqPrepare})
	switch {
	case errors.Is(askErr, context.DeadlineExceeded):
		return ErrInvalidCredentials
	case errors.Is(askErr, request.ErrReceiverGone), errors.Is(askErr, request.ErrDropped):
		return ErrCallGone
	case askErr != nil:
		return askErr
	}
	return err
}

// WriteAudio hands one frame of mono 48kHz PCM to the call for
// encoding and transmission.
func (c *Call) WriteAudio(pcm []int16) error {
	select {
	case c.audio <- pcm:
		return nil
	case <-c.done:
		return ErrCallGone
	}
}

// Fixup moves the call onto a new channel after a masquerade. The
// worker swaps its writer over before Fixup returns, so no further
// frame reaches the old channel.
func (c *Call) Fixup(newCh *telephony.Channel) error {
	_, err := c.reqs.Ask(callRequest{kind: reqFixup, newCh: newCh})
	if errors.Is(err, request.ErrReceiverGone) || errors.Is(err, request.ErrDropped) {
		return ErrCallGone
	}
	return err
}

// Hangup tears the call down and blocks until every component has
// stopped. Hanging up a call that already ended is not an error.
func (c *Call) Hangup() error {
	_, err := c.reqs.Ask(callRequest{kind: reqHangup})
	if errors.Is(err, request.ErrReceiverGone) || errors.Is(err, request.ErrDropped) {
		<-c.done
		return nil
	}
	if err != nil {
		return err
	}
	<-c.done
	return nil
}

// Done is closed once the call has fully ended, locally or remotely.
func (c *Call) Done() <-chan struct{} {
	return c.done
}
