package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskRoundTrip(t *testing.T) {
	sender, receiver := New[int, string]()

	go func() {
		req := <-receiver.Requests()
		req.Respond("got 42")
	}()

	res, err := sender.Ask(42)
	require.NoError(t, err)
	assert.Equal(t, "got 42", res)
}

func TestAskAfterClose(t *testing.T) {
	sender, receiver := New[int, int]()
	receiver.Close()

	_, err := sender.Ask(1)
	assert.ErrorIs(t, err, ErrReceiverGone)
}

func TestAskDroppedWithoutResponse(t *testing.T) {
	sender, receiver := New[int, int]()

	go func() {
		<-receiver.Requests() // take the request, never respond
		receiver.Close()
	}()

	_, err := sender.Ask(1)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestAskContextCancel(t *testing.T) {
	sender, _ := New[int, int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nobody is serving requests beyond the channel buffer, so the
	// second phase of AskContext must observe the deadline.
	_, err := sender.AskContext(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseRaceWithClose(t *testing.T) {
	sender, receiver := New[int, int]()

	go func() {
		req := <-receiver.Requests()
		req.Respond(req.Value * 2)
		receiver.Close()
	}()

	res, err := sender.Ask(21)
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}
