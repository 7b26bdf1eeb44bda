// Package request provides a typed request/response channel used to
// cross goroutine boundaries synchronously or asynchronously.
//
// A Sender/Receiver pair forms a rendezvous: every request carries a
// one-shot response slot, and the caller blocks (or awaits a context)
// until the receiving side responds or goes away. The bridge uses this
// primitive everywhere the synchronous telephony side needs an answer
// from one of the asynchronous workers.
package request

import (
	"context"
	"errors"
)

// Errors reported by Ask and AskContext.
var (
	// ErrReceiverGone indicates the receiving side has shut down and
	// will never answer.
	ErrReceiverGone = errors.New("request receiver is gone")

	// ErrDropped indicates the receiver took the request but was torn
	// down before responding.
	ErrDropped = errors.New("request dropped without response")
)

// Request is a single in-flight request. The receiver must call Respond
// exactly once; dropping a Request without responding causes the asking
// side to observe ErrDropped once the receiver closes.
type Request[Req, Res any] struct {
	Value    Req
	response chan Res
}

// Respond fulfills the request. It must be called exactly once per
// request.
func (r *Request[Req, Res]) Respond(res Res) {
	r.response <- res
}

// Sender is the asking half of a request channel. It is safe for
// concurrent use by multiple goroutines.
type Sender[Req, Res any] struct {
	requests chan *Request[Req, Res]
	closed   chan struct{}
}

// Receiver is the answering half of a request channel. It belongs to a
// single owning goroutine.
type Receiver[Req, Res any] struct {
	requests chan *Request[Req, Res]
	closed   chan struct{}
}

// New creates a connected Sender/Receiver pair.
func New[Req, Res any]() (*Sender[Req, Res], *Receiver[Req, Res]) {
	requests := make(chan *Request[Req, Res], 16)
	closed := make(chan struct{})

	return &Sender[Req, Res]{requests: requests, closed: closed},
		&Receiver[Req, Res]{requests: requests, closed: closed}
}

// Ask submits a request and blocks until the receiver responds or shuts
// down. Intended for callers on foreign threads that have no context.
func (s *Sender[Req, Res]) Ask(req Req) (Res, error) {
	return s.AskContext(context.Background(), req)
}

// AskContext submits a request and waits for the response, the
// receiver's shutdown, or context cancellation, whichever comes first.
func (s *Sender[Req, Res]) AskContext(ctx context.Context, req Req) (Res, error) {
	var zero Res

	r := &Request[Req, Res]{
		Value:    req,
		response: make(chan Res, 1),
	}

	select {
	case s.requests <- r:
	case <-s.closed:
		return zero, ErrReceiverGone
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-r.response:
		return res, nil
	case <-s.closed:
		// The receiver may have responded just before closing.
		select {
		case res := <-r.response:
			return res, nil
		default:
		}
		return zero, ErrDropped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Requests exposes the inbound queue for use in a select loop.
func (r *Receiver[Req, Res]) Requests() <-chan *Request[Req, Res] {
	return r.requests
}

// Close marks the receiver as gone. Pending and future Ask calls return
// ErrReceiverGone or ErrDropped. Close is idempotent only if called
// from the single owning goroutine.
func (r *Receiver[Req, Res]) Close() {
	close(r.closed)
}
