package astercord

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/telephony"
)

// writeKind enumerates the operations the writer performs on its
// channel.
type writeKind int

const (
	// writeFrame enqueues one voice frame.
	writeFrame writeKind = iota

	// writeControl enqueues one control signal.
	writeControl

	// writeHangup hangs the channel up.
	writeHangup

	// writeRetarget swaps the writer to a new channel.
	writeRetarget
)

// writeRequest is one queued operation. done, when non-nil, is closed
// after the operation completes.
type writeRequest struct {
	kind    writeKind
	pcm     []int16
	control telephony.ControlKind
	newCh   *telephony.Channel
	done    chan struct{}
}

// ChannelWriter performs every telephony-channel enqueue from a
// dedicated goroutine. Queueing requires taking the channel lock, and
// the channel lock is also taken by the PBX core around its own
// operations; doing the lock-queue-unlock dance off the realtime media
// path keeps lock contention from stalling the mixer or deadlocking
// the call worker against a core that holds the lock while calling
// into the driver.
//
// The writer holds its own channel reference and releases it when
// stopped.
type ChannelWriter struct {
	ch   *telephony.Channel
	reqs chan writeRequest
	stop chan struct{}
	done chan struct{}
}

// NewChannelWriter starts the writer goroutine for a channel.
func NewChannelWriter(ch *telephony.Channel) *ChannelWriter {
	w := &ChannelWriter{
		ch:   ch.Ref(),
		reqs: make(chan writeRequest, 8),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// submit queues one request, waiting for completion when it carries a
// done channel. Returns false once the writer has stopped.
func (w *ChannelWriter) submit(req writeRequest) bool {
	select {
	case w.reqs <- req:
	case <-w.stop:
		return false
	}
	if req.done == nil {
		return true
	}
	select {
	case <-req.done:
		return true
	case <-w.stop:
		return false
	}
}

// Write hands one frame of PCM to the writer. Blocks when the writer
// is behind, applying backpressure to the mixer rather than reordering
// audio. Returns false once the writer has stopped.
func (w *ChannelWriter) Write(pcm []int16) bool {
	return w.submit(writeRequest{kind: writeFrame, pcm: pcm})
}

// WriteControl queues a control signal onto the channel.
func (w *ChannelWriter) WriteControl(kind telephony.ControlKind) bool {
	return w.submit(writeRequest{kind: writeControl, control: kind})
}

// Hangup hangs the channel up from the writer goroutine and waits for
// it to happen.
func (w *ChannelWriter) Hangup() bool {
	return w.submit(writeRequest{kind: writeHangup, done: make(chan struct{})})
}

// Retarget atomically swaps the writer to a new channel: the writer
// takes its own reference on ch, releases the old one, and every
// subsequent enqueue lands on ch. Waits for the swap to happen.
func (w *ChannelWriter) Retarget(ch *telephony.Channel) bool {
	return w.submit(writeRequest{kind: writeRetarget, newCh: ch, done: make(chan struct{})})
}

// Stop shuts the writer down, drops any requests still queued to it
// and releases its channel reference. Must be called exactly once.
func (w *ChannelWriter) Stop() {
	close(w.stop)
	<-w.done
}

func (w *ChannelWriter) run() {
	defer close(w.done)
	defer func() { w.ch.Unref() }()

	for {
		select {
		case <-w.stop:
			return
		case req := <-w.reqs:
			w.handle(req)
			if req.done != nil {
				close(req.done)
			}
		}
	}
}

func (w *ChannelWriter) handle(req writeRequest) {
	switch req.kind {
	case writeFrame, writeControl:
		w.ch.Lock()
		var err error
		if req.kind == writeFrame {
			err = w.ch.QueueFrame(telephony.VoiceFrame(req.pcm))
		} else {
			err = w.ch.QueueControl(req.control)
		}
		w.ch.Unlock()
		if err != nil {
			// Hung up underneath us; keep draining so Write
			// never wedges, the worker will stop us shortly.
			logrus.WithFields(logrus.Fields{
				"function": "ChannelWriter.handle",
				"channel":  w.ch.Name(),
			}).Debug("dropping frame for hung-up channel")
		}

	case writeHangup:
		w.ch.Hangup()

	case writeRetarget:
		old := w.ch
		w.ch = req.newCh.Ref()
		old.Unref()
		logrus.WithFields(logrus.Fields{
			"function": "ChannelWriter.handle",
			"old":      old.Name(),
			"new":      w.ch.Name(),
		}).Debug("writer retargeted")
	}
}
