package router

import (
	"sync"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
)

func payloadChain(payload []byte) *bytechain.Chain {
	return bytechain.New(payload)
}

// Sink is the delivery end of a subscription: an RTMP player
// connection, an HTTP-FLV response, an FLV recorder or an RTC bridge.
// Deliver runs on the subscriber's drain goroutine; the message payload
// is shared with other subscribers and must be treated as read-only.
type Sink interface {
	Deliver(msg *chunk.Message)
	// OnStreamEnd is called when the publisher goes away. The default
	// policy terminates the sink's connection.
	OnStreamEnd()
}

// Subscriber is one attached sink plus the outbound queue that decouples
// the publisher's broadcast from the sink's drain speed.
type Subscriber struct {
	source *MediaSource
	sink   Sink

	mu   sync.Mutex
	cond *sync.Cond

	queue []*chunk.Message
	limit int

	// droppingVideo is set when the queue saturated on video; video
	// messages are discarded until the next keyframe.
	droppingVideo bool

	paused       bool
	receiveAudio bool
	receiveVideo bool

	jitter *jitterCorrecter

	closed bool
	ended  bool
}

func newSubscriber(src *MediaSource, sink Sink, limit int, jitterAlgo int) *Subscriber {
	sub := &Subscriber{
		source:       src,
		sink:         sink,
		limit:        limit,
		receiveAudio: true,
		receiveVideo: true,
		jitter:       newJitterCorrecter(jitterAlgo),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.drain()
	return sub
}

// StreamURL returns the subscribed stream's registry key.
func (s *Subscriber) StreamURL() string {
	return s.source.streamURL
}

// enqueue adds a broadcast message to the outbound queue, applying the
// overflow drop policy: oldest droppable messages go first, and if the
// queue is saturated with undroppable video the subscriber skips ahead
// to the next keyframe boundary.
func (s *Subscriber) enqueue(msg *chunk.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.droppingVideo && msg.Header.MessageType == chunk.TypeVideo {
		if IsVideoKeyframe(msg.Bytes()) {
			s.droppingVideo = false
		} else {
			return
		}
	}

	if len(s.queue) >= s.limit {
		dropped := false
		for i, queued := range s.queue {
			if isDroppable(queued) {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Nothing droppable queued; skip ahead to the next keyframe
			// boundary.
			s.queue = s.queue[:0]
			s.droppingVideo = true
			if msg.Header.MessageType == chunk.TypeVideo {
				if !IsVideoKeyframe(msg.Bytes()) {
					return
				}
				s.droppingVideo = false
			}
		}
	}

	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

// drain pops queued messages and hands them to the sink, applying the
// pause and receive-audio/video filters and the jitter correction.
func (s *Subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && !s.ended {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 && s.ended {
			s.mu.Unlock()
			s.sink.OnStreamEnd()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		paused := s.paused
		recvAudio := s.receiveAudio
		recvVideo := s.receiveVideo
		s.mu.Unlock()

		if paused && (msg.Header.MessageType == chunk.TypeAudio || msg.Header.MessageType == chunk.TypeVideo) {
			continue
		}
		if msg.Header.MessageType == chunk.TypeAudio && !recvAudio {
			continue
		}
		if msg.Header.MessageType == chunk.TypeVideo && !recvVideo {
			continue
		}

		// The payload is shared with every other subscriber; only the
		// header is private to this delivery.
		out := &chunk.Message{
			Header:  msg.Header,
			Payload: msg.Payload.Duplicate(),
		}
		out.Header.Timestamp = s.jitter.correct(msg.Header.Timestamp)

		s.sink.Deliver(out)
	}
}

// SetPaused pauses or resumes media delivery. Resuming re-primes the
// sink with the current sequence headers so the decoder can restart.
func (s *Subscriber) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()

	if !paused {
		src := s.source
		src.mu.Lock()
		audioSH := src.audioSH
		videoSH := src.videoSH
		src.mu.Unlock()

		if audioSH != nil {
			s.enqueue(audioSH)
		}
		if videoSH != nil {
			s.enqueue(videoSH)
		}
	}
}

// SetReceiveAudio toggles audio delivery.
func (s *Subscriber) SetReceiveAudio(v bool) {
	s.mu.Lock()
	s.receiveAudio = v
	s.mu.Unlock()
}

// SetReceiveVideo toggles video delivery.
func (s *Subscriber) SetReceiveVideo(v bool) {
	s.mu.Lock()
	s.receiveVideo = v
	s.mu.Unlock()
}

// QueueFull reports whether the queue is at its high watermark, the
// "buffer-full" condition upstream producers observe.
func (s *Subscriber) QueueFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) >= s.limit
}

// onPublisherGone marks the stream ended; the drain goroutine delivers
// the remaining backlog, then fires the sink's OnStreamEnd.
func (s *Subscriber) onPublisherGone() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Close detaches the subscriber from its source and stops the drain
// goroutine. Queued messages are discarded.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Signal()

	s.source.detachSubscriber(s)
}
