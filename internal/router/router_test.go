package router

import (
	"testing"
	"time"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

// chanSink collects delivered messages on a channel so tests can wait
// for the subscriber's drain goroutine.
type chanSink struct {
	delivered chan *chunk.Message
	ended     chan struct{}
}

func newChanSink() *chanSink {
	return &chanSink{
		delivered: make(chan *chunk.Message, 64),
		ended:     make(chan struct{}),
	}
}

func (s *chanSink) Deliver(msg *chunk.Message) {
	s.delivered <- msg
}

func (s *chanSink) OnStreamEnd() {
	close(s.ended)
}

func (s *chanSink) next(t *testing.T) *chunk.Message {
	t.Helper()
	select {
	case msg := <-s.delivered:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func mediaMessage(messageType byte, timestamp int64, payload []byte) *chunk.Message {
	return &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   messageType,
			PayloadLength: uint32(len(payload)),
			Timestamp:     timestamp,
		},
		Payload: bytechain.New(payload),
	}
}

var (
	audioSHPayload  = []byte{0xAF, 0x00, 0x12, 0x10}
	videoSHPayload  = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1F}
	keyframePayload = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAA}
	interPayload    = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xBB}
	audioPayload    = []byte{0xAF, 0x01, 0xCC}
)

func TestDoublePublishRejected(t *testing.T) {
	r := NewRegistry(Options{})

	pub, err := r.Publish("vh/live/stream")
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}

	if _, err := r.Publish("vh/live/stream"); !rtmperr.Is(err, rtmperr.ErrResourceConflict) {
		t.Fatalf("second publish error = %v, want resource conflict", err)
	}

	pub.Unpublish()
	if _, err := r.Publish("vh/live/stream"); err != nil {
		t.Fatalf("publish after unpublish: %v", err)
	}
}

func TestLateSubscriberPrimedInOrder(t *testing.T) {
	r := NewRegistry(Options{})

	pub, err := r.Publish("live/stream")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub.SetMetaData([]byte{0x02, 0x00, 0x01, 'm'}, 0)
	pub.Publish(mediaMessage(chunk.TypeAudio, 0, audioSHPayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 0, videoSHPayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 40, keyframePayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 80, interPayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 120, interPayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 160, interPayload))

	sink := newChanSink()
	if _, err := r.Subscribe("live/stream", sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Priming order: metadata, audio sequence header, video sequence
	// header, then the GOP oldest first.
	if msg := sink.next(t); msg.Header.MessageType != chunk.TypeData {
		t.Fatalf("primed message 0 type = %d, want metadata", msg.Header.MessageType)
	}
	if msg := sink.next(t); !IsAudioSequenceHeader(msg.Bytes()) {
		t.Fatal("primed message 1 is not the audio sequence header")
	}
	if msg := sink.next(t); !IsVideoSequenceHeader(msg.Bytes()) {
		t.Fatal("primed message 2 is not the video sequence header")
	}
	if msg := sink.next(t); !IsVideoKeyframe(msg.Bytes()) || msg.Header.Timestamp != 40 {
		t.Fatalf("primed message 3 should be the keyframe at ts 40, got ts %d", msg.Header.Timestamp)
	}
	for i, want := range []int64{80, 120, 160} {
		if msg := sink.next(t); msg.Header.Timestamp != want {
			t.Fatalf("primed GOP message %d timestamp = %d, want %d", i, msg.Header.Timestamp, want)
		}
	}

	// Live messages follow in broadcast order.
	pub.Publish(mediaMessage(chunk.TypeAudio, 200, audioPayload))
	if msg := sink.next(t); msg.Header.MessageType != chunk.TypeAudio || msg.Header.Timestamp != 200 {
		t.Fatalf("live message type/ts = %d/%d", msg.Header.MessageType, msg.Header.Timestamp)
	}
}

func TestKeyframeResetsGopCache(t *testing.T) {
	r := NewRegistry(Options{})

	pub, err := r.Publish("live/stream")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub.Publish(mediaMessage(chunk.TypeVideo, 0, videoSHPayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 40, keyframePayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 80, interPayload))
	// A new keyframe starts a fresh GOP.
	pub.Publish(mediaMessage(chunk.TypeVideo, 120, keyframePayload))

	sink := newChanSink()
	if _, err := r.Subscribe("live/stream", sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if msg := sink.next(t); !IsVideoSequenceHeader(msg.Bytes()) {
		t.Fatal("first primed message is not the sequence header")
	}
	if msg := sink.next(t); msg.Header.Timestamp != 120 {
		t.Fatalf("GOP starts at ts %d, want 120 (older GOP should be dropped)", msg.Header.Timestamp)
	}
	select {
	case msg := <-sink.delivered:
		t.Fatalf("unexpected extra primed message at ts %d", msg.Header.Timestamp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSequenceHeaderReplacedNotCached(t *testing.T) {
	r := NewRegistry(Options{})

	pub, err := r.Publish("live/stream")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1F}
	second := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x28}
	pub.Publish(mediaMessage(chunk.TypeVideo, 0, first))
	pub.Publish(mediaMessage(chunk.TypeVideo, 40, keyframePayload))
	pub.Publish(mediaMessage(chunk.TypeVideo, 1000, second))

	sink := newChanSink()
	if _, err := r.Subscribe("live/stream", sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Most recent sequence header wins, and the GOP cache was reset by
	// its arrival.
	msg := sink.next(t)
	if got := msg.Bytes(); got[len(got)-1] != 0x28 {
		t.Fatalf("primed sequence header is not the most recent one")
	}
	select {
	case extra := <-sink.delivered:
		t.Fatalf("unexpected primed message at ts %d after header reset", extra.Header.Timestamp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublisherGoneNotifiesSubscribers(t *testing.T) {
	r := NewRegistry(Options{})

	pub, err := r.Publish("live/stream")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	sink := newChanSink()
	if _, err := r.Subscribe("live/stream", sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub.Unpublish()

	select {
	case <-sink.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStreamEnd not delivered after unpublish")
	}

	// The source persists while the subscriber is still attached.
	if src := r.Lookup("live/stream"); src == nil {
		t.Fatal("source should persist while the subscriber is attached")
	}
}

func TestJitterFullMonotonic(t *testing.T) {
	j := newJitterCorrecter(JitterFull)

	inputs := []int64{1000, 1040, 900, 5000, 5040}
	var outputs []int64
	for _, ts := range inputs {
		outputs = append(outputs, j.correct(ts))
	}

	for i := 1; i < len(outputs); i++ {
		if outputs[i] < outputs[i-1] {
			t.Fatalf("output %d (%d) decreased below %d", i, outputs[i], outputs[i-1])
		}
		if delta := outputs[i] - outputs[i-1]; delta > jitterMaxDelta {
			t.Fatalf("output gap %d exceeds max %d", delta, jitterMaxDelta)
		}
	}
}

func TestJitterZeroRebase(t *testing.T) {
	j := newJitterCorrecter(JitterZero)
	if got := j.correct(5000); got != 0 {
		t.Fatalf("first corrected ts = %d, want 0", got)
	}
	if got := j.correct(5040); got != 40 {
		t.Fatalf("second corrected ts = %d, want 40", got)
	}
}
