package rtcbridge

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
)

// chanSink captures what the bridge publishes through the router.
type chanSink struct {
	delivered chan *chunk.Message
}

func (s *chanSink) Deliver(msg *chunk.Message) { s.delivered <- msg }
func (s *chanSink) OnStreamEnd()               {}

func (s *chanSink) next(t *testing.T) *chunk.Message {
	t.Helper()
	select {
	case msg := <-s.delivered:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
		return nil
	}
}

func (s *chanSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.delivered:
		t.Fatalf("unexpected message type %d ts %d", msg.Header.MessageType, msg.Header.Timestamp)
	case <-time.After(100 * time.Millisecond):
	}
}

// passthroughTranscoder stands in for the Opus<->AAC codec wrapper.
type passthroughTranscoder struct{}

func (passthroughTranscoder) OpusToAAC(opus []byte) ([][]byte, error) { return [][]byte{opus}, nil }
func (passthroughTranscoder) AACToOpus(aac []byte) ([][]byte, error)  { return [][]byte{aac}, nil }

func newTestBridge(t *testing.T) (*Bridge, *chanSink) {
	t.Helper()
	r := router.NewRegistry(router.Options{})
	pub, err := r.Publish("rtc/live/stream")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	sink := &chanSink{delivered: make(chan *chunk.Message, 64)}
	if _, err := r.Subscribe("rtc/live/stream", sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return NewBridge(pub, passthroughTranscoder{}), sink
}

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1F, 0xAC, 0xD9, 0x40}
	testPPS = []byte{0x68, 0xEB, 0xE3, 0xCB}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xFF}
	testP   = []byte{0x41, 0x9A, 0x24, 0x6C}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestSplitAnnexB(t *testing.T) {
	// Mixed 4-byte and 3-byte start codes.
	data := append(annexB(testSPS), 0x00, 0x00, 0x01)
	data = append(data, testPPS...)

	nalus := SplitAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("got %d NALUs, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[0], testSPS) {
		t.Fatal("first NALU is not the SPS")
	}
	if !bytes.Equal(nalus[1], testPPS) {
		t.Fatal("second NALU is not the PPS")
	}
}

func TestKeyframePriming(t *testing.T) {
	bridge, sink := newTestBridge(t)

	// No sender report yet: dropped.
	bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: 0, Payload: annexB(testIDR)})
	bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: -1, Payload: annexB(testIDR)})
	sink.expectNone(t)

	// Inter frame before any SPS/PPS: nothing decodable downstream.
	bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: 120, Payload: annexB(testP)})
	sink.expectNone(t)

	// SPS+PPS+IDR: sequence header then keyframe, both at ts 160.
	bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: 160, Payload: annexB(testSPS, testPPS, testIDR)})

	sh := sink.next(t)
	payload := sh.Bytes()
	if payload[0] != 0x17 || payload[1] != 0x00 {
		t.Fatalf("expected sequence header, got % x", payload[:2])
	}
	if sh.Header.Timestamp != 160 {
		t.Fatalf("sequence header ts = %d, want 160", sh.Header.Timestamp)
	}

	kf := sink.next(t)
	payload = kf.Bytes()
	if payload[0] != 0x17 || payload[1] != 0x01 {
		t.Fatalf("expected keyframe AVCC, got % x", payload[:2])
	}
	if kf.Header.Timestamp != 160 {
		t.Fatalf("keyframe ts = %d, want 160", kf.Header.Timestamp)
	}

	// Inter frames follow as 0x27.
	for _, ts := range []int64{200, 240} {
		bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: ts, Payload: annexB(testP)})
		msg := sink.next(t)
		payload = msg.Bytes()
		if payload[0] != 0x27 || payload[1] != 0x01 {
			t.Fatalf("expected inter frame AVCC, got % x", payload[:2])
		}
		if msg.Header.Timestamp != ts {
			t.Fatalf("inter frame ts = %d, want %d", msg.Header.Timestamp, ts)
		}
	}
}

func TestNoSequenceHeaderWithoutSPS(t *testing.T) {
	bridge, sink := newTestBridge(t)

	// First NALU that is neither SPS nor PPS must not generate a
	// sequence header, even if it is an IDR.
	bridge.OnFrame(&Frame{Kind: FrameVideo, NTPTimeMs: 100, Payload: annexB(testIDR)})
	sink.expectNone(t)
}

func TestBuildAVCSequenceHeaderLayout(t *testing.T) {
	sh := BuildAVCSequenceHeader(testSPS, testPPS)

	want := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, testSPS[1], testSPS[2], testSPS[3], 0xFF, 0xE1}
	if !bytes.Equal(sh[:11], want) {
		t.Fatalf("sequence header prefix = % x, want % x", sh[:11], want)
	}

	spsSet, ppsSet := ParseAVCSequenceHeader(sh)
	if len(spsSet) != 1 || !bytes.Equal(spsSet[0], testSPS) {
		t.Fatal("SPS did not round-trip through the sequence header")
	}
	if len(ppsSet) != 1 || !bytes.Equal(ppsSet[0], testPPS) {
		t.Fatal("PPS did not round-trip through the sequence header")
	}
}

func TestAVCCAnnexBRoundTrip(t *testing.T) {
	frame := BuildAVCCFrame(true, [][]byte{testIDR, testP})
	annexb := AVCCToAnnexB(frame)

	nalus := SplitAnnexB(annexb)
	if len(nalus) != 2 {
		t.Fatalf("got %d NALUs, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[0], testIDR) || !bytes.Equal(nalus[1], testP) {
		t.Fatal("NALUs did not round-trip through AVCC")
	}
}

func TestAudioSequenceHeaderOnce(t *testing.T) {
	bridge, sink := newTestBridge(t)

	opus := []byte{0xF8, 0x01, 0x02, 0x03}
	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 1,
			Timestamp:      960,
			SSRC:           0x1234,
		},
		Payload: opus,
	}
	raw, err := packet.Marshal()
	if err != nil {
		t.Fatalf("marshal RTP: %v", err)
	}

	bridge.OnFrame(&Frame{Kind: FrameAudio, NTPTimeMs: 100, Payload: raw})

	sh := sink.next(t)
	if got := sh.Bytes(); !bytes.Equal(got, []byte{0xAF, 0x00, 0x12, 0x10}) {
		t.Fatalf("audio sequence header = % x", got)
	}

	first := sink.next(t)
	payload := first.Bytes()
	if payload[0] != 0xAF || payload[1] != 0x01 {
		t.Fatalf("audio frame prefix = % x", payload[:2])
	}
	if !bytes.Equal(payload[2:], opus) {
		t.Fatal("transcoded payload mismatch")
	}

	// Second frame: no second sequence header.
	packet.Header.SequenceNumber = 2
	raw, _ = packet.Marshal()
	bridge.OnFrame(&Frame{Kind: FrameAudio, NTPTimeMs: 120, Payload: raw})

	second := sink.next(t)
	payload = second.Bytes()
	if payload[1] != 0x01 {
		t.Fatalf("expected raw frame, got packet type %d", payload[1])
	}
}
