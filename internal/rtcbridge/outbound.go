package rtcbridge

import (
	"time"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// FrameWriter is the RTC pipeline's intake for outbound frames.
type FrameWriter interface {
	WriteFrame(frame *Frame) error
}

// Sink converts RTMP messages back into RTC frames: AVCC video to
// Annex-B, AAC audio to Opus. It implements router.Sink, so an RTC
// subscriber is just another subscription on the media source.
//
// Frame pacing on this direction is intentionally absent; frames go out
// as messages arrive and the RTC transport's own jitter handling deals
// with the rest.
type Sink struct {
	writer     FrameWriter
	transcoder AudioTranscoder

	stopKeyframes chan struct{}

	// onEnd tears down the subscription and the peer when the stream
	// ends, set by the API layer.
	onEnd func()
}

// SetOnEnd registers the teardown callback fired on stream end.
func (s *Sink) SetOnEnd(fn func()) {
	s.onEnd = fn
}

// NewSink creates an outbound sink writing to writer.
func NewSink(writer FrameWriter, transcoder AudioTranscoder) *Sink {
	return &Sink{
		writer:        writer,
		transcoder:    transcoder,
		stopKeyframes: make(chan struct{}),
	}
}

// Deliver converts one RTMP message into zero or more RTC frames.
func (s *Sink) Deliver(msg *chunk.Message) {
	payload := msg.Bytes()

	switch msg.Header.MessageType {
	case chunk.TypeVideo:
		if len(payload) < 2 {
			return
		}
		var annexb []byte
		if payload[1] == 0 {
			// Sequence header: re-emit SPS/PPS as Annex-B so the decoder
			// reconfigures.
			spsSet, ppsSet := ParseAVCSequenceHeader(payload)
			for _, sps := range spsSet {
				annexb = append(annexb, 0x00, 0x00, 0x00, 0x01)
				annexb = append(annexb, sps...)
			}
			for _, pps := range ppsSet {
				annexb = append(annexb, 0x00, 0x00, 0x00, 0x01)
				annexb = append(annexb, pps...)
			}
		} else {
			annexb = AVCCToAnnexB(payload)
		}
		if len(annexb) == 0 {
			return
		}
		if err := s.writer.WriteFrame(&Frame{Kind: FrameVideo, NTPTimeMs: msg.Header.Timestamp, Payload: annexb}); err != nil {
			rtlog.Debugf("[RTC] Write video frame: %v", err)
		}
	case chunk.TypeAudio:
		if len(payload) < 2 || payload[1] == 0 {
			return // sequence header configures the transcoder side only
		}
		frames, err := s.transcoder.AACToOpus(payload[2:])
		if err != nil {
			rtlog.Debugf("[RTC] Audio transcode error: %v", err)
			return
		}
		for _, frame := range frames {
			if err := s.writer.WriteFrame(&Frame{Kind: FrameAudio, NTPTimeMs: msg.Header.Timestamp, Payload: frame}); err != nil {
				rtlog.Debugf("[RTC] Write audio frame: %v", err)
			}
		}
	}
}

// OnStreamEnd stops the keyframe request loop when the publisher goes
// away and runs the registered teardown.
func (s *Sink) OnStreamEnd() {
	s.StopKeyframeRequests()
	if s.onEnd != nil {
		s.onEnd()
	}
}

// StartKeyframeRequests periodically asks the source's publisher for a
// keyframe while this RTC subscriber is attached, so a freshly joined
// viewer does not wait a full GOP for a decodable picture.
func (s *Sink) StartKeyframeRequests(src *router.MediaSource, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				src.RequestKeyframe()
			case <-s.stopKeyframes:
				return
			}
		}
	}()
}

// StopKeyframeRequests cancels the keyframe request loop.
func (s *Sink) StopKeyframeRequests() {
	select {
	case <-s.stopKeyframes:
	default:
		close(s.stopKeyframes)
	}
}
