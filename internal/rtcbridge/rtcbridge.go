// Package rtcbridge converts between the WebRTC pipeline's frame world
// (H.264 Annex-B video, Opus RTP audio) and RTMP messages (AVCC video,
// AAC audio), in both directions.
//
// The DTLS/ICE/SRTP transport itself stays outside this module; only
// its Frame output interface matters here. Inbound Opus payloads are
// depacketized with pion/rtp; the Opus<->AAC codec work is delegated to
// an AudioTranscoder the caller supplies.
package rtcbridge

import (
	"bytes"

	"github.com/pion/rtp"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// Frame kinds the WebRTC pipeline tags its output with.
const (
	FrameAudio = 0
	FrameVideo = 1
)

// Frame is one unit of media handed over by the WebRTC pipeline. Video
// payloads are H.264 Annex-B; audio payloads are complete Opus RTP
// packets. NTPTimeMs is the wall-clock-aligned timestamp, zero or
// negative until the first sender report arrives.
type Frame struct {
	Kind      int
	NTPTimeMs int64
	Payload   []byte
}

// AudioTranscoder is the Opus<->AAC codec wrapper (44.1 kHz, 16-bit,
// stereo, 48 kbps). Each direction may buffer internally and return
// zero or more complete frames per call.
type AudioTranscoder interface {
	OpusToAAC(opus []byte) ([][]byte, error)
	AACToOpus(aac []byte) ([][]byte, error)
}

// AAC sequence header payload for the transcoder's fixed output format:
// AudioSpecificConfig for AAC-LC, 44.1 kHz, stereo.
var aacSequenceHeader = []byte{0xAF, 0x00, 0x12, 0x10}

// Bridge converts an inbound RTC frame stream into RTMP messages and
// publishes them. It is driven from the RTC pipeline's goroutine.
type Bridge struct {
	publisher  *router.Publisher
	transcoder AudioTranscoder

	sps []byte
	pps []byte

	videoSHSent bool
	audioSHSent bool

	lastAudioTS int64
}

// NewBridge creates an inbound bridge feeding pub.
func NewBridge(pub *router.Publisher, transcoder AudioTranscoder) *Bridge {
	return &Bridge{publisher: pub, transcoder: transcoder, lastAudioTS: -1}
}

// OnFrame consumes one frame from the RTC pipeline. Frames without a
// valid NTP timestamp are dropped (the sender report has not arrived
// yet, so they cannot be placed on the RTMP clock).
func (b *Bridge) OnFrame(frame *Frame) {
	if frame.NTPTimeMs <= 0 {
		return
	}
	switch frame.Kind {
	case FrameVideo:
		b.onVideoFrame(frame.NTPTimeMs, frame.Payload)
	case FrameAudio:
		b.onAudioFrame(frame.NTPTimeMs, frame.Payload)
	}
}

func (b *Bridge) publish(messageType byte, timestamp int64, payload []byte) {
	var cid uint32 = chunk.CSIDVideo
	if messageType == chunk.TypeAudio {
		cid = chunk.CSIDAudio
	}
	b.publisher.Publish(&chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   messageType,
			PayloadLength: uint32(len(payload)),
			Timestamp:     timestamp,
			PreferChunkID: cid,
		},
		Payload: bytechain.New(payload),
	})
}

// onVideoFrame scans the Annex-B payload, keeps the SPS/PPS cache
// current and emits the sequence header on the first keyframe, then the
// frame itself as AVCC.
func (b *Bridge) onVideoFrame(ntpMs int64, annexb []byte) {
	nalus := SplitAnnexB(annexb)
	if len(nalus) == 0 {
		return
	}

	keyframe := false
	frameNALUs := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		switch naluType(nalu) {
		case naluTypeSPS:
			if !bytes.Equal(b.sps, nalu) {
				b.sps = append([]byte(nil), nalu...)
				b.videoSHSent = false
			}
		case naluTypePPS:
			// A PPS-only frame reuses the cached SPS.
			if !bytes.Equal(b.pps, nalu) {
				b.pps = append([]byte(nil), nalu...)
				b.videoSHSent = false
			}
		case naluTypeAUD:
			// Access unit delimiters carry nothing downstream.
		case naluTypeIDR:
			keyframe = true
			frameNALUs = append(frameNALUs, nalu)
		default:
			frameNALUs = append(frameNALUs, nalu)
		}
	}

	if keyframe && !b.videoSHSent && b.sps != nil && b.pps != nil {
		b.publish(chunk.TypeVideo, ntpMs, BuildAVCSequenceHeader(b.sps, b.pps))
		b.videoSHSent = true
	}
	if len(frameNALUs) == 0 {
		return
	}
	if !b.videoSHSent {
		// No decoder configuration yet; nothing downstream could decode
		// this frame.
		return
	}

	b.publish(chunk.TypeVideo, ntpMs, BuildAVCCFrame(keyframe, frameNALUs))
}

// onAudioFrame depacketizes the Opus RTP payload, transcodes to AAC and
// emits the sequence header on the first frame.
func (b *Bridge) onAudioFrame(ntpMs int64, packet []byte) {
	var p rtp.Packet
	if err := p.Unmarshal(packet); err != nil {
		rtlog.Debugf("[RTC] Dropping malformed audio RTP packet: %v", err)
		return
	}

	if b.lastAudioTS >= 0 && ntpMs < b.lastAudioTS {
		rtlog.Warningf("[RTC] Out-of-order audio timestamp %d after %d on '%s'", ntpMs, b.lastAudioTS, b.publisher.StreamURL())
	}
	b.lastAudioTS = ntpMs

	frames, err := b.transcoder.OpusToAAC(p.Payload)
	if err != nil {
		rtlog.Debugf("[RTC] Audio transcode error: %v", err)
		return
	}

	for _, frame := range frames {
		if !b.audioSHSent {
			b.publish(chunk.TypeAudio, ntpMs, aacSequenceHeader)
			b.audioSHSent = true
		}
		payload := make([]byte, 0, 2+len(frame))
		payload = append(payload, 0xAF, 0x01)
		payload = append(payload, frame...)
		b.publish(chunk.TypeAudio, ntpMs, payload)
	}
}

// Close releases the bridge's publisher slot.
func (b *Bridge) Close() {
	b.publisher.Unpublish()
}
