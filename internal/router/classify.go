package router

import (
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
)

// Audio sound formats and video codec IDs the cache logic keys on.
const (
	soundFormatAAC  = 10
	soundFormatOpus = 13

	videoCodecH264 = 7
	videoCodecHEVC = 12

	frameTypeKeyframe = 1
)

// IsAudioSequenceHeader reports whether an audio payload is an AAC (or
// Opus-tagged) sequence header: packet type byte zero after the
// format/rate/size/type byte.
func IsAudioSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	soundFormat := (payload[0] >> 4) & 0x0f
	return (soundFormat == soundFormatAAC || soundFormat == soundFormatOpus) && payload[1] == 0
}

// IsVideoSequenceHeader reports whether a video payload is an AVC/HEVC
// sequence header: keyframe frame type with packet type byte zero.
func IsVideoSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	frameType := (payload[0] >> 4) & 0x0f
	codecID := payload[0] & 0x0f
	return (codecID == videoCodecH264 || codecID == videoCodecHEVC) &&
		frameType == frameTypeKeyframe && payload[1] == 0
}

// IsVideoKeyframe reports whether a video payload carries a keyframe
// (sequence headers included).
func IsVideoKeyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	return (payload[0]>>4)&0x0f == frameTypeKeyframe
}

// isDroppable reports whether a queued message may be discarded ahead
// of newer ones when a subscriber cannot drain: audio and video messages
// other than video keyframes and sequence headers. Other message types
// are never dropped.
func isDroppable(msg *chunk.Message) bool {
	switch msg.Header.MessageType {
	case chunk.TypeVideo:
		payload := msg.Bytes()
		return !IsVideoKeyframe(payload)
	case chunk.TypeAudio:
		payload := msg.Bytes()
		return !IsAudioSequenceHeader(payload)
	default:
		return false
	}
}
