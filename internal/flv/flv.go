// Package flv serializes RTMP messages as FLV: the 9-byte file header
// and the repeating tag + previous-tag-size layout shared by the
// HTTP-FLV subscriber path and the FLV recorder. The extended
// timestamp byte lands at offset 7 of the tag header.
package flv

import (
	"encoding/binary"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
)

// FLV tag types.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

// Header returns the 13-byte stream preamble: the FLV file header plus
// the zero previous-tag-size that precedes the first tag. The hasAudio
// and hasVideo flags fill the type-flags byte.
func Header(hasAudio bool, hasVideo bool) []byte {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	return []byte{
		'F', 'L', 'V',
		0x01,                   // version
		flags,                  // type flags
		0x00, 0x00, 0x00, 0x09, // header length
		0x00, 0x00, 0x00, 0x00, // previous tag size 0
	}
}

// Tag serializes one RTMP message as an FLV tag followed by its
// previous-tag-size trailer. The message type maps directly onto the
// tag type (8 audio, 9 video, 18 script data).
func Tag(msg *chunk.Message) []byte {
	payload := msg.Bytes()
	tagSize := 11 + uint32(len(payload))
	b := make([]byte, tagSize+4)

	b[0] = msg.Header.MessageType

	var aux [4]byte
	binary.BigEndian.PutUint32(aux[:], uint32(len(payload)))
	b[1] = aux[1]
	b[2] = aux[2]
	b[3] = aux[3]

	ts := msg.Header.Timestamp
	b[4] = byte(ts>>16) & 0xff
	b[5] = byte(ts>>8) & 0xff
	b[6] = byte(ts) & 0xff
	b[7] = byte(ts>>24) & 0xff

	// Stream ID, always zero.
	b[8] = 0
	b[9] = 0
	b[10] = 0

	copy(b[11:], payload)

	binary.BigEndian.PutUint32(b[tagSize:], tagSize)

	return b
}
