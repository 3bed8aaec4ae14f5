package flv

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
)

func TestHeader(t *testing.T) {
	h := Header(true, true)
	if !bytes.Equal(h[:5], []byte{'F', 'L', 'V', 0x01, 0x05}) {
		t.Fatalf("header prefix = % x", h[:5])
	}
	if binary.BigEndian.Uint32(h[5:9]) != 9 {
		t.Fatal("header length field should be 9")
	}
	if binary.BigEndian.Uint32(h[9:13]) != 0 {
		t.Fatal("first previous-tag-size should be 0")
	}

	audioOnly := Header(true, false)
	if audioOnly[4] != 0x04 {
		t.Fatalf("audio-only flags = %#x, want 0x04", audioOnly[4])
	}
}

func TestTagLayout(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	msg := &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   chunk.TypeVideo,
			PayloadLength: uint32(len(payload)),
			Timestamp:     0x01020304,
		},
		Payload: bytechain.New(payload),
	}

	tag := Tag(msg)

	if tag[0] != TagVideo {
		t.Fatalf("tag type = %d, want %d", tag[0], TagVideo)
	}
	if tag[1] != 0 || tag[2] != 0 || tag[3] != 3 {
		t.Fatalf("data size bytes = % x, want 00 00 03", tag[1:4])
	}
	// Timestamp: lower 24 bits big-endian, extended byte at offset 7.
	if tag[4] != 0x02 || tag[5] != 0x03 || tag[6] != 0x04 || tag[7] != 0x01 {
		t.Fatalf("timestamp bytes = % x, want 02 03 04 01", tag[4:8])
	}
	if !bytes.Equal(tag[11:14], payload) {
		t.Fatal("payload not copied")
	}
	if got := binary.BigEndian.Uint32(tag[14:18]); got != 14 {
		t.Fatalf("previous tag size = %d, want 14", got)
	}
	if len(tag) != 18 {
		t.Fatalf("tag length = %d, want 18", len(tag))
	}
}
