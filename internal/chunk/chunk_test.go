package chunk

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
)

func roundTrip(t *testing.T, chunkSize uint32, payloadLen int) {
	t.Helper()

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	msg := &Message{
		Header: MessageHeader{
			MessageType:   TypeVideo,
			PayloadLength: uint32(payloadLen),
			Timestamp:     12345,
			StreamID:      1,
		},
		Payload: bytechain.New(payload),
	}

	wire := Encode(msg, CSIDVideo, chunkSize)

	a := NewAssembler()
	if err := a.SetChunkSize(chunkSize); err != nil {
		t.Fatalf("SetChunkSize(%d): %v", chunkSize, err)
	}

	r := bufio.NewReader(bytes.NewReader(wire))
	var got *Message
	for got == nil {
		msg, _, err := a.ReadChunk(r)
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if msg != nil {
			got = msg
		}
	}

	if got.Header.MessageType != TypeVideo {
		t.Fatalf("MessageType = %d, want %d", got.Header.MessageType, TypeVideo)
	}
	if got.Header.StreamID != 1 {
		t.Fatalf("StreamID = %d, want 1", got.Header.StreamID)
	}
	if got.Header.Timestamp != 12345 {
		t.Fatalf("Timestamp = %d, want 12345", got.Header.Timestamp)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d bytes", len(got.Bytes()), len(payload))
	}
}

func TestEncodeReadChunkRoundTrip(t *testing.T) {
	sizes := []uint32{128, 512, 4096, 65536}
	lengths := []int{0, 1, 127, 128, 129, 1000, 5000, 70000}

	for _, size := range sizes {
		for _, length := range lengths {
			t.Run("", func(t *testing.T) {
				roundTrip(t, size, length)
			})
		}
	}
}

func TestReadChunkRejectsFmt3BeforeFirstChunk(t *testing.T) {
	a := NewAssembler()
	wire := writeBasicHeader(nil, Fmt3, CSIDVideo)
	r := bufio.NewReader(bytes.NewReader(wire))

	_, _, err := a.ReadChunk(r)
	if err == nil {
		t.Fatal("expected error for fmt3 as first chunk on a stream")
	}
}

func TestReadChunkRejectsFmt0MidMessage(t *testing.T) {
	msg := &Message{
		Header: MessageHeader{
			MessageType:   TypeVideo,
			PayloadLength: 1000,
			Timestamp:     1,
			StreamID:      1,
		},
		Payload: bytechain.New(make([]byte, 1000)),
	}
	wire := Encode(msg, CSIDVideo, 128)

	// Splice in a second fmt0 header right after the first chunk, instead
	// of the fmt3 continuation the encoder would have written.
	a := NewAssembler()
	if err := a.SetChunkSize(128); err != nil {
		t.Fatal(err)
	}
	firstChunkLen := len(writeBasicHeader(nil, Fmt0, CSIDVideo)) + 11 + 128
	bogus := append(append([]byte{}, wire[:firstChunkLen]...), wire[:firstChunkLen]...)

	r := bufio.NewReader(bytes.NewReader(bogus))
	if _, _, err := a.ReadChunk(r); err != nil {
		t.Fatalf("first ReadChunk: %v", err)
	}
	if _, _, err := a.ReadChunk(r); err == nil {
		t.Fatal("expected error for fmt0 while a message is in progress")
	}
}

func TestTrackAckWraparound(t *testing.T) {
	a := NewAssembler()
	a.SetAckWindow(1000)

	a.ackReceived = 0xF0000000 - 10
	shouldAck, _ := a.TrackAck(20)
	if a.ackReceived != 0 {
		t.Fatalf("ackReceived after wraparound = %d, want 0", a.ackReceived)
	}
	_ = shouldAck
}

func TestSetChunkSizeBounds(t *testing.T) {
	a := NewAssembler()
	if err := a.SetChunkSize(64); err == nil {
		t.Fatal("expected error for chunk size below minimum")
	}
	if err := a.SetChunkSize(100000); err == nil {
		t.Fatal("expected error for chunk size above maximum")
	}
	if err := a.SetChunkSize(4096); err != nil {
		t.Fatalf("SetChunkSize(4096): %v", err)
	}
	if a.ChunkSize() != 4096 {
		t.Fatalf("ChunkSize() = %d, want 4096", a.ChunkSize())
	}
}
