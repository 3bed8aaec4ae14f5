package command

import (
	"encoding/binary"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
)

// User control event types carried by TypeUserControl messages.
const (
	UCStreamBegin  = 0x00
	UCStreamEOF    = 0x01
	UCStreamDry    = 0x02
	UCSetBufferLen = 0x03
	UCStreamReady  = 0x20
	UCPingRequest  = 0x06
	UCPingResponse = 0x07
)

// Peer bandwidth limit types.
const (
	BandwidthHard    = 0
	BandwidthSoft    = 1
	BandwidthDynamic = 2
)

func controlMessage(messageType byte, payload []byte) *chunk.Message {
	return &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   messageType,
			PayloadLength: uint32(len(payload)),
			PreferChunkID: chunk.CSIDProtocol,
		},
		Payload: bytechain.New(payload),
	}
}

// AckMessage builds an Acknowledgement carrying the running byte count.
func AckMessage(sequence uint32) *chunk.Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, sequence)
	return controlMessage(chunk.TypeAcknowledgement, b)
}

// WindowAckMessage builds a Window Acknowledgement Size message.
func WindowAckMessage(size uint32) *chunk.Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, size)
	return controlMessage(chunk.TypeWindowAckSize, b)
}

// SetPeerBandwidthMessage builds a Set Peer Bandwidth message.
func SetPeerBandwidthMessage(size uint32, limitType byte) *chunk.Message {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b, size)
	b[4] = limitType
	return controlMessage(chunk.TypeSetPeerBandwidth, b)
}

// SetChunkSizeMessage builds a Set Chunk Size message.
func SetChunkSizeMessage(size uint32) *chunk.Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, size)
	return controlMessage(chunk.TypeSetChunkSize, b)
}

// StreamStatusMessage builds a user control message (StreamBegin,
// StreamEOF, ...) for the given stream.
func StreamStatusMessage(event uint16, streamID uint32) *chunk.Message {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], event)
	binary.BigEndian.PutUint32(b[2:6], streamID)
	return controlMessage(chunk.TypeUserControl, b)
}

// PingRequestMessage builds a UserControl PingRequest carrying the
// given timestamp.
func PingRequestMessage(timestamp uint32) *chunk.Message {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], UCPingRequest)
	binary.BigEndian.PutUint32(b[2:6], timestamp)
	return controlMessage(chunk.TypeUserControl, b)
}

// PingResponseMessage builds a UserControl PingResponse echoing the
// 4-byte timestamp from a PingRequest.
func PingResponseMessage(timestamp uint32) *chunk.Message {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], UCPingResponse)
	binary.BigEndian.PutUint32(b[2:6], timestamp)
	return controlMessage(chunk.TypeUserControl, b)
}

// InvokeMessage wraps an encoded command as an invoke message on the
// given stream.
func InvokeMessage(streamID uint32, cmd *Command) *chunk.Message {
	payload := cmd.Encode()
	return &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   chunk.TypeInvoke,
			PayloadLength: uint32(len(payload)),
			StreamID:      streamID,
			PreferChunkID: chunk.CSIDInvoke,
		},
		Payload: bytechain.New(payload),
	}
}

// DataMessage wraps an encoded data message on the given stream.
func DataMessage(streamID uint32, data *Data) *chunk.Message {
	payload := data.Encode()
	return &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   chunk.TypeData,
			PayloadLength: uint32(len(payload)),
			StreamID:      streamID,
			PreferChunkID: chunk.CSIDData,
		},
		Payload: bytechain.New(payload),
	}
}
