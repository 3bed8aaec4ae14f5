// Package chunk implements the RTMP chunk-stream codec: basic/message
// header encode-decode, fmt0-fmt3 header compression, per-chunk-stream
// reassembly state, and outbound chunk splitting.
package chunk

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/AgustinSRG/mia-rtmp-server/internal/bytechain"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

// Chunk format IDs (the two high bits of the basic header's first byte).
const (
	Fmt0 = 0
	Fmt1 = 1
	Fmt2 = 2
	Fmt3 = 3
)

// Well-known chunk stream IDs reserved for protocol, audio, video and
// invoke/data messages.
const (
	CSIDProtocol = 2
	CSIDInvoke   = 3
	CSIDAudio    = 4
	CSIDVideo    = 5
	CSIDData     = 6
)

// RTMP message type IDs.
const (
	TypeSetChunkSize     = 1
	TypeAbort            = 2
	TypeAcknowledgement  = 3
	TypeUserControl      = 4
	TypeWindowAckSize    = 5
	TypeSetPeerBandwidth = 6
	TypeAudio            = 8
	TypeVideo            = 9
	TypeFlexStream       = 15
	TypeData             = 18 // legacy alias of FlexStream for AMF0 data
	TypeFlexMessage      = 17
	TypeInvoke           = 20
	TypeMetadata         = 20 // highest accepted inbound message type
)

// DefaultChunkSize is the protocol's initial chunk size before either
// peer sends SetChunkSize.
const DefaultChunkSize = 128

// MinChunkSize and MaxChunkSize bound a negotiated SetChunkSize value.
const (
	MinChunkSize = 128
	MaxChunkSize = 65536
)

const extendedTimestampMarker = 0xFFFFFF

// Chunk-stream IDs below cachedStreamCount live in a fixed array
// instead of the dynamic map; low IDs carry nearly all traffic.
const cachedStreamCount = 16

// MessageHeader is the reassembled header of one RTMP message.
type MessageHeader struct {
	MessageType   byte
	PayloadLength uint32
	Timestamp     int64
	StreamID      uint32
	PreferChunkID uint32
}

// Message is a fully reassembled RTMP message: a header plus its
// payload chain.
type Message struct {
	Header  MessageHeader
	Payload *bytechain.Chain
}

// Bytes returns the message payload flattened into one contiguous slice.
func (m *Message) Bytes() []byte {
	return m.Payload.Flatten()
}

// streamState is the per-(direction, chunk-id) decode state of one
// chunk stream.
type streamState struct {
	seenFirstChunk     bool
	lastHeader         MessageHeader
	lastTimestampDelta int64
	extendedTSUsed     bool
	partial            *Message
	received           uint32
	msgCount           uint64
}

// Assembler reassembles inbound chunks into complete messages for one
// RTMP connection's receive direction. It also tracks the negotiated
// chunk size and the window-acknowledgement bookkeeping owned by the
// chunk-stream layer.
type Assembler struct {
	cached  [cachedStreamCount]*streamState
	dynamic map[uint32]*streamState

	chunkSize uint32

	ackWindow   uint32
	ackReceived uint32
	ackLast     uint32
}

// NewAssembler creates an Assembler with the protocol's default chunk
// size.
func NewAssembler() *Assembler {
	return &Assembler{
		dynamic:   make(map[uint32]*streamState),
		chunkSize: DefaultChunkSize,
	}
}

func (a *Assembler) stateFor(cid uint32) *streamState {
	if cid < cachedStreamCount {
		if a.cached[cid] == nil {
			a.cached[cid] = &streamState{}
		}
		return a.cached[cid]
	}
	s, ok := a.dynamic[cid]
	if !ok {
		s = &streamState{}
		a.dynamic[cid] = s
	}
	return s
}

// SetChunkSize updates the inbound chunk size. The change must not
// affect a message that is already partially assembled; callers apply a
// SetChunkSize control message only at a message boundary, so no stream
// has a partial message spanning a chunk-size change.
func (a *Assembler) SetChunkSize(n uint32) error {
	if n < MinChunkSize || n > MaxChunkSize {
		return fmt.Errorf("chunk: invalid chunk size %d: %w", n, rtmperr.ErrWireProtocol)
	}
	a.chunkSize = n
	return nil
}

// ChunkSize returns the currently negotiated inbound chunk size.
func (a *Assembler) ChunkSize() uint32 {
	return a.chunkSize
}

// Assembling reports whether any chunk stream holds a partially
// reassembled message. A SetChunkSize received while a message is in
// flight is deferred until this returns false, so the in-progress
// message finishes under the chunk size it started with.
func (a *Assembler) Assembling() bool {
	for _, s := range a.cached {
		if s != nil && s.partial != nil {
			return true
		}
	}
	for _, s := range a.dynamic {
		if s.partial != nil {
			return true
		}
	}
	return false
}

// readBasicHeader reads the 1-3 byte basic header, returning fmt and cid.
func readBasicHeader(r *bufio.Reader) (fmtID byte, cid uint32, err error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	fmtID = b0 >> 6
	switch b0 & 0x3f {
	case 0:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		cid = 64 + uint32(b1)
	case 1:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		b2, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		cid = 64 + uint32(b1) + uint32(b2)<<8
	default:
		cid = uint32(b0 & 0x3f)
	}
	return fmtID, cid, nil
}

func read24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// ReadChunk reads and processes exactly one chunk from r. It returns a
// non-nil Message when that chunk completes a message, and the number of
// bytes consumed (for window-ack bookkeeping by the caller).
func (a *Assembler) ReadChunk(r *bufio.Reader) (msg *Message, bytesRead uint32, err error) {
	fmtID, cid, err := readBasicHeader(r)
	if err != nil {
		return nil, 0, err
	}
	bytesRead = 1
	if cid >= 64+256 {
		bytesRead = 3
	} else if cid >= 64 {
		bytesRead = 2
	}

	state := a.stateFor(cid)

	if !state.seenFirstChunk {
		if fmtID == Fmt2 || fmtID == Fmt3 {
			return nil, bytesRead, fmt.Errorf("chunk: first chunk on stream %d used fmt %d: %w", cid, fmtID, rtmperr.ErrWireProtocol)
		}
		state.seenFirstChunk = true
	}
	if fmtID == Fmt0 && state.partial != nil {
		return nil, bytesRead, fmt.Errorf("chunk: fmt0 on stream %d with a message already in progress: %w", cid, rtmperr.ErrWireProtocol)
	}

	header := state.lastHeader
	startingNewMessage := state.partial == nil
	var tsField uint32
	haveTSField := fmtID != Fmt3

	switch fmtID {
	case Fmt0:
		buf := make([]byte, 11)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, bytesRead, err
		}
		bytesRead += 11
		tsField = read24(buf[0:3])
		header.PayloadLength = read24(buf[3:6])
		header.MessageType = buf[6]
		header.StreamID = binary.LittleEndian.Uint32(buf[7:11])
	case Fmt1:
		buf := make([]byte, 7)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, bytesRead, err
		}
		bytesRead += 7
		tsField = read24(buf[0:3])
		header.PayloadLength = read24(buf[3:6])
		header.MessageType = buf[6]
	case Fmt2:
		buf := make([]byte, 3)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, bytesRead, err
		}
		bytesRead += 3
		tsField = read24(buf[0:3])
	case Fmt3:
		// No header fields: stream-id, length, type and timestamp delta
		// are all reused from the prior chunk on this stream.
	}

	// Whether extended-timestamp bytes follow: determined by this
	// chunk's own 3-byte field when present, or inherited from the
	// message currently being assembled (fmt-3 continuation) or from
	// the last chunk on the stream (fmt-3 starting a new message).
	usesExtended := state.extendedTSUsed
	if haveTSField {
		usesExtended = tsField == extendedTimestampMarker
	}

	var delta int64
	if usesExtended {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, bytesRead, err
		}
		bytesRead += 4
		delta = int64(binary.BigEndian.Uint32(buf))
	} else if haveTSField {
		delta = int64(tsField)
	} else if startingNewMessage {
		// fmt-3 opening a fresh message with no header fields at all:
		// the timestamp advances by the same delta as the prior message
		// on this chunk stream (common for constant-interval audio).
		delta = state.lastTimestampDelta
	}

	switch fmtID {
	case Fmt0:
		header.Timestamp = delta
	case Fmt1, Fmt2:
		header.Timestamp += delta
	case Fmt3:
		if startingNewMessage {
			header.Timestamp += delta
		}
		// else: continuation chunk, timestamp belongs to the message
		// already in progress and does not change.
	}
	if fmtID != Fmt3 || startingNewMessage {
		state.lastTimestampDelta = delta
	}
	state.extendedTSUsed = usesExtended

	if startingNewMessage {
		state.partial = &Message{
			Header:  header,
			Payload: bytechain.New(nil),
		}
		state.received = 0
	}
	state.lastHeader = header

	remaining := header.PayloadLength - state.received
	toRead := a.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > 0 {
		buf := make([]byte, toRead)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, bytesRead, err
		}
		bytesRead += toRead
		state.partial.Payload.Append(buf)
		state.received += toRead
	}

	if state.received >= header.PayloadLength {
		complete := state.partial
		complete.Header = header
		state.partial = nil
		state.msgCount++
		return complete, bytesRead, nil
	}

	return nil, bytesRead, nil
}

// writeBasicHeader appends the 1-3 byte basic header for fmtID/cid to out.
func writeBasicHeader(out []byte, fmtID byte, cid uint32) []byte {
	switch {
	case cid >= 64+255:
		rel := cid - 64
		return append(out, byte(fmtID<<6)|1, byte(rel&0xff), byte((rel>>8)&0xff))
	case cid >= 64:
		return append(out, byte(fmtID<<6), byte((cid-64)&0xff))
	default:
		return append(out, byte(fmtID<<6)|byte(cid))
	}
}

// Encode splits msg into wire chunks on chunk stream cid, fragmenting
// the payload at chunkSize bytes with fmt0 on the first chunk and fmt3
// continuation chunks after it.
func Encode(msg *Message, cid uint32, chunkSize uint32) []byte {
	payload := msg.Bytes()
	useExtended := msg.Header.Timestamp >= extendedTimestampMarker

	header := writeBasicHeader(nil, Fmt0, cid)
	var ts uint32
	if useExtended {
		ts = extendedTimestampMarker
	} else {
		ts = uint32(msg.Header.Timestamp)
	}
	tsBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(tsBuf, ts)
	header = append(header, tsBuf[1:]...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, msg.Header.PayloadLength)
	header = append(header, lenBuf[1:]...)
	header = append(header, msg.Header.MessageType)

	sidBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sidBuf, msg.Header.StreamID)
	header = append(header, sidBuf...)

	if useExtended {
		extBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(extBuf, uint32(msg.Header.Timestamp))
		header = append(header, extBuf...)
	}

	continuation := writeBasicHeader(nil, Fmt3, cid)
	if useExtended {
		extBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(extBuf, uint32(msg.Header.Timestamp))
		continuation = append(continuation, extBuf...)
	}

	out := make([]byte, 0, len(header)+len(payload)+(len(payload)/int(chunkSize)+1)*len(continuation))
	out = append(out, header...)

	remaining := payload
	for len(remaining) > 0 {
		n := int(chunkSize)
		if n > len(remaining) {
			n = len(remaining)
		}
		out = append(out, remaining[:n]...)
		remaining = remaining[n:]
		if len(remaining) > 0 {
			out = append(out, continuation...)
		}
	}

	return out
}

// SetAckWindow configures the acknowledgement window: the number of
// received bytes between Acknowledgement messages.
func (a *Assembler) SetAckWindow(n uint32) {
	a.ackWindow = n
}

// TrackAck folds n newly-received bytes into the running acknowledgement
// counter, wrapping at 0xF0000000, and reports whether an
// Acknowledgement message is now due (received-since-last-ack has
// exceeded half the window).
func (a *Assembler) TrackAck(n uint32) (shouldAck bool, ackValue uint32) {
	a.ackReceived += n
	if a.ackReceived >= 0xF0000000 {
		a.ackReceived = 0
		a.ackLast = 0
	}
	if a.ackWindow > 0 && a.ackReceived-a.ackLast >= a.ackWindow/2 {
		a.ackLast = a.ackReceived
		return true, a.ackReceived
	}
	return false, 0
}
