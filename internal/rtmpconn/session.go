package rtmpconn

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/command"
	"github.com/AgustinSRG/mia-rtmp-server/internal/handshake"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// How long a redirected client gets to acknowledge with an _error call
// before the server disconnects unilaterally.
const redirectAckTimeout = 3 * time.Second

// Default write-buffer high watermark in bytes.
const defaultWriteHighWater = 4 * 1024 * 1024

// bitRateCache tracks the inbound byte rate of a session.
type bitRateCache struct {
	intervalMs int64
	lastUpdate int64
	bytes      uint64
}

// Session owns one accepted socket: the handshake, the chunk assembler,
// the command machine and the outbound write queue.
type Session struct {
	server *Server

	conn net.Conn

	id uint64
	ip string

	assembler *chunk.Assembler
	machine   *command.Machine
	writer    *writeQueue

	// pendingChunkSize holds a SetChunkSize received while a message
	// was mid-assembly; it is applied at the next message boundary.
	pendingChunkSize uint32

	mutex sync.Mutex

	publisher  *router.Publisher
	subscriber *router.Subscriber

	redirectTimer *time.Timer

	connectTime int64

	bitRate      uint64
	bitRateCache bitRateCache

	proxiedAddress []byte
}

// NewSession creates a session for an accepted socket.
func NewSession(server *Server, id uint64, ip string, c net.Conn) *Session {
	return &Session{
		server:    server,
		conn:      c,
		id:        id,
		ip:        ip,
		assembler: chunk.NewAssembler(),
		bitRateCache: bitRateCache{
			intervalMs: 1000,
		},
	}
}

// Send queues one outbound message, encoded at the announced chunk
// size. Implements command.Sender; also the delivery path for media.
func (s *Session) Send(msg *chunk.Message) {
	cid := msg.Header.PreferChunkID
	if cid == 0 {
		switch msg.Header.MessageType {
		case chunk.TypeAudio:
			cid = chunk.CSIDAudio
		case chunk.TypeVideo:
			cid = chunk.CSIDVideo
		case chunk.TypeData:
			cid = chunk.CSIDData
		case chunk.TypeInvoke:
			cid = chunk.CSIDInvoke
		default:
			cid = chunk.CSIDProtocol
		}
	}
	outChunkSize := command.DefaultOutChunkSize
	if s.machine != nil {
		outChunkSize = int(s.machine.OutChunkSize())
	}
	if s.writer != nil {
		s.writer.enqueue(chunk.Encode(msg, cid, uint32(outChunkSize)))
	}
}

// Kill closes the connection; the read loop unblocks with an error and
// the deferred teardown in HandleConnection runs.
func (s *Session) Kill() {
	s.conn.Close()
}

// SendPingRequest pings the peer with the session's relative clock.
func (s *Session) SendPingRequest() {
	if s.machine == nil || s.machine.State() == command.StateHandshakeDone {
		return
	}
	ts := time.Now().UnixMilli() - s.connectTime
	rtlog.DebugSession(s.id, s.ip, "Sending ping request")
	s.Send(command.PingRequestMessage(uint32(ts)))
}

// HandleSession performs the handshake and runs the chunk read loop
// until the connection drops.
func (s *Session) HandleSession() {
	r := bufio.NewReader(s.conn)

	if err := s.conn.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		return
	}

	// An optional proxy preamble carries the real client address ahead
	// of C0.
	proxied, err := handshake.StripProxyPreamble(r)
	if err != nil {
		rtlog.DebugSession(s.id, s.ip, "Could not read proxy preamble")
		return
	}
	if proxied != nil {
		s.proxiedAddress = proxied
		if ip := net.IP(proxied); len(proxied) == 4 || len(proxied) == 16 {
			s.ip = ip.String()
		}
	}

	version, err := r.ReadByte()
	if err != nil {
		return
	}
	if version != handshake.RTMPVersion {
		rtlog.DebugSession(s.id, s.ip, "Invalid protocol version received")
		return
	}

	clientSig := make([]byte, handshake.SigSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		return
	}
	if _, err := io.ReadFull(r, clientSig); err != nil {
		rtlog.DebugSession(s.id, s.ip, "Invalid handshake received")
		return
	}

	result, err := handshake.GenerateS0S1S2(clientSig)
	if err != nil {
		rtlog.DebugSession(s.id, s.ip, "Handshake failed: "+err.Error())
		return
	}
	if _, err := s.conn.Write(result.S0S1S2); err != nil {
		rtlog.DebugSession(s.id, s.ip, "Could not send handshake message")
		return
	}

	// C2 arrives next; its digest is not validated (interop).
	c2 := make([]byte, handshake.SigSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		return
	}
	if _, err := io.ReadFull(r, c2); err != nil {
		rtlog.DebugSession(s.id, s.ip, "Invalid handshake response received")
		return
	}

	s.connectTime = time.Now().UnixMilli()
	s.bitRateCache.lastUpdate = s.connectTime
	s.writer = newWriteQueue(s.conn, defaultWriteHighWater, func(err error) {
		rtlog.DebugSession(s.id, s.ip, "Write error: "+err.Error())
		s.Kill()
	})
	s.machine = command.NewMachine(s, s)

	for {
		if !s.ReadChunk(r) {
			return
		}
	}
}

// ReadChunk reads one chunk, dispatches a completed message and keeps
// the acknowledgement and bitrate counters. Returns false when the
// connection should close.
func (s *Session) ReadChunk(r *bufio.Reader) bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
		return false
	}

	msg, bytesRead, err := s.assembler.ReadChunk(r)
	if err != nil {
		rtlog.DebugSession(s.id, s.ip, "Could not read chunk: "+err.Error())
		return false
	}

	if msg != nil {
		if !s.HandleMessage(msg) {
			return false
		}
		// A chunk-size change received mid-message applies only now
		// that the message boundary has passed.
		if s.pendingChunkSize != 0 && !s.assembler.Assembling() {
			if err := s.assembler.SetChunkSize(s.pendingChunkSize); err != nil {
				rtlog.DebugSession(s.id, s.ip, "Invalid chunk size: "+err.Error())
				return false
			}
			s.pendingChunkSize = 0
		}
	}

	// ACK bookkeeping.
	if shouldAck, sequence := s.assembler.TrackAck(bytesRead); shouldAck {
		s.Send(command.AckMessage(sequence))
		rtlog.DebugSession(s.id, s.ip, "Sent ACK: "+strconv.Itoa(int(sequence)))
	}

	// Bitrate.
	now := time.Now().UnixMilli()
	s.bitRateCache.bytes += uint64(bytesRead)
	diff := now - s.bitRateCache.lastUpdate
	if diff >= s.bitRateCache.intervalMs {
		s.bitRate = uint64(math.Round(float64(s.bitRateCache.bytes) * 8 / float64(diff)))
		s.bitRateCache.bytes = 0
		s.bitRateCache.lastUpdate = now
		rtlog.DebugSession(s.id, s.ip, "Bitrate is now: "+strconv.Itoa(int(s.bitRate)))
	}

	return true
}

// HandleMessage dispatches one complete message. Control messages take
// effect before any later data message by construction: they are
// processed here, inline, in arrival order.
func (s *Session) HandleMessage(msg *chunk.Message) bool {
	switch msg.Header.MessageType {
	case chunk.TypeSetChunkSize:
		payload := msg.Bytes()
		if len(payload) < 4 {
			return false
		}
		size := binary.BigEndian.Uint32(payload[0:4])
		if s.assembler.Assembling() {
			s.pendingChunkSize = size
		} else if err := s.assembler.SetChunkSize(size); err != nil {
			rtlog.DebugSession(s.id, s.ip, "Invalid chunk size: "+err.Error())
			return false
		}
	case chunk.TypeAbort:
		// Abort names a chunk stream whose partial message should be
		// discarded; rare in practice, so it is ignored.
	case chunk.TypeAcknowledgement:
		// Peer's byte report; nothing to do.
	case chunk.TypeWindowAckSize:
		payload := msg.Bytes()
		if len(payload) < 4 {
			return false
		}
		s.assembler.SetAckWindow(binary.BigEndian.Uint32(payload[0:4]))
	case chunk.TypeUserControl:
		return s.handleUserControl(msg)
	case chunk.TypeAudio, chunk.TypeVideo:
		return s.handleMedia(msg)
	case chunk.TypeInvoke:
		return s.handleInvoke(msg.Bytes(), msg.Header.StreamID)
	case chunk.TypeFlexMessage:
		payload := msg.Bytes()
		if len(payload) < 1 {
			return true
		}
		return s.handleInvoke(payload[1:], msg.Header.StreamID)
	case chunk.TypeData:
		s.machine.HandleData(command.DecodeData(msg.Bytes()))
	case chunk.TypeFlexStream:
		payload := msg.Bytes()
		if len(payload) < 1 {
			return true
		}
		s.machine.HandleData(command.DecodeData(payload[1:]))
	default:
		rtlog.DebugSession(s.id, s.ip, "Received packet: "+strconv.Itoa(int(msg.Header.MessageType)))
	}
	return true
}

func (s *Session) handleUserControl(msg *chunk.Message) bool {
	payload := msg.Bytes()
	if len(payload) < 2 {
		return false
	}
	event := binary.BigEndian.Uint16(payload[0:2])
	switch event {
	case command.UCPingRequest:
		if len(payload) < 6 {
			return false
		}
		s.Send(command.PingResponseMessage(binary.BigEndian.Uint32(payload[2:6])))
	case command.UCPingResponse:
		// Peer answered our ping; the read itself refreshed liveness.
	}
	return true
}

func (s *Session) handleMedia(msg *chunk.Message) bool {
	if !s.machine.IsPublishing() || s.publisher == nil {
		return true
	}
	if msg.Header.MessageType == chunk.TypeAudio {
		msg.Header.PreferChunkID = chunk.CSIDAudio
	} else {
		msg.Header.PreferChunkID = chunk.CSIDVideo
	}
	s.publisher.Publish(msg)
	return true
}

func (s *Session) handleInvoke(payload []byte, streamID uint32) bool {
	cmd := command.DecodeCommand(payload)
	rtlog.DebugSession(s.id, s.ip, "Received invoke: "+cmd.ToString())

	if err := s.machine.HandleCommand(cmd, streamID); err != nil {
		rtlog.DebugSession(s.id, s.ip, "Command error: "+err.Error())
		return false
	}

	// A rejected connect with a redirect payload waits a bounded time
	// for the client's acknowledgment before closing unilaterally.
	if s.machine.State() == command.StateRedirecting && s.redirectTimer == nil {
		s.redirectTimer = time.AfterFunc(redirectAckTimeout, s.Kill)
	}

	return true
}

/* command.Handler */

// OnConnect validates the parsed connect request.
func (s *Session) OnConnect(req *command.Request) error {
	rtlog.Request("[Session #" + strconv.FormatUint(s.id, 10) + "] [" + s.ip + "] CONNECT '" + req.App + "'")
	return nil
}

// OnPublish claims the publisher slot for the session's stream.
func (s *Session) OnPublish() error {
	req := s.machine.Request()

	pub, err := s.server.registry.Publish(req.StreamURL())
	if err != nil {
		rtlog.Request("[Session #" + strconv.FormatUint(s.id, 10) + "] [" + s.ip + "] PUBLISH REJECTED '" + req.StreamURL() + "'")
		return err
	}

	pub.SetOnKill(s.Kill)
	s.mutex.Lock()
	s.publisher = pub
	s.mutex.Unlock()

	rtlog.Request("[Session #" + strconv.FormatUint(s.id, 10) + "] [" + s.ip + "] PUBLISH '" + req.StreamURL() + "'")
	return nil
}

// OnPlay attaches the session as a subscriber of its stream.
func (s *Session) OnPlay() error {
	req := s.machine.Request()

	sub, err := s.server.registry.Subscribe(req.StreamURL(), s)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.subscriber = sub
	s.mutex.Unlock()

	rtlog.Request("[Session #" + strconv.FormatUint(s.id, 10) + "] [" + s.ip + "] PLAY '" + req.StreamURL() + "'")
	return nil
}

// OnPause pauses or resumes the session's subscription.
func (s *Session) OnPause(paused bool) {
	s.mutex.Lock()
	sub := s.subscriber
	s.mutex.Unlock()
	if sub != nil {
		sub.SetPaused(paused)
	}
}

// OnUnpublish releases the publisher slot.
func (s *Session) OnUnpublish() {
	s.mutex.Lock()
	pub := s.publisher
	s.publisher = nil
	s.mutex.Unlock()
	if pub != nil {
		pub.Unpublish()
	}
}

// OnStopPlay detaches the session's subscription.
func (s *Session) OnStopPlay() {
	s.mutex.Lock()
	sub := s.subscriber
	s.subscriber = nil
	s.mutex.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// OnMetaData stores and broadcasts the stream metadata.
func (s *Session) OnMetaData(payload []byte) {
	s.mutex.Lock()
	pub := s.publisher
	s.mutex.Unlock()
	if pub != nil {
		pub.SetMetaData(payload, 0)
	}
}

// OnReceiveAudio toggles audio delivery for the subscription.
func (s *Session) OnReceiveAudio(v bool) {
	s.mutex.Lock()
	sub := s.subscriber
	s.mutex.Unlock()
	if sub != nil {
		sub.SetReceiveAudio(v)
	}
}

// OnReceiveVideo toggles video delivery for the subscription.
func (s *Session) OnReceiveVideo(v bool) {
	s.mutex.Lock()
	sub := s.subscriber
	s.mutex.Unlock()
	if sub != nil {
		sub.SetReceiveVideo(v)
	}
}

// OnRedirectAck closes the connection as soon as a redirected client
// acknowledges.
func (s *Session) OnRedirectAck() {
	s.Kill()
}

/* router.Sink */

// Deliver sends one subscribed media message on the play stream. While
// the write buffer sits above its high watermark, inter frames and raw
// audio are shed rather than queued further.
func (s *Session) Deliver(msg *chunk.Message) {
	if s.writer != nil && s.writer.full() {
		payload := msg.Bytes()
		switch msg.Header.MessageType {
		case chunk.TypeVideo:
			if !router.IsVideoKeyframe(payload) {
				return
			}
		case chunk.TypeAudio:
			if !router.IsAudioSequenceHeader(payload) {
				return
			}
		}
	}
	msg.Header.StreamID = s.machine.PlayStreamID()
	s.Send(msg)
}

// OnStreamEnd notifies the player the publisher went away and closes
// the connection (the default unpublish policy).
func (s *Session) OnStreamEnd() {
	playStreamID := s.machine.PlayStreamID()
	s.machine.SendStatusMessage(playStreamID, "status", "NetStream.Play.UnpublishNotify", "stream is now unpublished.")
	s.Send(command.StreamStatusMessage(command.UCStreamEOF, playStreamID))
	s.Kill()
}

// OnClose runs after the socket closes: releases whatever role the
// session held, cancels timers and stops the writer.
func (s *Session) OnClose() {
	if s.redirectTimer != nil {
		s.redirectTimer.Stop()
	}
	if s.machine != nil {
		s.machine.OnDisconnect()
	}
	if s.writer != nil {
		s.writer.close()
	}
}
