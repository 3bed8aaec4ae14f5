package command

import (
	"fmt"

	"github.com/AgustinSRG/mia-rtmp-server/internal/amf"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

// State of one connection's command machine.
type State int

const (
	StateHandshakeDone State = iota
	StateConnectDone
	StatePlaying
	StatePublishingPending
	StatePublishing
	StateRedirecting
	StateDisconnected
)

// Connect response literals the server announces.
const (
	FMSVersion   = "FMS/3,5,3,888"
	Capabilities = 127
	ServerMode   = 1

	// DefaultWindowAck and DefaultOutChunkSize are the values the connect
	// response advertises.
	DefaultWindowAck    = 2500000
	DefaultOutChunkSize = 60000
)

// Maximum stream depth createStream responses will allocate.
const maxCreatedStreams = 3

// RedirectError is returned by a Handler's OnConnect to reject the
// connection with a 302-style redirect to another server.
type RedirectError struct {
	RedirectURL string // target tcUrl
	FullURL     string // target tcUrl including the stream
}

func (e *RedirectError) Error() string {
	return "redirected to " + e.RedirectURL
}

// Sender is the outbound half of the connection the machine drives.
// Messages handed to Send are queued on the connection's write path.
type Sender interface {
	Send(msg *chunk.Message)
}

// Handler receives the side effects of accepted commands: attaching the
// connection to the media router as publisher or subscriber, and
// detaching it again.
type Handler interface {
	// OnConnect validates the parsed connect request. Returning a
	// *RedirectError rejects the connection with a redirect payload.
	OnConnect(req *Request) error
	// OnPublish claims the publisher slot for the request's stream.
	OnPublish() error
	// OnPlay attaches the connection as a subscriber. It is called after
	// the play response sequence so primed messages follow it.
	OnPlay() error
	// OnPause pauses or resumes delivery to a playing connection.
	OnPause(paused bool)
	// OnUnpublish releases the publisher slot.
	OnUnpublish()
	// OnStopPlay detaches a playing connection from its source.
	OnStopPlay()
	// OnMetaData stores and broadcasts an onMetaData payload.
	OnMetaData(payload []byte)
	// OnReceiveAudio and OnReceiveVideo toggle media delivery.
	OnReceiveAudio(v bool)
	OnReceiveVideo(v bool)
	// OnRedirectAck is called when a redirected client acknowledges with
	// an _error call; the connection should close immediately.
	OnRedirectAck()
}

// Machine is the per-connection command state machine. It is driven
// from the connection's read loop (one goroutine), so it needs no
// internal locking.
type Machine struct {
	state State

	req *Request

	sender  Sender
	handler Handler

	streams         uint32
	playStreamID    uint32
	publishStreamID uint32

	outChunkSize uint32
	windowAck    uint32
}

// NewMachine creates a machine in the handshake-done state.
func NewMachine(sender Sender, handler Handler) *Machine {
	return &Machine{
		state:        StateHandshakeDone,
		sender:       sender,
		handler:      handler,
		outChunkSize: DefaultOutChunkSize,
		windowAck:    DefaultWindowAck,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// Request returns the parsed connect request, nil before connect.
func (m *Machine) Request() *Request {
	return m.req
}

// OutChunkSize returns the chunk size announced to the peer.
func (m *Machine) OutChunkSize() uint32 {
	return m.outChunkSize
}

// IsPublishing reports whether the machine confirmed a publish.
func (m *Machine) IsPublishing() bool {
	return m.state == StatePublishing
}

// IsPlaying reports whether the machine confirmed a play.
func (m *Machine) IsPlaying() bool {
	return m.state == StatePlaying
}

// PlayStreamID returns the message stream the peer plays on.
func (m *Machine) PlayStreamID() uint32 {
	return m.playStreamID
}

// HandleCommand dispatches one decoded command against the current
// state. A returned error is fatal to the connection.
func (m *Machine) HandleCommand(cmd *Command, streamID uint32) error {
	switch cmd.Name {
	case "connect":
		return m.handleConnect(cmd)
	case "createStream":
		return m.handleCreateStream(cmd)
	case "releaseStream", "FCPublish":
		return m.handleFCPublish(cmd)
	case "publish":
		return m.handlePublish(cmd, streamID)
	case "play":
		return m.handlePlay(cmd, streamID)
	case "pause":
		return m.handlePause(cmd)
	case "FCUnpublish":
		return m.handleUnpublish(cmd, true)
	case "deleteStream":
		return m.handleDeleteStream(cmd)
	case "closeStream":
		return m.handleCloseStream(streamID)
	case "receiveAudio":
		m.handler.OnReceiveAudio(cmd.GetArg("bool").GetBool())
	case "receiveVideo":
		m.handler.OnReceiveVideo(cmd.GetArg("bool").GetBool())
	case "_error":
		if m.state == StateRedirecting {
			m.handler.OnRedirectAck()
		}
	}
	return nil
}

// Handles a connect command: parses the request, asks the handler to
// accept it, and emits the connect response sequence.
func (m *Machine) handleConnect(cmd *Command) error {
	if m.state != StateHandshakeDone {
		return fmt.Errorf("command: connect in state %d: %w", m.state, rtmperr.ErrStateViolation)
	}

	cmdObj := cmd.GetArg("cmdObj")

	req := ParseTcURL(cmdObj.Get("tcUrl").GetString())
	if app := cmdObj.Get("app").GetString(); app != "" {
		req.App = trimName(app)
	}
	req.PageURL = cmdObj.Get("pageUrl").GetString()
	req.SwfURL = cmdObj.Get("swfUrl").GetString()
	hasObjectEncoding := !cmdObj.Get("objectEncoding").IsUndefined()
	req.ObjectEncoding = uint32(cmdObj.Get("objectEncoding").GetInteger())
	m.req = req

	if err := m.handler.OnConnect(req); err != nil {
		if redirect, ok := err.(*RedirectError); ok {
			m.sendRejectedRedirect(cmd.TransID, redirect)
			m.state = StateRedirecting
			return nil
		}
		return err
	}

	m.sender.Send(WindowAckMessage(m.windowAck))
	m.sender.Send(SetPeerBandwidthMessage(m.windowAck, BandwidthDynamic))
	m.sender.Send(SetChunkSizeMessage(m.outChunkSize))
	m.respondConnect(cmd.TransID, hasObjectEncoding)
	m.sendOnBWDone()

	m.state = StateConnectDone
	return nil
}

// Handles a createStream command, allocating the next stream ID up to
// the maximum depth.
func (m *Machine) handleCreateStream(cmd *Command) error {
	if m.state == StateHandshakeDone {
		return fmt.Errorf("command: createStream before connect: %w", rtmperr.ErrStateViolation)
	}

	if m.streams < maxCreatedStreams {
		m.streams++
	}

	res := NewCommand("_result", cmd.TransID)
	res.AppendArg("cmdObj", amf.Null())
	res.AppendArg("info", amf.Number(float64(m.streams)))
	m.sender.Send(InvokeMessage(0, res))
	return nil
}

// Handles releaseStream and FCPublish: both get a bare _result and mark
// the connection as intending to publish.
func (m *Machine) handleFCPublish(cmd *Command) error {
	if m.state == StateHandshakeDone {
		return fmt.Errorf("command: %s before connect: %w", cmd.Name, rtmperr.ErrStateViolation)
	}

	res := NewCommand("_result", cmd.TransID)
	res.AppendArg("cmdObj", amf.Null())
	res.AppendArg("info", amf.Undefined())
	m.sender.Send(InvokeMessage(0, res))

	if m.state == StateConnectDone {
		m.state = StatePublishingPending
	}
	return nil
}

// Handles a publish command.
func (m *Machine) handlePublish(cmd *Command, streamID uint32) error {
	if m.state != StateConnectDone && m.state != StatePublishingPending {
		m.SendStatusMessage(streamID, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return fmt.Errorf("command: publish in state %d: %w", m.state, rtmperr.ErrStateViolation)
	}

	m.req.SetStream(cmd.GetArg("streamName").GetString())
	if m.req.Stream == "" {
		m.SendStatusMessage(streamID, "error", "NetStream.Publish.BadName", "Empty stream name")
		return fmt.Errorf("command: publish with empty stream name: %w", rtmperr.ErrStateViolation)
	}
	m.publishStreamID = streamID

	if err := m.handler.OnPublish(); err != nil {
		if rtmperr.Is(err, rtmperr.ErrResourceConflict) {
			m.SendStatusMessage(streamID, "error", "NetStream.Publish.BadName", "Stream already publishing")
		} else {
			m.SendStatusMessage(streamID, "error", "NetStream.Publish.BadName", "Invalid stream name provided")
		}
		return err
	}

	m.sendOnFCPublish(streamID)
	m.SendStatusMessage(streamID, "status", "NetStream.Publish.Start", "/"+m.req.App+"/"+m.req.Stream+" is now published.")

	m.state = StatePublishing
	return nil
}

// Handles a play command: emits the play response sequence, then
// attaches the connection as a subscriber so primed messages follow it.
func (m *Machine) handlePlay(cmd *Command, streamID uint32) error {
	if m.state != StateConnectDone {
		m.SendStatusMessage(streamID, "error", "NetStream.Play.BadConnection", "Connection already playing")
		return fmt.Errorf("command: play in state %d: %w", m.state, rtmperr.ErrStateViolation)
	}

	m.req.SetStream(cmd.GetArg("streamName").GetString())
	if m.req.Stream == "" {
		m.SendStatusMessage(streamID, "error", "NetStream.Play.BadName", "Empty stream name")
		return fmt.Errorf("command: play with empty stream name: %w", rtmperr.ErrStateViolation)
	}
	m.playStreamID = streamID

	m.sender.Send(StreamStatusMessage(UCStreamBegin, streamID))
	m.SendStatusMessage(streamID, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	m.SendStatusMessage(streamID, "status", "NetStream.Play.Start", "Started playing stream.")
	m.sendSampleAccess(streamID)
	m.sendDataStart(streamID)

	if err := m.handler.OnPlay(); err != nil {
		m.SendStatusMessage(streamID, "error", "NetStream.Play.BadName", "Invalid stream name provided")
		return err
	}

	m.state = StatePlaying
	return nil
}

// Handles a pause command for a playing connection.
func (m *Machine) handlePause(cmd *Command) error {
	if m.state != StatePlaying {
		return nil
	}

	paused := cmd.GetArg("pause").GetBool()
	m.handler.OnPause(paused)

	if paused {
		m.SendStatusMessage(m.playStreamID, "status", "NetStream.Pause.Notify", "Paused live")
		m.sender.Send(StreamStatusMessage(UCStreamEOF, m.playStreamID))
	} else {
		m.SendStatusMessage(m.playStreamID, "status", "NetStream.Unpause.Notify", "Unpaused live")
		m.sender.Send(StreamStatusMessage(UCStreamBegin, m.playStreamID))
	}
	return nil
}

// Handles FCUnpublish (and the unpublish half of deleteStream).
func (m *Machine) handleUnpublish(cmd *Command, respond bool) error {
	if m.state != StatePublishing {
		return nil
	}

	m.handler.OnUnpublish()

	m.sendOnFCUnpublish(m.publishStreamID)
	if respond {
		res := NewCommand("_result", cmd.TransID)
		res.AppendArg("cmdObj", amf.Null())
		res.AppendArg("info", amf.Undefined())
		m.sender.Send(InvokeMessage(0, res))
	}
	m.SendStatusMessage(m.publishStreamID, "status", "NetStream.Unpublish.Success", "/"+m.req.App+"/"+m.req.Stream+" is now unpublished.")

	m.publishStreamID = 0
	m.state = StateConnectDone
	return nil
}

// Handles a deleteStream command against either role's stream.
func (m *Machine) handleDeleteStream(cmd *Command) error {
	streamID := uint32(cmd.GetArg("streamId").GetInteger())
	return m.closeStreamByID(cmd, streamID)
}

// Handles a closeStream command, which names no stream and targets the
// message stream it arrived on.
func (m *Machine) handleCloseStream(streamID uint32) error {
	return m.closeStreamByID(NewCommand("closeStream", 0), streamID)
}

func (m *Machine) closeStreamByID(cmd *Command, streamID uint32) error {
	if streamID == m.playStreamID && m.state == StatePlaying {
		m.handler.OnStopPlay()
		m.SendStatusMessage(m.playStreamID, "status", "NetStream.Play.Stop", "Stopped playing stream.")
		m.playStreamID = 0
		m.state = StateConnectDone
	}
	if streamID == m.publishStreamID && m.state == StatePublishing {
		return m.handleUnpublish(cmd, true)
	}
	return nil
}

// HandleData dispatches one decoded data message (@setDataFrame).
func (m *Machine) HandleData(data *Data) {
	switch data.Tag {
	case "@setDataFrame":
		if m.state != StatePublishing {
			return
		}
		meta := NewData("onMetaData")
		meta.AppendArg("dataObj", data.GetArg("dataObj"))
		m.handler.OnMetaData(meta.Encode())
	}
}

// OnDisconnect tears the machine down, releasing whatever role the
// connection held.
func (m *Machine) OnDisconnect() {
	switch m.state {
	case StatePublishing:
		m.handler.OnUnpublish()
	case StatePlaying:
		m.handler.OnStopPlay()
	}
	m.state = StateDisconnected
}
