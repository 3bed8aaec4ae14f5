package command

import (
	"testing"

	"github.com/AgustinSRG/mia-rtmp-server/internal/amf"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

type fakeSender struct {
	sent []*chunk.Message
}

func (s *fakeSender) Send(msg *chunk.Message) {
	s.sent = append(s.sent, msg)
}

// invokeAt decodes the i-th sent message as a command.
func (s *fakeSender) invokeAt(t *testing.T, i int) *Command {
	t.Helper()
	if i >= len(s.sent) {
		t.Fatalf("only %d messages sent, wanted index %d", len(s.sent), i)
	}
	return DecodeCommand(s.sent[i].Bytes())
}

type fakeHandler struct {
	connectErr error
	publishErr error
	playErr    error

	connected   bool
	published   bool
	played      bool
	unpublished bool
	stoppedPlay bool
	redirectAck bool
	paused      *bool
	metadata    []byte
}

func (h *fakeHandler) OnConnect(req *Request) error { h.connected = true; return h.connectErr }
func (h *fakeHandler) OnPublish() error             { h.published = true; return h.publishErr }
func (h *fakeHandler) OnPlay() error                { h.played = true; return h.playErr }
func (h *fakeHandler) OnPause(p bool)               { h.paused = &p }
func (h *fakeHandler) OnUnpublish()                 { h.unpublished = true }
func (h *fakeHandler) OnStopPlay()                  { h.stoppedPlay = true }
func (h *fakeHandler) OnMetaData(payload []byte)    { h.metadata = payload }
func (h *fakeHandler) OnReceiveAudio(v bool)        {}
func (h *fakeHandler) OnReceiveVideo(v bool)        {}
func (h *fakeHandler) OnRedirectAck()               { h.redirectAck = true }

func connectCommand(tid float64) *Command {
	cmd := NewCommand("connect", tid)
	cmdObj := amf.Object()
	cmdObj.Set("app", amf.String("live"))
	cmdObj.Set("tcUrl", amf.String("rtmp://127.0.0.1/live"))
	cmdObj.Set("objectEncoding", amf.Integer(0))
	cmd.AppendArg("cmdObj", cmdObj)
	return cmd
}

func simpleCommand(name string, tid float64, streamName string) *Command {
	cmd := NewCommand(name, tid)
	cmd.AppendArg("cmdObj", amf.Null())
	if streamName != "" {
		cmd.AppendArg("streamName", amf.String(streamName))
	}
	return cmd
}

func TestConnectPublishUnpublish(t *testing.T) {
	sender := &fakeSender{}
	handler := &fakeHandler{}
	m := NewMachine(sender, handler)

	// connect (tid 1)
	if err := m.HandleCommand(connectCommand(1), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !handler.connected {
		t.Fatal("handler.OnConnect not called")
	}
	if m.State() != StateConnectDone {
		t.Fatalf("state = %d, want StateConnectDone", m.State())
	}

	// Control prelude: window ack, peer bandwidth, chunk size.
	if got := sender.sent[0].Header.MessageType; got != chunk.TypeWindowAckSize {
		t.Fatalf("message 0 type = %d, want WindowAckSize", got)
	}
	if got := sender.sent[1].Header.MessageType; got != chunk.TypeSetPeerBandwidth {
		t.Fatalf("message 1 type = %d, want SetPeerBandwidth", got)
	}
	if got := sender.sent[2].Header.MessageType; got != chunk.TypeSetChunkSize {
		t.Fatalf("message 2 type = %d, want SetChunkSize", got)
	}

	// _result with the announced server surface.
	result := sender.invokeAt(t, 3)
	if result.Name != "_result" {
		t.Fatalf("message 3 = %q, want _result", result.Name)
	}
	if result.TransID != 1 {
		t.Fatalf("_result transId = %f, want 1", result.TransID)
	}
	cmdObj := result.GetArg("cmdObj")
	if got := cmdObj.Get("fmsVer").GetString(); got != "FMS/3,5,3,888" {
		t.Fatalf("fmsVer = %q, want FMS/3,5,3,888", got)
	}
	if got := cmdObj.Get("capabilities").GetInteger(); got != 127 {
		t.Fatalf("capabilities = %d, want 127", got)
	}
	if got := cmdObj.Get("mode").GetInteger(); got != 1 {
		t.Fatalf("mode = %d, want 1", got)
	}
	if got := result.GetArg("info").Get("objectEncoding").GetInteger(); got != 0 {
		t.Fatalf("objectEncoding = %d, want 0", got)
	}

	if bwDone := sender.invokeAt(t, 4); bwDone.Name != "onBWDone" {
		t.Fatalf("message 4 = %q, want onBWDone", bwDone.Name)
	}

	// releaseStream (tid 2), FCPublish (tid 3): bare results, state
	// moves to publishing-pending.
	if err := m.HandleCommand(simpleCommand("releaseStream", 2, "livestream"), 0); err != nil {
		t.Fatalf("releaseStream: %v", err)
	}
	if err := m.HandleCommand(simpleCommand("FCPublish", 3, "livestream"), 0); err != nil {
		t.Fatalf("FCPublish: %v", err)
	}
	if m.State() != StatePublishingPending {
		t.Fatalf("state = %d, want StatePublishingPending", m.State())
	}

	// createStream (tid 4) allocates stream 1.
	if err := m.HandleCommand(simpleCommand("createStream", 4, ""), 0); err != nil {
		t.Fatalf("createStream: %v", err)
	}
	created := sender.invokeAt(t, len(sender.sent)-1)
	if created.Name != "_result" || created.TransID != 4 {
		t.Fatalf("createStream response = %q tid %f", created.Name, created.TransID)
	}
	if got := created.GetArg("info").GetDouble(); got != 1 {
		t.Fatalf("created stream id = %f, want 1", got)
	}

	// publish on stream 1.
	publish := simpleCommand("publish", 5, "livestream")
	publish.AppendArg("type", amf.String("live"))
	if err := m.HandleCommand(publish, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !handler.published {
		t.Fatal("handler.OnPublish not called")
	}
	if m.State() != StatePublishing {
		t.Fatalf("state = %d, want StatePublishing", m.State())
	}

	n := len(sender.sent)
	if got := DecodeCommand(sender.sent[n-2].Bytes()).Name; got != "onFCPublish" {
		t.Fatalf("message before publish status = %q, want onFCPublish", got)
	}
	status := DecodeCommand(sender.sent[n-1].Bytes())
	if got := status.GetArg("info").Get("code").GetString(); got != "NetStream.Publish.Start" {
		t.Fatalf("publish status code = %q, want NetStream.Publish.Start", got)
	}

	// FCUnpublish (tid 6) tears it down.
	if err := m.HandleCommand(simpleCommand("FCUnpublish", 6, "livestream"), 1); err != nil {
		t.Fatalf("FCUnpublish: %v", err)
	}
	if !handler.unpublished {
		t.Fatal("handler.OnUnpublish not called")
	}
	if m.State() != StateConnectDone {
		t.Fatalf("state = %d, want StateConnectDone", m.State())
	}

	n = len(sender.sent)
	if got := DecodeCommand(sender.sent[n-3].Bytes()).Name; got != "onFCUnpublish" {
		t.Fatalf("unpublish sequence starts with %q, want onFCUnpublish", got)
	}
	if got := DecodeCommand(sender.sent[n-2].Bytes()).Name; got != "_result" {
		t.Fatalf("unpublish sequence middle = %q, want _result", got)
	}
	final := DecodeCommand(sender.sent[n-1].Bytes())
	if got := final.GetArg("info").Get("code").GetString(); got != "NetStream.Unpublish.Success" {
		t.Fatalf("unpublish status code = %q, want NetStream.Unpublish.Success", got)
	}
}

func TestPlayResponseSequence(t *testing.T) {
	sender := &fakeSender{}
	handler := &fakeHandler{}
	m := NewMachine(sender, handler)

	if err := m.HandleCommand(connectCommand(1), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.HandleCommand(simpleCommand("createStream", 2, ""), 0); err != nil {
		t.Fatalf("createStream: %v", err)
	}

	before := len(sender.sent)
	if err := m.HandleCommand(simpleCommand("play", 4, "livestream"), 1); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !handler.played {
		t.Fatal("handler.OnPlay not called")
	}
	if m.State() != StatePlaying {
		t.Fatalf("state = %d, want StatePlaying", m.State())
	}

	seq := sender.sent[before:]
	if len(seq) != 5 {
		t.Fatalf("play produced %d messages, want 5", len(seq))
	}
	if seq[0].Header.MessageType != chunk.TypeUserControl {
		t.Fatalf("play message 0 type = %d, want UserControl", seq[0].Header.MessageType)
	}
	if got := DecodeCommand(seq[1].Bytes()).GetArg("info").Get("code").GetString(); got != "NetStream.Play.Reset" {
		t.Fatalf("play message 1 code = %q, want NetStream.Play.Reset", got)
	}
	if got := DecodeCommand(seq[2].Bytes()).GetArg("info").Get("code").GetString(); got != "NetStream.Play.Start" {
		t.Fatalf("play message 2 code = %q, want NetStream.Play.Start", got)
	}
	if got := DecodeData(seq[3].Bytes()).Tag; got != "|RtmpSampleAccess" {
		t.Fatalf("play message 3 tag = %q, want |RtmpSampleAccess", got)
	}
	dataStart := DecodeData(seq[4].Bytes())
	if got := dataStart.GetArg("info").Get("code").GetString(); got != "NetStream.Data.Start" {
		t.Fatalf("play message 4 code = %q, want NetStream.Data.Start", got)
	}
}

func TestPublishConflictKeepsResponseOrder(t *testing.T) {
	sender := &fakeSender{}
	handler := &fakeHandler{publishErr: rtmperr.ErrResourceConflict}
	m := NewMachine(sender, handler)

	if err := m.HandleCommand(connectCommand(1), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := m.HandleCommand(simpleCommand("publish", 2, "livestream"), 1)
	if err == nil {
		t.Fatal("expected error from rejected publish")
	}

	status := DecodeCommand(sender.sent[len(sender.sent)-1].Bytes())
	if got := status.GetArg("info").Get("level").GetString(); got != "error" {
		t.Fatalf("rejection level = %q, want error", got)
	}
	if got := status.GetArg("info").Get("code").GetString(); got != "NetStream.Publish.BadName" {
		t.Fatalf("rejection code = %q, want NetStream.Publish.BadName", got)
	}
}

func TestRedirect(t *testing.T) {
	sender := &fakeSender{}
	handler := &fakeHandler{connectErr: &RedirectError{
		RedirectURL: "rtmp://b.example/live",
		FullURL:     "rtmp://b.example/live/stream",
	}}
	m := NewMachine(sender, handler)

	if err := m.HandleCommand(connectCommand(1), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != StateRedirecting {
		t.Fatalf("state = %d, want StateRedirecting", m.State())
	}

	status := sender.invokeAt(t, 0)
	if status.Name != "onStatus" {
		t.Fatalf("redirect message = %q, want onStatus", status.Name)
	}
	info := status.GetArg("info")
	if got := info.Get("level").GetString(); got != "error" {
		t.Fatalf("level = %q, want error", got)
	}
	if got := info.Get("code").GetString(); got != "NetConnection.Connect.Rejected" {
		t.Fatalf("code = %q, want NetConnection.Connect.Rejected", got)
	}
	ex := info.Get("ex")
	if got := ex.Get("code").GetInteger(); got != 302 {
		t.Fatalf("ex.code = %d, want 302", got)
	}
	if got := ex.Get("redirect").GetString(); got != "rtmp://b.example/live" {
		t.Fatalf("ex.redirect = %q", got)
	}
	if got := ex.Get("redirect2").GetString(); got != "rtmp://b.example/live/stream" {
		t.Fatalf("ex.redirect2 = %q", got)
	}

	// The client acknowledges with an _error call; the handler closes.
	if err := m.HandleCommand(simpleCommand("_error", 1, ""), 0); err != nil {
		t.Fatalf("_error: %v", err)
	}
	if !handler.redirectAck {
		t.Fatal("handler.OnRedirectAck not called")
	}
}

func TestCreateStreamDepthCapped(t *testing.T) {
	sender := &fakeSender{}
	m := NewMachine(sender, &fakeHandler{})

	if err := m.HandleCommand(connectCommand(1), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := m.HandleCommand(simpleCommand("createStream", float64(i+2), ""), 0); err != nil {
			t.Fatalf("createStream %d: %v", i, err)
		}
	}
	last := sender.invokeAt(t, len(sender.sent)-1)
	if got := last.GetArg("info").GetDouble(); got != 3 {
		t.Fatalf("stream depth = %f, want capped at 3", got)
	}
}
