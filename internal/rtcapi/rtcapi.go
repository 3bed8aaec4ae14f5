// Package rtcapi implements the WebRTC publish/play HTTP contract: the
// /rtc/v1/publish/ and /rtc/v1/play/ paths accept a JSON body carrying
// a stream URL and an SDP offer and answer with the negotiated SDP.
//
// The DTLS/ICE/SRTP transport and the SDP negotiation itself belong to
// the external WebRTC stack behind the Negotiator interface; this
// package only bridges accepted peers onto the media router.
package rtcapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/AgustinSRG/mia-rtmp-server/internal/command"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtcbridge"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// Response codes.
const (
	codeOK          = 0
	codeError       = 1
	codeUnavailable = 501
)

// Peer is one negotiated WebRTC peer; closing it tears the transport
// down.
type Peer interface {
	Close() error
}

// FrameSink receives decoded frames from an inbound peer.
type FrameSink interface {
	OnFrame(frame *rtcbridge.Frame)
}

// Negotiator is the external WebRTC stack's SDP surface.
type Negotiator interface {
	// NegotiatePublish answers a publisher's offer. The returned peer
	// pushes its decoded frames into sink until closed.
	NegotiatePublish(offer string, sink FrameSink) (answer string, peer Peer, err error)
	// NegotiatePlay answers a player's offer. The returned writer
	// accepts outbound frames for the peer.
	NegotiatePlay(offer string) (answer string, writer rtcbridge.FrameWriter, peer Peer, err error)
}

// request is the JSON body both endpoints accept.
type request struct {
	StreamURL string `json:"streamurl"`
	SDP       string `json:"sdp"`
}

// response is the JSON body both endpoints return.
type response struct {
	Code int    `json:"code"`
	SDP  string `json:"sdp,omitempty"`
}

// Handler mounts the two WebRTC endpoints.
type Handler struct {
	registry   *router.Registry
	negotiator Negotiator

	// newTranscoder creates one Opus<->AAC codec wrapper per peer.
	newTranscoder func() rtcbridge.AudioTranscoder

	keyframeInterval time.Duration
}

// NewHandler creates the handler. negotiator and newTranscoder come
// from the external WebRTC/codec stacks; either being nil leaves the
// endpoints answering unavailable.
func NewHandler(registry *router.Registry, negotiator Negotiator, newTranscoder func() rtcbridge.AudioTranscoder, keyframeInterval time.Duration) *Handler {
	return &Handler{
		registry:         registry,
		negotiator:       negotiator,
		newTranscoder:    newTranscoder,
		keyframeInterval: keyframeInterval,
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/rtc/v1/publish/", h.handlePublish)
	mux.HandleFunc("/rtc/v1/play/", h.handlePlay)
}

func writeJSON(w http.ResponseWriter, res *response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res) //nolint:errcheck
}

func (h *Handler) readRequest(w http.ResponseWriter, r *http.Request) *request {
	if r.Method != http.MethodPost {
		writeJSON(w, &response{Code: codeError})
		return nil
	}
	if h.negotiator == nil || h.newTranscoder == nil {
		writeJSON(w, &response{Code: codeUnavailable})
		return nil
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, &response{Code: codeError})
		return nil
	}
	if req.StreamURL == "" || req.SDP == "" {
		writeJSON(w, &response{Code: codeError})
		return nil
	}
	return &req
}

// streamKey maps a webrtc://host/app/stream URL onto the registry key.
func streamKey(streamURL string) string {
	parsed := command.ParseTcURL(streamURL)
	app := parsed.App
	if idx := strings.LastIndex(app, "/"); idx >= 0 {
		parsed.App = app[:idx]
		parsed.SetStream(app[idx+1:])
	}
	return parsed.StreamURL()
}

// handlePublish negotiates an inbound peer and publishes its frames.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	req := h.readRequest(w, r)
	if req == nil {
		return
	}

	key := streamKey(req.StreamURL)

	pub, err := h.registry.Publish(key)
	if err != nil {
		rtlog.Request("RTC PUBLISH REJECTED '" + key + "'")
		writeJSON(w, &response{Code: codeError})
		return
	}

	bridge := rtcbridge.NewBridge(pub, h.newTranscoder())

	answer, peer, err := h.negotiator.NegotiatePublish(req.SDP, bridge)
	if err != nil {
		bridge.Close()
		rtlog.Error(err)
		writeJSON(w, &response{Code: codeError})
		return
	}

	pub.SetOnKill(func() {
		peer.Close() //nolint:errcheck
		bridge.Close()
	})

	rtlog.Request("RTC PUBLISH '" + key + "'")
	writeJSON(w, &response{Code: codeOK, SDP: answer})
}

// handlePlay negotiates an outbound peer and subscribes it.
func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	req := h.readRequest(w, r)
	if req == nil {
		return
	}

	key := streamKey(req.StreamURL)

	answer, writer, peer, err := h.negotiator.NegotiatePlay(req.SDP)
	if err != nil {
		rtlog.Error(err)
		writeJSON(w, &response{Code: codeError})
		return
	}

	sink := rtcbridge.NewSink(writer, h.newTranscoder())

	sub, err := h.registry.Subscribe(key, sink)
	if err != nil {
		peer.Close() //nolint:errcheck
		writeJSON(w, &response{Code: codeError})
		return
	}
	sink.SetOnEnd(func() {
		sub.Close()
		peer.Close() //nolint:errcheck
	})

	// An RTC viewer can't wait a whole GOP for a picture; keep asking
	// the publisher for keyframes while the subscription lives.
	if src := h.registry.Lookup(key); src != nil {
		sink.StartKeyframeRequests(src, h.keyframeInterval)
	}

	rtlog.Request("RTC PLAY '" + key + "'")
	writeJSON(w, &response{Code: codeOK, SDP: answer})
}
