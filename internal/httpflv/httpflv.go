// Package httpflv serves live streams over HTTP as FLV: a GET whose
// path ends in .flv attaches the response as a subscriber of the named
// stream and receives the same message sequence an RTMP player would,
// wrapped in FLV tags.
//
// The HTTP listener and request parsing stay outside this module; this
// package only implements the handler the listener mounts.
package httpflv

import (
	"net/http"
	"strings"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/flv"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// Handler serves HTTP-FLV subscriptions from a registry.
type Handler struct {
	registry *router.Registry
}

// NewHandler creates the HTTP-FLV handler.
func NewHandler(registry *router.Registry) *Handler {
	return &Handler{registry: registry}
}

// streamURLFromPath maps /app/stream.flv (or /vhost/app/stream.flv) to
// the registry key.
func streamURLFromPath(path string) string {
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".flv")
	return path
}

// ServeHTTP attaches the response as a subscriber until the client or
// the stream goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, ".flv") {
		http.NotFound(w, r)
		return
	}

	streamURL := streamURLFromPath(r.URL.Path)
	if streamURL == "" {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(flv.Header(true, true)); err != nil {
		return
	}
	flusher.Flush()

	sink := &responseSink{w: w, flusher: flusher, done: make(chan struct{})}
	sub, err := h.registry.Subscribe(streamURL, sink)
	if err != nil {
		return
	}

	rtlog.Request("HTTP-FLV PLAY '" + streamURL + "'")

	select {
	case <-r.Context().Done():
	case <-sink.done:
	}
	sub.Close()
}

// responseSink adapts an http.ResponseWriter to the router's Sink.
type responseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	failed  bool
}

// Deliver writes one message as an FLV tag. A write error marks the
// sink failed and wakes the handler to detach.
func (s *responseSink) Deliver(msg *chunk.Message) {
	if s.failed {
		return
	}
	if _, err := s.w.Write(flv.Tag(msg)); err != nil {
		s.fail()
		return
	}
	s.flusher.Flush()
}

// OnStreamEnd terminates the response when the publisher goes away.
func (s *responseSink) OnStreamEnd() {
	s.fail()
}

func (s *responseSink) fail() {
	if !s.failed {
		s.failed = true
		close(s.done)
	}
}
