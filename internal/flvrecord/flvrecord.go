// Package flvrecord persists incoming streams as raw FLV files: each
// published stream gets a passthrough recorder subscriber that appends
// tags as they arrive. There is no indexing or seeking; the file is the
// wire stream with an FLV header in front.
package flvrecord

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/flv"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// Recorder subscribes to publish-start events and writes each stream to
// a .flv file under its directory.
type Recorder struct {
	registry *router.Registry
	dir      string
}

// NewRecorder creates a recorder writing under dir.
func NewRecorder(registry *router.Registry, dir string) *Recorder {
	return &Recorder{registry: registry, dir: dir}
}

// fileName flattens a stream URL into a file-safe name.
func (r *Recorder) fileName(streamURL string) string {
	name := strings.ReplaceAll(streamURL, "/", "_") + ".flv"
	return filepath.Join(r.dir, name)
}

// Start attaches a recording sink for streamURL. Called when a publish
// begins; the sink detaches itself when the stream ends.
func (r *Recorder) Start(streamURL string) {
	path := r.fileName(streamURL)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		rtlog.Error(err)
		return
	}

	if _, err := f.Write(flv.Header(true, true)); err != nil {
		rtlog.Error(err)
		f.Close()
		return
	}

	sink := &fileSink{file: f}
	sub, err := r.registry.Subscribe(streamURL, sink)
	if err != nil {
		f.Close()
		return
	}
	sink.sub = sub

	rtlog.Infof("[RECORD] Recording '%s' to %s", streamURL, path)
}

/* router.EventListener */

// OnPublishStart attaches a recording sink for the new stream.
func (r *Recorder) OnPublishStart(streamURL string) {
	r.Start(streamURL)
}

// OnPublishStop is covered by the sink's own OnStreamEnd.
func (r *Recorder) OnPublishStop(streamURL string) {}

func (r *Recorder) OnSubscriberJoin(streamURL string, subscribers int)  {}
func (r *Recorder) OnSubscriberLeave(streamURL string, subscribers int) {}

// fileSink appends FLV tags to the recording file.
type fileSink struct {
	file   *os.File
	sub    *router.Subscriber
	failed bool
}

func (s *fileSink) Deliver(msg *chunk.Message) {
	if s.failed {
		return
	}
	if _, err := s.file.Write(flv.Tag(msg)); err != nil {
		rtlog.Error(err)
		s.failed = true
		s.file.Close()
	}
}

func (s *fileSink) OnStreamEnd() {
	if !s.failed {
		s.file.Close()
		s.failed = true
	}
	if s.sub != nil {
		s.sub.Close()
	}
}
