// Package router is the media message router: a process-wide registry
// of named media sources, each fanning one publisher out to its
// subscribers with GOP-cache priming, jitter correction and
// per-subscriber backpressure. Sources are keyed by vhost/app/stream
// and outlive any one connection.
package router

import (
	"fmt"
	"sync"

	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultGOPCacheLimit = 256 * 1024 * 1024
	DefaultQueueLimit    = 512
)

// Options tunes a Registry.
type Options struct {
	// GOPCacheLimit caps each source's GOP cache in bytes.
	GOPCacheLimit int64
	// GOPCacheDisabled turns GOP caching off entirely.
	GOPCacheDisabled bool
	// QueueLimit is the per-subscriber high watermark in messages.
	QueueLimit int
	// JitterAlgo selects the timestamp correction algorithm.
	JitterAlgo int
	// MixCorrect reorders interleaved audio/video by timestamp before
	// broadcast.
	MixCorrect bool
}

// EventListener observes source lifecycle changes; the admin event feed
// attaches one. All callbacks run on the goroutine that caused the
// change and must not block.
type EventListener interface {
	OnPublishStart(streamURL string)
	OnPublishStop(streamURL string)
	OnSubscriberJoin(streamURL string, subscribers int)
	OnSubscriberLeave(streamURL string, subscribers int)
}

// MultiListener fans lifecycle events out to several listeners.
type MultiListener []EventListener

func (m MultiListener) OnPublishStart(streamURL string) {
	for _, l := range m {
		l.OnPublishStart(streamURL)
	}
}

func (m MultiListener) OnPublishStop(streamURL string) {
	for _, l := range m {
		l.OnPublishStop(streamURL)
	}
}

func (m MultiListener) OnSubscriberJoin(streamURL string, subscribers int) {
	for _, l := range m {
		l.OnSubscriberJoin(streamURL, subscribers)
	}
}

func (m MultiListener) OnSubscriberLeave(streamURL string, subscribers int) {
	for _, l := range m {
		l.OnSubscriberLeave(streamURL, subscribers)
	}
}

// Registry is the process-wide map of stream URL to media source.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*MediaSource

	opts     Options
	listener EventListener
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.GOPCacheLimit <= 0 {
		opts.GOPCacheLimit = DefaultGOPCacheLimit
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	return &Registry{
		sources: make(map[string]*MediaSource),
		opts:    opts,
	}
}

// SetListener attaches the lifecycle event listener. Call before any
// traffic; the listener is read without locking afterward.
func (r *Registry) SetListener(l EventListener) {
	r.listener = l
}

// fetchOrCreate returns the source for streamURL, creating it on first
// publish or play.
func (r *Registry) fetchOrCreate(streamURL string) *MediaSource {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.sources[streamURL]
	if src == nil {
		src = newMediaSource(r, streamURL)
		r.sources[streamURL] = src
	}
	return src
}

// Lookup returns the source for streamURL, or nil if none exists.
func (r *Registry) Lookup(streamURL string) *MediaSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources[streamURL]
}

// release drops a source that has neither publisher nor subscribers.
func (r *Registry) release(src *MediaSource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sources[src.streamURL] == src && src.idle() {
		delete(r.sources, src.streamURL)
	}
}

// Publish claims the publisher slot for streamURL. A second concurrent
// publisher is rejected with a resource conflict.
func (r *Registry) Publish(streamURL string) (*Publisher, error) {
	src := r.fetchOrCreate(streamURL)

	pub, err := src.attachPublisher()
	if err != nil {
		return nil, err
	}

	if r.listener != nil {
		r.listener.OnPublishStart(streamURL)
	}
	return pub, nil
}

// Subscribe attaches sink as a subscriber to streamURL, priming it with
// the source's metadata, sequence headers and GOP cache.
func (r *Registry) Subscribe(streamURL string, sink Sink) (*Subscriber, error) {
	src := r.fetchOrCreate(streamURL)

	sub := src.attachSubscriber(sink)

	if r.listener != nil {
		r.listener.OnSubscriberJoin(streamURL, src.subscriberCount())
	}
	return sub, nil
}

// KillPublisher forcibly disconnects the publisher of streamURL, if
// any. Driven by the operational control channel.
func (r *Registry) KillPublisher(streamURL string) error {
	src := r.Lookup(streamURL)
	if src == nil {
		return fmt.Errorf("router: no source for %s: %w", streamURL, rtmperr.ErrResourceConflict)
	}
	return src.killPublisher()
}

// StreamURLs returns a snapshot of the registered stream URLs.
func (r *Registry) StreamURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	urls := make([]string, 0, len(r.sources))
	for url := range r.sources {
		urls = append(urls, url)
	}
	return urls
}
