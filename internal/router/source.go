package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AgustinSRG/mia-rtmp-server/internal/av"
	"github.com/AgustinSRG/mia-rtmp-server/internal/chunk"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

// Overhead accounted per cached message when sizing the GOP cache,
// covering the header and bookkeeping around the payload bytes.
const messageBaseSize = 65

// Messages the mix-correct queue holds before it starts emitting in
// timestamp order.
const mixQueueDepth = 16

// MediaSource is one named fan-out hub: at most one publisher, any
// number of subscribers, and the cached state late subscribers are
// primed with.
type MediaSource struct {
	registry  *Registry
	streamURL string

	mu sync.Mutex

	publisher *Publisher

	subscribers map[*Subscriber]bool

	metadata *chunk.Message
	audioSH  *chunk.Message
	videoSH  *chunk.Message

	gopCache []*chunk.Message
	gopSize  int64

	audioCodec uint32
	videoCodec uint32
}

func newMediaSource(r *Registry, streamURL string) *MediaSource {
	return &MediaSource{
		registry:    r,
		streamURL:   streamURL,
		subscribers: make(map[*Subscriber]bool),
	}
}

// StreamURL returns the source's registry key.
func (src *MediaSource) StreamURL() string {
	return src.streamURL
}

// idle reports whether the source has neither publisher nor
// subscribers. Caller holds the registry lock; the source lock nests
// inside it.
func (src *MediaSource) idle() bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.publisher == nil && len(src.subscribers) == 0
}

func (src *MediaSource) subscriberCount() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return len(src.subscribers)
}

// attachPublisher claims the publisher slot.
func (src *MediaSource) attachPublisher() (*Publisher, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if src.publisher != nil {
		return nil, fmt.Errorf("router: %s already has a publisher: %w", src.streamURL, rtmperr.ErrResourceConflict)
	}

	pub := &Publisher{source: src}
	src.publisher = pub
	return pub, nil
}

// attachSubscriber adds a subscriber and primes it: metadata, audio
// sequence header, video sequence header, then the GOP cache oldest
// first. Live messages broadcast after this call follow in order.
func (src *MediaSource) attachSubscriber(sink Sink) *Subscriber {
	src.mu.Lock()
	defer src.mu.Unlock()

	sub := newSubscriber(src, sink, src.registry.opts.QueueLimit, src.registry.opts.JitterAlgo)
	src.subscribers[sub] = true

	if src.metadata != nil {
		sub.enqueue(src.metadata)
	}
	if src.audioSH != nil {
		sub.enqueue(src.audioSH)
	}
	if src.videoSH != nil {
		sub.enqueue(src.videoSH)
	}
	for _, msg := range src.gopCache {
		sub.enqueue(msg)
	}

	return sub
}

// detachSubscriber removes a subscriber, releasing the source when it
// goes idle.
func (src *MediaSource) detachSubscriber(sub *Subscriber) {
	src.mu.Lock()
	delete(src.subscribers, sub)
	count := len(src.subscribers)
	src.mu.Unlock()

	if src.registry.listener != nil {
		src.registry.listener.OnSubscriberLeave(src.streamURL, count)
	}
	src.registry.release(src)
}

// killPublisher forcibly disconnects the active publisher.
func (src *MediaSource) killPublisher() error {
	src.mu.Lock()
	pub := src.publisher
	src.mu.Unlock()

	if pub == nil {
		return fmt.Errorf("router: %s has no publisher: %w", src.streamURL, rtmperr.ErrResourceConflict)
	}
	if pub.onKill != nil {
		pub.onKill()
	}
	return nil
}

// RequestKeyframe asks the active publisher to produce a keyframe, used
// by the RTC bridge when an RTC subscriber joins an RTMP-published
// stream.
func (src *MediaSource) RequestKeyframe() {
	src.mu.Lock()
	pub := src.publisher
	src.mu.Unlock()

	if pub != nil && pub.onKeyframeRequest != nil {
		pub.onKeyframeRequest()
	}
}

// Publisher is the write side of a media source. All methods must be
// called from the publishing connection's goroutine.
type Publisher struct {
	source *MediaSource

	// onKill disconnects the owning connection, set by it.
	onKill func()
	// onKeyframeRequest asks the owning connection's peer for a
	// keyframe, set by connections that can relay the request.
	onKeyframeRequest func()

	mixQueue []*chunk.Message
}

// SetOnKill registers the callback that forcibly disconnects the
// publishing connection.
func (p *Publisher) SetOnKill(fn func()) {
	p.onKill = fn
}

// SetOnKeyframeRequest registers the keyframe-request relay.
func (p *Publisher) SetOnKeyframeRequest(fn func()) {
	p.onKeyframeRequest = fn
}

// StreamURL returns the published stream's registry key.
func (p *Publisher) StreamURL() string {
	return p.source.streamURL
}

// SetMetaData stores the stream metadata and broadcasts it.
func (p *Publisher) SetMetaData(payload []byte, timestamp int64) {
	msg := &chunk.Message{
		Header: chunk.MessageHeader{
			MessageType:   chunk.TypeData,
			PayloadLength: uint32(len(payload)),
			Timestamp:     timestamp,
			PreferChunkID: chunk.CSIDData,
		},
	}
	msg.Payload = payloadChain(payload)

	src := p.source
	src.mu.Lock()
	src.metadata = msg
	subs := src.subscriberSnapshot()
	src.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(msg)
	}
}

// Publish classifies one media message, updates the source's cached
// state and broadcasts it to every subscriber.
func (p *Publisher) Publish(msg *chunk.Message) {
	if p.source.registry.opts.MixCorrect {
		p.mixQueue = append(p.mixQueue, msg)
		if len(p.mixQueue) <= mixQueueDepth {
			return
		}
		sort.SliceStable(p.mixQueue, func(i, j int) bool {
			return p.mixQueue[i].Header.Timestamp < p.mixQueue[j].Header.Timestamp
		})
		msg = p.mixQueue[0]
		p.mixQueue = p.mixQueue[1:]
	}
	p.dispatch(msg)
}

func (p *Publisher) dispatch(msg *chunk.Message) {
	src := p.source
	payload := msg.Bytes()

	src.mu.Lock()

	switch msg.Header.MessageType {
	case chunk.TypeAudio:
		if len(payload) > 0 && src.audioCodec == 0 {
			src.audioCodec = uint32(payload[0]>>4) & 0x0f
		}
		if IsAudioSequenceHeader(payload) {
			src.audioSH = msg
			src.logAudioConfig(payload)
		} else {
			src.cacheMessage(msg)
		}
	case chunk.TypeVideo:
		if len(payload) > 0 && src.videoCodec == 0 {
			src.videoCodec = uint32(payload[0] & 0x0f)
		}
		if IsVideoSequenceHeader(payload) {
			// A new sequence header invalidates everything cached after
			// the previous one.
			src.videoSH = msg
			src.clearGopCache()
			src.logVideoConfig(payload)
		} else {
			if IsVideoKeyframe(payload) {
				src.clearGopCache()
			}
			src.cacheMessage(msg)
		}
	}

	subs := src.subscriberSnapshot()
	src.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(msg)
	}
}

// Unpublish releases the publisher slot, flushing any mix-correct
// backlog and notifying subscribers the stream ended.
func (p *Publisher) Unpublish() {
	if len(p.mixQueue) > 0 {
		sort.SliceStable(p.mixQueue, func(i, j int) bool {
			return p.mixQueue[i].Header.Timestamp < p.mixQueue[j].Header.Timestamp
		})
		for _, msg := range p.mixQueue {
			p.dispatch(msg)
		}
		p.mixQueue = nil
	}

	src := p.source
	src.mu.Lock()
	if src.publisher != p {
		src.mu.Unlock()
		return
	}
	src.publisher = nil
	src.clearGopCache()
	src.metadata = nil
	src.audioSH = nil
	src.videoSH = nil
	src.audioCodec = 0
	src.videoCodec = 0
	subs := src.subscriberSnapshot()
	src.mu.Unlock()

	rtlog.Infof("[ROUTER] Publish stop '%s'", src.streamURL)
	if src.registry.listener != nil {
		src.registry.listener.OnPublishStop(src.streamURL)
	}

	for _, sub := range subs {
		sub.onPublisherGone()
	}

	src.registry.release(src)
}

// subscriberSnapshot copies the subscriber set for broadcast outside
// the lock. Caller holds src.mu.
func (src *MediaSource) subscriberSnapshot() []*Subscriber {
	subs := make([]*Subscriber, 0, len(src.subscribers))
	for sub := range src.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// logVideoConfig parses a video sequence header for the stream-info
// line. Caller holds src.mu.
func (src *MediaSource) logVideoConfig(payload []byte) {
	cfg := av.ReadAVCSpecificConfig(payload)
	switch cfg.Codec {
	case av.CodecVideoH264:
		rtlog.Infof("[ROUTER] '%s' video: H264 %dx%d profile %d level %.1f",
			src.streamURL, cfg.H264.Width, cfg.H264.Height, cfg.H264.Profile, cfg.H264.Level)
	case av.CodecVideoHEVC:
		rtlog.Infof("[ROUTER] '%s' video: H265 %dx%d profile %d",
			src.streamURL, cfg.HEVC.Width, cfg.HEVC.Height, cfg.HEVC.Profile)
	}
}

// logAudioConfig parses an audio sequence header for the stream-info
// line. Caller holds src.mu.
func (src *MediaSource) logAudioConfig(payload []byte) {
	soundFormat := (payload[0] >> 4) & 0x0f
	if soundFormat != soundFormatAAC {
		return
	}
	cfg := av.ReadAACSpecificConfig(payload)
	rtlog.Infof("[ROUTER] '%s' audio: AAC %d Hz %d channels",
		src.streamURL, cfg.SampleRate, cfg.Channels)
}

// cacheMessage appends to the GOP cache, evicting oldest entries past
// the byte limit. Caller holds src.mu.
func (src *MediaSource) cacheMessage(msg *chunk.Message) {
	if src.registry.opts.GOPCacheDisabled {
		return
	}

	src.gopCache = append(src.gopCache, msg)
	src.gopSize += int64(msg.Header.PayloadLength) + messageBaseSize

	for src.gopSize > src.registry.opts.GOPCacheLimit && len(src.gopCache) > 0 {
		evicted := src.gopCache[0]
		src.gopCache = src.gopCache[1:]
		src.gopSize -= int64(evicted.Header.PayloadLength) + messageBaseSize
	}
}

// clearGopCache drops the cache. Caller holds src.mu.
func (src *MediaSource) clearGopCache() {
	src.gopCache = nil
	src.gopSize = 0
}
