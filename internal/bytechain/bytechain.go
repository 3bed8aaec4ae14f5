// Package bytechain implements a zero-copy, reference-counted buffer
// chain: a sequence of immutable-once-shared byte segments that can be
// appended to, duplicated cheaply (copy-on-write), split at an offset
// ("disjoint"), and coalesced into one contiguous slice ("flatten").
//
// Duplicating a chain bumps segment refcounts instead of copying bytes;
// any subsequent write to a shared segment clones it first.
package bytechain

import (
	"errors"
	"sync/atomic"
)

// ErrPartialData reports a cursor advance that ran past the available
// region: the cursor moved as far as it could, but fewer bytes than
// requested were covered.
var ErrPartialData = errors.New("bytechain: partial data")

// segment is one physically contiguous block of bytes, shared by
// refcount across chains that were produced via Duplicate. Bytes in
// [0, written) are valid; [written, len(data)) is spare capacity the
// write cursor has not yet covered.
type segment struct {
	data     []byte
	written  int
	refcount *int32
	readOnly bool
}

func newSegment(data []byte) *segment {
	rc := int32(1)
	return &segment{data: data, written: len(data), refcount: &rc}
}

func newBlankSegment(capacity int) *segment {
	rc := int32(1)
	return &segment{data: make([]byte, capacity), refcount: &rc}
}

func (s *segment) retain() *segment {
	atomic.AddInt32(s.refcount, 1)
	return s
}

func (s *segment) release() {
	atomic.AddInt32(s.refcount, -1)
}

func (s *segment) shared() bool {
	return atomic.LoadInt32(s.refcount) > 1
}

// clone returns a private, writable copy of the segment's current bytes.
func (s *segment) clone() *segment {
	cp := make([]byte, len(s.data))
	copy(cp, s.data)
	seg := newSegment(cp)
	seg.written = s.written
	return seg
}

// Chain is a sequence of byte segments with independent read and write
// cursors. The zero value is an empty, writable chain.
type Chain struct {
	segments []*segment
	// readSeg/readOff locate the next unread byte.
	readSeg int
	readOff int
	// length is the total number of unread bytes, cached for O(1) Len.
	length int
}

// New creates a chain seeded with data. The chain takes ownership of
// data; callers must not mutate it afterward.
func New(data []byte) *Chain {
	c := &Chain{}
	if len(data) > 0 {
		c.segments = append(c.segments, newSegment(data))
		c.length = len(data)
	}
	return c
}

// NewCapacity allocates a chain with one fresh, empty segment of the
// given capacity. Nothing is readable until the write cursor advances
// over filled bytes.
func NewCapacity(capacity int) *Chain {
	c := &Chain{}
	if capacity > 0 {
		c.segments = append(c.segments, newBlankSegment(capacity))
	}
	return c
}

// Wrap creates a chain over an externally owned byte range. The
// borrowed segment is marked read-only, so any write through the chain
// clones it first and the wrapped bytes are never mutated; the caller
// must keep data alive for the chain's lifetime.
func Wrap(data []byte) *Chain {
	c := New(data)
	for _, s := range c.segments {
		s.readOnly = true
	}
	return c
}

// Len returns the number of unread bytes remaining in the chain.
func (c *Chain) Len() int {
	return c.length
}

// Append adds a new segment of owned bytes to the end of the chain.
// This never copies; data becomes a new segment.
func (c *Chain) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	c.segments = append(c.segments, newSegment(data))
	c.length += len(data)
}

// AdvanceRead consumes n unread bytes, moving the read cursor forward
// across segment boundaries. The cursor advances as far as it can; if
// fewer than n bytes were unread, ErrPartialData reports the short
// advance.
func (c *Chain) AdvanceRead(n int) error {
	for n > 0 && c.readSeg < len(c.segments) {
		seg := c.segments[c.readSeg]
		remaining := seg.written - c.readOff
		if n < remaining {
			c.readOff += n
			c.length -= n
			n = 0
		} else {
			c.length -= remaining
			n -= remaining
			c.readSeg++
			c.readOff = 0
		}
	}
	if n > 0 {
		return ErrPartialData
	}
	return nil
}

// AdvanceWrite marks n bytes of spare segment capacity as written,
// moving the write cursor forward across segment boundaries and making
// the covered bytes readable. The cursor advances as far as capacity
// allows; if less than n capacity remained, ErrPartialData reports the
// short advance.
func (c *Chain) AdvanceWrite(n int) error {
	for i := 0; n > 0 && i < len(c.segments); i++ {
		if c.segments[i].written >= len(c.segments[i].data) {
			continue
		}
		s := c.writableSegment(i)
		spare := len(s.data) - s.written
		if spare > n {
			spare = n
		}
		s.written += spare
		c.length += spare
		n -= spare
	}
	if n > 0 {
		return ErrPartialData
	}
	return nil
}

// Peek returns up to n unread bytes without advancing the read cursor.
// The returned slices alias shared storage and must be treated as
// read-only by the caller.
func (c *Chain) Peek(n int) [][]byte {
	var out [][]byte
	seg := c.readSeg
	off := c.readOff
	for n > 0 && seg < len(c.segments) {
		data := c.segments[seg].data[off:c.segments[seg].written]
		if len(data) > n {
			data = data[:n]
		}
		if len(data) > 0 {
			out = append(out, data)
		}
		n -= len(data)
		seg++
		off = 0
	}
	return out
}

// Read copies up to len(dst) unread bytes into dst and advances the
// read cursor, returning the number of bytes copied.
func (c *Chain) Read(dst []byte) int {
	n := 0
	for _, b := range c.Peek(len(dst)) {
		n += copy(dst[n:], b)
	}
	c.AdvanceRead(n) //nolint:errcheck
	return n
}

// FillIOV appends the unread byte ranges of the chain to iov for a
// vectored-write syscall, up to max bytes (no limit when max < 0). The
// returned slices alias shared storage.
func (c *Chain) FillIOV(iov [][]byte, max int) [][]byte {
	if max < 0 {
		max = c.length
	}
	return append(iov, c.Peek(max)...)
}

// Flatten coalesces all unread bytes into one contiguous slice.
// This is the one operation that always copies if more than one segment
// remains unread; single-segment chains are returned without copying,
// so the slice then aliases the segment's shared storage.
func (c *Chain) Flatten() []byte {
	if c.length == 0 {
		return nil
	}
	if c.readSeg < len(c.segments) {
		seg := c.segments[c.readSeg]
		if seg.written-c.readOff == c.length {
			return seg.data[c.readOff:seg.written]
		}
	}
	out := make([]byte, 0, c.length)
	for _, b := range c.Peek(c.length) {
		out = append(out, b...)
	}
	return out
}

// Duplicate returns a new Chain sharing the same underlying segments.
// Both chains are promoted read-only for the shared segments: any
// future Write on either chain first clones the segment it touches
// (copy-on-write), so duplication is O(segment count), not O(bytes).
func (c *Chain) Duplicate() *Chain {
	dup := &Chain{
		segments: make([]*segment, len(c.segments)),
		readSeg:  c.readSeg,
		readOff:  c.readOff,
		length:   c.length,
	}
	for i, seg := range c.segments {
		seg.readOnly = true
		dup.segments[i] = seg.retain()
	}
	return dup
}

// Disjoint splits the chain's unread region at offset n into two
// independent chains sharing storage with the original via retained
// segments: the first contains bytes [0,n), the second [n,len).
func (c *Chain) Disjoint(n int) (*Chain, *Chain) {
	if n <= 0 {
		return New(nil), c.Duplicate()
	}
	if n >= c.length {
		return c.Duplicate(), New(nil)
	}

	left := &Chain{readOff: c.readOff}
	right := &Chain{}

	seg := c.readSeg
	off := c.readOff
	remaining := n

	// Walk segments up to the split point; every segment touched is
	// retained by left. The segment straddling the split point (if any)
	// is retained by both sides: left sees bytes [off, off+remaining),
	// right starts reading at off+remaining within the same segment.
	for remaining > 0 {
		s := c.segments[seg]
		s.readOnly = true
		avail := s.written - off
		left.segments = append(left.segments, s.retain())
		if remaining < avail {
			left.length += remaining
			right.segments = append(right.segments, s.retain())
			right.readOff = off + remaining
			seg++
			off = 0
			remaining = 0
			break
		}
		left.length += avail
		remaining -= avail
		seg++
		off = 0
	}

	for i := seg; i < len(c.segments); i++ {
		c.segments[i].readOnly = true
		right.segments = append(right.segments, c.segments[i].retain())
	}
	right.length = c.length - n

	return left, right
}

// writableSegment returns a segment at the write cursor that is safe to
// mutate in place, cloning it first if it is shared with another chain.
func (c *Chain) writableSegment(idx int) *segment {
	s := c.segments[idx]
	if s.shared() || s.readOnly {
		cloned := s.clone()
		c.segments[idx] = cloned
		s.release()
		return cloned
	}
	return s
}

// WriteAt overwrites bytes starting at unread-offset pos with data,
// extending the chain if pos+len(data) exceeds the current length.
// Segments touched that are shared with another chain (via Duplicate
// or Disjoint) are cloned first, so the write never mutates bytes a
// sibling chain is still reading (copy-on-write).
func (c *Chain) WriteAt(pos int, data []byte) {
	if pos > c.length {
		pos = c.length
	}
	seg := c.readSeg
	off := c.readOff
	remaining := pos
	for remaining > 0 && seg < len(c.segments) {
		avail := c.segments[seg].written - off
		if remaining < avail {
			off += remaining
			remaining = 0
		} else {
			remaining -= avail
			seg++
			off = 0
		}
	}

	i := 0
	for i < len(data) && seg < len(c.segments) {
		s := c.writableSegment(seg)
		n := copy(s.data[off:s.written], data[i:])
		if n == 0 {
			seg++
			off = 0
			continue
		}
		i += n
		off += n
		if off >= s.written {
			seg++
			off = 0
		}
	}
	if i < len(data) {
		c.Append(append([]byte(nil), data[i:]...))
	}
}

// Release drops this chain's reference to all of its segments. A chain
// must not be used after Release.
func (c *Chain) Release() {
	for _, s := range c.segments {
		s.release()
	}
	c.segments = nil
	c.length = 0
}
