// Package av parses audio/video codec sequence headers: AudioSpecificConfig
// (AAC), AVCDecoderConfigurationRecord (H.264) and the HEVC equivalent,
// the way the RTC<->RTMP bridge and the media router need to in order to
// classify sequence headers and keyframes.
package av

// Bitop is a cursor over a byte slice that reads an arbitrary number of
// bits at a time, most-significant-bit first.
type Bitop struct {
	buffer []byte
	buflen uint32
	bufpos uint32
	bufoff uint32
	iserr  bool
}

// NewBitop wraps buf for bit-level reading.
func NewBitop(buf []byte) *Bitop {
	return &Bitop{buffer: buf, buflen: uint32(len(buf))}
}

// Read consumes and returns the next n bits as an unsigned integer.
func (b *Bitop) Read(n uint32) uint32 {
	var v, d uint32
	for n > 0 {
		if b.bufpos >= b.buflen {
			b.iserr = true
			return v
		}
		if b.bufoff+n > 8 {
			d = 8 - b.bufoff
		} else {
			d = n
		}

		v <<= d
		v += uint32((b.buffer[b.bufpos] >> byte(8-b.bufoff-d)) & (0xff >> byte(8-d)))

		b.bufoff += d
		n -= d

		if b.bufoff == 8 {
			b.bufpos++
			b.bufoff = 0
		}
	}
	return v
}

// Look returns the next n bits without advancing the cursor.
func (b *Bitop) Look(n uint32) uint32 {
	savedPos, savedOff := b.bufpos, b.bufoff
	v := b.Read(n)
	b.bufpos, b.bufoff = savedPos, savedOff
	return v
}

// ReadGolomb reads one Exp-Golomb coded unsigned value, as used throughout
// the H.264/HEVC SPS bitstream.
func (b *Bitop) ReadGolomb() uint32 {
	var n uint32
	for b.Read(1) == 0 && !b.iserr {
		n++
	}
	return (1 << n) + b.Read(n) - 1
}

// Err reports whether a read has run past the end of the buffer.
func (b *Bitop) Err() bool {
	return b.iserr
}
