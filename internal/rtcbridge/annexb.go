package rtcbridge

import (
	"encoding/binary"
)

// H.264 NALU types the bridge classifies.
const (
	naluTypeIDR = 5
	naluTypeSEI = 6
	naluTypeSPS = 7
	naluTypePPS = 8
	naluTypeAUD = 9
)

func naluType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1f
}

// SplitAnnexB scans an Annex-B elementary stream for NALUs, accepting
// both the 4-byte (00 00 00 01) and 3-byte (00 00 01) start codes.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 {
			var codeLen int
			if data[i+2] == 1 {
				codeLen = 3
			} else if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				codeLen = 4
			}
			if codeLen > 0 {
				if start >= 0 && i > start {
					nalus = append(nalus, data[start:i])
				}
				i += codeLen
				start = i
				continue
			}
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// BuildAVCSequenceHeader assembles the RTMP video sequence header
// payload carrying an AVCDecoderConfigurationRecord built from the
// given SPS and PPS.
func BuildAVCSequenceHeader(sps []byte, pps []byte) []byte {
	b := make([]byte, 0, 16+len(sps)+len(pps))

	b = append(b, 0x17)             // keyframe | AVC
	b = append(b, 0x00)             // AVC sequence header
	b = append(b, 0x00, 0x00, 0x00) // composition time

	b = append(b, 0x01)                   // configurationVersion
	b = append(b, sps[1], sps[2], sps[3]) // profile, compat, level
	b = append(b, 0xFF)                   // 4-byte NALU lengths
	b = append(b, 0xE1)                   // one SPS

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(sps)))
	b = append(b, l[:]...)
	b = append(b, sps...)

	b = append(b, 0x01) // one PPS
	binary.BigEndian.PutUint16(l[:], uint16(len(pps)))
	b = append(b, l[:]...)
	b = append(b, pps...)

	return b
}

// BuildAVCCFrame assembles an RTMP video payload from NALUs: the frame
// type byte, AVC NALU packet type, zero composition time, then each
// NALU with a 4-byte length prefix.
func BuildAVCCFrame(keyframe bool, nalus [][]byte) []byte {
	size := 5
	for _, n := range nalus {
		size += 4 + len(n)
	}
	b := make([]byte, 0, size)

	if keyframe {
		b = append(b, 0x17)
	} else {
		b = append(b, 0x27)
	}
	b = append(b, 0x01)             // AVC NALU
	b = append(b, 0x00, 0x00, 0x00) // composition time

	var l [4]byte
	for _, n := range nalus {
		binary.BigEndian.PutUint32(l[:], uint32(len(n)))
		b = append(b, l[:]...)
		b = append(b, n...)
	}
	return b
}

// ParseAVCSequenceHeader extracts the SPS and PPS sets from an RTMP
// video sequence header payload, for the outbound AVCC to Annex-B
// direction.
func ParseAVCSequenceHeader(payload []byte) (sps [][]byte, pps [][]byte) {
	if len(payload) < 11 {
		return nil, nil
	}
	p := payload[10:] // skip tag header(5) + version/profile/compat/level/lengthSize

	numSPS := int(p[0] & 0x1f)
	p = p[1:]
	for i := 0; i < numSPS && len(p) >= 2; i++ {
		n := int(binary.BigEndian.Uint16(p[0:2]))
		p = p[2:]
		if len(p) < n {
			return sps, pps
		}
		sps = append(sps, p[:n])
		p = p[n:]
	}

	if len(p) < 1 {
		return sps, pps
	}
	numPPS := int(p[0])
	p = p[1:]
	for i := 0; i < numPPS && len(p) >= 2; i++ {
		n := int(binary.BigEndian.Uint16(p[0:2]))
		p = p[2:]
		if len(p) < n {
			return sps, pps
		}
		pps = append(pps, p[:n])
		p = p[n:]
	}

	return sps, pps
}

// AVCCToAnnexB converts the NALU section of an RTMP video payload
// (after the 5-byte tag header) into an Annex-B stream with 4-byte
// start codes.
func AVCCToAnnexB(payload []byte) []byte {
	if len(payload) < 5 {
		return nil
	}
	p := payload[5:]
	out := make([]byte, 0, len(p)+16)
	for len(p) >= 4 {
		n := binary.BigEndian.Uint32(p[0:4])
		p = p[4:]
		if uint32(len(p)) < n {
			break
		}
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, p[:n]...)
		p = p[n:]
	}
	return out
}
