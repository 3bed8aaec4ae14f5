package av

// AudioCodecName maps an RTMP SoundFormat nibble to a human name, used
// only for log/debug output. Index 10 (AAC) and 13 (OPUS, HEVC-era
// extension) are the ones rtcbridge and router care about.
var AudioCodecName = []string{
	"", "ADPCM", "MP3", "LinearLE", "Nellymoser16", "Nellymoser8",
	"Nellymoser", "G711A", "G711U", "", "AAC", "Speex", "", "OPUS",
	"MP3-8K", "DeviceSpecific", "Uncompressed",
}

// VideoCodecName maps an RTMP CodecID nibble to a human name.
var VideoCodecName = []string{
	"", "Jpeg", "Sorenson-H263", "ScreenVideo", "On2-VP6", "On2-VP6-Alpha",
	"ScreenVideo2", "H264", "", "", "", "", "H265",
}

const (
	CodecAudioAAC  = 10
	CodecVideoH264 = 7
	CodecVideoHEVC = 12
)

var aacSampleRate = []uint32{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

var aacChannels = []uint32{0, 1, 2, 3, 4, 5, 6, 8}

// AACSpecificConfig is the parsed AudioSpecificConfig embedded in an AAC
// sequence header (the two bytes following the RTMP AudioTagHeader).
type AACSpecificConfig struct {
	ObjectType    uint32
	SampleRate    uint32
	SamplingIndex byte
	ChanConfig    uint32
	Channels      uint32
	SBR           int32
	PS            int32
	ExtObjectType uint32
}

func getAudioObjectType(b *Bitop) uint32 {
	r := b.Read(5)
	if r == 31 {
		r = b.Read(6) + 32
	}
	return r
}

func getAudioSampleRate(b *Bitop, samplingIndex byte) uint32 {
	if samplingIndex == 0x0f {
		return b.Read(24)
	}
	if int(samplingIndex) < len(aacSampleRate) {
		return aacSampleRate[samplingIndex]
	}
	return 0
}

// ReadAACSpecificConfig parses the AudioSpecificConfig out of a raw AAC
// sequence header payload, skipping the leading SoundFormat/rate/size/
// type byte and the AACPacketType byte.
func ReadAACSpecificConfig(aacSequenceHeader []byte) AACSpecificConfig {
	res := AACSpecificConfig{SBR: -1, PS: -1}
	if len(aacSequenceHeader) < 2 {
		return res
	}
	b := NewBitop(aacSequenceHeader)
	b.Read(16)

	res.ObjectType = getAudioObjectType(b)
	res.SamplingIndex = byte(b.Read(4))
	res.SampleRate = getAudioSampleRate(b, res.SamplingIndex)
	res.ChanConfig = b.Read(4)
	if int(res.ChanConfig) < len(aacChannels) {
		res.Channels = aacChannels[res.ChanConfig]
	}

	if res.ObjectType == 5 || res.ObjectType == 29 {
		if res.ObjectType == 29 {
			res.PS = 1
		}
		res.ExtObjectType = 5
		res.SBR = 1
		res.SamplingIndex = byte(b.Read(4))
		res.SampleRate = getAudioSampleRate(b, res.SamplingIndex)
		res.ObjectType = getAudioObjectType(b)
	}

	return res
}

// H264SpecificConfig is the geometry/profile info extracted from the SPS
// embedded in an AVCDecoderConfigurationRecord.
type H264SpecificConfig struct {
	Width       uint32
	Height      uint32
	Profile     byte
	Compat      byte
	Level       float32
	NALULenSize byte
	NumSPS      byte
	RefFrames   uint32
}

// ReadH264SpecificConfig parses width/height/profile/level out of an AVC
// video-tag payload: frame_type/codec byte, AVCPacketType byte, 3-byte
// composition time, then the AVCDecoderConfigurationRecord itself.
func ReadH264SpecificConfig(avcSequenceHeader []byte) H264SpecificConfig {
	var res H264SpecificConfig
	if len(avcSequenceHeader) < 6 {
		return res
	}
	b := NewBitop(avcSequenceHeader)
	b.Read(48)

	res.Profile = byte(b.Read(8))
	res.Compat = byte(b.Read(8))
	res.Level = float32(b.Read(8))

	res.NALULenSize = byte(b.Read(8)&0x03) + 1
	res.NumSPS = byte(b.Read(8)) & 0x1F

	if res.NumSPS == 0 {
		return res
	}

	b.Read(16) // SPS NALU length
	nt := b.Read(8)
	if nt != 0x67 {
		return res
	}

	profileIDC := b.Read(8)
	b.Read(8)      // constraint flags
	b.Read(8)      // level
	b.ReadGolomb() // sps id

	if profileIDC == 100 || profileIDC == 110 || profileIDC == 122 || profileIDC == 244 ||
		profileIDC == 44 || profileIDC == 83 || profileIDC == 86 || profileIDC == 118 {
		cfIDC := b.ReadGolomb()
		if cfIDC == 3 {
			b.Read(1)
		}
		b.ReadGolomb() // bit depth luma - 8
		b.ReadGolomb() // bit depth chroma - 8
		b.Read(1)      // qpprime y zero transform bypass
		if b.Read(1) != 0 {
			if cfIDC == 3 {
				b.Read(12)
			} else {
				b.Read(8)
			}
		}
	}

	b.ReadGolomb() // log2 max frame num
	cntType := b.ReadGolomb()
	switch cntType {
	case 0:
		b.ReadGolomb()
	case 1:
		b.Read(1)
		b.ReadGolomb()
		b.ReadGolomb()
		numRef := b.ReadGolomb()
		for i := uint32(0); i < numRef; i++ {
			b.ReadGolomb()
		}
	}

	res.RefFrames = b.ReadGolomb()
	b.Read(1) // gaps in frame num allowed

	width := b.ReadGolomb()
	height := b.ReadGolomb()
	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1)
	}
	b.Read(1) // direct 8x8 inference

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if b.Read(1) != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	res.Level = res.Level / 10.0
	res.Width = (width+1)*16 - (cropLeft+cropRight)*2
	res.Height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2

	return res
}

// HEVCSpecificConfig carries the subset of HEVCDecoderConfigurationRecord
// fields the router's debug output and stream metadata need.
type HEVCSpecificConfig struct {
	Width   uint32
	Height  uint32
	Profile uint32
	Level   float32
}

// ReadHEVCSpecificConfig parses an HVCC sequence header, locating the SPS
// NALU inside the array-of-arrays layout HEVCDecoderConfigurationRecord
// defines and reading its cropped picture dimensions.
func ReadHEVCSpecificConfig(hevcSequenceHeader []byte) HEVCSpecificConfig {
	var info HEVCSpecificConfig
	if len(hevcSequenceHeader) < 23 {
		return info
	}
	h := hevcSequenceHeader
	if h[0] != 1 {
		return info
	}

	generalProfileIDC := uint32(h[1]) & 0x1F
	generalLevelIDC := uint32(h[12])

	numOfArrays := int(h[22])
	p := h[23:]
	for i := 0; i < numOfArrays && len(p) >= 3; i++ {
		nalType := p[0] & 0x3F
		n := (uint32(p[1]) << 8) | uint32(p[2])
		p = p[3:]
		for j := uint32(0); j < n && len(p) >= 2; j++ {
			k := (uint32(p[0]) << 8) | uint32(p[1])
			p = p[2:]
			if uint32(len(p)) < k {
				return info
			}
			if nalType == 33 { // SPS
				sps := parseHEVCSPS(p[:k])
				info.Profile = generalProfileIDC
				info.Level = float32(generalLevelIDC) / 30.0
				info.Width = sps.picWidth - (sps.cropLeft + sps.cropRight)
				info.Height = sps.picHeight - (sps.cropTop + sps.cropBottom)
			}
			p = p[k:]
		}
	}

	return info
}

type hevcSPS struct {
	picWidth, picHeight                      uint32
	cropLeft, cropRight, cropTop, cropBottom uint32
}

// parseHEVCSPS walks the emulation-prevention-stripped RBSP of an HEVC SPS
// NALU far enough to recover the coded picture size and conformance crop.
func parseHEVCSPS(nalu []byte) hevcSPS {
	var sps hevcSPS

	rbsp := make([]byte, 0, len(nalu))
	for i := 0; i < len(nalu); i++ {
		if i+2 < len(nalu) && nalu[i] == 0 && nalu[i+1] == 0 && nalu[i+2] == 3 {
			rbsp = append(rbsp, nalu[i], nalu[i+1])
			i += 2
			continue
		}
		rbsp = append(rbsp, nalu[i])
	}

	b := NewBitop(rbsp)
	b.Read(16) // NALU header (forbidden/type/layer/temporal)
	b.Read(4)  // sps_video_parameter_set_id
	maxSubLayersMinus1 := b.Read(3)
	b.Read(1) // sps_temporal_id_nesting_flag

	skipProfileTierLevel(b, maxSubLayersMinus1)

	b.ReadGolomb() // sps_seq_parameter_set_id
	chromaFormatIDC := b.ReadGolomb()
	if chromaFormatIDC == 3 {
		b.Read(1)
	}
	sps.picWidth = b.ReadGolomb()
	sps.picHeight = b.ReadGolomb()

	if b.Read(1) != 0 { // conformance_window_flag
		vertMult := uint32(2)
		if chromaFormatIDC >= 2 {
			vertMult = 1
		}
		horizMult := uint32(2)
		if chromaFormatIDC >= 3 {
			horizMult = 1
		}
		sps.cropLeft = b.ReadGolomb() * horizMult
		sps.cropRight = b.ReadGolomb() * horizMult
		sps.cropTop = b.ReadGolomb() * vertMult
		sps.cropBottom = b.ReadGolomb() * vertMult
	}

	return sps
}

func skipProfileTierLevel(b *Bitop, maxSubLayersMinus1 uint32) {
	b.Read(2 + 1 + 5) // profile_space, tier_flag, profile_idc
	b.Read(32)        // profile_compatibility_flags
	b.Read(4)         // progressive/interlaced/non-packed/frame-only source flags
	b.Read(32)
	b.Read(12)
	b.Read(8) // general_level_idc

	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		profilePresent[i] = b.Read(1) != 0
		levelPresent[i] = b.Read(1) != 0
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			b.Read(2)
		}
	}
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			b.Read(2 + 1 + 5 + 32 + 4 + 32 + 12)
		}
		if levelPresent[i] {
			b.Read(8)
		}
	}
}

// AVCSpecificConfig is the codec-dispatching wrapper over the H.264/HEVC
// sequence header parsers, selected by the low nibble of the video tag's
// first byte (CodecID).
type AVCSpecificConfig struct {
	Codec uint32
	H264  H264SpecificConfig
	HEVC  HEVCSpecificConfig
}

// ReadAVCSpecificConfig dispatches a video sequence-header payload (first
// byte still attached) to the matching codec parser.
func ReadAVCSpecificConfig(sequenceHeader []byte) AVCSpecificConfig {
	if len(sequenceHeader) == 0 {
		return AVCSpecificConfig{}
	}
	codec := uint32(sequenceHeader[0] & 0x0f)
	r := AVCSpecificConfig{Codec: codec}
	switch codec {
	case CodecVideoH264:
		r.H264 = ReadH264SpecificConfig(sequenceHeader)
	case CodecVideoHEVC:
		r.HEVC = ReadHEVCSpecificConfig(sequenceHeader[5:])
	}
	return r
}
