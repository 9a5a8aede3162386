// Package codec provides a unified codec registry for the elementary streams
// the transmuxer understands. It maps manifest codec strings and aliases to
// canonical names and knows which MPEG-TS stream types carry each codec.
package codec

import "strings"

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC  Audio = "aac"  // AAC
	AudioMP3  Audio = "mp3"  // MPEG-1/2 audio
	AudioAC3  Audio = "ac3"  // Dolby Digital (AC-3)
	AudioEAC3 Audio = "eac3" // Dolby Digital Plus (E-AC-3)
)

// Container represents a segment container format.
type Container string

// Container format constants.
const (
	ContainerMPEGTS Container = "mpegts" // MPEG Transport Stream
	ContainerFMP4   Container = "fmp4"   // Fragmented MP4 (CMAF)
	ContainerAAC    Container = "aac"    // Raw ADTS
	ContainerMP3    Container = "mp3"    // Raw MPEG audio
	ContainerAC3    Container = "ac3"    // Raw AC-3
)

func (v Video) String() string {
	return string(v)
}

func (a Audio) String() string {
	return string(a)
}

func (c Container) String() string {
	return string(c)
}

// SegmentCodec is the short codec name used on demuxed tracks.
func (v Video) SegmentCodec() string {
	if v == VideoH265 {
		return "hevc"
	}
	return "avc"
}

// MPEG-TS stream type constants.
const (
	StreamTypeMPEG1Audio     uint8 = 0x03
	StreamTypeMPEG2Audio     uint8 = 0x04
	StreamTypePrivateData    uint8 = 0x06
	StreamTypeAAC            uint8 = 0x0F
	StreamTypeMetadata       uint8 = 0x15
	StreamTypeH264           uint8 = 0x1B
	StreamTypeH265           uint8 = 0x24
	StreamTypeAC3            uint8 = 0x81
	StreamTypeEAC3           uint8 = 0x87
	StreamTypeSampleAESAC3   uint8 = 0xC1
	StreamTypeSampleAESEAC3  uint8 = 0xC2
	StreamTypeSampleAESAAC   uint8 = 0xCF
	StreamTypeSampleAESH264  uint8 = 0xDB
	DescriptorTagAC3         uint8 = 0x6A
	DescriptorTagEnhancedAC3 uint8 = 0x7A
)

// videoInfo contains metadata about a video codec.
type videoInfo struct {
	// Canonical name (h264, h265)
	Name Video
	// All known aliases and manifest names that map to this codec
	Aliases []string
	// MPEG-TS stream type identifiers, clear first
	StreamTypes []uint8
	// Whether the codec is only handled with advanced codecs enabled
	Advanced bool
}

// audioInfo contains metadata about an audio codec.
type audioInfo struct {
	// Canonical name (aac, mp3, ...)
	Name Audio
	// All known aliases and manifest names that map to this codec
	Aliases []string
	// MPEG-TS stream type identifiers, clear first
	StreamTypes []uint8
	// Whether the codec is only handled with advanced codecs enabled
	Advanced bool
	// Whether the transmuxer can remux the codec to fMP4
	Remuxable bool
}

// videoRegistry contains all video codec definitions.
var videoRegistry = map[Video]*videoInfo{
	VideoH264: {
		Name:        VideoH264,
		Aliases:     []string{"h264", "avc", "avc1", "avc3", "h.264"},
		StreamTypes: []uint8{StreamTypeH264, StreamTypeSampleAESH264},
	},
	VideoH265: {
		Name:        VideoH265,
		Aliases:     []string{"h265", "hevc", "hev1", "hvc1", "h.265"},
		StreamTypes: []uint8{StreamTypeH265},
		Advanced:    true,
	},
}

// audioRegistry contains all audio codec definitions.
var audioRegistry = map[Audio]*audioInfo{
	AudioAAC: {
		Name:        AudioAAC,
		Aliases:     []string{"aac", "mp4a", "adts"},
		StreamTypes: []uint8{StreamTypeAAC, StreamTypeSampleAESAAC},
		Remuxable:   true,
	},
	AudioMP3: {
		Name:        AudioMP3,
		Aliases:     []string{"mp3", "mp2", "mpga", "mp4a.40.34", "mp4a.6b", "mp4a.69"},
		StreamTypes: []uint8{StreamTypeMPEG1Audio, StreamTypeMPEG2Audio},
		Remuxable:   true,
	},
	AudioAC3: {
		Name:        AudioAC3,
		Aliases:     []string{"ac3", "ac-3", "a52"},
		StreamTypes: []uint8{StreamTypeAC3, StreamTypeSampleAESAC3},
		Advanced:    true,
		Remuxable:   true,
	},
	AudioEAC3: {
		Name:        AudioEAC3,
		Aliases:     []string{"eac3", "ec-3", "e-ac-3"},
		StreamTypes: []uint8{StreamTypeEAC3, StreamTypeSampleAESEAC3},
		Advanced:    true,
	},
}

// videoAliasIndex maps all aliases to their canonical codec.
var videoAliasIndex map[string]Video

// audioAliasIndex maps all aliases to their canonical codec.
var audioAliasIndex map[string]Audio

func init() {
	videoAliasIndex = make(map[string]Video)
	for codec, info := range videoRegistry {
		for _, alias := range info.Aliases {
			videoAliasIndex[strings.ToLower(alias)] = codec
		}
	}

	audioAliasIndex = make(map[string]Audio)
	for codec, info := range audioRegistry {
		for _, alias := range info.Aliases {
			audioAliasIndex[strings.ToLower(alias)] = codec
		}
	}
}

// ParseVideo parses a codec name, alias or RFC 6381 string to a Video codec.
// Returns the canonical codec and whether the parse was successful.
func ParseVideo(s string) (Video, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if codec, ok := videoAliasIndex[s]; ok {
		return codec, true
	}
	if base, _, found := strings.Cut(s, "."); found {
		codec, ok := videoAliasIndex[base]
		return codec, ok
	}
	return "", false
}

// ParseAudio parses a codec name, alias or RFC 6381 string to an Audio codec.
// Returns the canonical codec and whether the parse was successful.
func ParseAudio(s string) (Audio, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if codec, ok := audioAliasIndex[s]; ok {
		return codec, true
	}
	if base, _, found := strings.Cut(s, "."); found {
		codec, ok := audioAliasIndex[base]
		return codec, ok
	}
	return "", false
}

// NormalizeHLSCodec normalizes codec strings from HLS manifests to canonical
// form. Returns the input unchanged if not recognized.
func NormalizeHLSCodec(name string) string {
	if v, ok := ParseVideo(name); ok {
		return string(v)
	}
	if a, ok := ParseAudio(name); ok {
		return string(a)
	}
	return name
}

// IsAdvanced reports whether the codec is gated behind advanced codec support.
func IsAdvanced(name string) bool {
	if v, ok := ParseVideo(name); ok {
		return videoRegistry[v].Advanced
	}
	if a, ok := ParseAudio(name); ok {
		return audioRegistry[a].Advanced
	}
	return false
}

// IsRemuxable reports whether an audio codec can be remuxed to fMP4.
func IsRemuxable(a Audio) bool {
	info, ok := audioRegistry[a]
	return ok && info.Remuxable
}

// IsSampleAESStreamType reports whether a PMT stream type signals SAMPLE-AES.
func IsSampleAESStreamType(st uint8) bool {
	switch st {
	case StreamTypeSampleAESH264, StreamTypeSampleAESAAC,
		StreamTypeSampleAESAC3, StreamTypeSampleAESEAC3:
		return true
	}
	return false
}

// StreamTypeName returns a human readable name for a PMT stream type.
func StreamTypeName(st uint8) string {
	for _, info := range videoRegistry {
		for _, t := range info.StreamTypes {
			if t == st {
				return string(info.Name)
			}
		}
	}
	for _, info := range audioRegistry {
		for _, t := range info.StreamTypes {
			if t == st {
				return string(info.Name)
			}
		}
	}
	switch st {
	case StreamTypeMetadata:
		return "id3"
	case StreamTypePrivateData:
		return "private"
	}
	return "unknown"
}

// ValidVideoCodecs returns every canonical video codec keyed by its name.
func ValidVideoCodecs() map[string]Video {
	out := make(map[string]Video, len(videoRegistry))
	for codec := range videoRegistry {
		out[string(codec)] = codec
	}
	return out
}

// ValidAudioCodecs returns every canonical audio codec keyed by its name.
func ValidAudioCodecs() map[string]Audio {
	out := make(map[string]Audio, len(audioRegistry))
	for codec := range audioRegistry {
		out[string(codec)] = codec
	}
	return out
}
