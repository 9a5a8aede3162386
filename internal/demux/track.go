package demux

import (
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// TrackType identifies the kind of elementary stream a track carries.
type TrackType string

// Track types.
const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
	TrackID3   TrackType = "id3"
	TrackText  TrackType = "text"
)

// Track ids handed to the remuxer. They are stable for the lifetime of a
// demuxer so that fragments from consecutive segments share a track id.
const (
	VideoTrackID = 1
	AudioTrackID = 2
	ID3TrackID   = 3
	TextTrackID  = 4
)

// Timescale is the input clock of transport stream and raw audio tracks.
const Timescale = 90000

// infiniteDuration marks metadata samples without an end.
var infiniteDuration = math.Inf(1)

// Metadata sample schemes.
const (
	MetadataSchemaAudioID3 = "org.id3"
	MetadataSchemaEmsg     = "https://aomedia.org/emsg/ID3"
	MetadataSchemaMISBKLV  = "urn:misb:KLV:bin:1910.1"
)

// TimestampOffset is a presentation time expressed as BaseTime/Timescale
// seconds.
type TimestampOffset struct {
	BaseTime  int64
	Timescale uint32
}

// In90kHz returns the offset converted to the 90 kHz clock.
func (t *TimestampOffset) In90kHz() int64 {
	if t == nil || t.Timescale == 0 {
		return 0
	}
	if t.Timescale == Timescale {
		return t.BaseTime
	}
	return t.BaseTime * Timescale / int64(t.Timescale)
}

// pesBuffer accumulates TS payload chunks for one PES packet.
type pesBuffer struct {
	chunks [][]byte
	size   int
}

func (p *pesBuffer) append(b []byte) {
	p.chunks = append(p.chunks, b)
	p.size += len(b)
}

// Track holds the state shared by every elementary stream track.
type Track struct {
	ID        int
	Type      TrackType
	Timescale uint32
	// Codec is the segment codec: avc, hevc, aac, mp3 or ac3.
	Codec string
	// PID is the transport stream PID the track is bound to, -1 when unbound.
	PID      int
	Dropped  int
	Duration float64

	pes *pesBuffer
}

// PendingPES reports how many bytes of an incomplete PES the track holds.
func (t *Track) PendingPES() int {
	if t.pes == nil {
		return 0
	}
	return t.pes.size
}

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type  uint8
	Data  []byte
	state int
}

// VideoSample is one access unit.
type VideoSample struct {
	PTS   int64
	DTS   int64
	Key   bool
	Units []NALUnit
	// Debug lists the unit types seen, useful in logs.
	Debug string

	frame     bool
	hasPTS    bool
	decrypted bool
}

// AccessUnit returns the NAL unit payloads in order.
func (s *VideoSample) AccessUnit() [][]byte {
	au := make([][]byte, len(s.Units))
	for i, u := range s.Units {
		au[i] = u.Data
	}
	return au
}

// VideoTrack carries AVC or HEVC access units.
type VideoTrack struct {
	Track
	Samples []*VideoSample

	VPS [][]byte
	SPS [][]byte
	PPS [][]byte

	Width  int
	Height int
	// CodecString is the RFC 6381 codec parameter derived from the SPS.
	CodecString string
	// Data holds opaque fMP4 fragments on the passthrough path.
	Data []byte

	naluState int
	audFound  bool
}

// AudioSample is one audio frame. For AAC the ADTS header is stripped.
type AudioSample struct {
	PTS  int64
	Data []byte

	decrypted bool
}

// AudioTrack carries AAC, MPEG audio or AC-3 frames.
type AudioTrack struct {
	Track
	Samples []*AudioSample

	// Config is set for AAC tracks once the first ADTS header is seen.
	Config *mpeg4audio.AudioSpecificConfig
	// AC3 holds the header fields of the latest AC-3 frame.
	AC3             *AC3Info
	SampleRate      int
	Channels        int
	SamplesPerFrame int
	// ManifestCodec is the codec hint supplied by the caller, if any.
	ManifestCodec string
	// CodecString is the RFC 6381 codec parameter derived from the stream.
	CodecString string
}

// AC3Info holds the syncinfo and bit stream info fields that make up an
// AC-3 sample entry.
type AC3Info struct {
	Fscod       uint8
	Bsid        uint8
	Bsmod       uint8
	Acmod       uint8
	LfeOn       bool
	BitRateCode uint8
}

// MetadataSample is a timed metadata payload (ID3 or KLV).
type MetadataSample struct {
	PTS  int64
	DTS  int64
	Data []byte
	Type string
	// Duration is in seconds; +Inf means unbounded.
	Duration float64
}

// MetadataTrack carries timed metadata samples.
type MetadataTrack struct {
	Track
	Samples []*MetadataSample
}

// UserdataSample is a caption or user data SEI payload.
type UserdataSample struct {
	PTS         int64
	PayloadType int
	// UUID is set for user_data_unregistered payloads.
	UUID  string
	Bytes []byte
}

// TextTrack carries caption payloads extracted from video SEI.
type TextTrack struct {
	Track
	Samples []*UserdataSample
}

// TrackBundle is what a demux call produces.
type TrackBundle struct {
	Video *VideoTrack
	Audio *AudioTrack
	ID3   *MetadataTrack
	Text  *TextTrack
}

func newTrack(typ TrackType, id int, duration float64) Track {
	return Track{
		ID:        id,
		Type:      typ,
		Timescale: Timescale,
		PID:       -1,
		Duration:  duration,
	}
}

func newVideoTrack(duration float64) *VideoTrack {
	return &VideoTrack{Track: newTrack(TrackVideo, VideoTrackID, duration)}
}

func newAudioTrack(duration float64) *AudioTrack {
	return &AudioTrack{Track: newTrack(TrackAudio, AudioTrackID, duration)}
}

func newMetadataTrack() *MetadataTrack {
	return &MetadataTrack{Track: newTrack(TrackID3, ID3TrackID, 0)}
}

func newTextTrack() *TextTrack {
	return &TextTrack{Track: newTrack(TrackText, TextTrackID, 0)}
}

// emptyBundle returns fresh, unbound tracks.
func emptyBundle() TrackBundle {
	return TrackBundle{
		Video: newVideoTrack(0),
		Audio: newAudioTrack(0),
		ID3:   newMetadataTrack(),
		Text:  newTextTrack(),
	}
}
