package demux

import (
	"context"
	"log/slog"
	"math"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/events"
)

// audioFramer recognises and extracts frames of one raw audio format.
type audioFramer struct {
	codec     string
	canParse  func(data []byte, offset int) bool
	configure func(track *AudioTrack, data []byte, offset int) error
	// appendFrame pushes a complete frame and returns it with its length,
	// or nil when the frame is incomplete or invalid.
	appendFrame func(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) (*AudioSample, int)
}

var aacFramer = audioFramer{
	codec:     "aac",
	canParse:  canParseADTS,
	configure: initADTSTrackConfig,
	appendFrame: func(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) (*AudioSample, int) {
		frame := appendADTSFrame(track, data, offset, pts, frameIndex)
		if frame.missing != 0 {
			return nil, 0
		}
		return frame.sample, frame.length
	},
}

var mp3Framer = audioFramer{
	codec:       "mp3",
	canParse:    canParseMPEGAudio,
	appendFrame: lastSampleFramer(appendMPEGAudioFrame),
}

var ac3Framer = audioFramer{
	codec: "ac3",
	// The AC-3 header needs the first 64 bytes of the frame.
	canParse:    func(data []byte, offset int) bool { return offset+64 < len(data) },
	appendFrame: lastSampleFramer(appendAC3Frame),
}

func lastSampleFramer(fn func(*AudioTrack, []byte, int, int64, int) int) func(*AudioTrack, []byte, int, int64, int) (*AudioSample, int) {
	return func(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) (*AudioSample, int) {
		n := fn(track, data, offset, pts, frameIndex)
		if n == 0 {
			return nil, 0
		}
		return track.Samples[len(track.Samples)-1], n
	}
}

// AudioDemuxer demuxes raw ADTS, MPEG audio and AC-3 segments. ID3 tags in
// the stream become metadata samples; the leading tag anchors the timestamps.
type AudioDemuxer struct {
	framer   audioFramer
	observer events.Observer
	logger   *slog.Logger

	audio *AudioTrack
	id3   *MetadataTrack

	frameIndex int
	cachedData []byte
	basePTS    int64
	hasBasePTS bool
	lastPTS    int64
	hasLastPTS bool
	initPTS    *TimestampOffset
}

var _ Demuxer = (*AudioDemuxer)(nil)

// NewAACDemuxer creates a demuxer for raw ADTS segments.
func NewAACDemuxer(opts Options) *AudioDemuxer {
	return newAudioDemuxer(aacFramer, opts)
}

// NewMP3Demuxer creates a demuxer for raw MPEG audio segments.
func NewMP3Demuxer(opts Options) *AudioDemuxer {
	return newAudioDemuxer(mp3Framer, opts)
}

// NewAC3Demuxer creates a demuxer for raw AC-3 segments.
func NewAC3Demuxer(opts Options) *AudioDemuxer {
	return newAudioDemuxer(ac3Framer, opts)
}

func newAudioDemuxer(framer audioFramer, opts Options) *AudioDemuxer {
	d := &AudioDemuxer{
		framer:   framer,
		observer: opts.observer(),
		logger:   opts.logger(framer.codec + "-demuxer"),
	}
	d.ResetInitSegment(nil, "", "", 0)
	return d
}

// Codec returns the segment codec the demuxer produces.
func (d *AudioDemuxer) Codec() string {
	return d.framer.codec
}

// ProbeAAC reports whether data is a raw ADTS stream, optionally preceded by
// ID3 tags.
func ProbeAAC(data []byte) bool {
	offset := len(id3Data(data, 0))
	if probeMPEGAudio(data, offset) {
		return false
	}
	for ; offset < len(data); offset++ {
		if probeADTS(data, offset) {
			return true
		}
	}
	return false
}

// ProbeMP3 reports whether data is a raw MPEG audio stream.
func ProbeMP3(data []byte) bool {
	tag := id3Data(data, 0)
	offset := len(tag)
	if tag != nil && isAC3Sync(data, offset) {
		if _, ok := id3Timestamp(tag); ok && ac3BSID(data, offset) <= 16 {
			return false
		}
	}
	for ; offset < len(data); offset++ {
		if probeMPEGAudio(data, offset) {
			return true
		}
	}
	return false
}

// ProbeAC3 reports whether data is a raw AC-3 stream. Raw AC-3 segments must
// start with an ID3 tag carrying a timestamp.
func ProbeAC3(data []byte) bool {
	tag := id3Data(data, 0)
	if tag == nil {
		return false
	}
	offset := len(tag)
	if !isAC3Sync(data, offset) {
		return false
	}
	if _, ok := id3Timestamp(tag); !ok {
		return false
	}
	bsid := ac3BSID(data, offset)
	return bsid >= 0 && bsid < 16
}

// ResetInitSegment recreates the tracks.
func (d *AudioDemuxer) ResetInitSegment(_ []byte, audioCodec, _ string, duration float64) {
	d.audio = newAudioTrack(duration)
	d.audio.Codec = d.framer.codec
	d.audio.ManifestCodec = audioCodec
	d.id3 = newMetadataTrack()
}

// ResetTimeStamp sets the timestamp used when a segment carries no ID3
// timestamp.
func (d *AudioDemuxer) ResetTimeStamp(defaultInitPTS *TimestampOffset) {
	d.initPTS = defaultInitPTS
	d.ResetContiguity()
}

// ResetContiguity forgets the timestamp base.
func (d *AudioDemuxer) ResetContiguity() {
	d.hasBasePTS = false
	d.hasLastPTS = false
	d.frameIndex = 0
}

// Demux parses data. A trailing partial frame is cached for the next call.
func (d *AudioDemuxer) Demux(data []byte, timeOffset float64, _, _ bool) TrackBundle {
	if len(d.cachedData) > 0 {
		merged := make([]byte, 0, len(d.cachedData)+len(data))
		merged = append(merged, d.cachedData...)
		data = append(merged, data...)
		d.cachedData = nil
	}

	tag := id3Data(data, 0)
	offset := len(tag)
	lastDataIndex := offset
	length := len(data)

	timestamp, hasTimestamp := int64(0), false
	if tag != nil {
		timestamp, hasTimestamp = id3Timestamp(tag)
	}
	if !d.hasBasePTS || (d.frameIndex == 0 && hasTimestamp) {
		d.basePTS = d.initialPTS(timestamp, hasTimestamp, timeOffset)
		d.hasBasePTS = true
		d.lastPTS = d.basePTS
		d.hasLastPTS = true
	}
	if !d.hasLastPTS {
		d.lastPTS = d.basePTS
		d.hasLastPTS = true
	}

	if len(tag) > 0 {
		d.pushID3(tag)
	}

	for offset < length {
		switch {
		case d.framer.canParse(data, offset):
			if d.framer.configure != nil {
				if err := d.framer.configure(d.audio, data, offset); err != nil {
					events.EmitParsingError(d.observer, d.logger, err, true)
				}
			}
			sample, n := d.framer.appendFrame(d.audio, data, offset, d.basePTS, d.frameIndex)
			if sample == nil {
				offset = length
				break
			}
			d.frameIndex++
			d.lastPTS = sample.PTS
			offset += n
			lastDataIndex = offset

		case canParseID3(data, offset):
			tag := id3Data(data, offset)
			d.pushID3(tag)
			offset += len(tag)
			lastDataIndex = offset

		default:
			offset++
		}

		if offset >= length && lastDataIndex < length {
			d.cachedData = append(d.cachedData, data[lastDataIndex:]...)
		}
	}

	return d.bundle()
}

// initialPTS returns the first sample timestamp: the ID3 timestamp when
// present, otherwise timeOffset on the default initial PTS.
func (d *AudioDemuxer) initialPTS(timestamp int64, hasTimestamp bool, timeOffset float64) int64 {
	if hasTimestamp {
		return timestamp
	}
	return int64(math.Round(timeOffset*Timescale)) + d.initPTS.In90kHz()
}

func (d *AudioDemuxer) pushID3(tag []byte) {
	d.id3.Samples = append(d.id3.Samples, &MetadataSample{
		PTS:      d.lastPTS,
		DTS:      d.lastPTS,
		Data:     tag,
		Type:     MetadataSchemaAudioID3,
		Duration: infiniteDuration,
	})
}

func (d *AudioDemuxer) bundle() TrackBundle {
	return TrackBundle{
		Video: newVideoTrack(0),
		Audio: d.audio,
		ID3:   d.id3,
		Text:  newTextTrack(),
	}
}

// DemuxSampleAES is not supported for raw audio.
func (d *AudioDemuxer) DemuxSampleAES(context.Context, []byte, crypt.KeyData, float64) (TrackBundle, error) {
	return TrackBundle{}, ErrSampleAESUnsupported
}

// Flush parses the cached partial data.
func (d *AudioDemuxer) Flush(context.Context) (TrackBundle, error) {
	cached := d.cachedData
	if len(cached) == 0 {
		return d.bundle(), nil
	}
	d.cachedData = nil
	return d.Demux(cached, 0, false, true), nil
}

// Destroy drops cached data.
func (d *AudioDemuxer) Destroy() {
	d.cachedData = nil
}
