package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	codecs "github.com/jmylchreest/transmux/internal/codec"
	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/events"
	"github.com/jmylchreest/transmux/internal/observability"
)

// emsgID3Scheme matches the ID3 emsg scheme URIs in use.
var emsgID3Scheme = regexp.MustCompile(`(?i)/emsg[-/]ID3`)

const emsgUnboundedDuration = 0xffffffff

// MP4Demuxer passes fragmented MP4 through untouched. It only extracts emsg
// timed metadata; the fragments themselves travel on the video track Data.
type MP4Demuxer struct {
	cfg      Config
	observer events.Observer
	logger   *slog.Logger

	video *VideoTrack
	audio *AudioTrack
	id3   *MetadataTrack
	text  *TextTrack

	timeOffset float64
	remainder  []byte
}

var _ Demuxer = (*MP4Demuxer)(nil)

// NewMP4Demuxer creates an fMP4 passthrough demuxer.
func NewMP4Demuxer(opts Options) *MP4Demuxer {
	d := &MP4Demuxer{
		cfg:      opts.Config,
		observer: opts.observer(),
		logger:   opts.logger("mp4-demuxer"),
	}
	d.ResetInitSegment(nil, "", "", 0)
	return d
}

// ProbeMP4 reports whether data holds a movie fragment.
func ProbeMP4(data []byte) bool {
	found := false
	WalkBoxes(data, func(typ string, _, _ int) bool {
		found = typ == "moof"
		return !found
	})
	return found
}

// WalkBoxes calls fn for every top-level box of data with its type and the
// bounds of the whole box. A box running past the end of data is clamped. Walking stops
// when fn returns false.
func WalkBoxes(data []byte, fn func(typ string, start, end int) bool) {
	for i := 0; i+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[i:]))
		typ := string(data[i+4 : i+8])
		header := 8
		switch size {
		case 0:
			size = len(data) - i
		case 1:
			if i+16 > len(data) {
				return
			}
			large := binary.BigEndian.Uint64(data[i+8:])
			if large > uint64(len(data)-i) {
				size = len(data) - i
			} else {
				size = int(large)
			}
			header = 16
		}
		if size < header {
			return
		}
		end := min(i+size, len(data))
		if !fn(typ, i, end) {
			return
		}
		i += size
	}
}

// segmentValidRange splits data before its last moof so that only complete
// fragments are forwarded. With fewer than two fragments everything is
// remainder.
func segmentValidRange(data []byte) (valid, remainder []byte) {
	var moofs []int
	WalkBoxes(data, func(typ string, start, _ int) bool {
		if typ == "moof" {
			moofs = append(moofs, start)
		}
		return true
	})
	if len(moofs) < 2 {
		return nil, data
	}
	last := moofs[len(moofs)-1]
	return data[:last], data[last:]
}

// ResetInitSegment reads track ids, timescales and codecs from init.
func (d *MP4Demuxer) ResetInitSegment(init []byte, audioCodec, videoCodec string, duration float64) {
	d.video = newVideoTrack(duration)
	d.audio = newAudioTrack(duration)
	d.audio.ManifestCodec = audioCodec
	d.id3 = newMetadataTrack()
	d.text = newTextTrack()
	d.timeOffset = 0

	if len(init) == 0 {
		return
	}

	var parsed fmp4.Init
	if err := parsed.Unmarshal(bytes.NewReader(init)); err != nil {
		events.EmitParsingError(d.observer, d.logger, fmt.Errorf("parsing init segment: %w", err), true)
		return
	}

	for _, track := range parsed.Tracks {
		switch codec := track.Codec.(type) {
		case *mcmp4.CodecH264:
			d.video.ID = track.ID
			d.video.Timescale = track.TimeScale
			d.video.Codec = "avc"
			d.video.SPS = [][]byte{codec.SPS}
			d.video.PPS = [][]byte{codec.PPS}
			d.video.CodecString = codecs.AVCString(codec.SPS)
		case *mcmp4.CodecH265:
			d.video.ID = track.ID
			d.video.Timescale = track.TimeScale
			d.video.Codec = "hevc"
			d.video.VPS = [][]byte{codec.VPS}
			d.video.SPS = [][]byte{codec.SPS}
			d.video.PPS = [][]byte{codec.PPS}
			d.video.CodecString = codecs.HEVCString(codec.SPS)
		case *mcmp4.CodecMPEG4Audio:
			cfg := codec.Config
			d.audio.ID = track.ID
			d.audio.Timescale = track.TimeScale
			d.audio.Codec = "aac"
			d.audio.Config = &cfg
			d.audio.SampleRate = cfg.SampleRate
			d.audio.Channels = cfg.ChannelCount
			d.audio.CodecString = codecs.AACString(int(cfg.Type))
		case *mcmp4.CodecMPEG1Audio:
			d.audio.ID = track.ID
			d.audio.Timescale = track.TimeScale
			d.audio.Codec = "mp3"
			d.audio.SampleRate = codec.SampleRate
			d.audio.Channels = codec.ChannelCount
			d.audio.CodecString = codecs.MP3String
		case *mcmp4.CodecAC3:
			d.audio.ID = track.ID
			d.audio.Timescale = track.TimeScale
			d.audio.Codec = "ac3"
			d.audio.SampleRate = codec.SampleRate
			d.audio.Channels = codec.ChannelCount
			d.audio.CodecString = codecs.AC3String
		default:
			d.logger.Debug("ignoring init track", slog.Int("track_id", track.ID),
				slog.String("codec", fmt.Sprintf("%T", codec)))
		}
	}
	d.text.Timescale = d.video.Timescale
}

// ResetContiguity drops the progressive remainder.
func (d *MP4Demuxer) ResetContiguity() {
	d.remainder = nil
}

// ResetTimeStamp is a no-op: fragments carry their own decode times.
func (d *MP4Demuxer) ResetTimeStamp(*TimestampOffset) {}

// Demux forwards data on the video track. In progressive mode only complete
// fragments are forwarded and the rest is kept for the next call.
func (d *MP4Demuxer) Demux(data []byte, timeOffset float64, _, _ bool) TrackBundle {
	d.timeOffset = timeOffset

	if d.cfg.Progressive {
		if len(d.remainder) > 0 {
			merged := make([]byte, 0, len(d.remainder)+len(data))
			merged = append(merged, d.remainder...)
			data = append(merged, data...)
		}
		var valid []byte
		valid, d.remainder = segmentValidRange(data)
		d.video.Data = valid
	} else {
		d.video.Data = data
	}

	d.extractEmsg(d.video.Data, timeOffset)
	return TrackBundle{Video: d.video, Audio: d.audio, ID3: d.id3, Text: d.text}
}

// extractEmsg turns the top-level emsg boxes of data into metadata samples.
func (d *MP4Demuxer) extractEmsg(data []byte, timeOffset float64) {
	WalkBoxes(data, func(typ string, start, end int) bool {
		d.logger.Log(context.Background(), observability.LevelTrace, "box",
			slog.String("type", typ), slog.Int("offset", start), slog.Int("size", end-start))
		if typ != "emsg" {
			return true
		}
		box, err := mp4.DecodeBox(uint64(start), bytes.NewReader(data[start:end]))
		if err != nil {
			d.logger.Warn("unable to decode emsg box", slog.Int("offset", start), slog.String("error", err.Error()))
			return true
		}
		emsg, ok := box.(*mp4.EmsgBox)
		if !ok || emsg.TimeScale == 0 {
			return true
		}

		switch {
		case emsgID3Scheme.MatchString(emsg.SchemeIDURI):
			pts := emsgStartTime(emsg, timeOffset)
			duration := math.Inf(1)
			if emsg.EventDuration != emsgUnboundedDuration {
				duration = float64(emsg.EventDuration) / float64(emsg.TimeScale)
			}
			if duration <= 0.001 {
				duration = math.Inf(1)
			}
			d.id3.Samples = append(d.id3.Samples, &MetadataSample{
				PTS:      pts,
				DTS:      pts,
				Data:     emsg.MessageData,
				Type:     MetadataSchemaEmsg,
				Duration: duration,
			})

		case d.cfg.EnableEmsgKLVMetadata && strings.HasPrefix(emsg.SchemeIDURI, MetadataSchemaMISBKLV):
			pts := emsgStartTime(emsg, timeOffset)
			d.id3.Samples = append(d.id3.Samples, &MetadataSample{
				PTS:      pts,
				DTS:      pts,
				Data:     emsg.MessageData,
				Type:     MetadataSchemaMISBKLV,
				Duration: infiniteDuration,
			})
		}
		return true
	})
}

// emsgStartTime returns the event start on the 90 kHz clock. Version 1 boxes
// carry an absolute presentation time; version 0 boxes a delta from the
// segment start.
func emsgStartTime(emsg *mp4.EmsgBox, timeOffset float64) int64 {
	var seconds float64
	if emsg.Version == 1 {
		seconds = float64(emsg.PresentationTime) / float64(emsg.TimeScale)
	} else {
		seconds = timeOffset + float64(emsg.PresentationTimeDelta)/float64(emsg.TimeScale)
	}
	return int64(math.Round(seconds * Timescale))
}

// DemuxSampleAES is not supported for fMP4.
func (d *MP4Demuxer) DemuxSampleAES(context.Context, []byte, crypt.KeyData, float64) (TrackBundle, error) {
	return TrackBundle{}, fmt.Errorf("mp4 demuxer: %w", ErrSampleAESUnsupported)
}

// Flush forwards the progressive remainder.
func (d *MP4Demuxer) Flush(context.Context) (TrackBundle, error) {
	d.video.Data = d.remainder
	d.remainder = nil
	d.extractEmsg(d.video.Data, d.timeOffset)
	return TrackBundle{Video: d.video, Audio: newAudioTrack(0), ID3: d.id3, Text: newTextTrack()}, nil
}

// Destroy drops the remainder.
func (d *MP4Demuxer) Destroy() {
	d.remainder = nil
}
