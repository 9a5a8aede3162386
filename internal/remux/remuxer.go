// Package remux turns demuxed tracks into fragmented MP4.
//
// The MP4Remuxer builds per-track init segments and moof/mdat fragments from
// elementary stream samples. The PassthroughRemuxer forwards fMP4 input,
// rebasing its decode times onto the shared initial PTS.
package remux

import (
	"log/slog"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/events"
)

// TimestampOffset is a presentation time expressed as BaseTime/Timescale.
type TimestampOffset = demux.TimestampOffset

// PlaylistType identifies the playlist a segment belongs to.
type PlaylistType string

// Playlist types.
const (
	PlaylistMain     PlaylistType = "main"
	PlaylistAudio    PlaylistType = "audio"
	PlaylistSubtitle PlaylistType = "subtitle"
)

// Remuxer converts one demux call's tracks into fragments.
type Remuxer interface {
	Remux(audio *demux.AudioTrack, video *demux.VideoTrack, id3 *demux.MetadataTrack, text *demux.TextTrack,
		timeOffset float64, accurateTimeOffset, flush bool, playlistType PlaylistType) RemuxResult
	ResetInitSegment(init []byte, audioCodec, videoCodec string, decryptData *crypt.KeyData)
	ResetTimeStamp(defaultInitPTS *TimestampOffset)
	ResetNextTimestamp()
	Destroy()
}

// Options are shared by the remuxers.
type Options struct {
	Observer events.Observer
	Logger   *slog.Logger
}

func (o Options) logger(component string) *slog.Logger {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

func (o Options) observer() events.Observer {
	if o.Observer == nil {
		return events.Discard
	}
	return o.Observer
}

// TrackMetadata describes a track in an init segment.
type TrackMetadata struct {
	Width      int
	Height     int
	Channels   int
	SampleRate int
}

// TrackInit is the init segment of one output track.
type TrackInit struct {
	// ID is "main" for the video (or muxed) track and "audio" otherwise.
	ID          string
	Container   string
	Codec       string
	InitSegment []byte
	Metadata    TrackMetadata
}

// InitSegmentData is emitted when init segments are (re)generated or the
// initial PTS changes.
type InitSegmentData struct {
	// Tracks is keyed by "audio", "video" or "audiovideo".
	Tracks map[string]*TrackInit
	// InitPTS is set when the initial PTS was computed by this call.
	InitPTS *TimestampOffset
}

// RemuxedTrack is one fragment of output. Times are in seconds.
type RemuxedTrack struct {
	// Data1 holds the moof box, Data2 the mdat box. Passthrough output keeps
	// the whole fragment in Data1.
	Data1 []byte
	Data2 []byte

	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64

	Type      string
	HasAudio  bool
	HasVideo  bool
	NbSamples int
	Dropped   int

	// FirstKeyFrame is the sample index of the first random access point,
	// -1 when there is none.
	FirstKeyFrame    int
	FirstKeyFramePTS float64
	Independent      bool
}

// MetadataCue is a timed metadata sample re-timed onto the output timeline.
type MetadataCue struct {
	PTS      float64
	DTS      float64
	Data     []byte
	Type     string
	Duration float64
}

// UserdataCue is a caption or user data SEI payload on the output timeline.
type UserdataCue struct {
	PTS         float64
	PayloadType int
	UUID        string
	Bytes       []byte
}

// RemuxResult is the output of one Remux call.
type RemuxResult struct {
	InitSegment *InitSegmentData
	Audio       *RemuxedTrack
	Video       *RemuxedTrack
	ID3         []MetadataCue
	Text        []UserdataCue
	Independent bool
}

// Empty reports whether the result carries nothing.
func (r RemuxResult) Empty() bool {
	return r.InitSegment == nil && r.Audio == nil && r.Video == nil &&
		len(r.ID3) == 0 && len(r.Text) == 0
}

const (
	rolloverPeriod = int64(1) << 33
	rolloverWindow = int64(1) << 32
)

// normalizePTS unwraps a 33-bit timestamp so that it lies within 2^32 ticks
// of reference.
func normalizePTS(value, reference int64) int64 {
	offset := rolloverPeriod
	if reference < value {
		offset = -rolloverPeriod
	}
	for abs64(value-reference) > rolloverWindow {
		value += offset
	}
	return value
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// flushMetadataCues re-times the metadata samples of track relative to
// initPTS and removes them from the track.
func flushMetadataCues(track *demux.MetadataTrack, timeOffset float64, initPTS int64) []MetadataCue {
	if track == nil || len(track.Samples) == 0 {
		return nil
	}
	scale := float64(track.Timescale)
	reference := int64(timeOffset * scale)
	cues := make([]MetadataCue, 0, len(track.Samples))
	for _, s := range track.Samples {
		cues = append(cues, MetadataCue{
			PTS:      float64(normalizePTS(s.PTS-initPTS, reference)) / scale,
			DTS:      float64(normalizePTS(s.DTS-initPTS, reference)) / scale,
			Data:     s.Data,
			Type:     s.Type,
			Duration: s.Duration,
		})
	}
	track.Samples = nil
	return cues
}

// flushUserdataCues re-times the user data samples of track relative to
// initPTS and removes them from the track.
func flushUserdataCues(track *demux.TextTrack, timeOffset float64, initPTS int64) []UserdataCue {
	if track == nil || len(track.Samples) == 0 {
		return nil
	}
	scale := float64(demux.Timescale)
	reference := int64(timeOffset * scale)
	cues := make([]UserdataCue, 0, len(track.Samples))
	for _, s := range track.Samples {
		cues = append(cues, UserdataCue{
			PTS:         float64(normalizePTS(s.PTS-initPTS, reference)) / scale,
			PayloadType: s.PayloadType,
			UUID:        s.UUID,
			Bytes:       s.Bytes,
		})
	}
	track.Samples = nil
	return cues
}
