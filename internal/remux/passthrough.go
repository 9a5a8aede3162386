package remux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/events"
)

// PassthroughRemuxer forwards fMP4 fragments. It only rewrites the tfdt
// decode times so that the output timeline starts at the initial PTS.
type PassthroughRemuxer struct {
	observer events.Observer
	logger   *slog.Logger

	audioCodec string
	videoCodec string

	initTracks map[string]*TrackInit
	timescales map[int]uint32
	videoID    int
	hasAudio   bool
	hasVideo   bool
	emitInit   bool

	// initPTS is in seconds.
	initPTS        float64
	hasInitPTS     bool
	initPTSDefault bool

	lastEndTime    float64
	hasLastEndTime bool
}

var _ Remuxer = (*PassthroughRemuxer)(nil)

// NewPassthroughRemuxer creates a passthrough remuxer.
func NewPassthroughRemuxer(opts Options) *PassthroughRemuxer {
	return &PassthroughRemuxer{
		observer: opts.observer(),
		logger:   opts.logger("passthrough-remuxer"),
	}
}

// ResetInitSegment parses init and schedules it for emission with the next
// fragment. Encrypted init segments are forwarded as is.
func (r *PassthroughRemuxer) ResetInitSegment(init []byte, audioCodec, videoCodec string, _ *crypt.KeyData) {
	r.audioCodec = audioCodec
	r.videoCodec = videoCodec
	r.generateInit(init)
	r.emitInit = true
}

func (r *PassthroughRemuxer) generateInit(init []byte) {
	r.initTracks = nil
	r.timescales = nil
	r.videoID = 0
	r.hasAudio, r.hasVideo = false, false
	if len(init) == 0 {
		return
	}

	var parsed fmp4.Init
	if err := parsed.Unmarshal(bytes.NewReader(init)); err != nil {
		events.EmitParsingError(r.observer, r.logger, fmt.Errorf("parsing init segment: %w", err), true)
		return
	}

	audioCodec, videoCodec := r.audioCodec, r.videoCodec
	timescales := make(map[int]uint32, len(parsed.Tracks))
	for _, track := range parsed.Tracks {
		value, isVideo, ok := codecString(track.Codec)
		if !ok {
			r.logger.Debug("ignoring init track", slog.Int("track_id", track.ID),
				slog.String("codec", fmt.Sprintf("%T", track.Codec)))
			continue
		}
		timescales[track.ID] = track.TimeScale
		if isVideo {
			r.hasVideo = true
			r.videoID = track.ID
			if value != "" {
				videoCodec = value
			}
		} else {
			r.hasAudio = true
			if value != "" {
				audioCodec = value
			}
		}
	}
	r.timescales = timescales

	switch {
	case r.hasAudio && r.hasVideo:
		r.initTracks = map[string]*TrackInit{"audiovideo": {
			ID: "main", Container: "video/mp4", Codec: audioCodec + "," + videoCodec, InitSegment: init,
		}}
	case r.hasAudio:
		r.initTracks = map[string]*TrackInit{"audio": {
			ID: "audio", Container: "audio/mp4", Codec: audioCodec, InitSegment: init,
		}}
	case r.hasVideo:
		r.initTracks = map[string]*TrackInit{"video": {
			ID: "main", Container: "video/mp4", Codec: videoCodec, InitSegment: init,
		}}
	default:
		r.logger.Warn("init segment has neither audio nor video tracks")
	}
}

// ResetTimeStamp sets the initial PTS. A default carried over from another
// rendition is recomputed on the next accurate fragment.
func (r *PassthroughRemuxer) ResetTimeStamp(defaultInitPTS *TimestampOffset) {
	r.hasInitPTS = defaultInitPTS != nil && defaultInitPTS.Timescale > 0
	r.initPTSDefault = r.hasInitPTS
	if r.hasInitPTS {
		r.initPTS = float64(defaultInitPTS.BaseTime) / float64(defaultInitPTS.Timescale)
	}
	r.hasLastEndTime = false
}

// ResetNextTimestamp forgets the end time of the previous fragment.
func (r *PassthroughRemuxer) ResetNextTimestamp() {
	r.hasLastEndTime = false
}

// Destroy is a no-op.
func (r *PassthroughRemuxer) Destroy() {}

// Remux forwards the fragments held on the video track.
func (r *PassthroughRemuxer) Remux(_ *demux.AudioTrack, video *demux.VideoTrack, id3 *demux.MetadataTrack, text *demux.TextTrack,
	timeOffset float64, accurateTimeOffset, _ bool, _ PlaylistType) RemuxResult {
	var result RemuxResult

	if !r.hasLastEndTime {
		r.lastEndTime = timeOffset
		r.hasLastEndTime = true
	}
	if video == nil || len(video.Data) == 0 {
		return result
	}
	data := video.Data
	video.Data = nil

	if r.timescales == nil {
		r.generateInit(data)
	}
	if r.timescales == nil {
		r.logger.Warn("failed to generate init segment")
		return result
	}

	var initSegment InitSegmentData
	emit := false
	if r.emitInit {
		initSegment.Tracks = r.initTracks
		r.emitInit = false
		emit = true
	}

	duration, startDTS, ok := r.fragmentTiming(data)
	decodeTime := timeOffset
	if ok {
		decodeTime = startDTS
	}

	if (accurateTimeOffset || !r.hasInitPTS) &&
		(r.isInvalidInitPTS(decodeTime, timeOffset, duration) || r.initPTSDefault) {
		initPTS := decodeTime - timeOffset
		if r.hasInitPTS && !r.initPTSDefault {
			r.logger.Warn("adjusting initial PTS",
				slog.Float64("time_offset", timeOffset),
				slog.Float64("from", r.initPTS),
				slog.Float64("to", initPTS))
		}
		r.initPTS = initPTS
		r.hasInitPTS = true
		r.initPTSDefault = false
		initSegment.InitPTS = &TimestampOffset{
			BaseTime:  int64(math.Round(initPTS * demux.Timescale)),
			Timescale: demux.Timescale,
		}
		emit = true
	}

	startTime := decodeTime - r.initPTS
	endTime := startTime + duration

	out := make([]byte, len(data))
	copy(out, data)
	r.rebaseDecodeTimes(out, r.initPTS)

	if duration > 0 {
		r.lastEndTime = endTime
	} else {
		r.logger.Warn("duration parsed from mp4 should be greater than zero")
		r.ResetNextTimestamp()
	}

	track := &RemuxedTrack{
		Data1:         out,
		StartPTS:      startTime,
		StartDTS:      startTime,
		EndPTS:        endTime,
		EndDTS:        endTime,
		HasAudio:      r.hasAudio,
		HasVideo:      r.hasVideo,
		NbSamples:     1,
		FirstKeyFrame: -1,
	}
	switch {
	case r.hasAudio && r.hasVideo:
		track.Type = "audiovideo"
	case r.hasAudio:
		track.Type = "audio"
	default:
		track.Type = "video"
	}
	if track.Type == "audio" {
		result.Audio = track
	} else {
		result.Video = track
	}
	if emit {
		result.InitSegment = &initSegment
	}

	initPTS90k := int64(math.Round(r.initPTS * demux.Timescale))
	result.ID3 = flushMetadataCues(id3, timeOffset, initPTS90k)
	result.Text = flushUserdataCues(text, timeOffset, initPTS90k)
	return result
}

func (r *PassthroughRemuxer) isInvalidInitPTS(startDTS, timeOffset, duration float64) bool {
	if !r.hasInitPTS {
		return true
	}
	minDuration := max(duration, 1)
	startTime := startDTS - r.initPTS
	return math.Abs(startTime-timeOffset) > minDuration
}

// fragmentTiming returns the duration and the earliest decode time of the
// fragments in data, in seconds. The video track's duration is preferred.
func (r *PassthroughRemuxer) fragmentTiming(data []byte) (duration, startDTS float64, ok bool) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		r.logger.Debug("unable to parse fragment timing", slog.String("error", err.Error()))
		return 0, 0, false
	}

	startDTS = math.Inf(1)
	durations := make(map[int]float64)
	for _, part := range parts {
		for _, track := range part.Tracks {
			timescale := r.timescales[track.ID]
			if timescale == 0 {
				continue
			}
			startDTS = min(startDTS, float64(track.BaseTime)/float64(timescale))
			var ticks uint64
			for _, s := range track.Samples {
				ticks += uint64(s.Duration)
			}
			durations[track.ID] += float64(ticks) / float64(timescale)
		}
	}
	if math.IsInf(startDTS, 1) {
		return 0, 0, false
	}

	if d, found := durations[r.videoID]; found && r.hasVideo {
		return d, startDTS, true
	}
	for _, d := range durations {
		duration = max(duration, d)
	}
	return duration, startDTS, true
}

// rebaseDecodeTimes subtracts offset seconds from every tfdt in data,
// clamping at zero.
func (r *PassthroughRemuxer) rebaseDecodeTimes(data []byte, offset float64) {
	demux.WalkBoxes(data, func(typ string, start, end int) bool {
		if typ != "moof" {
			return true
		}
		moof := data[start+8 : end]
		demux.WalkBoxes(moof, func(typ string, start, end int) bool {
			if typ != "traf" {
				return true
			}
			r.rebaseTraf(moof[start+8:end], offset)
			return true
		})
		return true
	})
}

func (r *PassthroughRemuxer) rebaseTraf(traf []byte, offset float64) {
	trackID := -1
	demux.WalkBoxes(traf, func(typ string, start, end int) bool {
		box := traf[start:end]
		switch typ {
		case "tfhd":
			if len(box) >= 16 {
				trackID = int(binary.BigEndian.Uint32(box[12:16]))
			}
		case "tfdt":
			timescale := r.timescales[trackID]
			if timescale == 0 || len(box) < 16 {
				return true
			}
			delta := int64(math.Round(offset * float64(timescale)))
			if box[8] == 1 && len(box) >= 20 {
				v := int64(binary.BigEndian.Uint64(box[12:20]))
				binary.BigEndian.PutUint64(box[12:20], uint64(max(0, v-delta)))
			} else {
				v := int64(binary.BigEndian.Uint32(box[12:16]))
				binary.BigEndian.PutUint32(box[12:16], uint32(max(0, v-delta)))
			}
		}
		return true
	})
}
