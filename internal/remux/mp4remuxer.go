package remux

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/events"
)

const (
	// defaultVideoSampleDuration is used for a lone video sample with no
	// previous duration to copy (~33ms at 90kHz).
	defaultVideoSampleDuration = 3000
	// gapTolerance bounds the difference between the video end and the audio
	// end that is left as is (100ms at 90kHz).
	gapTolerance = 9000
	// maxSilentFrameDuration bounds the audio gaps reported as holes.
	maxSilentFrameDuration = 10 * demux.Timescale
)

// MP4Remuxer packages elementary stream samples into fMP4. Every call
// consumes the samples it remuxes; a lone video sample is held back until the
// next call or a flush so that its duration can be derived.
type MP4Remuxer struct {
	observer events.Observer
	logger   *slog.Logger

	initGenerated bool
	audioConfig   string
	videoConfig   string
	initTracks    map[string]*TrackInit

	initPTS    int64
	hasInitPTS bool

	nextVideoDTS      int64
	hasNextVideoDTS   bool
	nextAudioPTS      float64
	hasNextAudioPTS   bool
	isVideoContiguous bool
	isAudioContiguous bool
	lastVideoDuration int64

	sequenceNumber uint32
}

var _ Remuxer = (*MP4Remuxer)(nil)

// NewMP4Remuxer creates an fMP4 remuxer.
func NewMP4Remuxer(opts Options) *MP4Remuxer {
	return &MP4Remuxer{
		observer:       opts.observer(),
		logger:         opts.logger("mp4-remuxer"),
		sequenceNumber: 1,
	}
}

// ResetInitSegment forces the init segments to be regenerated.
func (r *MP4Remuxer) ResetInitSegment(_ []byte, _, _ string, _ *crypt.KeyData) {
	r.initGenerated = false
	r.audioConfig = ""
	r.videoConfig = ""
	r.initTracks = nil
}

// ResetTimeStamp sets the initial PTS. A nil default makes the next remux
// compute it from the first samples.
func (r *MP4Remuxer) ResetTimeStamp(defaultInitPTS *TimestampOffset) {
	r.hasInitPTS = defaultInitPTS != nil
	r.initPTS = defaultInitPTS.In90kHz()
}

// ResetNextTimestamp breaks contiguity with the previous fragments.
func (r *MP4Remuxer) ResetNextTimestamp() {
	r.isVideoContiguous = false
	r.isAudioContiguous = false
}

// Destroy is a no-op.
func (r *MP4Remuxer) Destroy() {}

// Remux packages the samples held by the tracks.
func (r *MP4Remuxer) Remux(audio *demux.AudioTrack, video *demux.VideoTrack, id3 *demux.MetadataTrack, text *demux.TextTrack,
	timeOffset float64, accurateTimeOffset, flush bool, playlistType PlaylistType) RemuxResult {
	var result RemuxResult

	hasAudio := audio != nil && audio.PID > -1
	hasVideo := video != nil && video.PID > -1
	videoCount := 0
	if video != nil {
		videoCount = len(video.Samples)
	}
	enoughAudio := audio != nil && len(audio.Samples) > 0
	enoughVideo := (flush && videoCount > 0) || videoCount > 1
	canRemux := ((!hasAudio || enoughAudio) && (!hasVideo || enoughVideo)) || r.initGenerated || flush

	if canRemux {
		if init := r.generateInit(audio, video, enoughAudio, enoughVideo, timeOffset); init != nil {
			result.InitSegment = init
		}

		videoTimeOffset := timeOffset
		audioTimeOffset := timeOffset
		firstKeyFrame := -1
		var firstKeyFramePTS float64
		independent := true

		if enoughVideo {
			firstKeyFrame = findKeyFrame(video.Samples)
			if !r.isVideoContiguous {
				switch {
				case firstKeyFrame > 0:
					r.logger.Warn("dropped samples before the first key frame",
						slog.Int("dropped", firstKeyFrame), slog.Float64("time_offset", timeOffset))
					startPTS := videoStartPTS(video.Samples)
					video.Samples = video.Samples[firstKeyFrame:]
					video.Dropped += firstKeyFrame
					videoTimeOffset += float64(video.Samples[0].PTS-startPTS) / demux.Timescale
					firstKeyFramePTS = videoTimeOffset
					firstKeyFrame = 0
				case firstKeyFrame == -1:
					r.logger.Warn("no key frame found in video samples", slog.Int("samples", len(video.Samples)))
					independent = false
				}
			}
		}

		if r.initGenerated {
			if enoughAudio && enoughVideo {
				startPTS := videoStartPTS(video.Samples)
				delta := normalizePTS(audio.Samples[0].PTS, startPTS) - startPTS
				avDelta := float64(delta) / demux.Timescale
				audioTimeOffset += max(0, avDelta)
				videoTimeOffset += max(0, -avDelta)
			}

			if enoughAudio {
				alignedWithVideo := hasVideo || enoughVideo || playlistType == PlaylistAudio
				result.Audio = r.remuxAudio(audio, audioTimeOffset, accurateTimeOffset, alignedWithVideo, videoTimeOffset)
				if enoughVideo {
					audioLength := 0.0
					if result.Audio != nil {
						audioLength = result.Audio.EndPTS - result.Audio.StartPTS
					}
					result.Video = r.remuxVideo(video, videoTimeOffset, audioLength)
				}
			} else if enoughVideo {
				result.Video = r.remuxVideo(video, videoTimeOffset, 0)
			}

			if result.Video != nil {
				result.Video.FirstKeyFrame = firstKeyFrame
				result.Video.FirstKeyFramePTS = firstKeyFramePTS
				result.Video.Independent = firstKeyFrame != -1
				result.Independent = independent && result.Video.Independent
			} else {
				result.Independent = result.Audio != nil
			}
		}
	}

	if r.initGenerated && r.hasInitPTS {
		result.ID3 = flushMetadataCues(id3, timeOffset, r.initPTS)
		result.Text = flushUserdataCues(text, timeOffset, r.initPTS)
	}
	return result
}

// generateInit builds the init segments when none exist yet or when a
// track's codec configuration changed. It returns nil when nothing changed.
func (r *MP4Remuxer) generateInit(audio *demux.AudioTrack, video *demux.VideoTrack, enoughAudio, enoughVideo bool, timeOffset float64) *InitSegmentData {
	audioConfig, videoConfig := r.audioConfig, r.videoConfig
	if enoughAudio && audio.SampleRate > 0 {
		audioConfig = fmt.Sprintf("%s/%s/%d/%d", audio.Codec, audio.CodecString, audio.SampleRate, audio.Channels)
	}
	if enoughVideo {
		var sig bytes.Buffer
		sig.WriteString(video.Codec)
		for _, ps := range [][][]byte{video.VPS, video.SPS, video.PPS} {
			if len(ps) > 0 {
				sig.Write(ps[0])
			}
		}
		videoConfig = sig.String()
	}
	if r.initGenerated && audioConfig == r.audioConfig && videoConfig == r.videoConfig {
		return nil
	}

	tracks := make(map[string]*TrackInit)
	offset := int64(math.Round(timeOffset * demux.Timescale))
	initPTS := int64(math.MaxInt64)

	if enoughAudio && audio.SampleRate > 0 {
		if c, err := audioCodec(audio); err != nil {
			r.logger.Warn("unable to describe audio track", slog.String("error", err.Error()))
		} else if data, err := marshalInit(&fmp4.InitTrack{ID: demux.AudioTrackID, TimeScale: uint32(audio.SampleRate), Codec: c}); err != nil {
			r.emitMuxError(err)
		} else {
			codecParam := audio.CodecString
			if codecParam == "" {
				codecParam = audio.ManifestCodec
			}
			tracks["audio"] = &TrackInit{
				ID:          "audio",
				Container:   "audio/mp4",
				Codec:       codecParam,
				InitSegment: data,
				Metadata:    TrackMetadata{Channels: audio.Channels, SampleRate: audio.SampleRate},
			}
			initPTS = min(initPTS, audio.Samples[0].PTS-offset)
		}
	}

	if enoughVideo {
		if c, err := videoCodec(video); err != nil {
			r.logger.Warn("unable to describe video track", slog.String("error", err.Error()))
		} else if data, err := marshalInit(&fmp4.InitTrack{ID: demux.VideoTrackID, TimeScale: demux.Timescale, Codec: c}); err != nil {
			r.emitMuxError(err)
		} else {
			tracks["video"] = &TrackInit{
				ID:          "main",
				Container:   "video/mp4",
				Codec:       video.CodecString,
				InitSegment: data,
				Metadata:    TrackMetadata{Width: video.Width, Height: video.Height},
			}
			first := video.Samples[0]
			initPTS = min(initPTS, normalizePTS(first.DTS, first.PTS)-offset)
		}
	}

	if len(tracks) == 0 {
		return nil
	}

	for key, track := range r.initTracks {
		if _, ok := tracks[key]; !ok {
			tracks[key] = track
		}
	}
	r.initTracks = tracks
	r.initGenerated = true
	r.audioConfig, r.videoConfig = audioConfig, videoConfig

	data := &InitSegmentData{Tracks: tracks}
	if !r.hasInitPTS && initPTS != math.MaxInt64 {
		r.initPTS = initPTS
		r.hasInitPTS = true
		data.InitPTS = &TimestampOffset{BaseTime: initPTS, Timescale: demux.Timescale}
		r.logger.Debug("initial PTS computed", slog.Int64("init_pts", initPTS))
	}
	return data
}

type timedVideoSample struct {
	pts, dts int64
	sample   *demux.VideoSample
}

func (r *MP4Remuxer) remuxVideo(track *demux.VideoTrack, timeOffset float64, audioTrackLength float64) *RemuxedTrack {
	input := track.Samples
	track.Samples = nil
	dropped := track.Dropped
	track.Dropped = 0
	if len(input) == 0 {
		return nil
	}
	contiguous := r.isVideoContiguous && r.hasNextVideoDTS

	nextDTS := r.nextVideoDTS
	if !contiguous {
		first := input[0]
		cts := first.PTS - normalizePTS(first.DTS, first.PTS)
		nextDTS = int64(math.Round(timeOffset*demux.Timescale)) - cts
	}

	samples := make([]timedVideoSample, len(input))
	for i, s := range input {
		samples[i] = timedVideoSample{
			pts:    normalizePTS(s.PTS-r.initPTS, nextDTS),
			dts:    normalizePTS(s.DTS-r.initPTS, nextDTS),
			sample: s,
		}
	}
	sort.SliceStable(samples, func(a, b int) bool {
		if samples[a].dts != samples[b].dts {
			return samples[a].dts < samples[b].dts
		}
		return samples[a].pts < samples[b].pts
	})

	n := len(samples)
	averageDuration := r.lastVideoDuration
	if n > 1 {
		averageDuration = (samples[n-1].dts - samples[0].dts) / int64(n-1)
	}
	if averageDuration <= 0 {
		averageDuration = defaultVideoSampleDuration
	}

	if contiguous {
		delta := samples[0].dts - nextDTS
		hole := delta > averageDuration
		overlap := delta < -1
		if hole || overlap {
			r.logger.Debug("video timestamp discontinuity",
				slog.Int64("delta", delta), slog.Bool("hole", hole), slog.Float64("time_offset", timeOffset))
			firstPTS := samples[0].pts - delta
			if hole {
				samples[0].dts = nextDTS
				samples[0].pts = firstPTS
			} else if nextDTS >= samples[0].pts {
				for i := range samples {
					if samples[i].dts > firstPTS {
						break
					}
					samples[i].dts -= delta
					samples[i].pts -= delta
				}
			}
		}
	}

	durations := make([]int64, n)
	for i := 0; i < n-1; i++ {
		durations[i] = max(0, samples[i+1].dts-samples[i].dts)
	}
	lastDuration := averageDuration
	if n > 1 {
		lastDuration = durations[n-2]
	}
	if lastDuration <= 0 {
		lastDuration = averageDuration
	}

	minPTS, maxPTS := int64(math.MaxInt64), int64(math.MinInt64)
	for i := range samples {
		if samples[i].pts < samples[i].dts {
			samples[i].pts = samples[i].dts
		}
		minPTS = min(minPTS, samples[i].pts)
		maxPTS = max(maxPTS, samples[i].pts)
	}

	if audioTrackLength > 0 {
		deltaToEnd := minPTS + int64(math.Round(audioTrackLength*demux.Timescale)) - samples[n-1].pts
		if deltaToEnd > gapTolerance {
			stretched := deltaToEnd - lastDuration
			if stretched < 0 {
				stretched = lastDuration
			}
			lastDuration = stretched
		}
	}
	durations[n-1] = lastDuration

	out := make([]*fmp4.Sample, 0, n)
	firstDTS := samples[0].dts
	for i, s := range samples {
		fs := &fmp4.Sample{Duration: uint32(durations[i])}
		cts := int32(s.pts - s.dts)
		var err error
		if track.Codec == "hevc" {
			err = fs.FillH265(cts, s.sample.AccessUnit())
		} else {
			err = fs.FillH264(cts, s.sample.AccessUnit())
		}
		if err != nil {
			r.logger.Warn("dropping video sample", slog.Int64("dts", s.dts), slog.String("error", err.Error()))
			dropped++
			if len(out) > 0 {
				out[len(out)-1].Duration += uint32(durations[i])
			} else if i+1 < n {
				firstDTS = samples[i+1].dts
			}
			continue
		}
		fs.IsNonSyncSample = !s.sample.Key
		out = append(out, fs)
	}
	if len(out) == 0 {
		return nil
	}

	baseTime := firstDTS
	if baseTime < 0 {
		r.logger.Debug("clamping negative video decode time", slog.Int64("dts", baseTime))
		baseTime = 0
	}
	part := &fmp4.Part{
		SequenceNumber: r.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       demux.VideoTrackID,
			BaseTime: uint64(baseTime),
			Samples:  out,
		}},
	}
	moof, mdat, err := marshalPart(part)
	if err != nil {
		r.emitMuxError(err)
		return nil
	}
	r.sequenceNumber++

	lastDTS := samples[n-1].dts
	r.nextVideoDTS = lastDTS + lastDuration
	r.hasNextVideoDTS = true
	r.isVideoContiguous = true
	r.lastVideoDuration = lastDuration

	return &RemuxedTrack{
		Data1:         moof,
		Data2:         mdat,
		StartPTS:      float64(minPTS) / demux.Timescale,
		EndPTS:        float64(maxPTS+lastDuration) / demux.Timescale,
		StartDTS:      float64(firstDTS) / demux.Timescale,
		EndDTS:        float64(r.nextVideoDTS) / demux.Timescale,
		Type:          "video",
		HasVideo:      true,
		NbSamples:     len(out),
		Dropped:       dropped,
		FirstKeyFrame: -1,
	}
}

func (r *MP4Remuxer) remuxAudio(track *demux.AudioTrack, timeOffset float64, accurateTimeOffset, alignedWithVideo bool, videoTimeOffset float64) *RemuxedTrack {
	input := track.Samples
	track.Samples = nil
	if len(input) == 0 {
		return nil
	}
	if track.SampleRate <= 0 {
		r.logger.Warn("audio track has no sample rate, dropping samples", slog.Int("samples", len(input)))
		return nil
	}

	samplesPerFrame := track.SamplesPerFrame
	if samplesPerFrame == 0 {
		samplesPerFrame = 1024
	}
	sampleRate := float64(track.SampleRate)
	frameDuration := float64(samplesPerFrame) * demux.Timescale / sampleRate
	timeOffsetTS := timeOffset * demux.Timescale
	reference := int64(timeOffsetTS)

	pts := make([]float64, len(input))
	for i, s := range input {
		pts[i] = float64(normalizePTS(s.PTS-r.initPTS, reference))
	}

	nextPTS := r.nextAudioPTS
	contiguous := r.isAudioContiguous && r.hasNextAudioPTS
	if !contiguous && r.hasNextAudioPTS && nextPTS > 0 {
		contiguous = (accurateTimeOffset && math.Abs(timeOffsetTS-nextPTS) < gapTolerance) ||
			math.Abs(pts[0]-nextPTS) < 20*frameDuration
	}

	if !contiguous {
		keep := 0
		for i := range input {
			if pts[i] >= 0 {
				input[keep], pts[keep] = input[i], pts[i]
				keep++
			}
		}
		input, pts = input[:keep], pts[:keep]
		if len(input) == 0 {
			return nil
		}
		switch {
		case alignedWithVideo && videoTimeOffset == 0:
			nextPTS = 0
		case accurateTimeOffset && !alignedWithVideo:
			nextPTS = max(0, timeOffsetTS)
		default:
			nextPTS = pts[0]
		}
	}

	kept := input[:0]
	keptPTS := pts[:0]
	expected := nextPTS
	for i, s := range input {
		delta := pts[i] - expected
		switch {
		case delta <= -frameDuration && alignedWithVideo:
			if len(kept) == 0 {
				r.logger.Debug("audio starts before expected time, rebasing",
					slog.Float64("delta_ms", delta/90), slog.Float64("time_offset", timeOffset))
				expected = pts[i]
				nextPTS = pts[i]
			} else {
				track.Dropped++
				continue
			}
		case delta >= frameDuration && delta < maxSilentFrameDuration && alignedWithVideo:
			r.logger.Debug("audio gap detected",
				slog.Float64("gap_ms", delta/90), slog.Float64("time_offset", timeOffset))
			expected = pts[i]
		default:
			pts[i] = expected
		}
		kept = append(kept, s)
		keptPTS = append(keptPTS, pts[i])
		expected += frameDuration
	}
	dropped := track.Dropped
	track.Dropped = 0
	if len(kept) == 0 {
		return nil
	}

	ticks := make([]int64, len(kept))
	for i, p := range keptPTS {
		ticks[i] = int64(math.Round(p * sampleRate / demux.Timescale))
	}
	out := make([]*fmp4.Sample, len(kept))
	for i, s := range kept {
		duration := int64(samplesPerFrame)
		if i+1 < len(kept) {
			duration = max(0, ticks[i+1]-ticks[i])
		}
		out[i] = &fmp4.Sample{Duration: uint32(duration), Payload: s.Data}
	}

	baseTime := max(0, ticks[0])
	part := &fmp4.Part{
		SequenceNumber: r.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       demux.AudioTrackID,
			BaseTime: uint64(baseTime),
			Samples:  out,
		}},
	}
	moof, mdat, err := marshalPart(part)
	if err != nil {
		r.emitMuxError(err)
		return nil
	}
	r.sequenceNumber++

	endTicks := ticks[len(ticks)-1] + int64(samplesPerFrame)
	r.nextAudioPTS = float64(endTicks) * demux.Timescale / sampleRate
	r.hasNextAudioPTS = true
	r.isAudioContiguous = true

	return &RemuxedTrack{
		Data1:         moof,
		Data2:         mdat,
		StartPTS:      float64(baseTime) / sampleRate,
		EndPTS:        float64(endTicks) / sampleRate,
		StartDTS:      float64(baseTime) / sampleRate,
		EndDTS:        float64(endTicks) / sampleRate,
		Type:          "audio",
		HasAudio:      true,
		NbSamples:     len(out),
		Dropped:       dropped,
		FirstKeyFrame: -1,
		Independent:   true,
	}
}

func (r *MP4Remuxer) emitMuxError(err error) {
	r.logger.Error("remux failed", slog.String("error", err.Error()))
	r.observer.OnError(events.ErrorEvent{
		Type:    events.MuxError,
		Details: events.RemuxAllocError,
		Fatal:   false,
		Reason:  err.Error(),
		Err:     err,
	})
}

// findKeyFrame returns the index of the first key frame, or -1.
func findKeyFrame(samples []*demux.VideoSample) int {
	for i, s := range samples {
		if s.Key {
			return i
		}
	}
	return -1
}

// videoStartPTS returns the smallest PTS of samples, unwrapping rollover
// against the first sample.
func videoStartPTS(samples []*demux.VideoSample) int64 {
	first := samples[0].PTS
	start := first
	for _, s := range samples[1:] {
		pts := s.PTS
		if pts-start < -rolloverWindow {
			pts = normalizePTS(pts, first)
		}
		if pts < start {
			start = pts
		}
	}
	return start
}
